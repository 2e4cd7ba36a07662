// Package queue consumes episode-processing jobs from SQS and routes
// handler outcomes back into queue actions (delete, requeue, leave for
// redelivery).
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message is one validated episode-processing job.
type Message struct {
	EpisodeID string

	// Force flags are advisory hints from upstream tooling. They are
	// accepted as bools or strings and surfaced for logging only.
	ForceVideoChunking bool
	ForceVideoQuotes   bool
}

// rawMessage tolerates the loose typing producers use for the force
// flags. Unknown fields are ignored.
type rawMessage struct {
	EpisodeID          string `json:"episodeId"`
	ForceVideoChunking any    `json:"force_video_chunking"`
	ForceVideoQuotes   any    `json:"force_video_quotes"`
}

// ParseMessage validates a queue message body. episodeId is required and
// must be a non-empty string.
func ParseMessage(body []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Message{}, fmt.Errorf("decode message body: %w", err)
	}
	id := strings.TrimSpace(raw.EpisodeID)
	if id == "" {
		return Message{}, errors.New("message missing episodeId")
	}
	return Message{
		EpisodeID:          id,
		ForceVideoChunking: truthy(raw.ForceVideoChunking),
		ForceVideoQuotes:   truthy(raw.ForceVideoQuotes),
	}, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}

// Outcome is the handler's verdict on one message.
type Outcome int

const (
	// OutcomeSuccess means the episode is done or there was nothing to
	// do. The consumer still confirms flag state before deleting.
	OutcomeSuccess Outcome = iota
	// OutcomeNotReady means writes landed but validation could not
	// observe them yet. The message is requeued with a delay.
	OutcomeNotReady
	// OutcomeFailed means the run aborted. The message is left for the
	// broker to redeliver after the visibility timeout.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}
