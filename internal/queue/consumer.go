package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// State is the consumer lifecycle phase, exposed on the ops endpoint.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

const (
	emptyPollBackoffStart = time.Second
	emptyPollBackoffCap   = 20 * time.Second

	// stopOnIdleAfter is the legacy stop-on-idle threshold: consecutive
	// empty polls before a consumer configured that way exits.
	stopOnIdleAfter = 3
)

// Handler processes one message end-to-end. The consumer never cancels
// it; drain waits for it to return.
type Handler func(ctx context.Context, msg Message) Outcome

// FlagChecker re-reads the store after a Success outcome and reports
// whether both category flags are now set.
type FlagChecker func(ctx context.Context, episodeID string) (quotingDone, chunkingDone bool, err error)

// Alarms is the alarm-metric surface the consumer needs.
type Alarms interface {
	NotReadyExceeded(ctx context.Context, episodeID string)
}

// SQSAPI is the queue surface the consumer calls. *sqs.Client satisfies
// it.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// ConsumerOptions carries the queue tuning knobs from configuration.
type ConsumerOptions struct {
	QueueURL                 string
	WaitTimeSeconds          int32
	VisibilityTimeoutSeconds int32
	RequeueDelaySeconds      int32
	NotReadyEscalationCount  int
	StopOnIdle               bool
}

// Consumer long-polls one queue and processes messages sequentially.
type Consumer struct {
	client      SQSAPI
	opts        ConsumerOptions
	handler     Handler
	ensureFlags FlagChecker
	alarms      Alarms

	mu       sync.Mutex
	state    State
	notReady map[string]int
}

func NewConsumer(client SQSAPI, opts ConsumerOptions, handler Handler, ensureFlags FlagChecker, alarms Alarms) *Consumer {
	if opts.NotReadyEscalationCount < 1 {
		opts.NotReadyEscalationCount = 3
	}
	if opts.RequeueDelaySeconds < 0 {
		opts.RequeueDelaySeconds = 0
	}
	return &Consumer{
		client:      client,
		opts:        opts,
		handler:     handler,
		ensureFlags: ensureFlags,
		alarms:      alarms,
		state:       StateIdle,
		notReady:    make(map[string]int),
	}
}

// State reports the current lifecycle phase.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Drain asks the consumer to stop fetching after the in-flight message
// completes. Safe to call from any goroutine, repeatedly.
func (c *Consumer) Drain(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDraining || c.state == StateStopped {
		return
	}
	c.state = StateDraining
	slog.Info("consumer draining", "reason", reason)
}

func (c *Consumer) draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDraining
}

// Run polls until drain, context cancellation, or (in legacy stop-on-idle
// mode) a run of empty polls. It returns nil on any orderly stop.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.state = StatePolling
	}
	c.mu.Unlock()
	defer c.setState(StateStopped)

	backoff := emptyPollBackoffStart
	emptyPolls := 0

	for {
		if c.draining() {
			slog.Info("drain requested, consumer stopping")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.opts.QueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     c.opts.WaitTimeSeconds,
			VisibilityTimeout:   c.opts.VisibilityTimeoutSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("receive failed", "queue", c.opts.QueueURL, "error", err)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if len(out.Messages) == 0 {
			emptyPolls++
			if c.opts.StopOnIdle && emptyPolls >= stopOnIdleAfter {
				slog.Info("queue idle, stopping", "empty_polls", emptyPolls)
				return nil
			}
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		emptyPolls = 0
		backoff = emptyPollBackoffStart

		for i := range out.Messages {
			if c.draining() {
				// Hand the unstarted message straight back.
				c.makeVisible(ctx, &out.Messages[i])
				slog.Info("drain requested, returning unprocessed message to queue")
				return nil
			}
			c.handleMessage(ctx, &out.Messages[i])
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, raw *types.Message) {
	body := aws.ToString(raw.Body)
	msg, err := ParseMessage([]byte(body))
	if err != nil {
		slog.Warn("dropping malformed message", "error", err, "body_bytes", len(body))
		c.deleteMessage(ctx, raw)
		return
	}

	slog.Info("processing message",
		"episode_id", msg.EpisodeID,
		"force_video_chunking", msg.ForceVideoChunking,
		"force_video_quotes", msg.ForceVideoQuotes)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go c.heartbeat(hbCtx, raw, hbDone)

	started := time.Now()
	outcome := c.handler(ctx, msg)

	stopHeartbeat()
	<-hbDone
	// One last lease extension so routing has the full window.
	c.extendVisibility(ctx, raw)

	slog.Info("handler finished",
		"episode_id", msg.EpisodeID,
		"outcome", outcome.String(),
		"elapsed", time.Since(started).Round(time.Millisecond))

	c.routeOutcome(ctx, raw, msg, outcome)
}

func (c *Consumer) routeOutcome(ctx context.Context, raw *types.Message, msg Message, outcome Outcome) {
	switch outcome {
	case OutcomeSuccess:
		if c.flagsConfirmed(ctx, msg.EpisodeID) {
			c.deleteMessage(ctx, raw)
			c.resetNotReady(msg.EpisodeID)
			return
		}
		// Flags not visible yet: retry the advance later without
		// reprocessing artifacts. Requeue before deleting so the
		// message cannot be lost between the two calls.
		slog.Warn("success without confirmed flags, requeueing", "episode_id", msg.EpisodeID)
		if c.requeue(ctx, raw) {
			c.deleteMessage(ctx, raw)
		}

	case OutcomeNotReady:
		n := c.bumpNotReady(msg.EpisodeID)
		if n >= c.opts.NotReadyEscalationCount {
			slog.Error("not-ready count exceeded, dropping message",
				"episode_id", msg.EpisodeID, "attempts", n)
			if c.alarms != nil {
				c.alarms.NotReadyExceeded(ctx, msg.EpisodeID)
			}
			c.deleteMessage(ctx, raw)
			c.resetNotReady(msg.EpisodeID)
			return
		}
		slog.Warn("episode not ready, requeueing with delay",
			"episode_id", msg.EpisodeID,
			"attempt", n,
			"delay_seconds", c.opts.RequeueDelaySeconds)
		if c.requeue(ctx, raw) {
			c.deleteMessage(ctx, raw)
		}

	case OutcomeFailed:
		// Leave the message; the broker redelivers after the
		// visibility timeout lapses.
		slog.Warn("handler failed, leaving message for redelivery", "episode_id", msg.EpisodeID)
	}
}

// flagsConfirmed re-reads processing state after a Success outcome.
func (c *Consumer) flagsConfirmed(ctx context.Context, episodeID string) bool {
	if c.ensureFlags == nil {
		return true
	}
	quoting, chunking, err := c.ensureFlags(ctx, episodeID)
	if err != nil {
		slog.Warn("flag confirmation read failed", "episode_id", episodeID, "error", err)
		return false
	}
	return quoting && chunking
}

// heartbeat extends the message visibility back to the full configured
// window on a cadence derived from the timeout, until cancelled.
func (c *Consumer) heartbeat(ctx context.Context, raw *types.Message, done chan<- struct{}) {
	defer close(done)
	interval := heartbeatInterval(c.opts.VisibilityTimeoutSeconds)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.extendVisibility(ctx, raw)
		}
	}
}

// heartbeatInterval clamps a third of the visibility timeout to
// [60s, 300s].
func heartbeatInterval(visibilityTimeoutSeconds int32) time.Duration {
	third := int64(visibilityTimeoutSeconds) / 3
	if third < 60 {
		third = 60
	}
	if third > 300 {
		third = 300
	}
	return time.Duration(third) * time.Second
}

func (c *Consumer) extendVisibility(ctx context.Context, raw *types.Message) {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.opts.QueueURL),
		ReceiptHandle:     raw.ReceiptHandle,
		VisibilityTimeout: c.opts.VisibilityTimeoutSeconds,
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("visibility extension failed", "error", err)
	}
}

// makeVisible zeroes the visibility timeout so another worker picks the
// message up immediately.
func (c *Consumer) makeVisible(ctx context.Context, raw *types.Message) {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.opts.QueueURL),
		ReceiptHandle:     raw.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	if err != nil {
		slog.Warn("returning message to queue failed", "error", err)
	}
}

func (c *Consumer) deleteMessage(ctx context.Context, raw *types.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.opts.QueueURL),
		ReceiptHandle: raw.ReceiptHandle,
	})
	if err != nil {
		slog.Error("delete failed, message will be redelivered", "error", err)
	}
}

// requeue sends an identical body back to the queue with the configured
// delay. Reports whether the send succeeded.
func (c *Consumer) requeue(ctx context.Context, raw *types.Message) bool {
	_, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(c.opts.QueueURL),
		MessageBody:  raw.Body,
		DelaySeconds: c.opts.RequeueDelaySeconds,
	})
	if err != nil {
		slog.Error("requeue failed", "error", err)
		return false
	}
	return true
}

func (c *Consumer) bumpNotReady(episodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notReady[episodeID]++
	return c.notReady[episodeID]
}

func (c *Consumer) resetNotReady(episodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notReady, episodeID)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > emptyPollBackoffCap {
		return emptyPollBackoffCap
	}
	return d
}

// sleepCtx waits for d or context cancellation. Reports false when the
// context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
