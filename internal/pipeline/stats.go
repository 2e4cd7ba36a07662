package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"soundbite.media/clipsmith/internal/queue"
)

// statsLogEvery controls how often cumulative counters are logged.
const statsLogEvery = 10

// Stats tracks message outcomes for the lifetime of the process.
type Stats struct {
	mu        sync.Mutex
	startedAt time.Time
	processed uint64
	succeeded uint64
	notReady  uint64
	failed    uint64
}

func NewStats() *Stats {
	return &Stats{startedAt: time.Now().UTC()}
}

// RecordOutcome counts one finished message and periodically logs the
// running totals.
func (s *Stats) RecordOutcome(o queue.Outcome) {
	s.mu.Lock()
	s.processed++
	switch o {
	case queue.OutcomeSuccess:
		s.succeeded++
	case queue.OutcomeNotReady:
		s.notReady++
	case queue.OutcomeFailed:
		s.failed++
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if snap.Processed%statsLogEvery == 0 {
		slog.Info("processing stats",
			"processed", snap.Processed,
			"succeeded", snap.Succeeded,
			"not_ready", snap.NotReady,
			"failed", snap.Failed,
			"uptime", time.Since(snap.StartedAt).Round(time.Second))
	}
}

// StatsSnapshot is a point-in-time copy for the ops endpoint.
type StatsSnapshot struct {
	StartedAt time.Time `json:"started_at"`
	Processed uint64    `json:"processed"`
	Succeeded uint64    `json:"succeeded"`
	NotReady  uint64    `json:"not_ready"`
	Failed    uint64    `json:"failed"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stats) snapshotLocked() StatsSnapshot {
	return StatsSnapshot{
		StartedAt: s.startedAt,
		Processed: s.processed,
		Succeeded: s.succeeded,
		NotReady:  s.notReady,
		Failed:    s.failed,
	}
}
