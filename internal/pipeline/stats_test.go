package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"soundbite.media/clipsmith/internal/queue"
)

func TestStatsCountsOutcomes(t *testing.T) {
	s := NewStats()
	for range 3 {
		s.RecordOutcome(queue.OutcomeSuccess)
	}
	s.RecordOutcome(queue.OutcomeNotReady)
	s.RecordOutcome(queue.OutcomeFailed)
	s.RecordOutcome(queue.OutcomeFailed)

	snap := s.Snapshot()
	require.EqualValues(t, 6, snap.Processed)
	require.EqualValues(t, 3, snap.Succeeded)
	require.EqualValues(t, 1, snap.NotReady)
	require.EqualValues(t, 2, snap.Failed)
	require.False(t, snap.StartedAt.IsZero())
}

func TestStatsSnapshotIsStable(t *testing.T) {
	s := NewStats()
	s.RecordOutcome(queue.OutcomeSuccess)
	a := s.Snapshot()
	s.RecordOutcome(queue.OutcomeFailed)
	b := s.Snapshot()

	require.EqualValues(t, 1, a.Processed)
	require.EqualValues(t, 2, b.Processed)
	require.Equal(t, a.StartedAt, b.StartedAt)
}
