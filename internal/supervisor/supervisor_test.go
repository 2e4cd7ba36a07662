package supervisor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"soundbite.media/clipsmith/internal/protection"
)

type fakeConsumer struct {
	mu     sync.Mutex
	drains []string
}

func (f *fakeConsumer) Drain(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains = append(f.drains, reason)
}

func (f *fakeConsumer) drained() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.drains...)
}

type fakeProtection struct {
	mu        sync.Mutex
	criticals int
	guardOn   int
	guardOff  int
	voluntary int
}

func (f *fakeProtection) EnableScaleInGuard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guardOn++
}

func (f *fakeProtection) ReleaseScaleInGuard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guardOff++
}

func (f *fakeProtection) RequestVoluntaryShutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voluntary++
}

func (f *fakeProtection) CriticalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.criticals
}

func (f *fakeProtection) setCriticals(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.criticals = n
}

func newTestSupervisor(opts Options) (*Supervisor, *fakeConsumer, *fakeProtection) {
	consumer := &fakeConsumer{}
	prot := &fakeProtection{}
	s := New(consumer, prot, opts)
	s.pollEvery = 2 * time.Millisecond
	return s, consumer, prot
}

func TestDecidePolicy(t *testing.T) {
	tests := []struct {
		name string
		sig  syscall.Signal
		opts Options
		want action
	}{
		{"sigterm drains by default", syscall.SIGTERM, Options{}, actionDrain},
		{"sigint drains by default", syscall.SIGINT, Options{}, actionDrain},
		{"sighup drains by default", syscall.SIGHUP, Options{}, actionDrain},
		{"sigquit drains by default", syscall.SIGQUIT, Options{}, actionDrain},
		{"strict block ignores sigterm", syscall.SIGTERM, Options{StrictBlockSigterm: true}, actionIgnore},
		{"strict block ignores sigint", syscall.SIGINT, Options{StrictBlockSigterm: true}, actionIgnore},
		{"spot overrides strict block", syscall.SIGTERM, Options{SpotCapacity: true, StrictBlockSigterm: true}, actionDrain},
		{"sigusr1 is always voluntary", syscall.SIGUSR1, Options{StrictBlockSigterm: true}, actionVoluntary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSupervisor(tt.opts)
			require.Equal(t, tt.want, s.decide(tt.sig))
		})
	}
}

func TestRunDrainsOnSigterm(t *testing.T) {
	s, consumer, prot := newTestSupervisor(Options{DrainTimeout: 100 * time.Millisecond})

	done := make(chan Reason, 1)
	go func() { done <- s.Run(context.Background()) }()

	s.sigs <- syscall.SIGTERM

	select {
	case reason := <-done:
		require.Equal(t, ReasonDrained, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return after drain")
	}

	require.Equal(t, []string{"signal terminated"}, consumer.drained())
	require.Equal(t, 1, prot.guardOn)
	require.Equal(t, 1, prot.guardOff)
	require.Zero(t, prot.voluntary)
}

func TestRunStrictBlockIgnoresSigterm(t *testing.T) {
	s, consumer, _ := newTestSupervisor(Options{StrictBlockSigterm: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Reason, 1)
	go func() { done <- s.Run(ctx) }()

	s.sigs <- syscall.SIGTERM
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, consumer.drained())

	cancel()
	select {
	case reason := <-done:
		require.Equal(t, ReasonContextDone, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return on context cancel")
	}
}

func TestRunVoluntaryShutdown(t *testing.T) {
	s, consumer, prot := newTestSupervisor(Options{DrainTimeout: 100 * time.Millisecond})

	done := make(chan Reason, 1)
	go func() { done <- s.Run(context.Background()) }()

	s.sigs <- syscall.SIGUSR1

	select {
	case reason := <-done:
		require.Equal(t, ReasonVoluntary, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return after voluntary shutdown")
	}

	require.Equal(t, 1, prot.voluntary)
	require.Equal(t, []string{"voluntary shutdown"}, consumer.drained())
	require.Zero(t, prot.guardOn, "voluntary shutdown must not guard against scale-in")
}

func TestAwaitCriticalsReturnsWhenSessionsClose(t *testing.T) {
	s, _, prot := newTestSupervisor(Options{})
	prot.setCriticals(2)

	go func() {
		time.Sleep(15 * time.Millisecond)
		prot.setCriticals(0)
	}()

	start := time.Now()
	s.awaitCriticals(context.Background(), time.Second)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAwaitCriticalsGivesUpAtDeadline(t *testing.T) {
	s, _, prot := newTestSupervisor(Options{})
	prot.setCriticals(1)

	start := time.Now()
	s.awaitCriticals(context.Background(), 30*time.Millisecond)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	require.Less(t, elapsed, time.Second)
}

func TestDrainDeadlineSelection(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want time.Duration
	}{
		{"default", Options{}, 30 * time.Second},
		{"configured", Options{DrainTimeout: 45 * time.Second}, 45 * time.Second},
		{"spot uses spot timeout", Options{SpotCapacity: true, DrainTimeout: 30 * time.Second, SpotDrainTimeout: 95 * time.Second}, 95 * time.Second},
		{"spot without spot timeout falls back", Options{SpotCapacity: true, DrainTimeout: 30 * time.Second}, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSupervisor(tt.opts)
			require.Equal(t, tt.want, s.drainDeadline())
		})
	}
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{30 * time.Second, 6 * time.Second},
		{95 * time.Second, 10 * time.Second},
		{5 * time.Second, 3 * time.Second},
		{50 * time.Second, 10 * time.Second},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, pollInterval(tt.timeout), "timeout %s", tt.timeout)
	}
}

func TestDetectSpotCapacity(t *testing.T) {
	spotMeta := &protection.TaskMetadata{CapacityProviderName: "FARGATE_SPOT"}
	onDemandMeta := &protection.TaskMetadata{CapacityProviderName: "FARGATE"}

	tests := []struct {
		name             string
		fargateSpot      string
		capacityProvider string
		meta             *protection.TaskMetadata
		want             bool
	}{
		{"env flag set", "1", "", nil, true},
		{"env flag true", "true", "", nil, true},
		{"env flag off", "0", "", spotMeta, false},
		{"capacity provider spot", "", "FARGATE_SPOT", nil, true},
		{"capacity provider on-demand", "", "FARGATE", spotMeta, false},
		{"metadata spot", "", "", spotMeta, true},
		{"metadata on-demand", "", "", onDemandMeta, false},
		{"nothing known", "", "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FARGATE_SPOT", tt.fargateSpot)
			t.Setenv("CAPACITY_PROVIDER", tt.capacityProvider)
			require.Equal(t, tt.want, DetectSpotCapacity(tt.meta))
		})
	}
}
