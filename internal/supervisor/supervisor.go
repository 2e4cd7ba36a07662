// Package supervisor owns the worker's signal policy and drain
// choreography: which signals stop message intake, how long shutdown
// waits for critical sessions, and when the process may exit.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"soundbite.media/clipsmith/internal/protection"
)

const (
	defaultDrainTimeout = 30 * time.Second

	drainPollMin = 3 * time.Second
	drainPollMax = 10 * time.Second
)

// Consumer is the intake the supervisor stops on termination.
type Consumer interface {
	Drain(reason string)
}

// Protection is the task-protection surface consulted during drain.
type Protection interface {
	EnableScaleInGuard()
	ReleaseScaleInGuard()
	RequestVoluntaryShutdown()
	CriticalCount() int
}

// Options captures the shutdown policy for this task.
type Options struct {
	// SpotCapacity marks the task as interruptible: termination signals
	// always drain and the longer spot deadline applies.
	SpotCapacity bool

	// StrictBlockSigterm ignores termination signals on non-spot
	// capacity. Voluntary shutdown still works.
	StrictBlockSigterm bool

	DrainTimeout     time.Duration
	SpotDrainTimeout time.Duration
}

// Reason says why Run returned.
type Reason int

const (
	ReasonContextDone Reason = iota
	ReasonDrained
	ReasonVoluntary
)

func (r Reason) String() string {
	switch r {
	case ReasonContextDone:
		return "context done"
	case ReasonDrained:
		return "drained"
	case ReasonVoluntary:
		return "voluntary shutdown"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

type action int

const (
	actionIgnore action = iota
	actionDrain
	actionVoluntary
)

type Supervisor struct {
	consumer   Consumer
	protection Protection
	opts       Options
	sigs       chan os.Signal

	// pollEvery overrides the computed drain poll interval when set.
	pollEvery time.Duration
}

func New(consumer Consumer, protection Protection, opts Options) *Supervisor {
	return &Supervisor{
		consumer:   consumer,
		protection: protection,
		opts:       opts,
		sigs:       make(chan os.Signal, 8),
	}
}

// Run blocks handling signals until a shutdown completes or ctx ends.
func (s *Supervisor) Run(ctx context.Context) Reason {
	signal.Notify(s.sigs,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT,
		syscall.SIGUSR1)
	defer signal.Stop(s.sigs)

	for {
		select {
		case <-ctx.Done():
			return ReasonContextDone
		case sig := <-s.sigs:
			switch s.decide(sig) {
			case actionIgnore:
				slog.Warn("termination signal blocked by policy",
					"signal", sig.String(), "strict_block_sigterm", s.opts.StrictBlockSigterm)
			case actionDrain:
				slog.Info("termination signal received, draining",
					"signal", sig.String(), "spot_capacity", s.opts.SpotCapacity)
				s.drain(ctx, fmt.Sprintf("signal %s", sig))
				return ReasonDrained
			case actionVoluntary:
				slog.Info("voluntary shutdown requested", "signal", sig.String())
				s.protection.RequestVoluntaryShutdown()
				s.consumer.Drain("voluntary shutdown")
				s.awaitCriticals(ctx, s.drainDeadline())
				return ReasonVoluntary
			}
		}
	}
}

func (s *Supervisor) decide(sig os.Signal) action {
	switch sig {
	case syscall.SIGUSR1:
		return actionVoluntary
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT:
		if s.opts.SpotCapacity {
			return actionDrain
		}
		if s.opts.StrictBlockSigterm {
			return actionIgnore
		}
		return actionDrain
	default:
		return actionIgnore
	}
}

// drain stops intake, holds a scale-in guard so ECS cannot reap the
// task mid-session, and waits for critical sessions to close.
func (s *Supervisor) drain(ctx context.Context, reason string) {
	s.protection.EnableScaleInGuard()
	defer s.protection.ReleaseScaleInGuard()

	s.consumer.Drain(reason)
	s.awaitCriticals(ctx, s.drainDeadline())
}

func (s *Supervisor) drainDeadline() time.Duration {
	if s.opts.SpotCapacity && s.opts.SpotDrainTimeout > 0 {
		return s.opts.SpotDrainTimeout
	}
	if s.opts.DrainTimeout > 0 {
		return s.opts.DrainTimeout
	}
	return defaultDrainTimeout
}

// awaitCriticals polls the protection refcount until every critical
// session closed or the deadline passed. Deadline expiry is logged and
// the drain proceeds; the platform enforces its own hard stop.
func (s *Supervisor) awaitCriticals(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	interval := s.pollEvery
	if interval <= 0 {
		interval = pollInterval(timeout)
	}

	for {
		n := s.protection.CriticalCount()
		if n == 0 {
			slog.Info("all critical sessions closed")
			return
		}
		if time.Now().After(deadline) {
			slog.Warn("drain deadline passed with critical sessions open",
				"critical_sessions", n, "timeout", timeout)
			return
		}
		slog.Info("waiting for critical sessions",
			"critical_sessions", n, "deadline", deadline.UTC().Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// pollInterval spaces drain polls at a fifth of the timeout, clamped to
// [3s, 10s].
func pollInterval(timeout time.Duration) time.Duration {
	iv := timeout / 5
	if iv < drainPollMin {
		return drainPollMin
	}
	if iv > drainPollMax {
		return drainPollMax
	}
	return iv
}

// spotEnvValues mark a task as interruptible when found in
// FARGATE_SPOT or CAPACITY_PROVIDER.
var spotEnvValues = map[string]bool{
	"1":            true,
	"true":         true,
	"yes":          true,
	"fargate_spot": true,
}

// DetectSpotCapacity reports whether this task runs on interruptible
// capacity. An explicit environment override wins; otherwise the task
// metadata's capacity provider decides.
func DetectSpotCapacity(meta *protection.TaskMetadata) bool {
	for _, key := range []string{"FARGATE_SPOT", "CAPACITY_PROVIDER"} {
		v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
		if v == "" {
			continue
		}
		return spotEnvValues[v]
	}
	return meta != nil && meta.IsSpotCapacity()
}
