// Package protection keeps the ECS task protected from scale-in while
// critical work is in flight. Protection is refcounted: each processing
// session holds a token, and the manager enables or releases the task
// protection lease as the token set changes.
package protection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
)

const (
	// BaselineToken is held for the whole process lifetime when proactive
	// protection is on, so idle tasks are still not reaped mid-poll.
	BaselineToken = "baseline_protection"

	// ScaleInGuardToken is added when a drain begins, keeping protection
	// up while in-flight sessions finish.
	ScaleInGuardToken = "scale_in_guard"
)

const (
	defaultExtensionSeconds = 900
	defaultBufferSeconds    = 300
	defaultCheckInterval    = 30 * time.Second
	defaultMinHold          = 120 * time.Second
	defaultMaxProtected     = 2 * time.Hour

	failureBackoffBase = 30 * time.Second
	failureBackoffMax  = 300 * time.Second
	failureCriticalAt  = 5
)

// ECSAPI is the slice of the ECS control plane the manager calls.
type ECSAPI interface {
	UpdateTaskProtection(ctx context.Context, params *ecs.UpdateTaskProtectionInput, optFns ...func(*ecs.Options)) (*ecs.UpdateTaskProtectionOutput, error)
}

// Status is the point-in-time view exposed on the ops endpoint.
type Status struct {
	Available           bool       `json:"available"`
	Enabled             bool       `json:"enabled"`
	CriticalCount       int        `json:"critical_count"`
	CriticalIDs         []string   `json:"critical_ids"`
	TaskARN             string     `json:"task_arn,omitempty"`
	Cluster             string     `json:"cluster,omitempty"`
	StartedAt           time.Time  `json:"manager_started_at"`
	EnabledAt           *time.Time `json:"protection_enabled_at,omitempty"`
	ExpiresAt           *time.Time `json:"protection_expires_at,omitempty"`
	ProtectedForSeconds int64      `json:"protected_for_seconds"`
	CheckIntervalSec    int64      `json:"check_interval_seconds"`
	LeaseMinutes        int32      `json:"lease_minutes"`
	GapMarginSeconds    int64      `json:"gap_margin_seconds"`
	GapProtectionSafe   bool       `json:"gap_protection_safe"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Manager reconciles the protection lease against the set of held tokens
// on a fixed cadence, and immediately when the set changes.
type Manager struct {
	api     ECSAPI
	cluster string
	taskARN string

	checkInterval time.Duration
	renewBuffer   time.Duration
	leaseMinutes  int32
	minHold       time.Duration
	maxProtected  time.Duration

	mu          sync.Mutex
	tokens      map[string]time.Time
	enabled     bool
	enabledAt   time.Time
	expiresAt   time.Time
	failures    int
	nextAttempt time.Time
	capTripped  bool
	startedAt   time.Time

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewManager builds a manager for the given task. An empty cluster or
// task ARN (local runs, metadata endpoint absent) yields a manager that
// tracks tokens but never calls the control plane.
func NewManager(api ECSAPI, cluster, taskARN string) *Manager {
	return &Manager{
		api:           api,
		cluster:       cluster,
		taskARN:       taskARN,
		checkInterval: defaultCheckInterval,
		renewBuffer:   time.Duration(defaultBufferSeconds) * time.Second,
		leaseMinutes:  leaseMinutes(defaultExtensionSeconds, defaultBufferSeconds),
		minHold:       defaultMinHold,
		maxProtected:  defaultMaxProtected,
		tokens:        make(map[string]time.Time),
		startedAt:     time.Now().UTC(),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// leaseMinutes converts the extension window plus safety buffer to the
// whole-minute lease the ECS API accepts.
func leaseMinutes(extensionSec, bufferSec int64) int32 {
	total := extensionSec + bufferSec
	m := (total + 59) / 60
	if m < 1 {
		m = 1
	}
	return int32(m)
}

func (m *Manager) available() bool {
	return m.api != nil && m.cluster != "" && m.taskARN != ""
}

// Start launches the reconcile loop. Call Stop to shut it down.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
		case <-m.kick:
		}
		m.reconcile(ctx)
	}
}

// Stop terminates the loop and best-effort releases any held protection.
func (m *Manager) Stop(ctx context.Context) {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	select {
	case <-m.done:
	case <-ctx.Done():
	}
	if err := m.ForceDisable(ctx); err != nil {
		slog.Warn("releasing task protection on stop failed", "error", err)
	}
}

// AddCritical registers a unit of work that must not be interrupted by
// scale-in.
func (m *Manager) AddCritical(id string) {
	m.mu.Lock()
	m.tokens[id] = time.Now().UTC()
	m.mu.Unlock()
	m.poke()
	slog.Debug("critical session registered", "id", id)
}

// RemoveCritical drops a previously registered unit of work.
func (m *Manager) RemoveCritical(id string) {
	m.mu.Lock()
	delete(m.tokens, id)
	m.mu.Unlock()
	m.poke()
	slog.Debug("critical session released", "id", id)
}

// CriticalCount reports how many tokens are currently held.
func (m *Manager) CriticalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// ActiveCriticals returns the held token ids, sorted.
func (m *Manager) ActiveCriticals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tokens))
	for id := range m.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequestVoluntaryShutdown drops the baseline token so protection lapses
// once in-flight sessions complete.
func (m *Manager) RequestVoluntaryShutdown() {
	slog.Info("voluntary shutdown requested, releasing baseline protection")
	m.RemoveCritical(BaselineToken)
}

// EnableScaleInGuard holds protection for the duration of a drain.
func (m *Manager) EnableScaleInGuard() {
	m.AddCritical(ScaleInGuardToken)
}

// ReleaseScaleInGuard ends the drain hold.
func (m *Manager) ReleaseScaleInGuard() {
	m.RemoveCritical(ScaleInGuardToken)
}

func (m *Manager) poke() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) reconcile(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available() {
		return
	}

	now := time.Now().UTC()
	want := len(m.tokens) > 0

	if len(m.tokens) == 0 {
		m.capTripped = false
	}

	if m.enabled && now.Sub(m.enabledAt) > m.maxProtected {
		slog.Error("task protection held past safety cap, releasing",
			"held_for", now.Sub(m.enabledAt).Round(time.Second),
			"cap", m.maxProtected,
			"critical_ids", m.tokenIDsLocked())
		m.capTripped = true
		m.updateLocked(ctx, false)
		return
	}

	if want && !m.capTripped {
		if !m.enabled || m.expiresAt.Sub(now) <= m.renewBuffer {
			m.updateLocked(ctx, true)
		}
		return
	}

	if m.enabled {
		if now.Sub(m.enabledAt) < m.minHold {
			return
		}
		m.updateLocked(ctx, false)
	}
}

// updateLocked makes the control-plane call. Callers hold m.mu.
func (m *Manager) updateLocked(ctx context.Context, enable bool) {
	now := time.Now().UTC()
	if now.Before(m.nextAttempt) {
		return
	}

	err := m.callUpdate(ctx, enable)
	if err != nil {
		m.failures++
		delay := failureBackoff(m.failures)
		m.nextAttempt = now.Add(delay)
		if m.failures == failureCriticalAt {
			slog.Error("task protection updates failing repeatedly",
				"consecutive_failures", m.failures, "error", err)
		} else {
			slog.Warn("task protection update failed",
				"enable", enable, "retry_in", delay, "error", err)
		}
		return
	}

	m.failures = 0
	m.nextAttempt = time.Time{}
	if enable {
		if !m.enabled {
			m.enabledAt = now
		}
		m.enabled = true
		m.expiresAt = now.Add(time.Duration(m.leaseMinutes) * time.Minute)
		slog.Info("task protection enabled",
			"lease_minutes", m.leaseMinutes, "critical_count", len(m.tokens))
	} else {
		m.enabled = false
		m.enabledAt = time.Time{}
		m.expiresAt = time.Time{}
		slog.Info("task protection released")
	}
}

func (m *Manager) callUpdate(ctx context.Context, enable bool) error {
	in := &ecs.UpdateTaskProtectionInput{
		Cluster:           aws.String(m.cluster),
		Tasks:             []string{m.taskARN},
		ProtectionEnabled: enable,
	}
	if enable {
		in.ExpiresInMinutes = aws.Int32(m.leaseMinutes)
	}
	out, err := m.api.UpdateTaskProtection(ctx, in)
	if err != nil {
		return err
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return fmt.Errorf("task protection rejected: %s (%s)",
			aws.ToString(f.Reason), aws.ToString(f.Detail))
	}
	return nil
}

// ForceDisable releases protection immediately, ignoring hold times and
// held tokens. Used on final shutdown.
func (m *Manager) ForceDisable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available() || !m.enabled {
		return nil
	}
	if err := m.callUpdate(ctx, false); err != nil {
		return err
	}
	m.enabled = false
	m.enabledAt = time.Time{}
	m.expiresAt = time.Time{}
	return nil
}

func (m *Manager) tokenIDsLocked() []string {
	ids := make([]string, 0, len(m.tokens))
	for id := range m.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status snapshots the manager for the ops endpoint.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The lease is re-issued once its remaining time drops inside the
	// renew buffer, so protection cannot lapse as long as the buffer
	// outlasts the check cadence.
	checkSec := int64(m.checkInterval / time.Second)
	bufferSec := int64(m.renewBuffer / time.Second)
	st := Status{
		Available:           m.available(),
		Enabled:             m.enabled,
		CriticalCount:       len(m.tokens),
		CriticalIDs:         m.tokenIDsLocked(),
		TaskARN:             m.taskARN,
		Cluster:             m.cluster,
		StartedAt:           m.startedAt,
		CheckIntervalSec:    checkSec,
		LeaseMinutes:        m.leaseMinutes,
		GapMarginSeconds:    bufferSec - checkSec,
		GapProtectionSafe:   bufferSec > checkSec,
		ConsecutiveFailures: m.failures,
	}
	if m.enabled {
		at := m.enabledAt
		exp := m.expiresAt
		st.EnabledAt = &at
		st.ExpiresAt = &exp
		st.ProtectedForSeconds = int64(time.Since(m.enabledAt) / time.Second)
	}
	return st
}

func failureBackoff(consecutive int) time.Duration {
	if consecutive < 1 {
		consecutive = 1
	}
	d := failureBackoffBase << (consecutive - 1)
	if d > failureBackoffMax || d <= 0 {
		return failureBackoffMax
	}
	return d
}
