package healer

import (
	"sort"
	"sync"
	"time"

	"github.com/npratt/foundry/internal/clock"
)

// Reason explains why a heal was not performed.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonInProgress Reason = "in_progress"
	ReasonCooldown   Reason = "cooldown"
	ReasonWindowCap  Reason = "window_cap"
	ReasonHealthy    Reason = "healthy"
)

// Policy bounds how often one sandbox may be healed.
type Policy struct {
	// Cooldown is the minimum gap between the end of one heal and the start
	// of the next.
	Cooldown time.Duration
	// Window is the length of the fixed attempt-counting window.
	Window time.Duration
	// MaxAttemptsPerWindow caps heals started within one window.
	MaxAttemptsPerWindow int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{Cooldown: 15 * time.Second, Window: 5 * time.Minute, MaxAttemptsPerWindow: 5}
}

// HealState is the rate-limiting state of one sandbox. It is reset only by
// time passing, never by a heal's success or failure.
type HealState struct {
	InProgress     bool      `json:"in_progress"`
	LastHealAt     time.Time `json:"last_heal_at"`
	WindowStart    time.Time `json:"window_start"`
	WindowAttempts int       `json:"window_attempts"`

	// released is closed when the in-progress heal ends.
	released chan struct{}
}

// Limiter is the registry of HealState keyed by sandbox id. All methods
// are safe for concurrent use.
type Limiter struct {
	policy Policy
	clock  clock.Clock

	mu     sync.Mutex
	states map[string]*HealState
}

// NewLimiter creates a Limiter. Nil clk uses the real clock.
func NewLimiter(policy Policy, clk clock.Clock) *Limiter {
	if policy.MaxAttemptsPerWindow < 1 {
		policy.MaxAttemptsPerWindow = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{policy: policy, clock: clk, states: make(map[string]*HealState)}
}

// TryAcquire marks a heal in progress for sandboxID if the guard allows
// one. A successful acquire must be paired with Release.
func (l *Limiter) TryAcquire(sandboxID string) (bool, Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	st := l.stateLocked(sandboxID)

	if st.InProgress {
		return false, ReasonInProgress
	}
	if !st.LastHealAt.IsZero() && now.Sub(st.LastHealAt) < l.policy.Cooldown {
		return false, ReasonCooldown
	}
	if st.WindowStart.IsZero() || !now.Before(st.WindowStart.Add(l.policy.Window)) {
		st.WindowStart = now
		st.WindowAttempts = 0
	}
	if st.WindowAttempts >= l.policy.MaxAttemptsPerWindow {
		return false, ReasonWindowCap
	}

	st.WindowAttempts++
	st.InProgress = true
	st.LastHealAt = now
	st.released = make(chan struct{})
	return true, ReasonNone
}

// Release ends the in-progress heal for sandboxID and starts its cooldown.
func (l *Limiter) Release(sandboxID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(sandboxID)
	st.InProgress = false
	st.LastHealAt = l.clock.Now()
	if st.released != nil {
		close(st.released)
		st.released = nil
	}
}

// Released returns a channel closed when the heal in progress on
// sandboxID ends. It is already closed when no heal is in progress.
func (l *Limiter) Released(sandboxID string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[sandboxID]; ok && st.InProgress && st.released != nil {
		return st.released
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// CooldownRemaining returns how long until sandboxID leaves its cooldown,
// or zero when it is not cooling down.
func (l *Limiter) CooldownRemaining(sandboxID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[sandboxID]
	if !ok || st.LastHealAt.IsZero() {
		return 0
	}
	return max(l.policy.Cooldown-l.clock.Now().Sub(st.LastHealAt), 0)
}

// State returns a copy of the state for sandboxID.
func (l *Limiter) State(sandboxID string) HealState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[sandboxID]; ok {
		cp := *st
		cp.released = nil
		return cp
	}
	return HealState{}
}

// Sandboxes returns the ids with recorded state, sorted.
func (l *Limiter) Sandboxes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.states))
	for id := range l.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Limiter) stateLocked(sandboxID string) *HealState {
	st, ok := l.states[sandboxID]
	if !ok {
		st = &HealState{}
		l.states[sandboxID] = st
	}
	return st
}
