package healer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npratt/foundry/internal/clock"
	"github.com/npratt/foundry/internal/health"
	"github.com/npratt/foundry/internal/sandbox"
	"github.com/npratt/foundry/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLimiter_MutualExclusion(t *testing.T) {
	l := NewLimiter(Policy{Window: time.Minute, MaxAttemptsPerWindow: 10}, clock.Fake(epoch))

	if ok, _ := l.TryAcquire("sb"); !ok {
		t.Fatal("first TryAcquire should succeed")
	}
	if ok, reason := l.TryAcquire("sb"); ok || reason != ReasonInProgress {
		t.Errorf("TryAcquire while in progress = %v, %q", ok, reason)
	}
	// Other sandboxes are independent.
	if ok, _ := l.TryAcquire("other"); !ok {
		t.Error("TryAcquire on a different sandbox should succeed")
	}

	l.Release("sb")
	if ok, _ := l.TryAcquire("sb"); !ok {
		t.Error("TryAcquire after Release with no cooldown should succeed")
	}
}

func TestLimiter_Cooldown(t *testing.T) {
	clk := clock.Fake(epoch)
	l := NewLimiter(Policy{Cooldown: 10 * time.Second, Window: time.Hour, MaxAttemptsPerWindow: 10}, clk)

	if ok, _ := l.TryAcquire("sb"); !ok {
		t.Fatal("first TryAcquire should succeed")
	}
	clk.Advance(30 * time.Second)
	l.Release("sb")

	clk.Advance(9 * time.Second)
	if ok, reason := l.TryAcquire("sb"); ok || reason != ReasonCooldown {
		t.Errorf("TryAcquire inside cooldown = %v, %q", ok, reason)
	}

	clk.Advance(time.Second)
	if ok, _ := l.TryAcquire("sb"); !ok {
		t.Error("TryAcquire after cooldown should succeed")
	}
}

func TestLimiter_WindowCap(t *testing.T) {
	clk := clock.Fake(epoch)
	l := NewLimiter(Policy{Window: time.Minute, MaxAttemptsPerWindow: 2}, clk)

	for i := 0; i < 2; i++ {
		if ok, _ := l.TryAcquire("sb"); !ok {
			t.Fatalf("attempt %d should succeed", i+1)
		}
		l.Release("sb")
		clk.Advance(time.Second)
	}

	if ok, reason := l.TryAcquire("sb"); ok || reason != ReasonWindowCap {
		t.Errorf("third attempt = %v, %q, want window_cap", ok, reason)
	}
	if st := l.State("sb"); st.WindowAttempts != 2 || st.InProgress {
		t.Errorf("State() = %+v", st)
	}

	// The window is fixed from its first attempt.
	clk.Advance(58 * time.Second)
	if ok, _ := l.TryAcquire("sb"); !ok {
		t.Error("attempt in a fresh window should succeed")
	}
	if st := l.State("sb"); st.WindowAttempts != 1 || !st.WindowStart.Equal(clk.Now()) {
		t.Errorf("window not reset: %+v", st)
	}
}

// Under any call pattern, no more than MaxAttemptsPerWindow acquires
// succeed inside one window and at most one is in progress at a time.
func TestLimiter_NeverExceedsCapConcurrently(t *testing.T) {
	clk := clock.Fake(epoch)
	const limit = 3
	l := NewLimiter(Policy{Window: time.Hour, MaxAttemptsPerWindow: limit}, clk)

	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if ok, _ := l.TryAcquire("sb"); ok {
					if inFlight.Add(1) > 1 {
						overlap.Store(true)
					}
					acquired.Add(1)
					inFlight.Add(-1)
					l.Release("sb")
				}
			}
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("two heals were in progress at once")
	}
	if got := acquired.Load(); got != limit {
		t.Errorf("acquired %d heals in one window, want %d", got, limit)
	}
}

func TestLimiter_Sandboxes(t *testing.T) {
	l := NewLimiter(DefaultPolicy(), clock.Fake(epoch))
	l.TryAcquire("b")
	l.TryAcquire("a")
	if got := l.Sandboxes(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Sandboxes() = %v", got)
	}
	if st := l.State("missing"); st != (HealState{}) {
		t.Errorf("State(missing) = %+v, want zero", st)
	}
}

type stubProber struct {
	mu    sync.Mutex
	snaps []*health.Snapshot
	calls int
	err   error
}

func (s *stubProber) Probe(ctx context.Context, prov sandbox.Provider) (*health.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.snaps) == 0 {
		return &health.Snapshot{DevServerRunning: health.LivenessRunning}, nil
	}
	snap := s.snaps[0]
	s.snaps = s.snaps[1:]
	return snap, nil
}

func newHealer(t *testing.T, prober Prober, policy Policy) (*Healer, *testutil.MockProvider, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	reg := sandbox.NewRegistry()
	prov := testutil.NewMockProvider("sb-1")
	reg.Register("sb-1", prov)
	h := New(reg, prober, NewLimiter(policy, clk), Options{MaxInstallBatch: 2, Clock: clk})
	return h, prov, clk
}

func broken(pkgs ...string) *health.Snapshot {
	return &health.Snapshot{SandboxID: "sb-1", DevServerRunning: health.LivenessRunning, MissingPackages: pkgs}
}

func TestHeal_InstallsRestartsAndReprobes(t *testing.T) {
	prober := &stubProber{}
	h, prov, _ := newHealer(t, prober, DefaultPolicy())

	out, err := h.Heal(context.Background(), "sb-1", broken("lodash", "axios", "zod"))
	if err != nil {
		t.Fatalf("Heal() error = %v", err)
	}
	if out.Skipped {
		t.Fatalf("Heal() skipped: %q", out.Reason)
	}
	if !reflect.DeepEqual(out.Installed, []string{"lodash", "axios"}) {
		t.Errorf("Installed = %v, want first batch of 2", out.Installed)
	}
	if !out.Restarted || prov.RestartCount() != 1 {
		t.Errorf("Restarted = %v, restarts = %d", out.Restarted, prov.RestartCount())
	}
	if out.After == nil || !out.After.HealthyForPreview() {
		t.Error("After snapshot missing or unhealthy")
	}
	if prober.calls != 1 {
		t.Errorf("prober calls = %d, want 1 re-probe", prober.calls)
	}
	if st := h.Limiter().State("sb-1"); st.InProgress || st.WindowAttempts != 1 {
		t.Errorf("HealState = %+v", st)
	}
}

func TestHeal_DeadServerRestartsWithoutInstall(t *testing.T) {
	h, prov, _ := newHealer(t, &stubProber{}, DefaultPolicy())

	snap := &health.Snapshot{DevServerRunning: health.LivenessStopped}
	out, err := h.Heal(context.Background(), "sb-1", snap)
	if err != nil {
		t.Fatalf("Heal() error = %v", err)
	}
	if len(prov.GetInstalls()) != 0 {
		t.Errorf("installs = %v, want none", prov.GetInstalls())
	}
	if !out.Restarted {
		t.Error("dev server not restarted")
	}
}

func TestHeal_HealthySkipsWithoutAttempt(t *testing.T) {
	h, prov, _ := newHealer(t, &stubProber{}, DefaultPolicy())

	out, err := h.Heal(context.Background(), "sb-1", &health.Snapshot{DevServerRunning: health.LivenessRunning})
	if err != nil {
		t.Fatalf("Heal() error = %v", err)
	}
	if !out.Skipped || out.Reason != ReasonHealthy {
		t.Errorf("Heal() = %+v, want healthy skip", out)
	}
	if prov.RestartCount() != 0 {
		t.Error("healthy sandbox was restarted")
	}
	if st := h.Limiter().State("sb-1"); st.WindowAttempts != 0 {
		t.Errorf("healthy skip consumed an attempt: %+v", st)
	}
}

func TestHeal_ProbesWhenNoSnapshot(t *testing.T) {
	prober := &stubProber{snaps: []*health.Snapshot{broken("lodash")}}
	h, prov, _ := newHealer(t, prober, DefaultPolicy())

	out, err := h.Heal(context.Background(), "sb-1", nil)
	if err != nil {
		t.Fatalf("Heal() error = %v", err)
	}
	if prober.calls != 2 {
		t.Errorf("prober calls = %d, want probe and re-probe", prober.calls)
	}
	if !reflect.DeepEqual(prov.GetInstalls(), [][]string{{"lodash"}}) {
		t.Errorf("installs = %v", prov.GetInstalls())
	}
	if out.Before == nil || len(out.Before.MissingPackages) != 1 {
		t.Errorf("Before = %+v", out.Before)
	}
}

func TestHeal_RefusalsAreNotErrors(t *testing.T) {
	h, prov, clk := newHealer(t, &stubProber{}, Policy{Cooldown: time.Minute, Window: time.Hour, MaxAttemptsPerWindow: 5})

	if _, err := h.Heal(context.Background(), "sb-1", broken("a")); err != nil {
		t.Fatalf("first Heal() error = %v", err)
	}
	clk.Advance(10 * time.Second)

	out, err := h.Heal(context.Background(), "sb-1", broken("a"))
	if err != nil {
		t.Fatalf("Heal() in cooldown error = %v", err)
	}
	if !out.Skipped || out.Reason != ReasonCooldown {
		t.Errorf("Heal() = %+v, want cooldown skip", out)
	}
	if prov.RestartCount() != 1 {
		t.Errorf("restarts = %d, want 1", prov.RestartCount())
	}
}

func TestHeal_ConcurrentCallsHealOnce(t *testing.T) {
	release := make(chan struct{})
	h, prov, _ := newHealer(t, &stubProber{}, Policy{Window: time.Hour, MaxAttemptsPerWindow: 10})
	var restarts atomic.Int32
	prov.RestartFunc = func() error {
		restarts.Add(1)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	skipped := make(chan Reason, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.Heal(context.Background(), "sb-1", &health.Snapshot{DevServerRunning: health.LivenessStopped})
			if err == nil && out.Skipped {
				skipped <- out.Reason
			}
		}()
	}

	// One heal is parked in restart; the rest must be refused.
	testutil.Eventually(t, 2*time.Second, func() bool { return len(skipped) == 7 }, "seven refusals")
	close(release)
	wg.Wait()
	close(skipped)

	if restarts.Load() != 1 {
		t.Errorf("restarts = %d, want 1", restarts.Load())
	}
	for r := range skipped {
		if r != ReasonInProgress {
			t.Errorf("refusal reason = %q, want in_progress", r)
		}
	}
}

func TestHeal_Failures(t *testing.T) {
	t.Run("install error", func(t *testing.T) {
		h, prov, _ := newHealer(t, &stubProber{}, DefaultPolicy())
		prov.InstallFunc = func([]string) (*sandbox.InstallResult, error) { return nil, errors.New("network") }

		_, err := h.Heal(context.Background(), "sb-1", broken("a"))
		if !errors.Is(err, ErrInstallFailed) {
			t.Errorf("Heal() error = %v, want ErrInstallFailed", err)
		}
		if prov.RestartCount() != 0 {
			t.Error("restart attempted after failed install")
		}
		if h.Limiter().State("sb-1").InProgress {
			t.Error("heal left in progress after failure")
		}
	})

	t.Run("install unsuccessful", func(t *testing.T) {
		h, prov, _ := newHealer(t, &stubProber{}, DefaultPolicy())
		prov.InstallFunc = func([]string) (*sandbox.InstallResult, error) {
			return &sandbox.InstallResult{Stderr: "npm ERR! 404 Not Found\nmore"}, nil
		}

		_, err := h.Heal(context.Background(), "sb-1", broken("nope"))
		if !errors.Is(err, ErrInstallFailed) {
			t.Errorf("Heal() error = %v, want ErrInstallFailed", err)
		}
	})

	t.Run("restart error", func(t *testing.T) {
		h, prov, _ := newHealer(t, &stubProber{}, DefaultPolicy())
		prov.RestartFunc = func() error { return errors.New("port busy") }

		out, err := h.Heal(context.Background(), "sb-1", broken("a"))
		if !errors.Is(err, ErrRestartFailed) {
			t.Errorf("Heal() error = %v, want ErrRestartFailed", err)
		}
		if out == nil || len(out.Installed) != 1 {
			t.Errorf("outcome should record the install: %+v", out)
		}
	})

	t.Run("unknown sandbox", func(t *testing.T) {
		h, _, _ := newHealer(t, &stubProber{}, DefaultPolicy())
		if _, err := h.Heal(context.Background(), "ghost", broken("a")); !errors.Is(err, sandbox.ErrUnavailable) {
			t.Errorf("Heal() error = %v, want ErrUnavailable", err)
		}
	})

	t.Run("probe error", func(t *testing.T) {
		h, _, _ := newHealer(t, &stubProber{err: sandbox.ErrUnavailable}, DefaultPolicy())
		if _, err := h.Heal(context.Background(), "sb-1", nil); !errors.Is(err, sandbox.ErrUnavailable) {
			t.Errorf("Heal() error = %v, want ErrUnavailable", err)
		}
	})
}
