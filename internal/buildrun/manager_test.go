package buildrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/npratt/foundry/internal/clock"
	"github.com/npratt/foundry/internal/codegen"
	"github.com/npratt/foundry/internal/events"
	"github.com/npratt/foundry/internal/healer"
	"github.com/npratt/foundry/internal/health"
	"github.com/npratt/foundry/internal/sandbox"
	"github.com/npratt/foundry/internal/testutil"
	"github.com/npratt/foundry/internal/ticket"
)

const waitTimeout = 5 * time.Second

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	m    *Manager
	prov *testutil.MockProvider
	gen  *testutil.MockGenerator
	clk  *clock.FakeClock
	reg  *sandbox.Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clk := clock.Fake(epoch)
	reg := sandbox.NewRegistry()
	prov := testutil.NewMockProvider("sb-1")
	reg.Register("sb-1", prov)

	prober := health.NewProber(health.Options{}, clk, nil)
	h := healer.New(reg, prober, healer.NewLimiter(healer.DefaultPolicy(), clk), healer.Options{Clock: clk})

	opts.Clock = clk
	if opts.EventBufferSize == 0 {
		opts.EventBufferSize = 1000
	}
	gen := &testutil.MockGenerator{}
	return &fixture{
		m:    NewManager(reg, gen, prober, h, opts),
		prov: prov,
		gen:  gen,
		clk:  clk,
		reg:  reg,
	}
}

// drive advances the fake clock by step every millisecond until the
// returned stop func is called, so cooldown waits elapse.
func (f *fixture) drive(step time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
				f.clk.Advance(step)
			}
		}
	}()
	return func() { close(done) }
}

func input(tickets ...ticket.Ticket) Input {
	return Input{
		SandboxID:      "sb-1",
		Model:          "sonnet",
		Plan:           testutil.Plan(),
		Tickets:        tickets,
		MaxConcurrency: 1,
	}
}

// verifyScript makes the verify command return results in order, repeating
// the last one.
func verifyScript(results ...*sandbox.CommandResult) func(string) (*sandbox.CommandResult, error) {
	var mu sync.Mutex
	calls := 0
	return func(cmd string) (*sandbox.CommandResult, error) {
		if cmd != "npm run build" {
			return &sandbox.CommandResult{}, nil
		}
		mu.Lock()
		defer mu.Unlock()
		i := calls
		if i >= len(results) {
			i = len(results) - 1
		}
		calls++
		return results[i], nil
	}
}

// start creates and starts a run, returning it with its event channel.
func (f *fixture) start(t *testing.T, in Input) (*Run, <-chan events.Event) {
	t.Helper()
	run, err := f.m.CreateRun(in, "http://localhost:5173")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	ch, err := f.m.Subscribe(run.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := f.m.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return run, ch
}

func (f *fixture) wait(t *testing.T, runID string) Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	run, err := f.m.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait() error = %v (status %s)", err, run.Status)
	}
	return run
}

func collect(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func transitions(evs []events.Event, ticketID string) []string {
	var out []string
	for _, ev := range evs {
		if tr, ok := ev.(*events.TicketTransitionEvent); ok && tr.TicketID == ticketID {
			out = append(out, tr.To)
		}
	}
	return out
}

func mustTicket(t *testing.T, run Run, id string) ticket.Ticket {
	t.Helper()
	tk, ok := run.Ticket(id)
	if !ok {
		t.Fatalf("ticket %s not in run", id)
	}
	return tk
}

func TestCreateRun_Validation(t *testing.T) {
	f := newFixture(t, Options{})

	cyclic := []ticket.Ticket{testutil.Ticket("a", "b"), testutil.Ticket("b", "a")}
	tests := []struct {
		name  string
		input func() Input
	}{
		{"missing sandbox", func() Input { in := input(testutil.Ticket("a")); in.SandboxID = ""; return in }},
		{"missing model", func() Input { in := input(testutil.Ticket("a")); in.Model = " "; return in }},
		{"missing plan", func() Input { in := input(testutil.Ticket("a")); in.Plan = ticket.Plan{}; return in }},
		{"no tickets", func() Input { return input() }},
		{"duplicate ids", func() Input { return input(testutil.Ticket("a"), testutil.Ticket("a")) }},
		{"unknown dependency", func() Input { return input(testutil.Ticket("a", "ghost")) }},
		{"cycle", func() Input { return input(cyclic...) }},
		{"unknown only ticket", func() Input { in := input(testutil.Ticket("a")); in.OnlyTicketID = "zzz"; return in }},
		{"bad status", func() Input {
			tk := testutil.Ticket("a")
			tk.Status = "shipping"
			return input(tk)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.CreateRun(tt.input(), "")
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("CreateRun() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	if runs := f.m.ListRuns(); len(runs) != 0 {
		t.Errorf("rejected inputs created %d runs", len(runs))
	}
}

func TestCreateRun_CycleNamesPath(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.m.CreateRun(input(testutil.Ticket("a", "c"), testutil.Ticket("b", "a"), testutil.Ticket("c", "b")), "")
	if err == nil || !strings.Contains(err.Error(), "->") {
		t.Errorf("CreateRun() error = %v, want cycle path", err)
	}
}

func TestCreateRun_SnapshotsInput(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrency: 3})

	tickets := []ticket.Ticket{testutil.Ticket("a"), testutil.Ticket("b", "a")}
	tickets[1].Status = ticket.StatusTesting
	in := input(tickets...)
	in.MaxConcurrency = 0

	run, err := f.m.CreateRun(in, "http://preview")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if _, err := uuid.Parse(run.ID); err != nil {
		t.Errorf("run id %q is not a uuid", run.ID)
	}
	if run.Status != StatusPending || run.MaxConcurrency != 3 || run.BaseURL != "http://preview" {
		t.Errorf("run = %+v", run)
	}
	if !run.CreatedAt.Equal(epoch) {
		t.Errorf("CreatedAt = %v, want %v", run.CreatedAt, epoch)
	}

	tickets[0].Title = "mutated"
	tickets[0].Dependencies = append(tickets[0].Dependencies, "b")

	got, err := f.m.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	a := mustTicket(t, got, "a")
	if a.Title == "mutated" || len(a.Dependencies) != 0 {
		t.Error("run shares memory with the caller's tickets")
	}
	if b := mustTicket(t, got, "b"); b.Status != ticket.StatusBacklog {
		t.Errorf("in-flight input status = %s, want backlog", b.Status)
	}

	got.Tickets[0].Title = "changed copy"
	again, _ := f.m.GetRun(run.ID)
	if mustTicket(t, again, "a").Title == "changed copy" {
		t.Error("GetRun returned shared memory")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.m.GetRun("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun() error = %v, want ErrRunNotFound", err)
	}
	if err := f.m.Start(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Start() error = %v, want ErrRunNotFound", err)
	}
	if err := f.m.Cancel("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Cancel() error = %v, want ErrRunNotFound", err)
	}
}

func TestRun_DependencyOrder(t *testing.T) {
	f := newFixture(t, Options{})

	run, ch := f.start(t, input(testutil.Ticket("b", "a"), testutil.Ticket("a")))
	evs := collect(t, ch)
	final := f.wait(t, run.ID)

	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (error %q)", final.Status, final.Error)
	}
	if calls := f.gen.GetCalls(); fmt.Sprint(calls) != "[a b]" {
		t.Errorf("generation order = %v, want [a b]", calls)
	}
	for _, id := range []string{"a", "b"} {
		tk := mustTicket(t, final, id)
		if tk.Status != ticket.StatusDone || tk.Progress != 100 || tk.RetryCount != 0 {
			t.Errorf("ticket %s = %s progress=%d retries=%d", id, tk.Status, tk.Progress, tk.RetryCount)
		}
		if len(tk.ActualFiles) != 1 || tk.ActualFiles[0] != "src/"+id+".tsx" {
			t.Errorf("ticket %s ActualFiles = %v", id, tk.ActualFiles)
		}
		if tk.StartedAt == nil || tk.CompletedAt == nil {
			t.Errorf("ticket %s missing timestamps", id)
		}
	}
	if len(final.NeverRan) != 0 {
		t.Errorf("NeverRan = %v, want none", final.NeverRan)
	}

	want := "[generating applying testing done]"
	if got := fmt.Sprint(transitions(evs, "a")); got != want {
		t.Errorf("a transitions = %s, want %s", got, want)
	}

	// b may only start after a is done.
	aDone, bStart := -1, -1
	for i, ev := range evs {
		tr, ok := ev.(*events.TicketTransitionEvent)
		if !ok {
			continue
		}
		if tr.TicketID == "a" && tr.To == "done" {
			aDone = i
		}
		if tr.TicketID == "b" && tr.To == "generating" && bStart < 0 {
			bStart = i
		}
	}
	if aDone < 0 || bStart < aDone {
		t.Errorf("b started at event %d before a finished at %d", bStart, aDone)
	}

	if _, ok := f.prov.File("src/b.tsx"); !ok {
		t.Error("generated file was not written to the sandbox")
	}
}

func TestRun_EventStreamOrdered(t *testing.T) {
	f := newFixture(t, Options{})
	_, ch := f.start(t, input(testutil.ChainTickets("a", "b", "c")...))
	evs := collect(t, ch)

	if len(evs) == 0 {
		t.Fatal("no events")
	}
	for i, ev := range evs {
		if ev.Sequence() != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Sequence())
		}
	}
	if first, ok := evs[0].(*events.RunStatusEvent); !ok || first.To != string(StatusRunning) {
		t.Errorf("first event = %+v, want running status", evs[0])
	}
	if last, ok := evs[len(evs)-1].(*events.RunSummaryEvent); !ok || last.Status != string(StatusCompleted) {
		t.Errorf("last event = %+v, want completed summary", evs[len(evs)-1])
	} else if last.Counts["done"] != 3 {
		t.Errorf("summary counts = %v", last.Counts)
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	f := newFixture(t, Options{})

	var inFlight, peak atomic.Int32
	f.gen.GenerateFunc = func(ctx context.Context, req codegen.Request) (*codegen.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &codegen.Result{OK: true, Files: []codegen.File{{Path: req.Ticket.ID + ".ts"}}}, nil
	}

	in := input(testutil.Ticket("a"), testutil.Ticket("b"), testutil.Ticket("c"), testutil.Ticket("d"), testutil.Ticket("e"))
	in.MaxConcurrency = 2
	run, _ := f.start(t, in)
	final := f.wait(t, run.ID)

	if final.Counts()["done"] != 5 {
		t.Errorf("counts = %v, want 5 done", final.Counts())
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if len(f.gen.GetCalls()) != 5 {
		t.Errorf("generated %d tickets, want each exactly once", len(f.gen.GetCalls()))
	}
}

func TestRun_HealAndRetry(t *testing.T) {
	f := newFixture(t, Options{})
	f.prov.CommandFunc = verifyScript(
		&sandbox.CommandResult{Stderr: "Error: Cannot find module 'lodash'\nRequire stack:", ExitCode: 1},
		&sandbox.CommandResult{Stdout: "built in 1.2s"},
	)

	run, ch := f.start(t, input(testutil.Ticket("a")))
	evs := collect(t, ch)
	final := f.wait(t, run.ID)

	a := mustTicket(t, final, "a")
	if a.Status != ticket.StatusDone {
		t.Fatalf("status = %s (%s), want done", a.Status, a.LastError)
	}
	if a.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", a.RetryCount)
	}
	if installs := f.prov.GetInstalls(); len(installs) != 1 || fmt.Sprint(installs[0]) != "[lodash]" {
		t.Errorf("installs = %v, want [[lodash]]", installs)
	}
	if f.prov.RestartCount() != 1 {
		t.Errorf("restarts = %d, want 1", f.prov.RestartCount())
	}

	var heals []*events.HealEvent
	for _, ev := range evs {
		if h, ok := ev.(*events.HealEvent); ok {
			heals = append(heals, h)
		}
	}
	if len(heals) != 1 || heals[0].Skipped || !heals[0].Restarted || heals[0].TicketID != "a" {
		t.Errorf("heal events = %+v", heals)
	}

	// testing is entered once; the retry happens within the step.
	if got := fmt.Sprint(transitions(evs, "a")); got != "[generating applying testing done]" {
		t.Errorf("transitions = %s", got)
	}
}

func TestRun_UnhealableFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.prov.CommandFunc = verifyScript(&sandbox.CommandResult{
		Stdout:   "src/App.tsx(3,1): error TS2304: Cannot find name 'foo'.",
		ExitCode: 2,
	})

	run, _ := f.start(t, input(testutil.Ticket("a"), testutil.Ticket("b", "a")))
	final := f.wait(t, run.ID)

	if final.Status != StatusCompleted {
		t.Errorf("run status = %s, want completed", final.Status)
	}
	a := mustTicket(t, final, "a")
	if a.Status != ticket.StatusFailed || a.RetryCount != 1 {
		t.Errorf("a = %s retries=%d, want failed after one attempt", a.Status, a.RetryCount)
	}
	if !strings.Contains(a.LastError, "Cannot find name 'foo'") {
		t.Errorf("LastError = %q", a.LastError)
	}
	if len(f.prov.GetInstalls()) != 0 || f.prov.RestartCount() != 0 {
		t.Error("unhealable failure should not touch the sandbox")
	}
	if b := mustTicket(t, final, "b"); b.Status != ticket.StatusBacklog {
		t.Errorf("b = %s, want still backlog", b.Status)
	}
	if len(final.NeverRan) != 1 || final.NeverRan[0].TicketID != "b" || !strings.Contains(final.NeverRan[0].Reason, "dependency a failed") {
		t.Errorf("NeverRan = %+v", final.NeverRan)
	}
}

func TestRun_HealRetriesExhausted(t *testing.T) {
	f := newFixture(t, Options{MaxHealRetries: 2})
	f.prov.CommandFunc = verifyScript(&sandbox.CommandResult{Stderr: "Error: Cannot find module 'left-pad'", ExitCode: 1})
	defer f.drive(time.Second)()

	run, ch := f.start(t, input(testutil.Ticket("a")))
	evs := collect(t, ch)
	final := f.wait(t, run.ID)

	a := mustTicket(t, final, "a")
	if a.Status != ticket.StatusFailed {
		t.Fatalf("status = %s, want failed", a.Status)
	}
	if !strings.Contains(a.LastError, "after 2 heal attempts") {
		t.Errorf("LastError = %q", a.LastError)
	}

	// Cooldown refusals are waited out; only applied heals use the budget.
	var applied, refused int
	for _, ev := range evs {
		if h, ok := ev.(*events.HealEvent); ok {
			if h.Skipped {
				refused++
				if h.Reason != string(healer.ReasonCooldown) {
					t.Errorf("refusal reason = %s, want cooldown", h.Reason)
				}
			} else {
				applied++
			}
		}
	}
	if applied != 2 {
		t.Errorf("heals applied = %d, want 2", applied)
	}
	if len(f.prov.GetInstalls()) != 2 {
		t.Errorf("installs = %v, want two", f.prov.GetInstalls())
	}
	if want := 3 + refused; a.RetryCount != want {
		t.Errorf("RetryCount = %d, want %d (3 attempts plus one per refusal)", a.RetryCount, want)
	}
}

func TestRun_ConcurrentTicketsShareHeal(t *testing.T) {
	f := newFixture(t, Options{MaxHealRetries: 1})

	var fixed atomic.Bool
	f.prov.CommandFunc = func(cmd string) (*sandbox.CommandResult, error) {
		if cmd != "npm run build" || fixed.Load() {
			return &sandbox.CommandResult{}, nil
		}
		return &sandbox.CommandResult{Stderr: "Error: Cannot find module 'lodash'", ExitCode: 1}, nil
	}

	// The install holds until the second ticket has been refused, so one
	// heal is in progress while the other ticket fails.
	refused := make(chan struct{})
	f.prov.InstallFunc = func([]string) (*sandbox.InstallResult, error) {
		select {
		case <-refused:
		case <-time.After(waitTimeout):
			t.Error("no heal was refused while the install ran")
		}
		fixed.Store(true)
		return &sandbox.InstallResult{Success: true}, nil
	}

	in := input(testutil.Ticket("a"), testutil.Ticket("b"))
	in.MaxConcurrency = 2
	run, ch := f.start(t, in)

	var evs []events.Event
	streamed := make(chan struct{})
	go func() {
		defer close(streamed)
		var once sync.Once
		for ev := range ch {
			evs = append(evs, ev)
			if h, ok := ev.(*events.HealEvent); ok && h.Skipped && h.Reason == string(healer.ReasonInProgress) {
				once.Do(func() { close(refused) })
			}
		}
	}()

	final := f.wait(t, run.ID)
	<-streamed

	for _, id := range []string{"a", "b"} {
		tk := mustTicket(t, final, id)
		if tk.Status != ticket.StatusDone {
			t.Errorf("%s = %s (%s), want done", id, tk.Status, tk.LastError)
		}
		if tk.RetryCount != 1 {
			t.Errorf("%s RetryCount = %d, want 1", id, tk.RetryCount)
		}
	}
	if len(f.prov.GetInstalls()) != 1 || f.prov.RestartCount() != 1 {
		t.Errorf("installs=%v restarts=%d, want one heal", f.prov.GetInstalls(), f.prov.RestartCount())
	}
	var skipped int
	for _, ev := range evs {
		if h, ok := ev.(*events.HealEvent); ok && h.Skipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Errorf("refused heals = %d, want 1", skipped)
	}
}

func TestRun_CancelWhileWaitingForCooldown(t *testing.T) {
	f := newFixture(t, Options{MaxHealRetries: 2})
	f.prov.CommandFunc = verifyScript(&sandbox.CommandResult{Stderr: "Error: Cannot find module 'left-pad'", ExitCode: 1})

	// The clock stays put, so the second heal waits on the cooldown
	// until the run is cancelled.
	run, ch := f.start(t, input(testutil.Ticket("a")))
	for ev := range ch {
		if h, ok := ev.(*events.HealEvent); ok && h.Skipped {
			if h.Reason != string(healer.ReasonCooldown) {
				t.Fatalf("refusal reason = %s, want cooldown", h.Reason)
			}
			break
		}
	}
	if err := f.m.Cancel(run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	final := f.wait(t, run.ID)

	if final.Status != StatusCancelled {
		t.Errorf("run status = %s, want cancelled", final.Status)
	}
	if a := mustTicket(t, final, "a"); a.Status != ticket.StatusSkipped {
		t.Errorf("a = %s, want skipped", a.Status)
	}
	if len(f.prov.GetInstalls()) != 1 {
		t.Errorf("installs = %v, want the first heal only", f.prov.GetInstalls())
	}
}

func TestRun_HealingDisabled(t *testing.T) {
	f := newFixture(t, Options{MaxHealRetries: -1})
	f.prov.CommandFunc = verifyScript(&sandbox.CommandResult{Stderr: "Error: Cannot find module 'left-pad'", ExitCode: 1})

	run, _ := f.start(t, input(testutil.Ticket("a")))
	final := f.wait(t, run.ID)

	if a := mustTicket(t, final, "a"); a.Status != ticket.StatusFailed || a.RetryCount != 1 {
		t.Errorf("a = %s retries=%d", a.Status, a.RetryCount)
	}
	if len(f.prov.GetInstalls()) != 0 {
		t.Error("healing disabled but packages were installed")
	}
}

func TestRun_GenerationFailureIsNotHealed(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.GenerateFunc = func(ctx context.Context, req codegen.Request) (*codegen.Result, error) {
		return nil, errors.New("model overloaded")
	}

	run, _ := f.start(t, input(testutil.Ticket("a")))
	final := f.wait(t, run.ID)

	a := mustTicket(t, final, "a")
	if a.Status != ticket.StatusFailed || a.RetryCount != 1 {
		t.Errorf("a = %s retries=%d, want failed once", a.Status, a.RetryCount)
	}
	if !strings.Contains(a.LastError, "model overloaded") {
		t.Errorf("LastError = %q", a.LastError)
	}
	if cmds := f.prov.GetCommands(); len(cmds) != 0 {
		t.Errorf("sandbox commands = %v, want none", cmds)
	}
}

func TestRun_GeneratorDeclines(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.GenerateFunc = func(ctx context.Context, req codegen.Request) (*codegen.Result, error) {
		return &codegen.Result{OK: false, Summary: "ticket is ambiguous"}, nil
	}

	run, _ := f.start(t, input(testutil.Ticket("a")))
	final := f.wait(t, run.ID)
	if a := mustTicket(t, final, "a"); a.Status != ticket.StatusFailed || !strings.Contains(a.LastError, "ambiguous") {
		t.Errorf("a = %s %q", a.Status, a.LastError)
	}
}

// blockingGenerator holds generation of a ticket until released.
type blockingGenerator struct {
	started chan string
	release chan struct{}
}

func newBlockingGenerator() *blockingGenerator {
	return &blockingGenerator{started: make(chan string, 10), release: make(chan struct{})}
}

func (b *blockingGenerator) generate(ctx context.Context, req codegen.Request) (*codegen.Result, error) {
	b.started <- req.Ticket.ID
	<-b.release
	return &codegen.Result{OK: true, Files: []codegen.File{{Path: req.Ticket.ID + ".tsx"}}}, nil
}

func (b *blockingGenerator) awaitStart(t *testing.T) string {
	t.Helper()
	select {
	case id := <-b.started:
		return id
	case <-time.After(waitTimeout):
		t.Fatal("generation never started")
		return ""
	}
}

func TestRun_CancelMidRun(t *testing.T) {
	f := newFixture(t, Options{})
	blocker := newBlockingGenerator()
	f.gen.GenerateFunc = blocker.generate

	run, ch := f.start(t, input(testutil.ChainTickets("a", "b")...))
	blocker.awaitStart(t)

	if err := f.m.Cancel(run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	// Cancel is cooperative: the run keeps going until a finishes its step.
	if got, _ := f.m.GetRun(run.ID); got.Status != StatusRunning {
		t.Errorf("status right after cancel = %s, want running", got.Status)
	}
	close(blocker.release)

	evs := collect(t, ch)
	final := f.wait(t, run.ID)

	if final.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	a := mustTicket(t, final, "a")
	if a.Status != ticket.StatusSkipped || a.LastError != "run cancelled" {
		t.Errorf("a = %s %q, want skipped with run cancelled", a.Status, a.LastError)
	}
	if len(f.gen.GetCalls()) != 1 {
		t.Errorf("generator calls = %v, want only a", f.gen.GetCalls())
	}
	if len(f.prov.WrittenPaths()) != 0 {
		t.Error("cancelled ticket should not apply files")
	}
	if len(final.NeverRan) != 1 || final.NeverRan[0].Reason != "run cancelled" {
		t.Errorf("NeverRan = %+v", final.NeverRan)
	}
	if got := fmt.Sprint(transitions(evs, "a")); got != "[generating skipped]" {
		t.Errorf("a transitions = %s", got)
	}

	// Terminal runs ignore further control calls.
	if err := f.m.Cancel(run.ID); err != nil {
		t.Errorf("second Cancel() error = %v", err)
	}
	if err := f.m.Start(context.Background(), run.ID); err != nil {
		t.Errorf("Start() on finished run error = %v", err)
	}
}

func TestRun_ContextCancelStopsRun(t *testing.T) {
	f := newFixture(t, Options{})
	blocker := newBlockingGenerator()
	f.gen.GenerateFunc = blocker.generate

	run, err := f.m.CreateRun(input(testutil.Ticket("a")), "")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.m.Start(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	blocker.awaitStart(t)
	cancel()
	testutil.Eventually(t, waitTimeout, func() bool {
		f.m.mu.RLock()
		rs := f.m.runs[run.ID]
		f.m.mu.RUnlock()
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return rs.cancelled
	}, "context cancel not observed")
	close(blocker.release)

	if final := f.wait(t, run.ID); final.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", final.Status)
	}
}

func TestCancel_PendingRun(t *testing.T) {
	f := newFixture(t, Options{})
	run, err := f.m.CreateRun(input(testutil.Ticket("a")), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.m.Cancel(run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	final := f.wait(t, run.ID)
	if final.Status != StatusCancelled || len(final.NeverRan) != 1 {
		t.Errorf("final = %s never_ran=%v", final.Status, final.NeverRan)
	}
	if err := f.m.Start(context.Background(), run.ID); err != nil {
		t.Errorf("Start() after cancel error = %v", err)
	}
	if len(f.gen.GetCalls()) != 0 {
		t.Error("cancelled pending run generated code")
	}
}

func TestStart_SandboxBusy(t *testing.T) {
	f := newFixture(t, Options{})
	blocker := newBlockingGenerator()
	f.gen.GenerateFunc = blocker.generate

	first, _ := f.start(t, input(testutil.Ticket("a")))
	blocker.awaitStart(t)

	second, err := f.m.CreateRun(input(testutil.Ticket("x")), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.m.Start(context.Background(), second.ID); !errors.Is(err, ErrSandboxBusy) {
		t.Fatalf("Start() error = %v, want ErrSandboxBusy", err)
	}
	if got, _ := f.m.GetRun(second.ID); got.Status != StatusPending {
		t.Errorf("busy run status = %s, want pending", got.Status)
	}

	close(blocker.release)
	f.wait(t, first.ID)

	if err := f.m.Start(context.Background(), second.ID); err != nil {
		t.Fatalf("Start() after release error = %v", err)
	}
	if final := f.wait(t, second.ID); final.Status != StatusCompleted {
		t.Errorf("second run status = %s", final.Status)
	}
}

func TestStart_ProviderUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	in := input(testutil.Ticket("a"))
	in.SandboxID = "sb-unknown"

	run, err := f.m.CreateRun(in, "")
	if err != nil {
		t.Fatal(err)
	}
	err = f.m.Start(context.Background(), run.ID)
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Start() error = %v, want ErrProviderUnavailable", err)
	}
	final := f.wait(t, run.ID)
	if final.Status != StatusFailed || final.Error == "" {
		t.Errorf("final = %s %q, want failed with error", final.Status, final.Error)
	}
}

func TestRun_ProviderLostMidRun(t *testing.T) {
	f := newFixture(t, Options{})
	f.prov.WriteFunc = func(path string) error {
		return fmt.Errorf("connection reset: %w", sandbox.ErrUnavailable)
	}

	run, _ := f.start(t, input(testutil.Ticket("a"), testutil.Ticket("b", "a")))
	final := f.wait(t, run.ID)

	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "unavailable") {
		t.Errorf("run error = %q", final.Error)
	}
	if a := mustTicket(t, final, "a"); a.Status != ticket.StatusFailed {
		t.Errorf("a = %s, want failed", a.Status)
	}
	if len(final.NeverRan) != 1 || final.NeverRan[0].Reason != "run failed" {
		t.Errorf("NeverRan = %+v", final.NeverRan)
	}
}

func TestRun_RequireReviewBlocksDependents(t *testing.T) {
	f := newFixture(t, Options{})
	in := input(testutil.Ticket("a"), testutil.Ticket("b", "a"))
	in.Plan.RequireReview = true

	run, _ := f.start(t, in)
	final := f.wait(t, run.ID)

	a := mustTicket(t, final, "a")
	if a.Status != ticket.StatusPRReview || a.Progress != 90 {
		t.Errorf("a = %s progress %d, want pr_review", a.Status, a.Progress)
	}
	if len(final.NeverRan) != 1 || !strings.Contains(final.NeverRan[0].Reason, "awaiting review") {
		t.Errorf("NeverRan = %+v", final.NeverRan)
	}

	// Sign-off after the run.
	if _, err := f.m.MoveTicket(run.ID, "a", ticket.StatusDone, false); err != nil {
		t.Errorf("MoveTicket(pr_review -> done) error = %v", err)
	}
	got, _ := f.m.GetRun(run.ID)
	if mustTicket(t, got, "a").Status != ticket.StatusDone {
		t.Error("move was not committed")
	}
}

func TestRun_OnlyTicketClosure(t *testing.T) {
	f := newFixture(t, Options{})
	in := input(testutil.Ticket("a"), testutil.Ticket("b", "a"), testutil.Ticket("c"))
	in.OnlyTicketID = "b"
	in.MaxConcurrency = 3

	run, _ := f.start(t, in)
	final := f.wait(t, run.ID)

	if fmt.Sprint(f.gen.GetCalls()) != "[a b]" {
		t.Errorf("generated = %v, want [a b]", f.gen.GetCalls())
	}
	if len(final.NeverRan) != 1 || final.NeverRan[0].TicketID != "c" || !strings.Contains(final.NeverRan[0].Reason, "not required by b") {
		t.Errorf("NeverRan = %+v", final.NeverRan)
	}
}

func TestRun_TreatFailedAsResolved(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.GenerateFunc = func(ctx context.Context, req codegen.Request) (*codegen.Result, error) {
		if req.Ticket.ID == "a" {
			return nil, errors.New("nope")
		}
		return &codegen.Result{OK: true, Files: []codegen.File{{Path: "b.ts"}}}, nil
	}
	in := input(testutil.Ticket("a"), testutil.Ticket("b", "a"))
	in.TreatFailedAsResolved = true

	run, _ := f.start(t, in)
	final := f.wait(t, run.ID)

	if a := mustTicket(t, final, "a"); a.Status != ticket.StatusFailed {
		t.Errorf("a = %s, want failed", a.Status)
	}
	if b := mustTicket(t, final, "b"); b.Status != ticket.StatusDone {
		t.Errorf("b = %s, want done", b.Status)
	}
}

func TestRun_Heartbeat(t *testing.T) {
	f := newFixture(t, Options{HeartbeatInterval: time.Second})
	blocker := newBlockingGenerator()
	f.gen.GenerateFunc = blocker.generate

	run, ch := f.start(t, input(testutil.Ticket("a")))
	blocker.awaitStart(t)
	testutil.Eventually(t, waitTimeout, func() bool { return f.clk.Pending() > 0 }, "heartbeat ticker not created")

	f.clk.Advance(time.Second)

	var hb *events.HeartbeatEvent
	timeout := time.After(waitTimeout)
	for hb == nil {
		select {
		case ev := <-ch:
			hb, _ = ev.(*events.HeartbeatEvent)
		case <-timeout:
			t.Fatal("no heartbeat")
		}
	}
	if fmt.Sprint(hb.Active) != "[a]" || hb.Counts["generating"] != 1 || hb.ElapsedMs != 1000 {
		t.Errorf("heartbeat = %+v", hb)
	}

	close(blocker.release)
	f.wait(t, run.ID)
}

func TestMoveTicket(t *testing.T) {
	f := newFixture(t, Options{})
	run, _ := f.start(t, input(testutil.Ticket("a"), testutil.Ticket("b")))
	f.wait(t, run.ID)

	t.Run("unknown run", func(t *testing.T) {
		if _, err := f.m.MoveTicket("nope", "a", ticket.StatusBacklog, true); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("error = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("unknown ticket", func(t *testing.T) {
		if _, err := f.m.MoveTicket(run.ID, "zzz", ticket.StatusBacklog, true); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("destructive move needs confirmation", func(t *testing.T) {
		res, err := f.m.MoveTicket(run.ID, "a", ticket.StatusTesting, false)
		if !errors.Is(err, ErrConfirmationRequired) || !res.RequiresConfirmation {
			t.Fatalf("error = %v res = %+v, want ErrConfirmationRequired", err, res)
		}
		got, _ := f.m.GetRun(run.ID)
		if mustTicket(t, got, "a").Status != ticket.StatusDone {
			t.Error("unconfirmed move was committed")
		}
	})

	t.Run("confirmed backward move", func(t *testing.T) {
		res, err := f.m.MoveTicket(run.ID, "a", ticket.StatusBacklog, true)
		if err != nil || !res.IsBackward {
			t.Fatalf("error = %v res = %+v", err, res)
		}
		got, _ := f.m.GetRun(run.ID)
		a := mustTicket(t, got, "a")
		if a.Status != ticket.StatusBacklog || a.Progress != 0 || a.CompletedAt != nil {
			t.Errorf("a = %+v", a)
		}
	})

	t.Run("cannot skip columns", func(t *testing.T) {
		if _, err := f.m.MoveTicket(run.ID, "a", ticket.StatusTesting, true); !errors.Is(err, ErrIllegalMove) {
			t.Errorf("error = %v, want ErrIllegalMove", err)
		}
	})

	t.Run("same column is a no-op", func(t *testing.T) {
		if _, err := f.m.MoveTicket(run.ID, "b", ticket.StatusDone, false); err != nil {
			t.Errorf("error = %v", err)
		}
	})
}

func TestMoveTicket_PendingRunRejectsWorkerColumns(t *testing.T) {
	f := newFixture(t, Options{})
	run, err := f.m.CreateRun(input(testutil.Ticket("a"), testutil.Ticket("b", "a")), "http://localhost:5173")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	if _, err := f.m.MoveTicket(run.ID, "a", ticket.StatusGenerating, true); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("move into generating on pending run error = %v, want ErrIllegalMove", err)
	}
	got, _ := f.m.GetRun(run.ID)
	if a := mustTicket(t, got, "a"); a.Status != ticket.StatusBacklog {
		t.Fatalf("a = %s, want backlog", a.Status)
	}

	if err := f.m.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	final := f.wait(t, run.ID)
	if final.Status != StatusCompleted {
		t.Errorf("run status = %s, want completed", final.Status)
	}
	for _, id := range []string{"a", "b"} {
		if tk := mustTicket(t, final, id); tk.Status != ticket.StatusDone {
			t.Errorf("%s = %s, want done", id, tk.Status)
		}
	}
	if len(f.gen.GetCalls()) != 2 {
		t.Errorf("generate calls = %d, want 2", len(f.gen.GetCalls()))
	}
}

func TestMoveTicket_InFlight(t *testing.T) {
	f := newFixture(t, Options{})
	blocker := newBlockingGenerator()
	f.gen.GenerateFunc = blocker.generate

	in := input(testutil.Ticket("a"), testutil.Ticket("b", "a"))
	run, _ := f.start(t, in)
	blocker.awaitStart(t)

	if _, err := f.m.MoveTicket(run.ID, "a", ticket.StatusSkipped, true); !errors.Is(err, ErrTicketInFlight) {
		t.Errorf("error = %v, want ErrTicketInFlight", err)
	}
	if _, err := f.m.MoveTicket(run.ID, "b", ticket.StatusGenerating, true); !errors.Is(err, ErrIllegalMove) {
		t.Errorf("move into a worker column error = %v, want ErrIllegalMove", err)
	}
	if _, err := f.m.MoveTicket(run.ID, "b", ticket.StatusSkipped, false); err != nil {
		t.Errorf("skip waiting ticket error = %v", err)
	}

	close(blocker.release)
	final := f.wait(t, run.ID)
	if b := mustTicket(t, final, "b"); b.Status != ticket.StatusSkipped {
		t.Errorf("b = %s, want skipped", b.Status)
	}
	if len(f.gen.GetCalls()) != 1 {
		t.Errorf("skipped ticket was generated: %v", f.gen.GetCalls())
	}
}

func TestListRuns_AndSubscribeAll(t *testing.T) {
	f := newFixture(t, Options{})
	all := f.m.SubscribeAll(1000)

	first, _ := f.start(t, input(testutil.Ticket("a")))
	f.wait(t, first.ID)
	f.clk.Advance(time.Minute)
	second, _ := f.start(t, input(testutil.Ticket("b")))
	f.wait(t, second.ID)

	runs := f.m.ListRuns()
	if len(runs) != 2 || runs[0].ID != first.ID || runs[1].ID != second.ID {
		t.Errorf("ListRuns() order wrong: %v", runs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := f.m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	seen := map[string]int{}
	for ev := range all {
		if _, ok := ev.(*events.RunSummaryEvent); ok {
			seen[ev.RunID()]++
		}
	}
	if seen[first.ID] != 1 || seen[second.ID] != 1 {
		t.Errorf("summaries per run = %v", seen)
	}
}
