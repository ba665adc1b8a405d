package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"pewcast/internal/campaign"
	"pewcast/internal/retry"
	"pewcast/internal/runtime/supervisor"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

type recorder struct {
	mu       sync.Mutex
	outcomes map[string]campaign.Outcome
	drained  chan *Run
}

func newRecorder() *recorder {
	return &recorder{outcomes: map[string]campaign.Outcome{}, drained: make(chan *Run, 4)}
}

func (r *recorder) RecordOutcome(_ context.Context, o campaign.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o.ContactID] = o
	return nil
}

func (r *recorder) CycleDrained(run *Run) { r.drained <- run }

func (r *recorder) get(id string) (campaign.Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outcomes[id]
	return o, ok
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

// scripted answers from a per-contact list of outcomes; the last entry repeats.
type scripted struct {
	mu     sync.Mutex
	script map[string][]transport.Outcome
	calls  map[string]int
	times  []time.Time
}

func newScripted(script map[string][]transport.Outcome) *scripted {
	return &scripted{script: script, calls: map[string]int{}}
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Send(_ context.Context, env transport.Envelope) transport.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times = append(s.times, time.Now())
	n := s.calls[env.ContactID]
	s.calls[env.ContactID] = n + 1
	outs := s.script[env.ContactID]
	if len(outs) == 0 {
		return transport.Success()
	}
	if n >= len(outs) {
		n = len(outs) - 1
	}
	return outs[n]
}

func (s *scripted) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

// gated blocks every send until the test releases it.
type gated struct {
	entered chan string
	release chan struct{}
}

func newGated() *gated {
	return &gated{entered: make(chan string), release: make(chan struct{})}
}

func (g *gated) Name() string { return "gated" }

func (g *gated) Send(ctx context.Context, env transport.Envelope) transport.Outcome {
	g.entered <- env.ContactID
	<-g.release
	return transport.Success()
}

func (g *gated) step(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.entered:
		g.release <- struct{}{}
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no send attempted")
		return ""
	}
}

func newTestDispatcher(t *testing.T, tr transport.Transport, lim Limits, cfg Config) *Dispatcher {
	t.Helper()
	sup := supervisor.New(context.Background(), supervisor.WithLogger(logx.Nop()))
	t.Cleanup(func() {
		sup.Cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Wait(ctx)
	})
	return New(sup, tr, NewLimiter(lim), cfg, logx.Nop())
}

func fastLimits() Limits { return Limits{Max: 1000, Window: time.Second} }

func contacts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("c%02d", i)
	}
	return out
}

func waitDrained(t *testing.T, rec *recorder) *Run {
	t.Helper()
	select {
	case r := <-rec.drained:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not drain")
		return nil
	}
}

func TestRunDeliversEveryRecipientOnce(t *testing.T) {
	t.Parallel()
	tr := newScripted(nil)
	d := newTestDispatcher(t, tr, fastLimits(), Config{})
	rec := newRecorder()

	ids := contacts(5)
	run := d.Start(Job{CampaignID: "camp", CycleID: "cyc", Message: storage.Message{ID: "m", Text: "hi"}, Recipients: ids}, rec)
	if got := waitDrained(t, rec); got != run {
		t.Fatal("drained callback for a different run")
	}

	want := campaign.Statistics{Total: 5, Sent: 5}
	if got := run.Stats(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
	for _, id := range ids {
		if n := tr.callsFor(id); n != 1 {
			t.Fatalf("%s attempted %d times", id, n)
		}
		if o, ok := rec.get(id); !ok || o.Result != campaign.ResultSent || o.Attempts != 1 {
			t.Fatalf("%s outcome = %+v", id, o)
		}
	}
}

func TestRunRetriesThenSettles(t *testing.T) {
	t.Parallel()
	flaky := transport.Outcome{Retryable: true, Reason: "timeout"}
	tr := newScripted(map[string][]transport.Outcome{
		"flaky":   {flaky, flaky, transport.Success()},
		"blocked": {{Reason: "bot was blocked by the user"}},
		"down":    {flaky},
	})
	cfg := Config{Retry: retry.Policy{MaxRetries: 2, Base: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: -1}}
	d := newTestDispatcher(t, tr, fastLimits(), cfg)
	rec := newRecorder()

	run := d.Start(Job{CampaignID: "camp", CycleID: "cyc", Recipients: []string{"flaky", "blocked", "down"}}, rec)
	waitDrained(t, rec)

	tests := []struct {
		id       string
		result   campaign.Result
		attempts int
		reason   string
	}{
		{"flaky", campaign.ResultSent, 3, ""},
		{"blocked", campaign.ResultFailed, 1, "bot was blocked by the user"},
		{"down", campaign.ResultFailed, 3, "retries exhausted: timeout"},
	}
	for _, tt := range tests {
		o, ok := rec.get(tt.id)
		if !ok {
			t.Fatalf("%s: no outcome", tt.id)
		}
		if o.Result != tt.result || o.Attempts != tt.attempts || o.FailureReason != tt.reason {
			t.Fatalf("%s: outcome = %+v", tt.id, o)
		}
		if n := tr.callsFor(tt.id); n != tt.attempts {
			t.Fatalf("%s: transport calls = %d, want %d", tt.id, n, tt.attempts)
		}
	}
	want := campaign.Statistics{Total: 3, Sent: 1, Failed: 2}
	if got := run.Stats(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
}

func TestRunPauseResumeAttemptsEachRecipientOnce(t *testing.T) {
	t.Parallel()
	const n, k = 8, 3
	g := newGated()
	d := newTestDispatcher(t, g, fastLimits(), Config{})
	rec := newRecorder()
	run := d.Start(Job{CampaignID: "camp", CycleID: "cyc", Recipients: contacts(n)}, rec)

	var seen []string
	for i := 0; i < k; i++ {
		seen = append(seen, g.step(t))
	}

	// Pause while one send is in flight; it still completes.
	inflight := <-g.entered
	if !run.Pause() {
		t.Fatal("pause had no effect")
	}
	if run.Pause() {
		t.Fatal("second pause changed state")
	}
	g.release <- struct{}{}
	seen = append(seen, inflight)

	select {
	case id := <-g.entered:
		t.Fatalf("send to %s while paused", id)
	case <-time.After(150 * time.Millisecond):
	}
	if got := run.Stats().Sent; got != k+1 {
		t.Fatalf("sent while paused = %d, want %d", got, k+1)
	}

	if !run.Resume() {
		t.Fatal("resume had no effect")
	}
	for i := k + 1; i < n; i++ {
		seen = append(seen, g.step(t))
	}
	waitDrained(t, rec)

	slices.Sort(seen)
	if !slices.Equal(seen, contacts(n)) {
		t.Fatalf("attempted %v", seen)
	}
	if got := run.Stats(); got.Sent != n || got.Attempted() != n {
		t.Fatalf("stats = %+v", got)
	}
}

func TestRunCancelFreezesStats(t *testing.T) {
	t.Parallel()
	const k = 2
	g := newGated()
	d := newTestDispatcher(t, g, fastLimits(), Config{})
	rec := newRecorder()
	run := d.Start(Job{CampaignID: "camp", CycleID: "cyc", Recipients: contacts(6)}, rec)

	for i := 0; i < k; i++ {
		g.step(t)
	}
	<-g.entered
	if !run.Cancel() {
		t.Fatal("cancel reported an already drained run")
	}
	frozen := run.Stats()
	g.release <- struct{}{}

	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	if got := run.Stats(); got != frozen || got.Sent != k {
		t.Fatalf("stats after cancel = %+v, frozen %+v", got, frozen)
	}
	if rec.count() != k {
		t.Fatalf("recorded %d outcomes, want %d", rec.count(), k)
	}
	select {
	case <-rec.drained:
		t.Fatal("canceled run reported drained")
	default:
	}
	if _, _, err := run.Receipt(context.Background(), "c00", campaign.ResultRead); !errors.Is(err, ErrRunClosed) {
		t.Fatalf("receipt after cancel err = %v", err)
	}
}

func TestRunRespectsGlobalWindowAcrossCycles(t *testing.T) {
	t.Parallel()
	const max = 4
	window := 400 * time.Millisecond
	tr := newScripted(nil)
	d := newTestDispatcher(t, tr, Limits{Max: max, Window: window}, Config{})

	recs := make([]*recorder, 3)
	for i := range recs {
		recs[i] = newRecorder()
		ids := contacts(5)
		for j := range ids {
			ids[j] = fmt.Sprintf("r%d-%s", i, ids[j])
		}
		d.Start(Job{CampaignID: fmt.Sprintf("camp%d", i), CycleID: fmt.Sprintf("cyc%d", i), Recipients: ids}, recs[i])
	}
	for _, rec := range recs {
		waitDrained(t, rec)
	}

	tr.mu.Lock()
	times := slices.Clone(tr.times)
	tr.mu.Unlock()
	if len(times) != 15 {
		t.Fatalf("sends = %d", len(times))
	}
	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })
	for i := 0; i+max < len(times); i++ {
		if gap := times[i+max].Sub(times[i]); gap < window-10*time.Millisecond {
			t.Fatalf("%d sends within %s", max+1, gap)
		}
	}
}

// multipart reports every message as two channel sends.
type multipart struct{ *scripted }

func (multipart) Parts(storage.Message) int { return 2 }

func TestRunTakesOneSlotPerPart(t *testing.T) {
	t.Parallel()
	window := 300 * time.Millisecond
	tr := multipart{newScripted(nil)}
	d := newTestDispatcher(t, tr, Limits{Max: 2, Window: window}, Config{})

	rec := newRecorder()
	d.Start(Job{CampaignID: "camp", CycleID: "cyc", Recipients: contacts(3)}, rec)
	waitDrained(t, rec)

	tr.mu.Lock()
	times := slices.Clone(tr.times)
	tr.mu.Unlock()
	if len(times) != 3 {
		t.Fatalf("sends = %d", len(times))
	}
	// Two parts fill the whole window, so sends are a window apart.
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < window-10*time.Millisecond {
			t.Fatalf("send %d only %s after the previous one", i, gap)
		}
	}
}

func TestRunSkipsRecoveredRecipients(t *testing.T) {
	t.Parallel()
	tr := newScripted(nil)
	d := newTestDispatcher(t, tr, fastLimits(), Config{})
	rec := newRecorder()

	run := d.Start(Job{
		CampaignID: "camp",
		CycleID:    "cyc",
		Recipients: []string{"a", "b", "c"},
		Recovered: []campaign.Outcome{
			{CycleID: "cyc", ContactID: "a", Result: campaign.ResultRead},
			{CycleID: "cyc", ContactID: "b", Result: campaign.ResultFailed},
		},
	}, rec)
	waitDrained(t, rec)

	if tr.callsFor("a") != 0 || tr.callsFor("b") != 0 || tr.callsFor("c") != 1 {
		t.Fatalf("calls a=%d b=%d c=%d", tr.callsFor("a"), tr.callsFor("b"), tr.callsFor("c"))
	}
	want := campaign.Statistics{Total: 3, Sent: 2, Delivered: 1, Read: 1, Failed: 1}
	if got := run.Stats(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
}

func TestRunReceipts(t *testing.T) {
	t.Parallel()
	g := newGated()
	d := newTestDispatcher(t, g, fastLimits(), Config{})
	rec := newRecorder()
	run := d.Start(Job{CampaignID: "camp", CycleID: "cyc", Recipients: []string{"a", "b"}}, rec)
	ctx := context.Background()

	g.step(t) // a committed

	if _, _, err := run.Receipt(ctx, "zzz", campaign.ResultDelivered); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("unknown recipient err = %v", err)
	}
	waitFor(t, func() bool { _, ok := rec.get("a"); return ok })
	o, changed, err := run.Receipt(ctx, "a", campaign.ResultRead)
	if err != nil || !changed || o.Result != campaign.ResultRead {
		t.Fatalf("receipt a: %+v changed=%v err=%v", o, changed, err)
	}
	if _, changed, _ := run.Receipt(ctx, "a", campaign.ResultDelivered); changed {
		t.Fatal("delivered after read must not regress")
	}

	// b arrives before its send is committed.
	<-g.entered
	if _, changed, err := run.Receipt(ctx, "b", campaign.ResultDelivered); err != nil || changed {
		t.Fatalf("early receipt changed=%v err=%v", changed, err)
	}
	g.release <- struct{}{}
	r := waitDrained(t, rec)

	want := campaign.Statistics{Total: 2, Sent: 2, Delivered: 2, Read: 1}
	if got := r.Stats(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
	if o, _ := rec.get("b"); o.Result != campaign.ResultDelivered {
		t.Fatalf("b = %+v", o)
	}

	r.Close()
	if _, _, err := r.Receipt(ctx, "b", campaign.ResultRead); !errors.Is(err, ErrRunClosed) {
		t.Fatalf("receipt after close err = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
