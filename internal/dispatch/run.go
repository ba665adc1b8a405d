package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"pewcast/internal/campaign"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

var (
	// ErrRunClosed is returned by Receipt once the run has been archived;
	// callers fall back to the stored outcome.
	ErrRunClosed = errors.New("dispatch: run closed")
	// ErrUnknownRecipient means the contact is not part of the cycle.
	ErrUnknownRecipient = errors.New("dispatch: contact is not a recipient of this cycle")
)

// Job describes one cycle to deliver.
type Job struct {
	CampaignID string
	CycleID    string
	Message    storage.Message
	// Recipients is the frozen recipient list of the cycle, in send order.
	Recipients []string
	// Recovered are outcomes already committed for this cycle, typically
	// loaded after a restart. Their recipients are not attempted again.
	Recovered []campaign.Outcome
}

// Recorder persists what a run commits. Calls for one run never overlap.
type Recorder interface {
	RecordOutcome(ctx context.Context, o campaign.Outcome) error
	// CycleDrained is called once, from the run goroutine, after every
	// recipient holds a terminal outcome.
	CycleDrained(r *Run)
}

type runState int

const (
	stateActive runState = iota
	statePaused
	stateCanceled
)

type retryItem struct {
	contactID string
	attempts  int
	at        time.Time
}

// Run is the live worker state of one sending cycle.
type Run struct {
	campaignID string
	cycleID    string
	msg        storage.Message
	total      int64

	d   *Dispatcher
	rec Recorder
	log logx.Logger
	rng *rand.Rand

	sent      atomic.Int64
	failed    atomic.Int64
	delivered atomic.Int64
	read      atomic.Int64

	ctlMu   sync.Mutex
	state   runState
	changed chan struct{}

	// commitMu serializes outcome commits, receipts and cancel.
	commitMu sync.Mutex
	members  map[string]struct{}
	outcomes map[string]campaign.Outcome
	early    map[string]campaign.Result
	drained  bool
	closed   bool

	// queue state, owned by the run goroutine
	pending []string
	retries []retryItem

	done chan struct{}
}

func newRun(d *Dispatcher, job Job, rec Recorder) *Run {
	r := &Run{
		campaignID: job.CampaignID,
		cycleID:    job.CycleID,
		msg:        job.Message,
		total:      int64(len(job.Recipients)),
		d:          d,
		rec:        rec,
		log:        d.log.With(logx.String("campaign", job.CampaignID), logx.String("cycle", job.CycleID)),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		changed:    make(chan struct{}),
		members:    make(map[string]struct{}, len(job.Recipients)),
		outcomes:   make(map[string]campaign.Outcome, len(job.Recovered)),
		early:      map[string]campaign.Result{},
		done:       make(chan struct{}),
	}
	for _, id := range job.Recipients {
		r.members[id] = struct{}{}
	}
	for _, o := range job.Recovered {
		if _, ok := r.members[o.ContactID]; !ok {
			continue
		}
		r.outcomes[o.ContactID] = o
		switch o.Result {
		case campaign.ResultFailed:
			r.failed.Add(1)
		case campaign.ResultRead:
			r.sent.Add(1)
			r.delivered.Add(1)
			r.read.Add(1)
		case campaign.ResultDelivered:
			r.sent.Add(1)
			r.delivered.Add(1)
		default:
			r.sent.Add(1)
		}
	}
	for _, id := range job.Recipients {
		if _, ok := r.outcomes[id]; !ok {
			r.pending = append(r.pending, id)
		}
	}
	return r
}

func (r *Run) CampaignID() string { return r.campaignID }
func (r *Run) CycleID() string    { return r.cycleID }

// Done is closed when the run goroutine exits.
func (r *Run) Done() <-chan struct{} { return r.done }

// Stats returns a consistent snapshot of the cycle counters.
func (r *Run) Stats() campaign.Statistics {
	// Counters only grow, and each one is bumped after the one it is bounded
	// by. Loading in reverse keeps read <= delivered <= sent in the snapshot.
	rd := r.read.Load()
	dl := r.delivered.Load()
	failed := r.failed.Load()
	sent := r.sent.Load()
	return campaign.Statistics{Total: r.total, Sent: sent, Delivered: dl, Read: rd, Failed: failed}
}

// Pause stops the run from pulling further recipients. Sends already in
// flight complete and are committed. It reports whether the state changed.
func (r *Run) Pause() bool { return r.setState(statePaused, stateActive) }

// Resume continues a paused run.
func (r *Run) Resume() bool { return r.setState(stateActive, statePaused) }

// Paused reports whether the run is currently held.
func (r *Run) Paused() bool {
	r.ctlMu.Lock()
	defer r.ctlMu.Unlock()
	return r.state == statePaused
}

// Cancel stops the run for good. Outcomes of sends still in flight are
// discarded, so Stats is frozen once Cancel returns. It returns false when
// the cycle had already drained.
func (r *Run) Cancel() bool {
	r.commitMu.Lock()
	if r.drained {
		r.commitMu.Unlock()
		return false
	}
	r.closed = true
	r.commitMu.Unlock()

	r.ctlMu.Lock()
	r.state = stateCanceled
	r.signalLocked()
	r.ctlMu.Unlock()
	return true
}

// Close detaches receipts from the run. Later receipts for this cycle must
// be applied to the stored outcome instead.
func (r *Run) Close() {
	r.commitMu.Lock()
	r.closed = true
	r.commitMu.Unlock()
}

// Receipt applies a delivery callback to a committed outcome. A callback
// that arrives before its send is committed is held and applied at commit.
// It returns the updated outcome when counters changed.
func (r *Run) Receipt(ctx context.Context, contactID string, to campaign.Result) (campaign.Outcome, bool, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	if r.closed {
		return campaign.Outcome{}, false, ErrRunClosed
	}
	if _, ok := r.members[contactID]; !ok {
		return campaign.Outcome{}, false, ErrUnknownRecipient
	}
	o, ok := r.outcomes[contactID]
	if !ok {
		if to.Rank() > r.early[contactID].Rank() {
			r.early[contactID] = to
		}
		return campaign.Outcome{}, false, nil
	}
	if !r.advanceLocked(ctx, &o, to) {
		return o, false, nil
	}
	return o, true, nil
}

func (r *Run) advanceLocked(ctx context.Context, o *campaign.Outcome, to campaign.Result) bool {
	dl, rd, ok := o.Advance(to)
	if !ok {
		return false
	}
	if err := r.rec.RecordOutcome(ctx, *o); err != nil {
		r.log.Warn("receipt persist failed", logx.String("contact", o.ContactID), logx.Err(err))
	}
	r.outcomes[o.ContactID] = *o
	r.delivered.Add(dl)
	r.read.Add(rd)
	return true
}

func (r *Run) setState(to, from runState) bool {
	r.ctlMu.Lock()
	defer r.ctlMu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	r.signalLocked()
	return true
}

func (r *Run) signalLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Run) control() (runState, <-chan struct{}) {
	r.ctlMu.Lock()
	defer r.ctlMu.Unlock()
	return r.state, r.changed
}

// waitActive blocks while paused. It returns false on cancel or shutdown.
func (r *Run) waitActive(ctx context.Context) bool {
	for {
		st, ch := r.control()
		switch st {
		case stateActive:
			return true
		case stateCanceled:
			return false
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// sleep waits for d, a control change or shutdown.
func (r *Run) sleep(ctx context.Context, d time.Duration) {
	_, ch := r.control()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ch:
	case <-ctx.Done():
	}
}

type work struct {
	contactID string
	attempts  int
	retry     bool
}

// next picks a due retry first, then a fresh recipient. When only future
// retries remain it returns the wait until the earliest one.
func (r *Run) next(now time.Time) (work, time.Duration, bool) {
	earliest := -1
	for i, it := range r.retries {
		if !it.at.After(now) {
			r.retries = append(r.retries[:i], r.retries[i+1:]...)
			return work{contactID: it.contactID, attempts: it.attempts, retry: true}, 0, true
		}
		if earliest < 0 || it.at.Before(r.retries[earliest].at) {
			earliest = i
		}
	}
	if len(r.pending) > 0 {
		id := r.pending[0]
		r.pending = r.pending[1:]
		return work{contactID: id}, 0, true
	}
	if earliest >= 0 {
		return work{}, r.retries[earliest].at.Sub(now), true
	}
	return work{}, 0, false
}

func (r *Run) requeue(w work) {
	if w.retry {
		r.retries = append(r.retries, retryItem{contactID: w.contactID, attempts: w.attempts})
		return
	}
	r.pending = append([]string{w.contactID}, r.pending...)
}

func (r *Run) loop(ctx context.Context) {
	defer close(r.done)
	for {
		if !r.waitActive(ctx) {
			return
		}
		w, wait, ok := r.next(r.d.now())
		if !ok {
			r.finish()
			return
		}
		if wait > 0 {
			r.sleep(ctx, wait)
			continue
		}
		if err := r.reserve(ctx); err != nil {
			r.requeue(w)
			return
		}
		// The slot may have been granted after a pause or cancel arrived.
		if st, _ := r.control(); st != stateActive {
			r.requeue(w)
			continue
		}
		r.attempt(ctx, w)
	}
}

// reserve takes one limiter slot per channel send the message needs.
func (r *Run) reserve(ctx context.Context) error {
	for range transport.Parts(r.d.transport, r.msg) {
		if err := r.d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Run) attempt(ctx context.Context, w work) {
	cfg := r.d.config()
	w.attempts++

	// An in-flight send is not interrupted by shutdown; it is bounded by the
	// send timeout instead.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
	out := r.d.transport.Send(sctx, transport.Envelope{
		CampaignID: r.campaignID,
		CycleID:    r.cycleID,
		ContactID:  w.contactID,
		Message:    r.msg,
	})
	cancel()

	if out.Success {
		r.commit(ctx, campaign.Outcome{
			CycleID:     r.cycleID,
			ContactID:   w.contactID,
			Result:      campaign.ResultSent,
			Attempts:    w.attempts,
			AttemptedAt: r.d.now(),
		})
		return
	}

	err := out.Err()
	if out.Retryable && cfg.Retry.Retryable(w.attempts, err) {
		delay := cfg.Retry.Delay(w.attempts, err, r.rng)
		r.log.Debug("send failed, will retry",
			logx.String("contact", w.contactID),
			logx.Int("attempt", w.attempts),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		r.retries = append(r.retries, retryItem{
			contactID: w.contactID,
			attempts:  w.attempts,
			at:        r.d.now().Add(delay),
		})
		return
	}

	reason := out.Reason
	if reason == "" {
		reason = "send failed"
	}
	if out.Retryable {
		reason = "retries exhausted: " + reason
	}
	r.log.Warn("send failed", logx.String("contact", w.contactID), logx.Int("attempts", w.attempts), logx.String("reason", reason))
	r.commit(ctx, campaign.Outcome{
		CycleID:       r.cycleID,
		ContactID:     w.contactID,
		Result:        campaign.ResultFailed,
		FailureReason: reason,
		Attempts:      w.attempts,
		AttemptedAt:   r.d.now(),
	})
}

// commit records a terminal outcome unless the run was canceled meanwhile.
func (r *Run) commit(ctx context.Context, o campaign.Outcome) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	if r.closed {
		r.log.Debug("outcome discarded after cancel", logx.String("contact", o.ContactID))
		return
	}
	pctx := context.WithoutCancel(ctx)
	if err := r.rec.RecordOutcome(pctx, o); err != nil {
		r.log.Error("outcome persist failed", logx.String("contact", o.ContactID), logx.Err(err))
	}
	r.outcomes[o.ContactID] = o
	if o.Result == campaign.ResultFailed {
		r.failed.Add(1)
	} else {
		r.sent.Add(1)
	}
	if to, ok := r.early[o.ContactID]; ok {
		delete(r.early, o.ContactID)
		r.advanceLocked(pctx, &o, to)
	}
}

func (r *Run) finish() {
	r.commitMu.Lock()
	if r.closed || r.drained {
		r.commitMu.Unlock()
		return
	}
	r.drained = true
	r.commitMu.Unlock()
	r.log.Info("cycle drained", logx.Int64("sent", r.sent.Load()), logx.Int64("failed", r.failed.Load()))
	r.rec.CycleDrained(r)
}
