package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pewcast/internal/campaign"
	"pewcast/internal/dispatch"
	"pewcast/internal/eventbus"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Create validates and stores a new draft campaign. An empty ID is assigned.
func (s *Service) Create(ctx context.Context, in *campaign.Campaign) (*campaign.Campaign, error) {
	if in == nil {
		return nil, errors.New("scheduler: nil campaign")
	}
	now := s.now()
	c := in.Clone()
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := campaign.Validate(c, now); err != nil {
		return nil, err
	}

	unlock := s.records.Lock(c.ID)
	defer unlock()

	switch _, err := s.load(ctx, c.ID); {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrCampaignExists, c.ID)
	case !errors.Is(err, ErrUnknownCampaign):
		return nil, err
	}

	c.Status = campaign.StatusDraft
	c.Stats = campaign.Statistics{}
	c.CycleID = ""
	c.CycleSeq = 0
	c.NextFireAt = time.Time{}
	c.ResolveAttempts = 0
	c.FailureReason = ""
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := s.bounded(ctx, func(ctx context.Context) error { return s.store.SaveCampaign(ctx, c) }); err != nil {
		return nil, fmt.Errorf("save campaign %s: %w", c.ID, err)
	}
	s.log.Info("campaign created", logx.String("campaign", c.ID), logx.String("name", c.Name))
	return c.Clone(), nil
}

// Update replaces the operator-owned fields of a draft or scheduled
// campaign. Status, counters and cycle bookkeeping are kept.
func (s *Service) Update(ctx context.Context, in *campaign.Campaign) (*campaign.Campaign, error) {
	if in == nil {
		return nil, errors.New("scheduler: nil campaign")
	}
	unlock := s.records.Lock(in.ID)
	defer unlock()

	prev, err := s.load(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if prev.Status != campaign.StatusDraft && prev.Status != campaign.StatusScheduled {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotEditable, prev.ID, prev.Status)
	}
	now := s.now()
	next := in.Clone()
	if err := campaign.ValidateEdit(prev, next, now); err != nil {
		return nil, err
	}
	next.Status = prev.Status
	next.Stats = prev.Stats
	next.CycleID = prev.CycleID
	next.CycleSeq = prev.CycleSeq
	next.ResolveAttempts = prev.ResolveAttempts
	next.FailureReason = prev.FailureReason
	next.CreatedAt = prev.CreatedAt
	// A scheduled recurring campaign plans its next occurrence on the next tick.
	next.NextFireAt = time.Time{}

	if err := s.save(ctx, next); err != nil {
		return nil, fmt.Errorf("save campaign %s: %w", next.ID, err)
	}
	s.log.Info("campaign updated", logx.String("campaign", next.ID), logx.String("status", string(next.Status)))
	if next.Status == campaign.StatusScheduled {
		s.kick(next.ID)
	}
	return next.Clone(), nil
}

// Get returns the campaign record with live counters.
func (s *Service) Get(ctx context.Context, id string) (*campaign.Campaign, error) {
	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.overlayLive(c)
	return c, nil
}

// List returns campaigns in any of statuses, or all when none given.
func (s *Service) List(ctx context.Context, statuses ...campaign.Status) ([]*campaign.Campaign, error) {
	var out []*campaign.Campaign
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListCampaigns(ctx, statuses...)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, c := range out {
		s.overlayLive(c)
	}
	return out, nil
}

// History returns the transitions of a campaign, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]campaign.Transition, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	var out []campaign.Transition
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListTransitions(ctx, id)
		return err
	})
	return out, err
}

// GetStatus returns a read-only snapshot of status and counters.
func (s *Service) GetStatus(ctx context.Context, id string) (campaign.Snapshot, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return campaign.Snapshot{}, err
	}
	return c.Snapshot(), nil
}

func (s *Service) overlayLive(c *campaign.Campaign) {
	if r := s.run(c.ID); r != nil && r.CycleID() == c.CycleID {
		c.Stats = r.Stats()
	}
}

// Start activates a draft campaign. An immediate schedule moves to
// processing at once; other schedules are armed and fire from the loop.
// Starting an already active campaign is a no-op.
func (s *Service) Start(ctx context.Context, id string) (campaign.Snapshot, error) {
	unlock := s.records.Lock(id)
	defer unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return campaign.Snapshot{}, err
	}
	if campaign.Settled(c.Status, campaign.EventStart) {
		s.overlayLive(c)
		return c.Snapshot(), nil
	}
	if _, err := campaign.Next(c.Status, campaign.EventStart); err != nil {
		return c.Snapshot(), err
	}

	if _, ok := c.Schedule.(campaign.Immediate); ok {
		if err := s.beginCycle(ctx, c, campaign.EventStart); err != nil {
			return c.Snapshot(), err
		}
	} else {
		if _, err := s.transition(ctx, c, campaign.EventArm, ""); err != nil {
			return c.Snapshot(), err
		}
		s.planNext(ctx, c, s.now(), c.Location(s.location()))
	}
	s.kick(id)
	return c.Snapshot(), nil
}

// Pause holds a sending campaign. Sends already in flight complete.
func (s *Service) Pause(ctx context.Context, id string) (campaign.Snapshot, error) {
	unlock := s.records.Lock(id)
	defer unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return campaign.Snapshot{}, err
	}
	s.overlayLive(c)
	if campaign.Settled(c.Status, campaign.EventPause) {
		return c.Snapshot(), nil
	}
	if _, err := s.transition(ctx, c, campaign.EventPause, ""); err != nil {
		return c.Snapshot(), err
	}
	if r := s.run(id); r != nil && r.CycleID() == c.CycleID {
		r.Pause()
	}
	return c.Snapshot(), nil
}

// Resume continues a paused campaign with its remaining recipients.
func (s *Service) Resume(ctx context.Context, id string) (campaign.Snapshot, error) {
	unlock := s.records.Lock(id)
	defer unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return campaign.Snapshot{}, err
	}
	s.overlayLive(c)
	if campaign.Settled(c.Status, campaign.EventResume) {
		return c.Snapshot(), nil
	}
	if _, err := s.transition(ctx, c, campaign.EventResume, ""); err != nil {
		return c.Snapshot(), err
	}
	if r := s.run(id); r != nil && r.CycleID() == c.CycleID {
		r.Resume()
	} else {
		s.kick(id)
	}
	return c.Snapshot(), nil
}

// Cancel stops a scheduled, sending or paused campaign for good. Counters
// are frozen at what was committed before the call.
func (s *Service) Cancel(ctx context.Context, id string) (campaign.Snapshot, error) {
	unlock := s.records.Lock(id)
	defer unlock()

	c, err := s.load(ctx, id)
	if err != nil {
		return campaign.Snapshot{}, err
	}
	if campaign.Settled(c.Status, campaign.EventCancel) {
		return c.Snapshot(), nil
	}
	r := s.run(id)
	if r != nil && r.CycleID() != c.CycleID {
		r = nil
	}
	if r != nil {
		c.Stats = r.Stats()
	}
	wasActive := c.Status == campaign.StatusSending || c.Status == campaign.StatusPaused
	if _, err := s.transition(ctx, c, campaign.EventCancel, ""); err != nil {
		return c.Snapshot(), err
	}
	if r != nil {
		r.Cancel()
		s.dropRun(r)
		if st := r.Stats(); st != c.Stats {
			c.Stats = st
			if err := s.save(ctx, c); err != nil {
				s.log.Warn("final counters save failed", logx.String("campaign", id), logx.Err(err))
			}
		}
	}
	if wasActive {
		s.updateCycle(ctx, c, campaign.StatusCanceled, true)
	}
	return c.Snapshot(), nil
}

// RecordDelivery applies an asynchronous delivered/read callback. Callbacks
// for a live cycle go through its worker; callbacks for a closed cycle
// update the archived counters, except for canceled cycles whose counters
// are frozen.
func (s *Service) RecordDelivery(ctx context.Context, rc transport.Receipt) error {
	if rc.Result != campaign.ResultDelivered && rc.Result != campaign.ResultRead {
		return fmt.Errorf("scheduler: unsupported receipt result %q", rc.Result)
	}
	var cy campaign.Cycle
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		cy, err = s.store.GetCycle(ctx, rc.CycleID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownCycle, rc.CycleID)
	}
	if err != nil {
		return err
	}

	if r := s.run(cy.CampaignID); r != nil && r.CycleID() == cy.ID {
		o, changed, err := r.Receipt(ctx, rc.ContactID, rc.Result)
		if !errors.Is(err, dispatch.ErrRunClosed) {
			if changed {
				s.publish(eventbus.RecipientOutcome, o)
			}
			return err
		}
	}

	unlock := s.records.Lock(cy.CampaignID)
	defer unlock()

	if err := s.bounded(ctx, func(ctx context.Context) error {
		var err error
		cy, err = s.store.GetCycle(ctx, rc.CycleID)
		return err
	}); err != nil {
		return err
	}
	if cy.Status == campaign.StatusCanceled {
		return nil
	}
	var o campaign.Outcome
	err = s.bounded(ctx, func(ctx context.Context) error {
		var err error
		o, err = s.store.GetOutcome(ctx, cy.ID, rc.ContactID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: no outcome for %s in cycle %s", dispatch.ErrUnknownRecipient, rc.ContactID, cy.ID)
	}
	if err != nil {
		return err
	}
	dl, rd, ok := o.Advance(rc.Result)
	if !ok {
		return nil
	}
	if err := s.bounded(ctx, func(ctx context.Context) error { return s.store.PutOutcome(ctx, o) }); err != nil {
		return err
	}
	s.publish(eventbus.RecipientOutcome, o)

	if !cy.Status.Terminal() {
		// Counters of an open cycle are rebuilt from outcomes when its worker starts.
		return nil
	}
	cy.Stats.Delivered += dl
	cy.Stats.Read += rd
	if err := s.bounded(ctx, func(ctx context.Context) error { return s.store.PutCycle(ctx, cy) }); err != nil {
		return err
	}
	c, err := s.load(ctx, cy.CampaignID)
	if err != nil {
		return err
	}
	if c.CycleID == cy.ID {
		c.Stats.Delivered += dl
		c.Stats.Read += rd
		if err := s.save(ctx, c); err != nil {
			return err
		}
	}
	s.log.Debug("late receipt applied", logx.String("cycle", cy.ID), logx.String("contact", rc.ContactID), logx.String("result", string(rc.Result)))
	return nil
}
