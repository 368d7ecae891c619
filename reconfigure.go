package nimble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// successor builds the view that follows v with the given members. A zero
// quorum selects the smallest quorum v's fault bound allows.
func successor(v *View, members []Member, quorum int) (*View, error) {
	if quorum == 0 {
		quorum = (len(members)+v.MaxFaulty)/2 + 1
	}
	next := &View{
		Epoch:     v.Epoch + 1,
		Scheme:    v.Scheme,
		Members:   append([]Member(nil), members...),
		Quorum:    quorum,
		MaxFaulty: v.MaxFaulty,
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// Reconfigure replaces the active view with one made of members.
//
// The current view first authorizes the new one by endorsing its view
// ledger position. Joining witnesses then receive the view history and the
// certified state of every ledger. Finally old and new members activate the
// view, and routing switches once a quorum of the new view has signed the
// activation. Removed members keep serving reads as drains.
//
// A proposal that keeps less than MinRetainedFraction of the current
// members is refused before any witness sees it. A failed Reconfigure can
// be retried with the same members.
func (o *Orchestrator) Reconfigure(ctx context.Context, members []Member, quorum int) (*ViewRecord, error) {
	o.reconfigMu.Lock()
	defer o.reconfigMu.Unlock()

	s := o.snapshot()
	cur := s.view
	next, err := successor(cur, members, quorum)
	if err != nil {
		return nil, err
	}
	if frac := cur.RetainedFraction(next); frac < o.cfg.MinRetainedFraction {
		return nil, wrapInvalidViewf("proposal keeps %.2f of the current members, need %.2f",
			frac, o.cfg.MinRetainedFraction)
	}

	log := o.logger.With(zap.Uint64("epoch", next.Epoch))
	log.Info("reconfiguration started",
		zap.Int("members", next.Size()),
		zap.Int("quorum", next.Quorum))

	joiners, err := o.dialJoiners(ctx, s, next)
	if err != nil {
		return nil, err
	}

	auth, err := o.authorize(ctx, s, next)
	if err != nil {
		log.Warn("reconfiguration not authorized", zap.Error(err))
		return nil, err
	}

	// Everyone who should hear about next: current members, joiners and
	// returning drains.
	union := &snapshot{
		view:      next,
		endorsers: make(map[WitnessID]Endorser, len(s.endorsers)+len(joiners)),
		drains:    s.drains,
	}
	for id, e := range s.endorsers {
		union.endorsers[id] = e
	}
	for id, e := range joiners {
		union.endorsers[id] = e
	}

	history := o.ViewHistory()
	if err := o.replayViews(ctx, union, history, joiners); err != nil {
		return nil, err
	}
	o.installLedgers(ctx, s, joiners)

	o.mu.Lock()
	defer o.mu.Unlock()

	targets := make([]WitnessID, 0, len(union.endorsers))
	targets = append(targets, cur.IDs()...)
	for _, id := range next.IDs() {
		if !cur.Contains(id) {
			targets = append(targets, id)
		}
	}
	replies := broadcast(ctx, union, targets, o.cfg.RoundTimeout, func(ctx context.Context, e Endorser) (*Receipt, error) {
		return e.ActivateView(ctx, next, auth)
	})
	agg, err := Aggregate(next, receipts(replies))
	if err != nil {
		log.Warn("activation incomplete", zap.Error(err))
		return nil, fmt.Errorf("activate epoch %d: %w", next.Epoch, err)
	}

	rec := &ViewRecord{View: next, Authorization: auth, Activation: agg.Certificate}
	if err := o.verifier.ApplyViewChange(rec); err != nil {
		return nil, err
	}
	if err := o.cfg.Store.PutMeta(ctx, viewKey(next.Epoch), rec.Bytes()); err != nil {
		return nil, wrapInternal(err)
	}

	routed := &snapshot{
		view:      next,
		endorsers: make(map[WitnessID]Endorser, next.Size()),
		drains:    make(map[WitnessID]Endorser),
	}
	for id, e := range union.endorsers {
		if next.Contains(id) {
			routed.endorsers[id] = e
		} else {
			routed.drains[id] = e
		}
	}
	for id, e := range s.drains {
		if !next.Contains(id) {
			routed.drains[id] = e
		}
	}
	o.snap = routed
	o.history = append(o.history, rec)

	for _, id := range cur.IDs() {
		if !next.Contains(id) {
			log.Info("witness removed; draining", zap.Stringer("witness", id))
		}
	}
	log.Info("reconfiguration complete",
		zap.Int("activated", len(agg.Certificate.Receipts)),
		zap.Stringer("view_tail", agg.Certificate.Tail))
	return rec, nil
}

// dialJoiners connects to the members of next that are not current
// members and checks that each presents the identity the view names.
// Returning drains are reused.
func (o *Orchestrator) dialJoiners(ctx context.Context, s *snapshot, next *View) (map[WitnessID]Endorser, error) {
	joiners := make(map[WitnessID]Endorser)
	for _, m := range next.Members {
		if _, ok := s.endorsers[m.ID]; ok {
			continue
		}
		e, ok := s.drains[m.ID]
		if !ok {
			var err error
			if e, err = o.cfg.Dialer(m); err != nil {
				return nil, wrapInvalidViewf("dial joining witness %s: %v", m.ID, err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout)
		id, err := e.Identity(callCtx)
		cancel()
		if err != nil {
			return nil, wrapInvalidViewf("identity of joining witness %s: %v", m.ID, err)
		}
		if err := id.Verify(); err != nil {
			return nil, wrapInvalidViewf("joining witness %s: %v", m.ID, err)
		}
		if id.ID != m.ID {
			return nil, wrapInvalidViewf("endpoint %q answered as %s, want %s", m.Endpoint, id.ID, m.ID)
		}
		joiners[m.ID] = e
	}
	return joiners, nil
}

// authorize collects a certificate from the current view endorsing next.
func (o *Orchestrator) authorize(ctx context.Context, s *snapshot, next *View) (*Certificate, error) {
	replies := fanOut(ctx, s, s.view.IDs(), o.cfg.RoundTimeout, func(ctx context.Context, e Endorser) (*Receipt, error) {
		return e.EndorseView(ctx, next)
	})
	agg, err := Aggregate(s.view, receipts(replies))
	if err != nil {
		if errorQuorum(replies, s.view.Quorum, ErrAlreadyExists) != nil {
			return nil, fmt.Errorf("%w: current view endorsed a different epoch %d", ErrAlreadyExists, next.Epoch)
		}
		return nil, err
	}
	if _, err := checkViewChange(s.view, o.verifier.ViewLedgerTail(), next, agg.Certificate); err != nil {
		return nil, err
	}
	return agg.Certificate, nil
}

// replayViews brings every witness in s up to the last view in history by
// activating the views it missed, in order. Joiners must succeed; a failure
// at a current member is only logged.
func (o *Orchestrator) replayViews(ctx context.Context, s *snapshot, history []*ViewRecord, joiners map[WitnessID]Endorser) error {
	latest := history[len(history)-1].View.Epoch

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	for id, e := range s.endorsers {
		wg.Add(1)
		go func(id WitnessID, e Endorser) {
			defer wg.Done()
			err := o.replayTo(ctx, e, history, latest)
			if err == nil {
				return
			}
			if _, joining := joiners[id]; !joining {
				o.logger.Warn("view replay failed", zap.Stringer("witness", id), zap.Error(err))
				return
			}
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("joining witness %s: %w", id, err)
			}
			mu.Unlock()
		}(id, e)
	}
	wg.Wait()
	return firstErr
}

func (o *Orchestrator) replayTo(ctx context.Context, e Endorser, history []*ViewRecord, latest uint64) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout)
	defer cancel()

	r, err := e.ReadLatest(ctx, ViewLedgerHandle, nil)
	if err != nil {
		return err
	}
	if r.Height > latest {
		return wrapStaleViewf("witness is at epoch %d, orchestrator at %d", r.Height, latest)
	}
	for epoch := r.Height + 1; epoch <= latest; epoch++ {
		rec := history[epoch]
		if _, err := e.ActivateView(ctx, rec.View, rec.Authorization); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}
	return nil
}

// installLedgers hands every known ledger's certified state to the
// joiners. Failures leave the joiner behind; rounds reconcile it later.
func (o *Orchestrator) installLedgers(ctx context.Context, s *snapshot, joiners map[WitnessID]Endorser) {
	if len(joiners) == 0 {
		return
	}
	handles, err := o.dir.handles(ctx)
	if err != nil {
		o.logger.Warn("cannot list ledgers for joiners", zap.Error(err))
		return
	}

	for _, handle := range handles {
		cert, ok, err := o.dir.get(ctx, handle)
		if err != nil || !ok {
			continue
		}
		for id, e := range joiners {
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout)
			err := o.catchUp(callCtx, s, e, cert)
			cancel()
			if err != nil && !errors.Is(err, ErrStaleView) {
				o.logger.Warn("ledger install failed",
					zap.Stringer("witness", id),
					zap.Stringer("handle", handle),
					zap.Error(err))
			}
		}
	}
	o.logger.Info("ledgers installed on joiners",
		zap.Int("ledgers", len(handles)),
		zap.Int("joiners", len(joiners)))
}
