package nimble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirZayers/Nimble/storage"
	"github.com/SirZayers/Nimble/timer"
)

const metaViewPrefix = "view/"

func viewKey(epoch uint64) string {
	return metaViewPrefix + strconv.FormatUint(epoch, 10)
}

// Orchestrator is the untrusted coordinator in front of the witnesses. It
// fans requests out to the active view, combines the receipts into
// certificates, brings lagging witnesses up to date and drives view
// changes. It holds no secret: a faulty orchestrator can deny service but
// every certificate it hands out is checked by the client.
type Orchestrator struct {
	cfg      *OrchestratorConfig
	logger   *zap.Logger
	dir      *directory
	verifier *Verifier

	// mu is held shared for the whole of every ledger round and
	// exclusively while a view change activates and switches routing.
	mu      sync.RWMutex
	snap    *snapshot
	history []*ViewRecord

	// reconfigMu serializes view changes.
	reconfigMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	bgMu   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator from cfg, restoring view history
// from the store and dialing every member of the latest view.
func NewOrchestrator(cfg *OrchestratorConfig) (*Orchestrator, error) {
	dir, err := newDirectory(cfg.DirectoryCacheSize, cfg.Store)
	if err != nil {
		return nil, err
	}
	verifier, err := NewVerifier(cfg.Genesis)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   cfg.Logger,
		dir:      dir,
		verifier: verifier,
	}

	ctx := context.Background()
	history, err := o.loadHistory(ctx)
	if err != nil {
		return nil, err
	}
	if err := verifier.Sync(history[1:]); err != nil {
		return nil, fmt.Errorf("stored view history: %w", err)
	}
	o.history = history

	snap, err := o.dialView(history)
	if err != nil {
		return nil, err
	}
	o.snap = snap
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.logger.Info("orchestrator started",
		zap.Uint64("epoch", snap.view.Epoch),
		zap.Int("members", snap.view.Size()),
		zap.Int("quorum", snap.view.Quorum),
		zap.Stringer("group", verifier.GroupIdentity()))
	return o, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context) ([]*ViewRecord, error) {
	store := o.cfg.Store
	raw, err := store.Meta(ctx, viewKey(0))
	if errors.Is(err, storage.ErrNotFound) {
		genesis := &ViewRecord{View: o.cfg.Genesis}
		if err := store.PutMeta(ctx, viewKey(0), genesis.Bytes()); err != nil {
			return nil, wrapInternal(err)
		}
		return []*ViewRecord{genesis}, nil
	}
	if err != nil {
		return nil, wrapInternal(err)
	}

	genesis, err := ViewRecordFromBytes(raw)
	if err != nil {
		return nil, wrapInternal(err)
	}
	if !genesis.View.Equal(o.cfg.Genesis) {
		return nil, wrapConfig("configured genesis does not match the stored view history")
	}

	history := []*ViewRecord{genesis}
	for epoch := uint64(1); ; epoch++ {
		raw, err := store.Meta(ctx, viewKey(epoch))
		if errors.Is(err, storage.ErrNotFound) {
			return history, nil
		}
		if err != nil {
			return nil, wrapInternal(err)
		}
		rec, err := ViewRecordFromBytes(raw)
		if err != nil {
			return nil, wrapInternal(err)
		}
		history = append(history, rec)
	}
}

// dialView connects to the members of the latest view in history. Members
// of earlier views become drains; a drain that cannot be dialed is skipped.
func (o *Orchestrator) dialView(history []*ViewRecord) (*snapshot, error) {
	view := history[len(history)-1].View
	s := &snapshot{
		view:      view,
		endorsers: make(map[WitnessID]Endorser, view.Size()),
		drains:    make(map[WitnessID]Endorser),
	}
	for _, m := range view.Members {
		e, err := o.cfg.Dialer(m)
		if err != nil {
			return nil, wrapConfigf("dial %s: %v", m.ID, err)
		}
		s.endorsers[m.ID] = e
	}
	for _, rec := range history[:len(history)-1] {
		for _, m := range rec.View.Members {
			if _, ok := s.endorser(m.ID); ok {
				continue
			}
			e, err := o.cfg.Dialer(m)
			if err != nil {
				o.logger.Warn("drain unreachable", zap.Stringer("witness", m.ID), zap.Error(err))
				continue
			}
			s.drains[m.ID] = e
		}
	}
	return s, nil
}

// snapshot returns the current routing state.
func (o *Orchestrator) snapshot() *snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snap
}

// View returns the active view.
func (o *Orchestrator) View() *View {
	return o.snapshot().view
}

// ViewHistory returns every view record, genesis first.
func (o *Orchestrator) ViewHistory() []*ViewRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*ViewRecord(nil), o.history...)
}

// GroupIdentity returns the digest of the genesis view.
func (o *Orchestrator) GroupIdentity() Digest {
	return o.verifier.GroupIdentity()
}

// Close stops background catch-up, waits for it and closes the store.
func (o *Orchestrator) Close() error {
	o.bgMu.Lock()
	if o.closed {
		o.bgMu.Unlock()
		return nil
	}
	o.closed = true
	o.bgMu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
	return o.cfg.Store.Close()
}

// retry runs fn until it succeeds, fails with an error retryable does not
// accept, or MaxRetries extra attempts are spent.
func (o *Orchestrator) retry(ctx context.Context, op string, retryable func(error) bool, fn func() error) error {
	backoff := timer.NewBackoff(timer.DefaultBackoffConfig())
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) || attempt >= o.cfg.MaxRetries {
			return err
		}
		o.logger.Debug("round retried",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if werr := backoff.Wait(ctx); werr != nil {
			return err
		}
	}
}

func isViewMismatch(err error) bool {
	return errors.Is(err, ErrViewMismatch)
}

// NewLedger creates a ledger under a fresh random handle.
func (o *Orchestrator) NewLedger(ctx context.Context, genesis []byte) (Handle, *Certificate, error) {
	id := uuid.New()
	handle := Handle(id[:])
	cert, err := o.CreateLedger(ctx, handle, genesis)
	if err != nil {
		return nil, nil, err
	}
	return handle, cert, nil
}

// CreateLedger creates handle on a quorum of the active view and returns
// the certificate for height 0.
func (o *Orchestrator) CreateLedger(ctx context.Context, handle Handle, genesis []byte) (*Certificate, error) {
	if err := checkApplicationHandle(handle); err != nil {
		return nil, err
	}

	var cert *Certificate
	err := o.retry(ctx, "create", isViewMismatch, func() error {
		var err error
		cert, err = o.createRound(ctx, handle, genesis)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("ledger created",
		zap.Stringer("handle", handle),
		zap.Uint64("epoch", cert.View))
	return cert, nil
}

func (o *Orchestrator) createRound(ctx context.Context, handle Handle, genesis []byte) (*Certificate, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.snap

	replies := fanOut(ctx, s, s.view.IDs(), o.cfg.RoundTimeout, func(ctx context.Context, e Endorser) (*Receipt, error) {
		return e.CreateLedger(ctx, handle, genesis)
	})
	rs := receipts(replies)
	agg, err := Aggregate(s.view, rs)

	// A witness that already holds the ledger may hold it from an earlier
	// attempt of this call; its current receipt settles which.
	if errors.Is(err, ErrQuorumUnavailable) {
		var exists []reply
		for _, rep := range failed(replies) {
			if errors.Is(rep.err, ErrAlreadyExists) {
				exists = append(exists, rep)
			}
		}
		if len(exists) > 0 {
			extra := o.readFrom(ctx, s, handle, exists)
			agg, err = Aggregate(s.view, append(rs, extra...))
		}
	}
	if err != nil {
		if IsSafetyViolation(err) {
			o.logger.Error("safety violation on create", zap.Stringer("handle", handle), zap.Error(err))
			return nil, err
		}
		if errorQuorum(replies, s.view.Quorum, ErrAlreadyExists) != nil {
			return nil, fmt.Errorf("%w: ledger %s", ErrAlreadyExists, handle)
		}
		return nil, err
	}

	cert := agg.Certificate
	if cert.Height != 0 || cert.Tail != GenesisTail(genesis) || len(cert.Nonce) != 0 {
		return nil, fmt.Errorf("%w: ledger %s", ErrAlreadyExists, handle)
	}
	o.reportConflicts(agg)
	if err := o.dir.record(ctx, cert, genesis); err != nil {
		return nil, err
	}
	o.catchUpLater(s, cert, lagging(replies, cert))
	return cert, nil
}

// AppendLedger appends block at the ledger's current end. A stale cached
// height is refreshed from a certified read and the append retried, up to
// MaxRetries times.
func (o *Orchestrator) AppendLedger(ctx context.Context, handle Handle, block []byte) (*Certificate, error) {
	if err := checkApplicationHandle(handle); err != nil {
		return nil, err
	}

	var (
		cert    *Certificate
		tried   *Certificate
		landed  bool
		refresh bool
	)
	retryable := func(err error) bool {
		return errors.Is(err, ErrStaleHeight) || isViewMismatch(err)
	}
	err := o.retry(ctx, "append", retryable, func() error {
		prev, err := o.latest(ctx, handle, refresh)
		if err != nil {
			return err
		}
		// A previous attempt that some witness accepted may have reached
		// a quorum after its round gave up. The same bytes appended by
		// another writer do not count.
		if landed && prev.Height == tried.Height+1 && prev.Tail == NextTail(tried.Tail, block) {
			cert = prev
			return nil
		}
		tried = prev

		cert, landed, err = o.appendRound(ctx, handle, block, prev)
		refresh = err != nil
		return err
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// AppendAt appends block only if the ledger is at expectedHeight. A
// mismatch is reported as a *StaleHeightError carrying the certified
// current height.
func (o *Orchestrator) AppendAt(ctx context.Context, handle Handle, block []byte, expectedHeight uint64) (*Certificate, error) {
	if err := checkApplicationHandle(handle); err != nil {
		return nil, err
	}

	prev, err := o.latest(ctx, handle, false)
	if err != nil {
		return nil, err
	}
	if prev.Height != expectedHeight {
		if prev, err = o.latest(ctx, handle, true); err != nil {
			return nil, err
		}
	}
	if prev.Height != expectedHeight {
		return nil, &StaleHeightError{Expected: expectedHeight, Current: prev.Height}
	}

	var cert *Certificate
	err = o.retry(ctx, "append", isViewMismatch, func() error {
		var err error
		cert, _, err = o.appendRound(ctx, handle, block, prev)
		return err
	})
	var stale *StaleHeightError
	if errors.As(err, &stale) {
		if fresh, ferr := o.latest(ctx, handle, true); ferr == nil {
			return nil, &StaleHeightError{Expected: expectedHeight, Current: fresh.Height}
		}
	}
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// latest returns the last known certificate for handle, reading a fresh
// one from the witnesses when nothing is known or refresh is set.
func (o *Orchestrator) latest(ctx context.Context, handle Handle, refresh bool) (*Certificate, error) {
	if !refresh {
		cert, ok, err := o.dir.get(ctx, handle)
		if err != nil {
			return nil, err
		}
		if ok {
			return cert, nil
		}
	}
	return o.ReadTail(ctx, handle, nil)
}

// appendRound runs one append round at prev. landed reports whether any
// witness accepted this call's block, even if the round then failed.
func (o *Orchestrator) appendRound(ctx context.Context, handle Handle, block []byte, prev *Certificate) (cert *Certificate, landed bool, err error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.snap

	replies := fanOut(ctx, s, s.view.IDs(), o.cfg.RoundTimeout, func(ctx context.Context, e Endorser) (*Receipt, error) {
		return e.Append(ctx, handle, block, prev.Height)
	})
	rs := receipts(replies)
	landed = accepted(rs, prev, block)
	agg, err := Aggregate(s.view, rs)
	if errors.Is(err, ErrQuorumUnavailable) {
		extra, caughtUp := o.reconcileAppend(ctx, s, prev, block, failed(replies), landed)
		landed = landed || caughtUp
		if len(extra) > 0 {
			agg, err = Aggregate(s.view, append(rs, extra...))
		}
	}
	if err != nil {
		if IsSafetyViolation(err) {
			o.logger.Error("safety violation on append",
				zap.Stringer("handle", handle),
				zap.Uint64("height", prev.Height+1),
				zap.Error(err))
			return nil, landed, err
		}
		if current, ok := aheadOf(replies, prev.Height); ok {
			return nil, landed, &StaleHeightError{Expected: prev.Height, Current: current}
		}
		return nil, landed, err
	}

	cert = agg.Certificate
	if cert.Height != prev.Height+1 || cert.Tail != NextTail(prev.Tail, block) || len(cert.Nonce) != 0 {
		// Another block took this position.
		o.dir.remember(cert)
		return nil, landed, &StaleHeightError{Expected: prev.Height, Current: cert.Height}
	}
	o.reportConflicts(agg)
	if err := o.dir.record(ctx, cert, block); err != nil {
		return nil, landed, err
	}
	o.catchUpLater(s, cert, lagging(replies, cert))

	o.logger.Debug("ledger appended",
		zap.Stringer("handle", handle),
		zap.Uint64("height", cert.Height),
		zap.Int("signers", len(cert.Receipts)))
	return cert, true, nil
}

// accepted reports whether any receipt in rs was issued for appending
// block on top of prev.
func accepted(rs []*Receipt, prev *Certificate, block []byte) bool {
	tail := NextTail(prev.Tail, block)
	for _, r := range rs {
		if r.Height == prev.Height+1 && r.Tail == tail && len(r.Nonce) == 0 {
			return true
		}
	}
	return false
}

// reconcileAppend turns refusals into receipts where it can. A witness
// behind or missing the ledger is caught up to prev and asked again;
// caughtUp reports whether one of them accepted the block. A witness one
// block ahead is read only when landed is set: some witness accepted this
// call, so the block it holds may be this one rather than the same bytes
// from another writer.
func (o *Orchestrator) reconcileAppend(ctx context.Context, s *snapshot, prev *Certificate, block []byte, failures []reply, landed bool) (out []*Receipt, caughtUp bool) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, rep := range failures {
		e, ok := s.endorser(rep.id)
		if !ok {
			continue
		}

		var (
			fn       func() (*Receipt, error)
			appended bool
			stale    *StaleHeightError
		)
		switch {
		case errors.As(rep.err, &stale) && stale.Current == prev.Height+1 && landed:
			fn = func() (*Receipt, error) {
				return e.ReadLatest(ctx, prev.Handle, nil)
			}
		case errors.As(rep.err, &stale) && stale.Current < prev.Height, errors.Is(rep.err, ErrNotFound):
			appended = true
			fn = func() (*Receipt, error) {
				if err := o.catchUp(ctx, s, e, prev); err != nil {
					return nil, err
				}
				return e.Append(ctx, prev.Handle, block, prev.Height)
			}
		default:
			continue
		}

		wg.Add(1)
		go func(id WitnessID, appended bool) {
			defer wg.Done()
			r, err := fn()
			if err != nil {
				o.logger.Debug("reconcile failed", zap.Stringer("witness", id), zap.Error(err))
				return
			}
			mu.Lock()
			out = append(out, r)
			caughtUp = caughtUp || appended
			mu.Unlock()
		}(rep.id, appended)
	}
	wg.Wait()
	return out, caughtUp
}

// ReadTail returns a certificate for the latest state of handle. A
// non-empty nonce is bound into every receipt, making the result a
// freshness proof for that nonce.
func (o *Orchestrator) ReadTail(ctx context.Context, handle Handle, nonce []byte) (*Certificate, error) {
	if err := handle.validate(); err != nil {
		return nil, err
	}
	if len(nonce) > MaxNonceSize {
		return nil, wrapInvalidMessagef("nonce too long: %d bytes", len(nonce))
	}

	var cert *Certificate
	err := o.retry(ctx, "read", isViewMismatch, func() error {
		var err error
		cert, err = o.readRound(ctx, handle, nonce)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func (o *Orchestrator) readRound(ctx context.Context, handle Handle, nonce []byte) (*Certificate, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.snap

	replies := fanOut(ctx, s, s.view.IDs(), o.cfg.RoundTimeout, func(ctx context.Context, e Endorser) (*Receipt, error) {
		return e.ReadLatest(ctx, handle, nonce)
	})

	var known *Certificate
	if !handle.IsViewLedger() {
		cert, ok, err := o.dir.get(ctx, handle)
		if err != nil {
			return nil, err
		}
		if ok {
			known = cert
		}
	}

	rs := receipts(replies)
	agg, err := Aggregate(s.view, rs)
	if errors.Is(err, ErrQuorumUnavailable) && known != nil {
		rs = o.reconcileRead(ctx, s, known, nonce, replies)
		agg, err = Aggregate(s.view, rs)
	}
	if err != nil {
		if IsSafetyViolation(err) {
			o.logger.Error("safety violation on read", zap.Stringer("handle", handle), zap.Error(err))
			return nil, err
		}
		if errorQuorum(replies, s.view.Quorum, ErrNotFound) != nil {
			return nil, fmt.Errorf("%w: ledger %s", ErrNotFound, handle)
		}
		return nil, err
	}

	cert := agg.Certificate
	o.reportConflicts(agg)
	if known != nil {
		if err := CheckFreshness(known, cert); err != nil {
			o.logger.Error("witnesses certified an older state",
				zap.Stringer("handle", handle),
				zap.Uint64("known", known.Height),
				zap.Uint64("certified", cert.Height),
				zap.Error(err))
			return nil, err
		}
	}
	if !handle.IsViewLedger() && len(nonce) == 0 {
		o.dir.remember(cert)
		o.catchUpLater(s, cert, lagging(replies, cert))
	}
	return cert, nil
}

// reconcileRead catches witnesses that are behind known, or missing the
// ledger, up to known and reads them again. It returns the receipts of the
// round with the refreshed ones substituted.
func (o *Orchestrator) reconcileRead(ctx context.Context, s *snapshot, known *Certificate, nonce []byte, replies []reply) []*Receipt {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout)
	defer cancel()

	var (
		mu  sync.Mutex
		out []*Receipt
		wg  sync.WaitGroup
	)
	for _, rep := range replies {
		behind := rep.err == nil && rep.receipt != nil && rep.receipt.Height < known.Height
		missing := errors.Is(rep.err, ErrNotFound)
		if !behind && !missing {
			if rep.err == nil {
				out = append(out, rep.receipt)
			}
			continue
		}
		e, ok := s.endorser(rep.id)
		if !ok {
			continue
		}

		wg.Add(1)
		go func(id WitnessID, e Endorser) {
			defer wg.Done()
			if err := o.catchUp(ctx, s, e, known); err != nil {
				o.logger.Debug("catch-up failed", zap.Stringer("witness", id), zap.Error(err))
				return
			}
			r, err := e.ReadLatest(ctx, known.Handle, nonce)
			if err != nil {
				return
			}
			mu.Lock()
			out = append(out, r)
			mu.Unlock()
		}(rep.id, e)
	}
	wg.Wait()
	return out
}

// readFrom asks the witnesses in replies for their latest receipt.
func (o *Orchestrator) readFrom(ctx context.Context, s *snapshot, handle Handle, replies []reply) []*Receipt {
	ids := make([]WitnessID, 0, len(replies))
	for _, rep := range replies {
		ids = append(ids, rep.id)
	}
	again := broadcast(ctx, s, ids, o.cfg.RoundTimeout, func(ctx context.Context, e Endorser) (*Receipt, error) {
		return e.ReadLatest(ctx, handle, nil)
	})
	return receipts(again)
}

// ReadAt returns the block at height, from the orchestrator's store or
// from the first witness, member or drain, that has it. The block is not
// verified here; clients replay it against a certificate.
func (o *Orchestrator) ReadAt(ctx context.Context, handle Handle, height uint64) ([]byte, error) {
	if err := handle.validate(); err != nil {
		return nil, err
	}
	if !handle.IsViewLedger() {
		b, err := o.dir.block(ctx, handle, height)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	s := o.snapshot()
	b, err := o.readBlock(ctx, s, handle, height)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (o *Orchestrator) readBlock(ctx context.Context, s *snapshot, handle Handle, height uint64) ([]byte, error) {
	for _, id := range s.readers() {
		e, _ := s.endorser(id)
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout)
		b, err := e.ReadAt(callCtx, handle, height)
		cancel()
		if err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: ledger %s height %d", ErrNotFound, handle, height)
}

// catchUp brings the witness behind e to cert. A witness without the
// ledger installs cert. A witness behind it is fed the missing blocks,
// after checking that they lead from its tail to the certified tail.
func (o *Orchestrator) catchUp(ctx context.Context, s *snapshot, e Endorser, cert *Certificate) error {
	r, err := e.ReadLatest(ctx, cert.Handle, nil)
	if errors.Is(err, ErrNotFound) {
		_, err = e.InstallLedger(ctx, cert)
		if errors.Is(err, ErrAlreadyExists) {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	if r.Height >= cert.Height {
		return nil
	}

	blocks := make([][]byte, 0, cert.Height-r.Height)
	tail := r.Tail
	for h := r.Height + 1; h <= cert.Height; h++ {
		b, err := o.dir.block(ctx, cert.Handle, h)
		if errors.Is(err, ErrNotFound) {
			b, err = o.readBlock(ctx, s, cert.Handle, h)
		}
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
		tail = NextTail(tail, b)
	}
	if tail != cert.Tail {
		return fmt.Errorf("%w: %s at height %d does not lead to the certified tail at %d",
			ErrInconsistentChain, cert.Handle, r.Height, cert.Height)
	}

	for i, b := range blocks {
		if _, err := e.Append(ctx, cert.Handle, b, r.Height+uint64(i)); err != nil {
			return err
		}
	}
	return nil
}

// catchUpLater runs catchUp for ids in the background.
func (o *Orchestrator) catchUpLater(s *snapshot, cert *Certificate, ids []WitnessID) {
	if len(ids) == 0 {
		return
	}
	o.bgMu.Lock()
	if o.closed {
		o.bgMu.Unlock()
		return
	}
	o.wg.Add(1)
	o.bgMu.Unlock()

	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(o.ctx, 4*o.cfg.RoundTimeout)
		defer cancel()
		for _, id := range ids {
			e, ok := s.endorser(id)
			if !ok {
				continue
			}
			if err := o.catchUp(ctx, s, e, cert); err != nil {
				o.logger.Warn("catch-up failed",
					zap.Stringer("witness", id),
					zap.Stringer("handle", cert.Handle),
					zap.Uint64("height", cert.Height),
					zap.Error(err))
			}
		}
	}()
}

func (o *Orchestrator) reportConflicts(agg *Aggregation) {
	for _, ev := range agg.Conflicts {
		o.logger.Error("witness contradicts certified state",
			zap.Stringer("witness", ev.Second.Witness),
			zap.Stringer("handle", ev.Second.Handle),
			zap.Uint64("height", ev.Second.Height),
			zap.String("reason", ev.Reason))
	}
}

// lagging returns the witnesses that answered the round but are not among
// cert's signers.
func lagging(replies []reply, cert *Certificate) []WitnessID {
	signed := make(map[WitnessID]struct{}, len(cert.Receipts))
	for _, r := range cert.Receipts {
		signed[r.Witness] = struct{}{}
	}
	var out []WitnessID
	for _, rep := range replies {
		if _, ok := signed[rep.id]; !ok {
			out = append(out, rep.id)
		}
	}
	return out
}

// aheadOf returns the highest height reported by a stale-height refusal
// above expected.
func aheadOf(replies []reply, expected uint64) (uint64, bool) {
	var (
		best  uint64
		found bool
	)
	for _, rep := range replies {
		var stale *StaleHeightError
		if errors.As(rep.err, &stale) && stale.Current > expected && stale.Current > best {
			best = stale.Current
			found = true
		}
	}
	return best, found
}
