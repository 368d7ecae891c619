package nimble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/SirZayers/Nimble/storage"
)

// chainState is the persisted state of one ledger at one witness.
type chainState struct {
	Height uint64
	Tail   Digest
	// Base is the lowest height whose block this witness stores. It is
	// above zero for ledgers adopted through InstallLedger.
	Base uint64
}

func (s chainState) bytes() []byte {
	e := &encoder{}
	e.uint(1, s.Height)
	e.bytes(2, s.Tail[:])
	e.uint(3, s.Base)
	return e.buf
}

func parseChainState(b []byte) (chainState, error) {
	var s chainState
	fields, err := parseFields(b)
	if err != nil {
		return s, err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			s.Height = f.varint
		case 2:
			if s.Tail, err = DigestFromBytes(f.bytes); err != nil {
				return s, err
			}
		case 3:
			s.Base = f.varint
		}
	}
	return s, nil
}

type ledgerEntry struct {
	mu      sync.Mutex
	loaded  bool
	exists  bool
	dropped bool // left the ledgers map; look the handle up again
	state   chainState
}

// Witness is the trusted endorser. It keeps one hash chain per ledger and
// the view ledger, and signs a receipt for every state it reaches or reports.
//
// Operations on one handle are serialized; operations on different handles
// run concurrently. A view change waits for in-flight ledger operations and
// blocks new ones only for its own duration.
type Witness struct {
	key         PrivateKey
	identity    *Identity
	store       storage.Store
	logger      *zap.Logger
	minRetained float64

	mu      sync.Mutex
	ledgers map[string]*ledgerEntry

	// viewMu is held shared by ledger operations and exclusively by view
	// changes, so a receipt never straddles two views.
	viewMu   sync.RWMutex
	views    []*View
	viewTail Digest
	mode     Mode
}

var _ Endorser = (*Witness)(nil)

const (
	metaEndorsedPrefix = "endorsed/"
	metaAuthPrefix     = "authorization/"
)

// NewWitness creates a witness from cfg, restoring the view ledger from the
// store if one was persisted.
func NewWitness(cfg *WitnessConfig) (*Witness, error) {
	identity, err := newIdentity(cfg.Key)
	if err != nil {
		return nil, err
	}

	w := &Witness{
		key:         cfg.Key,
		identity:    identity,
		store:       cfg.Store,
		logger:      cfg.Logger.With(zap.String("witness", identity.ID.String())),
		minRetained: cfg.MinRetainedFraction,
		ledgers:     make(map[string]*ledgerEntry),
	}
	if err := w.loadViews(context.Background(), cfg.Genesis); err != nil {
		return nil, err
	}

	w.logger.Info("witness started",
		zap.Uint64("epoch", w.currentView().Epoch),
		zap.Stringer("mode", w.mode))
	return w, nil
}

func (w *Witness) loadViews(ctx context.Context, genesis *View) error {
	raw, err := w.store.State(ctx, ViewLedgerHandle)
	if errors.Is(err, storage.ErrNotFound) {
		if genesis == nil {
			return wrapConfig("genesis view is required for an empty store")
		}
		tail := GenesisTail(genesis.Bytes())
		st := chainState{Height: 0, Tail: tail}
		if err := w.store.Commit(ctx, ViewLedgerHandle, 0, genesis.Bytes(), st.bytes()); err != nil {
			return wrapInternal(err)
		}
		w.views = []*View{genesis}
		w.viewTail = tail
		w.mode = w.modeFor(genesis)
		return nil
	}
	if err != nil {
		return wrapInternal(err)
	}

	st, err := parseChainState(raw)
	if err != nil {
		return wrapInternal(err)
	}
	for epoch := uint64(0); epoch <= st.Height; epoch++ {
		b, err := w.store.Block(ctx, ViewLedgerHandle, epoch)
		if err != nil {
			return wrapInternal(fmt.Errorf("view block %d: %w", epoch, err))
		}
		v, err := ViewFromBytes(b)
		if err != nil {
			return wrapInternal(fmt.Errorf("view block %d: %w", epoch, err))
		}
		w.views = append(w.views, v)
	}
	if genesis != nil && !genesis.Equal(w.views[0]) {
		return wrapConfig("configured genesis does not match the stored view ledger")
	}
	w.viewTail = st.Tail
	w.mode = w.modeFor(w.views[len(w.views)-1])
	return nil
}

// modeFor derives the mode from membership in view and in earlier views.
func (w *Witness) modeFor(view *View) Mode {
	if view.Contains(w.identity.ID) {
		return ModeActive
	}
	for _, v := range w.views {
		if v.Contains(w.identity.ID) {
			return ModeRetired
		}
	}
	return ModeStandby
}

// ID returns the witness id.
func (w *Witness) ID() WitnessID {
	return w.identity.ID
}

// Mode returns the witness's current mode.
func (w *Witness) Mode() Mode {
	w.viewMu.RLock()
	defer w.viewMu.RUnlock()
	return w.mode
}

// View returns the view the witness currently honors.
func (w *Witness) View() *View {
	w.viewMu.RLock()
	defer w.viewMu.RUnlock()
	return w.currentView()
}

func (w *Witness) currentView() *View {
	return w.views[len(w.views)-1]
}

// Close closes the witness store.
func (w *Witness) Close() error {
	return w.store.Close()
}

// Identity returns the self-signed identity.
func (w *Witness) Identity(_ context.Context) (*Identity, error) {
	return w.identity, nil
}

// entry returns the lock-holding entry for handle, loading it from the
// store on first use. The caller must hand the entry back with release.
func (w *Witness) entry(ctx context.Context, handle Handle) (*ledgerEntry, error) {
	for {
		w.mu.Lock()
		e, ok := w.ledgers[string(handle)]
		if !ok {
			e = &ledgerEntry{}
			w.ledgers[string(handle)] = e
		}
		w.mu.Unlock()

		e.mu.Lock()
		if e.dropped {
			e.mu.Unlock()
			continue
		}
		if e.loaded {
			return e, nil
		}
		raw, err := w.store.State(ctx, handle)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			w.release(handle, e)
			return nil, wrapInternal(err)
		default:
			st, err := parseChainState(raw)
			if err != nil {
				w.release(handle, e)
				return nil, wrapInternal(err)
			}
			e.state = st
			e.exists = true
		}
		e.loaded = true
		return e, nil
	}
}

// release unlocks e. Entries for ledgers that do not exist are dropped
// from the map, so lookups of unknown handles leave nothing behind.
func (w *Witness) release(handle Handle, e *ledgerEntry) {
	if !e.exists {
		e.dropped = true
		w.mu.Lock()
		if w.ledgers[string(handle)] == e {
			delete(w.ledgers, string(handle))
		}
		w.mu.Unlock()
	}
	e.mu.Unlock()
}

// sign builds and signs a receipt under the current view. The caller holds viewMu.
func (w *Witness) sign(handle Handle, st chainState, nonce []byte) (*Receipt, error) {
	r := &Receipt{
		Witness: w.identity.ID,
		Handle:  handle,
		Height:  st.Height,
		Tail:    st.Tail,
		View:    w.currentView().Epoch,
		Nonce:   nonce,
	}
	if err := signReceipt(w.key, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (w *Witness) checkMutable() error {
	switch w.mode {
	case ModeActive:
		return nil
	case ModeRetired:
		return wrapStaleViewf("witness retired at epoch %d", w.currentView().Epoch)
	default:
		return wrapStaleViewf("witness is not a member of epoch %d", w.currentView().Epoch)
	}
}

func checkApplicationHandle(handle Handle) error {
	if err := handle.validate(); err != nil {
		return err
	}
	if handle.IsViewLedger() {
		return wrapInvalidMessage("the view ledger handle is reserved")
	}
	return nil
}

// CreateLedger starts handle at height 0 with tail HashBlock(genesis). The
// state is durable before the receipt is signed.
func (w *Witness) CreateLedger(ctx context.Context, handle Handle, genesis []byte) (*Receipt, error) {
	if err := checkApplicationHandle(handle); err != nil {
		return nil, err
	}

	w.viewMu.RLock()
	defer w.viewMu.RUnlock()
	if err := w.checkMutable(); err != nil {
		return nil, err
	}

	e, err := w.entry(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer w.release(handle, e)

	if e.exists {
		return nil, fmt.Errorf("%w: ledger %s", ErrAlreadyExists, handle)
	}

	st := chainState{Height: 0, Tail: GenesisTail(genesis)}
	if err := w.store.Commit(ctx, handle, 0, genesis, st.bytes()); err != nil {
		return nil, wrapInternal(err)
	}
	e.state = st
	e.exists = true

	w.logger.Debug("ledger created", zap.Stringer("handle", handle))
	return w.sign(handle, st, nil)
}

// Append extends handle by block if expectedHeight is the current height.
func (w *Witness) Append(ctx context.Context, handle Handle, block []byte, expectedHeight uint64) (*Receipt, error) {
	if err := checkApplicationHandle(handle); err != nil {
		return nil, err
	}

	w.viewMu.RLock()
	defer w.viewMu.RUnlock()
	if err := w.checkMutable(); err != nil {
		return nil, err
	}

	e, err := w.entry(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer w.release(handle, e)

	if !e.exists {
		return nil, fmt.Errorf("%w: ledger %s", ErrNotFound, handle)
	}
	if expectedHeight != e.state.Height {
		return nil, &StaleHeightError{Expected: expectedHeight, Current: e.state.Height}
	}
	if e.state.Height == math.MaxUint64 {
		return nil, wrapInternal(fmt.Errorf("ledger %s height overflow", handle))
	}

	st := chainState{
		Height: e.state.Height + 1,
		Tail:   NextTail(e.state.Tail, block),
		Base:   e.state.Base,
	}
	if err := w.store.Commit(ctx, handle, st.Height, block, st.bytes()); err != nil {
		return nil, wrapInternal(err)
	}
	e.state = st

	w.logger.Debug("ledger appended",
		zap.Stringer("handle", handle),
		zap.Uint64("height", st.Height))
	return w.sign(handle, st, nil)
}

// ReadLatest signs the current state of handle, bound to nonce.
// Reads are served in every mode so retired witnesses can be drained.
func (w *Witness) ReadLatest(ctx context.Context, handle Handle, nonce []byte) (*Receipt, error) {
	if err := handle.validate(); err != nil {
		return nil, err
	}
	if len(nonce) > MaxNonceSize {
		return nil, wrapInvalidMessagef("nonce too long: %d bytes", len(nonce))
	}

	w.viewMu.RLock()
	defer w.viewMu.RUnlock()

	if handle.IsViewLedger() {
		st := chainState{Height: w.currentView().Epoch, Tail: w.viewTail}
		return w.sign(handle, st, cloneBytes(nonce))
	}

	e, err := w.entry(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer w.release(handle, e)

	if !e.exists {
		return nil, fmt.Errorf("%w: ledger %s", ErrNotFound, handle)
	}
	return w.sign(handle, e.state, cloneBytes(nonce))
}

// ReadAt returns the block at height. The caller checks it against a
// certified tail by replaying the chain.
func (w *Witness) ReadAt(ctx context.Context, handle Handle, height uint64) ([]byte, error) {
	if err := handle.validate(); err != nil {
		return nil, err
	}

	if handle.IsViewLedger() {
		w.viewMu.RLock()
		defer w.viewMu.RUnlock()
		if height >= uint64(len(w.views)) {
			return nil, fmt.Errorf("%w: epoch %d", ErrNotFound, height)
		}
		return w.views[height].Bytes(), nil
	}

	e, err := w.entry(ctx, handle)
	if err != nil {
		return nil, err
	}
	st, exists := e.state, e.exists
	w.release(handle, e)

	if !exists || height > st.Height || height < st.Base {
		return nil, fmt.Errorf("%w: ledger %s height %d", ErrNotFound, handle, height)
	}
	b, err := w.store.Block(ctx, handle, height)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: ledger %s height %d", ErrNotFound, handle, height)
	}
	if err != nil {
		return nil, wrapInternal(err)
	}
	return b, nil
}

// EndorseView signs the view ledger position view would take as the next
// epoch, under the current view. The endorsement is persisted first, and a
// witness never endorses two different views for one epoch.
func (w *Witness) EndorseView(ctx context.Context, view *View) (*Receipt, error) {
	if view == nil {
		return nil, wrapInvalidMessage("nil view")
	}
	if err := view.Validate(); err != nil {
		return nil, err
	}

	w.viewMu.Lock()
	defer w.viewMu.Unlock()

	if err := w.checkMutable(); err != nil {
		return nil, err
	}
	current := w.currentView()
	if view.Epoch != current.Epoch+1 {
		return nil, wrapStaleViewf("epoch %d does not follow %d", view.Epoch, current.Epoch)
	}

	// Same floor as Orchestrator.Reconfigure.
	if frac := current.RetainedFraction(view); frac < w.minRetained {
		return nil, wrapInvalidViewf("view keeps %.2f of epoch %d members, below %.2f",
			frac, current.Epoch, w.minRetained)
	}

	key := metaEndorsedPrefix + strconv.FormatUint(view.Epoch, 10)
	digest := view.Digest()
	prev, err := w.store.Meta(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := w.store.PutMeta(ctx, key, digest[:]); err != nil {
			return nil, wrapInternal(err)
		}
	case err != nil:
		return nil, wrapInternal(err)
	case string(prev) != string(digest[:]):
		return nil, fmt.Errorf("%w: already endorsed a different view for epoch %d", ErrAlreadyExists, view.Epoch)
	}

	st := chainState{Height: view.Epoch, Tail: viewLedgerTail(w.viewTail, view)}
	w.logger.Info("view endorsed", zap.Uint64("epoch", view.Epoch))
	return w.sign(ViewLedgerHandle, st, nil)
}

// ActivateView appends view to the view ledger once auth proves that a
// quorum of the current view endorsed it, then honors view for all later
// requests. Re-activating the current view returns a fresh receipt.
func (w *Witness) ActivateView(ctx context.Context, view *View, auth *Certificate) (*Receipt, error) {
	if view == nil {
		return nil, wrapInvalidMessage("nil view")
	}

	w.viewMu.Lock()
	defer w.viewMu.Unlock()

	current := w.currentView()
	if view.Epoch == current.Epoch && view.Equal(current) {
		return w.sign(ViewLedgerHandle, chainState{Height: current.Epoch, Tail: w.viewTail}, nil)
	}
	if view.Scheme != w.key.Scheme() {
		return nil, wrapInvalidViewf("view scheme %s, witness key %s", view.Scheme, w.key.Scheme())
	}

	tail, err := checkViewChange(current, w.viewTail, view, auth)
	if err != nil {
		w.logger.Warn("view activation rejected",
			zap.Uint64("epoch", view.Epoch),
			zap.Error(err))
		return nil, err
	}

	st := chainState{Height: view.Epoch, Tail: tail}
	if err := w.store.Commit(ctx, ViewLedgerHandle, view.Epoch, view.Bytes(), st.bytes()); err != nil {
		return nil, wrapInternal(err)
	}
	if err := w.store.PutMeta(ctx, metaAuthPrefix+strconv.FormatUint(view.Epoch, 10), auth.Bytes()); err != nil {
		return nil, wrapInternal(err)
	}

	w.views = append(w.views, view)
	w.viewTail = tail
	oldMode := w.mode
	w.mode = w.modeFor(view)

	w.logger.Info("view activated",
		zap.Uint64("epoch", view.Epoch),
		zap.Int("members", view.Size()),
		zap.Int("quorum", view.Quorum),
		zap.Stringer("mode", w.mode))
	if oldMode == ModeActive && w.mode == ModeRetired {
		w.logger.Info("witness retired; serving reads only")
	}
	return w.sign(ViewLedgerHandle, st, nil)
}

// InstallLedger adopts the state certified by cert for a handle this
// witness does not know. cert must be valid under a view in the witness's
// history. Blocks below the certified height are not available here.
func (w *Witness) InstallLedger(ctx context.Context, cert *Certificate) (*Receipt, error) {
	if cert == nil {
		return nil, wrapInvalidMessage("nil certificate")
	}
	if err := checkApplicationHandle(cert.Handle); err != nil {
		return nil, err
	}
	if len(cert.Nonce) != 0 {
		return nil, wrapInvalidMessage("cannot install from a nonce-bound read")
	}

	w.viewMu.RLock()
	defer w.viewMu.RUnlock()

	if w.mode == ModeRetired {
		return nil, wrapStaleViewf("witness retired at epoch %d", w.currentView().Epoch)
	}
	if cert.View >= uint64(len(w.views)) {
		return nil, wrapStaleViewf("certificate from unknown epoch %d", cert.View)
	}
	if err := cert.Validate(w.views[cert.View]); err != nil {
		return nil, err
	}

	e, err := w.entry(ctx, cert.Handle)
	if err != nil {
		return nil, err
	}
	defer w.release(cert.Handle, e)

	if e.exists {
		return nil, fmt.Errorf("%w: ledger %s", ErrAlreadyExists, cert.Handle)
	}
	if cert.Height == math.MaxUint64 {
		return nil, wrapInternal(fmt.Errorf("ledger %s height overflow", cert.Handle))
	}

	st := chainState{Height: cert.Height, Tail: cert.Tail, Base: cert.Height + 1}
	if err := w.store.Commit(ctx, cert.Handle, cert.Height, nil, st.bytes()); err != nil {
		return nil, wrapInternal(err)
	}
	e.state = st
	e.exists = true

	w.logger.Info("ledger installed",
		zap.Stringer("handle", cert.Handle),
		zap.Uint64("height", cert.Height))
	return w.sign(cert.Handle, st, nil)
}
