package nimble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirZayers/Nimble/storage"
)

func newTestWitness(t *testing.T, store storage.Store) (*Witness, *View, PrivateKey) {
	t.Helper()
	genesis, keys := testView(t, 0, SchemeEd25519, 1, 0)
	cfg, err := NewWitnessConfig(WithKey(keys[0]), WithGenesis(genesis), WithStore(store))
	require.NoError(t, err)
	w, err := NewWitness(cfg)
	require.NoError(t, err)
	return w, genesis, keys[0]
}

func TestWitnessLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	w, _, key := newTestWitness(t, storage.NewMemoryStore())
	handle := Handle("ledger")

	assert.Equal(t, ModeActive, w.Mode())

	r, err := w.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Height)
	assert.Equal(t, HashBlock([]byte("init")), r.Tail)
	assert.True(t, r.Verify(key.Public()))

	_, err = w.CreateLedger(ctx, handle, []byte("again"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	r, err = w.Append(ctx, handle, []byte("b1"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Height)
	assert.Equal(t, NextTail(HashBlock([]byte("init")), []byte("b1")), r.Tail)

	_, err = w.Append(ctx, handle, []byte("b2"), 0)
	require.ErrorIs(t, err, ErrStaleHeight)
	var stale *StaleHeightError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, uint64(1), stale.Current)

	_, err = w.Append(ctx, Handle("missing"), []byte("b"), 0)
	assert.ErrorIs(t, err, ErrNotFound)

	latest, err := w.ReadLatest(ctx, handle, []byte("nonce"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.Height)
	assert.Equal(t, []byte("nonce"), latest.Nonce)
	assert.True(t, latest.Verify(key.Public()))

	_, err = w.ReadLatest(ctx, handle, make([]byte, MaxNonceSize+1))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	b, err := w.ReadAt(ctx, handle, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("b1"), b)
	_, err = w.ReadAt(ctx, handle, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWitnessForgetsUnknownHandles(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWitness(t, storage.NewMemoryStore())
	tracked := func() int {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.ledgers)
	}

	_, err := w.CreateLedger(ctx, Handle("ledger"), []byte("init"))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		h := Handle(fmt.Sprintf("unknown-%d", i))
		_, err := w.ReadLatest(ctx, h, nil)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = w.ReadAt(ctx, h, 0)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = w.Append(ctx, h, []byte("b"), 0)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 1, tracked())

	// A handle looked up before it existed can still be created and used.
	h := Handle("unknown-0")
	_, err = w.CreateLedger(ctx, h, []byte("init"))
	require.NoError(t, err)
	r, err := w.Append(ctx, h, []byte("b1"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Height)
	assert.Equal(t, 2, tracked())
}

func TestWitnessReservesViewLedgerHandle(t *testing.T) {
	ctx := context.Background()
	w, genesis, _ := newTestWitness(t, storage.NewMemoryStore())

	_, err := w.CreateLedger(ctx, ViewLedgerHandle, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = w.Append(ctx, ViewLedgerHandle, []byte("x"), 0)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	r, err := w.ReadLatest(ctx, ViewLedgerHandle, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Height)
	assert.Equal(t, GenesisTail(genesis.Bytes()), r.Tail)

	b, err := w.ReadAt(ctx, ViewLedgerHandle, 0)
	require.NoError(t, err)
	assert.Equal(t, genesis.Bytes(), b)
}

func TestWitnessRestart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w, genesis, key := newTestWitness(t, store)
	handle := Handle("ledger")

	_, err := w.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	before, err := w.Append(ctx, handle, []byte("b1"), 0)
	require.NoError(t, err)

	cfg, err := NewWitnessConfig(WithKey(key), WithStore(store))
	require.NoError(t, err)
	restarted, err := NewWitness(cfg)
	require.NoError(t, err)
	assert.True(t, genesis.Equal(restarted.View()))

	after, err := restarted.ReadLatest(ctx, handle, nil)
	require.NoError(t, err)
	assert.Equal(t, before.Statement(), after.Statement())

	_, err = restarted.Append(ctx, handle, []byte("b2"), 1)
	assert.NoError(t, err)

	other, _ := testView(t, 0, SchemeEd25519, 1, 0)
	other.Members[0] = genesis.Members[0]
	other.Members[0].Endpoint = "elsewhere"
	cfg, err = NewWitnessConfig(WithKey(key), WithGenesis(other), WithStore(store))
	require.NoError(t, err)
	_, err = NewWitness(cfg)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestWitnessRequiresGenesisOnEmptyStore(t *testing.T) {
	cfg, err := NewWitnessConfig(WithKey(testKey(t, SchemeEd25519)))
	require.NoError(t, err)
	_, err = NewWitness(cfg)
	assert.ErrorIs(t, err, ErrConfig)
}

// changeView endorses and activates next on every witness of c and returns
// the authorization.
func changeView(t *testing.T, c *TestCluster, next *View) *Certificate {
	t.Helper()
	ctx := context.Background()
	cur := c.Witnesses[0].View()

	var endorsements []*Receipt
	for _, w := range c.Witnesses {
		if !cur.Contains(w.ID()) {
			continue
		}
		r, err := w.EndorseView(ctx, next)
		require.NoError(t, err)
		endorsements = append(endorsements, r)
	}
	agg, err := Aggregate(cur, endorsements)
	require.NoError(t, err)

	for _, w := range c.Witnesses {
		_, err := w.ActivateView(ctx, next, agg.Certificate)
		require.NoError(t, err)
	}
	return agg.Certificate
}

func TestWitnessViewChange(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	handle := Handle("ledger")
	for _, w := range c.Witnesses {
		_, err := w.CreateLedger(ctx, handle, []byte("init"))
		require.NoError(t, err)
	}

	next, err := NewView(1, SchemeEd25519, []Member{c.Member(0), c.Member(1)}, 0)
	require.NoError(t, err)
	auth := changeView(t, c, next)

	for _, w := range c.Witnesses {
		assert.Equal(t, uint64(1), w.View().Epoch)
	}
	assert.Equal(t, ModeActive, c.Witnesses[0].Mode())
	assert.Equal(t, ModeRetired, c.Witnesses[2].Mode())

	// Receipts now carry the new epoch.
	r, err := c.Witnesses[0].Append(ctx, handle, []byte("b1"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.View)

	// The retired witness refuses writes and keeps serving reads.
	retired := c.Witnesses[2]
	_, err = retired.Append(ctx, handle, []byte("b1"), 0)
	assert.ErrorIs(t, err, ErrStaleView)
	_, err = retired.EndorseView(ctx, next)
	assert.ErrorIs(t, err, ErrStaleView)
	r, err = retired.ReadLatest(ctx, handle, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Height)

	// Activation is idempotent for the current view.
	again, err := c.Witnesses[0].ActivateView(ctx, next, auth)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), again.Height)

	vl, err := c.Witnesses[1].ReadLatest(ctx, ViewLedgerHandle, nil)
	require.NoError(t, err)
	assert.Equal(t, auth.Tail, vl.Tail)
	assert.Equal(t, uint64(1), vl.Height)
}

func TestWitnessEndorseView(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	w := c.Witnesses[0]

	next, err := NewView(1, SchemeEd25519, []Member{c.Member(0), c.Member(1)}, 0)
	require.NoError(t, err)

	r1, err := w.EndorseView(ctx, next)
	require.NoError(t, err)
	assert.True(t, r1.Handle.IsViewLedger())
	assert.Equal(t, viewLedgerTail(GenesisTail(c.Genesis.Bytes()), next), r1.Tail)

	r2, err := w.EndorseView(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, r1.Statement(), r2.Statement())

	rival, err := NewView(1, SchemeEd25519, []Member{c.Member(0), c.Member(2)}, 0)
	require.NoError(t, err)
	_, err = w.EndorseView(ctx, rival)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	skip, err := NewView(2, SchemeEd25519, []Member{c.Member(0)}, 0)
	require.NoError(t, err)
	_, err = w.EndorseView(ctx, skip)
	assert.ErrorIs(t, err, ErrStaleView)

	// Endorsing does not change the honored view.
	assert.Equal(t, uint64(0), w.View().Epoch)
}

func TestWitnessEndorseFloor(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(4, SchemeEd25519)
	require.NoError(t, err)
	w := c.Witnesses[0]

	// One of four members is below the default floor.
	lone, err := NewView(1, SchemeEd25519, []Member{c.Member(0)}, 0)
	require.NoError(t, err)
	_, err = w.EndorseView(ctx, lone)
	assert.ErrorIs(t, err, ErrInvalidView)

	// The refusal is not recorded as an endorsement for the epoch.
	half, err := NewView(1, SchemeEd25519, []Member{c.Member(0), c.Member(1)}, 0)
	require.NoError(t, err)
	_, err = w.EndorseView(ctx, half)
	require.NoError(t, err)

	cfg, err := NewWitnessConfig(WithKey(c.Keys[1]), WithGenesis(c.Genesis), WithEndorseFloor(0))
	require.NoError(t, err)
	permissive, err := NewWitness(cfg)
	require.NoError(t, err)
	_, err = permissive.EndorseView(ctx, lone)
	assert.NoError(t, err)
}

func TestWitnessRejectsUnauthorizedActivation(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)

	next, err := NewView(1, SchemeEd25519, []Member{c.Member(0), c.Member(1)}, 0)
	require.NoError(t, err)

	// One endorsement is not a quorum of three.
	r, err := c.Witnesses[0].EndorseView(ctx, next)
	require.NoError(t, err)
	weak := &Certificate{
		Handle: r.Handle, Height: r.Height, Tail: r.Tail, View: r.View,
		Receipts: []*Receipt{r},
	}
	_, err = c.Witnesses[1].ActivateView(ctx, next, weak)
	assert.ErrorIs(t, err, ErrInvalidQuorum)

	_, err = c.Witnesses[1].ActivateView(ctx, next, nil)
	assert.ErrorIs(t, err, ErrInvalidQuorum)
	assert.Equal(t, uint64(0), c.Witnesses[1].View().Epoch)
}

func TestWitnessInstallLedger(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	handle := Handle("ledger")

	var rs []*Receipt
	for _, w := range c.Witnesses[:2] {
		_, err := w.CreateLedger(ctx, handle, []byte("init"))
		require.NoError(t, err)
		r, err := w.Append(ctx, handle, []byte("b1"), 0)
		require.NoError(t, err)
		rs = append(rs, r)
	}
	agg, err := Aggregate(c.Genesis, rs)
	require.NoError(t, err)
	cert := agg.Certificate

	joiner := c.Witnesses[2]
	r, err := joiner.InstallLedger(ctx, cert)
	require.NoError(t, err)
	assert.Equal(t, cert.Statement(), r.Statement())

	_, err = joiner.ReadAt(ctx, handle, 0)
	assert.ErrorIs(t, err, ErrNotFound, "blocks below the installed height are absent")

	r, err = joiner.Append(ctx, handle, []byte("b2"), 1)
	require.NoError(t, err)
	assert.Equal(t, NextTail(cert.Tail, []byte("b2")), r.Tail)
	b, err := joiner.ReadAt(ctx, handle, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("b2"), b)

	_, err = joiner.InstallLedger(ctx, cert)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	bound := *cert
	bound.Nonce = []byte("n")
	_, err = c.Witnesses[0].InstallLedger(ctx, &bound)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	forged := *cert
	forged.Handle = Handle("other")
	_, err = joiner.InstallLedger(ctx, &forged)
	assert.ErrorIs(t, err, ErrInvalidQuorum)
}
