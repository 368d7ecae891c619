package nimble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirZayers/Nimble/storage"
)

func newTestOrchestrator(t *testing.T, c *TestCluster, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	o, err := c.Orchestrator(append([]OrchestratorOption{WithRoundTimeout(time.Second)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

// height reports the height witness w holds for handle, or -1.
func height(w *Witness, handle Handle) int {
	r, err := w.ReadLatest(context.Background(), handle, nil)
	if err != nil {
		return -1
	}
	return int(r.Height)
}

func TestOrchestratorCreateAppendRead(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)
	v, err := c.Verifier()
	require.NoError(t, err)
	assert.Equal(t, v.GroupIdentity(), o.GroupIdentity())

	handle := Handle("ledger")
	cert, err := o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cert.Height)
	assert.Equal(t, HashBlock([]byte("init")), cert.Tail)
	require.NoError(t, v.VerifyCertificate(cert))

	blocks := [][]byte{[]byte("init")}
	for i := 1; i <= 3; i++ {
		b := []byte(fmt.Sprintf("b%d", i))
		cert, err = o.AppendLedger(ctx, handle, b)
		require.NoError(t, err)
		blocks = append(blocks, b)
		assert.Equal(t, uint64(i), cert.Height)
	}
	require.NoError(t, v.ReplayChain(blocks, cert))

	nonce := []byte("fresh-1")
	read, err := o.ReadTail(ctx, handle, nonce)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), read.Height)
	assert.Equal(t, cert.Tail, read.Tail)
	require.NoError(t, v.VerifyRead(read, nonce))

	for h, want := range blocks {
		got, err := o.ReadAt(ctx, handle, uint64(h))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = o.ReadAt(ctx, handle, 9)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = o.ReadTail(ctx, Handle("missing"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrchestratorNewLedger(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeBLS)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)

	h1, cert, err := o.NewLedger(ctx, []byte("init"))
	require.NoError(t, err)
	assert.Len(t, h1, 16)
	assert.True(t, cert.Handle.Equal(h1))

	h2, _, err := o.NewLedger(ctx, []byte("init"))
	require.NoError(t, err)
	assert.False(t, h1.Equal(h2))
}

func TestOrchestratorCreateExisting(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)
	handle := Handle("ledger")

	first, err := o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)

	// Repeating the same creation is answered with the same position.
	again, err := o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	assert.Equal(t, first.Statement(), again.Statement())

	_, err = o.CreateLedger(ctx, handle, []byte("other"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = o.AppendLedger(ctx, handle, []byte("b1"))
	require.NoError(t, err)
	_, err = o.CreateLedger(ctx, handle, []byte("init"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = o.CreateLedger(ctx, ViewLedgerHandle, []byte("init"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestOrchestratorAppendAt(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)
	handle := Handle("ledger")

	_, err = o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	cert, err := o.AppendAt(ctx, handle, []byte("b1"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cert.Height)

	_, err = o.AppendAt(ctx, handle, []byte("b2"), 0)
	require.ErrorIs(t, err, ErrStaleHeight)
	var stale *StaleHeightError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, uint64(0), stale.Expected)
	assert.Equal(t, uint64(1), stale.Current)
}

func TestOrchestratorToleratesCrashedMinority(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)
	handle := Handle("ledger")

	c.Endorsers[2].Crash()
	_, err = o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	cert, err := o.AppendLedger(ctx, handle, []byte("b1"))
	require.NoError(t, err)
	assert.Len(t, cert.Receipts, 2)

	// A second crash leaves no quorum.
	c.Endorsers[1].Crash()
	_, err = o.AppendLedger(ctx, handle, []byte("b2"))
	assert.ErrorIs(t, err, ErrQuorumUnavailable)
	assert.True(t, IsRetryable(err))
}

func TestOrchestratorInstallsLedgerOnMissingWitness(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)
	handle := Handle("ledger")

	// Witness 2 misses the whole ledger.
	c.Endorsers[2].Crash()
	_, err = o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	_, err = o.AppendLedger(ctx, handle, []byte("b1"))
	require.NoError(t, err)

	// With witness 1 down, the round needs witness 2.
	c.Endorsers[2].Recover()
	c.Endorsers[1].Crash()
	cert, err := o.AppendLedger(ctx, handle, []byte("b2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cert.Height)
	assert.Contains(t, cert.Signers(), c.Witnesses[2].ID())

	assert.Equal(t, 2, height(c.Witnesses[2], handle))
	_, err = c.Witnesses[2].ReadAt(ctx, handle, 0)
	assert.ErrorIs(t, err, ErrNotFound, "installed ledgers start above their genesis")
}

func TestOrchestratorFeedsBlocksToLaggingWitness(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)
	handle := Handle("ledger")

	_, err = o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return height(c.Witnesses[2], handle) == 0 },
		time.Second, 5*time.Millisecond)

	c.Endorsers[2].Crash()
	for _, b := range []string{"b1", "b2"} {
		_, err = o.AppendLedger(ctx, handle, []byte(b))
		require.NoError(t, err)
	}

	c.Endorsers[2].Recover()
	c.Endorsers[1].Crash()
	cert, err := o.AppendLedger(ctx, handle, []byte("b3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cert.Height)

	// The lagging witness received every block, not an install.
	for h, want := range []string{"init", "b1", "b2", "b3"} {
		got, err := c.Witnesses[2].ReadAt(ctx, handle, uint64(h))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestOrchestratorCatchesUpInBackground(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)
	handle := Handle("ledger")

	c.Endorsers[2].Crash()
	_, err = o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	_, err = o.AppendLedger(ctx, handle, []byte("b1"))
	require.NoError(t, err)
	c.Endorsers[2].Recover()

	// Reads keep going to every member; the one that refuses is repaired.
	require.Eventually(t, func() bool {
		if _, err := o.ReadTail(ctx, handle, nil); err != nil {
			return false
		}
		return height(c.Witnesses[2], handle) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorAppendAlreadyApplied(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)
	handle := Handle("ledger")

	prev, err := o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return height(c.Witnesses[2], handle) == 0 },
		time.Second, 5*time.Millisecond)

	// A quorum already holds b1, as after a round whose replies were lost.
	for _, w := range c.Witnesses[:2] {
		_, err := w.Append(ctx, handle, []byte("b1"), 0)
		require.NoError(t, err)
	}

	cert, err := o.AppendLedger(ctx, handle, []byte("b1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cert.Height)
	assert.Equal(t, NextTail(prev.Tail, []byte("b1")), cert.Tail)
	for _, w := range c.Witnesses {
		assert.Equal(t, 1, height(w, handle))
	}
}

func TestOrchestratorSameBlockFromTwoWriters(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	a := newTestOrchestrator(t, c)
	b := newTestOrchestrator(t, c)
	handle := Handle("ledger")

	_, err = a.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	_, err = b.ReadTail(ctx, handle, nil)
	require.NoError(t, err)

	first, err := b.AppendLedger(ctx, handle, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Height)
	require.Eventually(t, func() bool {
		for _, w := range c.Witnesses {
			if height(w, handle) != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	// a still believes the ledger is at 0. Every witness refuses its
	// round, so the x at height 1 is b's and a must append its own.
	second, err := a.AppendLedger(ctx, handle, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Height)
	assert.Equal(t, NextTail(first.Tail, []byte("x")), second.Tail)

	for h := uint64(1); h <= 2; h++ {
		got, err := a.ReadAt(ctx, handle, h)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), got)
	}
	tail, err := b.ReadTail(ctx, handle, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tail.Height)
}

func TestOrchestratorRefreshesStaleHeight(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)
	handle := Handle("ledger")

	_, err = o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return height(c.Witnesses[2], handle) == 0 },
		time.Second, 5*time.Millisecond)

	// Another writer moved the ledger without this orchestrator.
	for _, w := range c.Witnesses {
		_, err := w.Append(ctx, handle, []byte("x"), 0)
		require.NoError(t, err)
	}

	cert, err := o.AppendLedger(ctx, handle, []byte("b1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cert.Height)

	got, err := o.ReadAt(ctx, handle, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestOrchestratorConcurrentLedgers(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(4, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)

	const ledgers, appends = 8, 5
	var wg sync.WaitGroup
	errs := make(chan error, ledgers)
	for i := 0; i < ledgers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle := Handle(fmt.Sprintf("ledger-%d", i))
			if _, err := o.CreateLedger(ctx, handle, []byte("init")); err != nil {
				errs <- err
				return
			}
			for j := 1; j <= appends; j++ {
				cert, err := o.AppendLedger(ctx, handle, []byte{byte(i), byte(j)})
				if err != nil {
					errs <- err
					return
				}
				if cert.Height != uint64(j) {
					errs <- fmt.Errorf("%s at %d, want %d", handle, cert.Height, j)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestOrchestratorDetectsRollback(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	o := newTestOrchestrator(t, c, WithOrchestratorStore(store))
	handle := Handle("ledger")

	_, err = o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err = o.AppendLedger(ctx, handle, []byte{byte(i)})
		require.NoError(t, err)
	}

	// The same witness keys restored from an older snapshot, height 3.
	restored, err := NewTestClusterFromKeys(c.Keys, c.Genesis)
	require.NoError(t, err)
	for _, w := range restored.Witnesses {
		_, err := w.CreateLedger(ctx, handle, []byte("init"))
		require.NoError(t, err)
		for i := 1; i <= 3; i++ {
			_, err := w.Append(ctx, handle, []byte{byte(i)}, uint64(i-1))
			require.NoError(t, err)
		}
	}

	cfg, err := NewOrchestratorConfig(
		WithOrchestratorGenesis(c.Genesis),
		WithDialer(restored.Dialer()),
		WithOrchestratorStore(store),
		WithRoundTimeout(time.Second),
	)
	require.NoError(t, err)
	o2, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	_, err = o2.ReadTail(ctx, handle, nil)
	require.ErrorIs(t, err, ErrRollbackDetected)
	assert.True(t, IsSafetyViolation(err))

	var rb *RollbackError
	require.True(t, errors.As(err, &rb))
	assert.Equal(t, uint64(5), rb.TrustedHeight)
	assert.Equal(t, uint64(3), rb.PresentedHeight)
}

func TestOrchestratorRestartKeepsDirectory(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	o := newTestOrchestrator(t, c, WithOrchestratorStore(store), WithDirectoryCacheSize(1))
	handle := Handle("ledger")

	_, err = o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	_, err = o.CreateLedger(ctx, Handle("other"), []byte("init"))
	require.NoError(t, err)
	assert.Equal(t, 1, o.dir.cached())

	// Evicted from the cache, the position is read back from the store.
	cert, ok, err := o.dir.get(ctx, handle)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), cert.Height)

	o2, err := c.Orchestrator(WithOrchestratorStore(store))
	require.NoError(t, err)
	cert, err = o2.AppendLedger(ctx, handle, []byte("b1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cert.Height)
}
