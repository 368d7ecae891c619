package nimble

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/SirZayers/Nimble/storage"
)

// directory remembers the last certified position of every ledger the
// orchestrator has touched. Recent entries live in an LRU; all of them are
// backed by the store, which also keeps the certified blocks used to catch
// up lagging witnesses.
type directory struct {
	cache *lru.Cache[string, *Certificate]
	store storage.Store
}

func newDirectory(size int, store storage.Store) (*directory, error) {
	cache, err := lru.New[string, *Certificate](size)
	if err != nil {
		return nil, wrapConfigf("directory cache: %v", err)
	}
	return &directory{cache: cache, store: store}, nil
}

// get returns the last certificate recorded for handle.
func (d *directory) get(ctx context.Context, handle Handle) (*Certificate, bool, error) {
	if cert, ok := d.cache.Get(string(handle)); ok {
		return cert, true, nil
	}

	raw, err := d.store.State(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapInternal(err)
	}
	cert, err := CertificateFromBytes(raw)
	if err != nil {
		return nil, false, wrapInternal(err)
	}
	d.cache.Add(string(handle), cert)
	return cert, true, nil
}

// remember caches cert unless a higher one is already known.
func (d *directory) remember(cert *Certificate) {
	if prev, ok := d.cache.Get(string(cert.Handle)); ok && prev.Height > cert.Height {
		return
	}
	d.cache.Add(string(cert.Handle), cert)
}

// record stores block as the one certified by cert and remembers cert. The
// store only accepts the block if it extends what it already holds; a gap
// leaves the store behind and catch-up falls back to reading witnesses.
func (d *directory) record(ctx context.Context, cert *Certificate, block []byte) error {
	d.remember(cert)
	err := d.store.Commit(ctx, cert.Handle, cert.Height, block, cert.Bytes())
	if errors.Is(err, storage.ErrNonContiguous) {
		return nil
	}
	if err != nil {
		return wrapInternal(err)
	}
	return nil
}

// forget drops the cached entry so the next get consults the store.
func (d *directory) forget(handle Handle) {
	d.cache.Remove(string(handle))
}

// block returns a stored certified block.
func (d *directory) block(ctx context.Context, handle Handle, height uint64) ([]byte, error) {
	b, err := d.store.Block(ctx, handle, height)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapInternal(err)
	}
	return b, nil
}

// handles lists every ledger with stored state.
func (d *directory) handles(ctx context.Context) ([]Handle, error) {
	raw, err := d.store.Handles(ctx)
	if err != nil {
		return nil, wrapInternal(err)
	}
	out := make([]Handle, 0, len(raw))
	for _, h := range raw {
		out = append(out, Handle(h))
	}
	return out, nil
}

// cached returns the number of cached entries.
func (d *directory) cached() int {
	return d.cache.Len()
}
