package nimble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/SirZayers/Nimble/storage"
)

var _ Endorser = (*TestEndorser)(nil)

// ErrTestCrashed is returned by a crashed TestEndorser.
var ErrTestCrashed = errors.New("test endorser crashed")

// TestEndorser wraps an Endorser with crash injection and call counting.
type TestEndorser struct {
	inner   Endorser
	crashed atomic.Bool
	calls   atomic.Int64
}

// NewTestEndorser wraps inner.
func NewTestEndorser(inner Endorser) *TestEndorser {
	return &TestEndorser{inner: inner}
}

// Crash makes every later call fail with ErrTestCrashed.
func (e *TestEndorser) Crash() { e.crashed.Store(true) }

// Recover undoes Crash.
func (e *TestEndorser) Recover() { e.crashed.Store(false) }

// Calls returns the number of calls that reached the wrapped endorser.
func (e *TestEndorser) Calls() int64 { return e.calls.Load() }

func (e *TestEndorser) enter() error {
	if e.crashed.Load() {
		return ErrTestCrashed
	}
	e.calls.Add(1)
	return nil
}

func (e *TestEndorser) Identity(ctx context.Context) (*Identity, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	return e.inner.Identity(ctx)
}

func (e *TestEndorser) CreateLedger(ctx context.Context, handle Handle, genesis []byte) (*Receipt, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	return e.inner.CreateLedger(ctx, handle, genesis)
}

func (e *TestEndorser) Append(ctx context.Context, handle Handle, block []byte, expectedHeight uint64) (*Receipt, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	return e.inner.Append(ctx, handle, block, expectedHeight)
}

func (e *TestEndorser) ReadLatest(ctx context.Context, handle Handle, nonce []byte) (*Receipt, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	return e.inner.ReadLatest(ctx, handle, nonce)
}

func (e *TestEndorser) ReadAt(ctx context.Context, handle Handle, height uint64) ([]byte, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	return e.inner.ReadAt(ctx, handle, height)
}

func (e *TestEndorser) EndorseView(ctx context.Context, view *View) (*Receipt, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	return e.inner.EndorseView(ctx, view)
}

func (e *TestEndorser) ActivateView(ctx context.Context, view *View, auth *Certificate) (*Receipt, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	return e.inner.ActivateView(ctx, view, auth)
}

func (e *TestEndorser) InstallLedger(ctx context.Context, cert *Certificate) (*Receipt, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	return e.inner.InstallLedger(ctx, cert)
}

// TestCluster is an in-process witness group on memory stores. Witnesses
// are reached through TestEndorser wrappers so tests can crash them.
type TestCluster struct {
	Scheme    string
	Genesis   *View
	Keys      []PrivateKey
	Witnesses []*Witness
	Endorsers []*TestEndorser
	Logger    *zap.Logger

	mu    sync.Mutex
	table map[WitnessID]Endorser
}

// NewTestCluster creates n witnesses with fresh keys and a genesis view of
// all of them using the default quorum.
func NewTestCluster(n int, scheme string) (*TestCluster, error) {
	keys := make([]PrivateKey, n)
	for i := range keys {
		k, err := GenerateKey(scheme)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	members := make([]Member, n)
	for i, k := range keys {
		members[i] = NewMember(k.Public(), testEndpoint(i))
	}
	genesis, err := NewView(0, scheme, members, 0)
	if err != nil {
		return nil, err
	}
	return NewTestClusterFromKeys(keys, genesis)
}

// NewTestClusterFromKeys starts one witness per key, all trusting genesis,
// on fresh memory stores. Two clusters built from the same keys and
// genesis present the same group, which is how tests stage a witness
// state rollback.
func NewTestClusterFromKeys(keys []PrivateKey, genesis *View) (*TestCluster, error) {
	c := &TestCluster{
		Scheme:  genesis.Scheme,
		Genesis: genesis,
		Logger:  zap.NewNop(),
		table:   make(map[WitnessID]Endorser),
	}
	for _, k := range keys {
		if _, err := c.startWitness(k, storage.NewMemoryStore()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func testEndpoint(i int) string {
	return fmt.Sprintf("mem://witness-%d", i)
}

func (c *TestCluster) startWitness(key PrivateKey, store storage.Store) (*TestEndorser, error) {
	cfg, err := NewWitnessConfig(
		WithKey(key),
		WithGenesis(c.Genesis),
		WithStore(store),
		WithWitnessLogger(c.Logger),
	)
	if err != nil {
		return nil, err
	}
	w, err := NewWitness(cfg)
	if err != nil {
		return nil, err
	}
	e := NewTestEndorser(w)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Keys = append(c.Keys, key)
	c.Witnesses = append(c.Witnesses, w)
	c.Endorsers = append(c.Endorsers, e)
	c.table[w.ID()] = e
	return e, nil
}

// AddWitness starts a standby witness that knows the genesis view only.
// It returns the member entry a view change would name it by.
func (c *TestCluster) AddWitness() (*Witness, Member, error) {
	k, err := GenerateKey(c.Scheme)
	if err != nil {
		return nil, Member{}, err
	}
	if _, err := c.startWitness(k, storage.NewMemoryStore()); err != nil {
		return nil, Member{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.Witnesses) - 1
	return c.Witnesses[i], NewMember(k.Public(), testEndpoint(i)), nil
}

// Member returns the member entry of witness i.
func (c *TestCluster) Member(i int) Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return NewMember(c.Keys[i].Public(), testEndpoint(i))
}

// Dialer resolves members to the cluster's endorsers.
func (c *TestCluster) Dialer() Dialer {
	return func(m Member) (Endorser, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.table[m.ID]
		if !ok {
			return nil, fmt.Errorf("no endorser for %s", m.ID)
		}
		return e, nil
	}
}

// Orchestrator starts an orchestrator over the cluster. opts are applied
// after the cluster's genesis and dialer.
func (c *TestCluster) Orchestrator(opts ...OrchestratorOption) (*Orchestrator, error) {
	all := append([]OrchestratorOption{
		WithOrchestratorGenesis(c.Genesis),
		WithDialer(c.Dialer()),
	}, opts...)
	cfg, err := NewOrchestratorConfig(all...)
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(cfg)
}

// Verifier returns a client verifier trusting the cluster's genesis.
func (c *TestCluster) Verifier() (*Verifier, error) {
	return NewVerifier(c.Genesis)
}
