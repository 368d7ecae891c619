package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	nimble "github.com/SirZayers/Nimble"
)

var (
	// ErrCrashed is returned for calls to a crashed witness.
	ErrCrashed = errors.New("simulator: witness crashed")

	// ErrPartitioned is returned for calls to a witness cut off from the
	// coordinator.
	ErrPartitioned = errors.New("simulator: witness partitioned")

	// ErrDropped is returned for calls lost to packet loss.
	ErrDropped = errors.New("simulator: request dropped")
)

// NetworkConfig configures fault injection between the coordinator and
// the witnesses.
type NetworkConfig struct {
	// PacketLoss is the probability of failing a call (0.0 - 1.0)
	PacketLoss float64

	// MinLatency is the minimum call delay
	MinLatency time.Duration

	// MaxLatency is the maximum call delay
	MaxLatency time.Duration
}

// DefaultNetworkConfig returns a default (no faults) network configuration.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{}
}

// Network sits between the coordinator and every witness.
type Network struct {
	mu sync.Mutex

	config      NetworkConfig
	crashed     map[int]bool
	partitioned map[int]bool
	rng         *rand.Rand

	calls   int
	dropped int
	delayed int

	onDrop func(node int, err error)
}

// NewNetwork creates a network with the given fault configuration.
func NewNetwork(config NetworkConfig, seed int64) *Network {
	return &Network{
		config:      config,
		crashed:     make(map[int]bool),
		partitioned: make(map[int]bool),
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// SetOnDrop sets the callback for failed deliveries.
func (n *Network) SetOnDrop(fn func(node int, err error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDrop = fn
}

// CrashNode makes every call to node fail.
func (n *Network) CrashNode(node int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.crashed[node] = true
}

// RecoverNode undoes CrashNode.
func (n *Network) RecoverNode(node int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.crashed, node)
}

// IsNodeCrashed returns true if the node is crashed.
func (n *Network) IsNodeCrashed(node int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.crashed[node]
}

// SetPartitioned cuts nodes off from the coordinator, replacing the
// previous set.
func (n *Network) SetPartitioned(nodes []int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned = make(map[int]bool, len(nodes))
	for _, id := range nodes {
		n.partitioned[id] = true
	}
}

// ClearPartitions reconnects every node.
func (n *Network) ClearPartitions() {
	n.SetPartitioned(nil)
}

// IsPartitioned reports whether node is cut off.
func (n *Network) IsPartitioned(node int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.partitioned[node]
}

// deliver decides the fate of one call to node and waits out its latency.
func (n *Network) deliver(ctx context.Context, node int) error {
	n.mu.Lock()
	n.calls++
	var err error
	switch {
	case n.crashed[node]:
		err = ErrCrashed
	case n.partitioned[node]:
		err = ErrPartitioned
	case n.config.PacketLoss > 0 && n.rng.Float64() < n.config.PacketLoss:
		err = ErrDropped
	}
	if err != nil {
		n.dropped++
		onDrop := n.onDrop
		n.mu.Unlock()
		if onDrop != nil {
			onDrop(node, err)
		}
		return fmt.Errorf("%w: node %d", err, node)
	}

	var delay time.Duration
	if n.config.MaxLatency > n.config.MinLatency {
		delay = n.config.MinLatency + time.Duration(n.rng.Int63n(int64(n.config.MaxLatency-n.config.MinLatency)))
		n.delayed++
	} else {
		delay = n.config.MinLatency
	}
	n.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns network statistics.
func (n *Network) Stats() NetworkStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NetworkStats{
		Calls:   n.calls,
		Dropped: n.dropped,
		Delayed: n.delayed,
	}
}

// NetworkStats contains network statistics.
type NetworkStats struct {
	Calls   int `json:"calls"`
	Dropped int `json:"dropped"`
	Delayed int `json:"delayed"`
}

// endorser routes coordinator calls to one witness through the network.
type endorser struct {
	node    int
	inner   nimble.Endorser
	network *Network
}

var _ nimble.Endorser = (*endorser)(nil)

func (e *endorser) Identity(ctx context.Context) (*nimble.Identity, error) {
	if err := e.network.deliver(ctx, e.node); err != nil {
		return nil, err
	}
	return e.inner.Identity(ctx)
}

func (e *endorser) CreateLedger(ctx context.Context, handle nimble.Handle, genesis []byte) (*nimble.Receipt, error) {
	if err := e.network.deliver(ctx, e.node); err != nil {
		return nil, err
	}
	return e.inner.CreateLedger(ctx, handle, genesis)
}

func (e *endorser) Append(ctx context.Context, handle nimble.Handle, block []byte, expectedHeight uint64) (*nimble.Receipt, error) {
	if err := e.network.deliver(ctx, e.node); err != nil {
		return nil, err
	}
	return e.inner.Append(ctx, handle, block, expectedHeight)
}

func (e *endorser) ReadLatest(ctx context.Context, handle nimble.Handle, nonce []byte) (*nimble.Receipt, error) {
	if err := e.network.deliver(ctx, e.node); err != nil {
		return nil, err
	}
	return e.inner.ReadLatest(ctx, handle, nonce)
}

func (e *endorser) ReadAt(ctx context.Context, handle nimble.Handle, height uint64) ([]byte, error) {
	if err := e.network.deliver(ctx, e.node); err != nil {
		return nil, err
	}
	return e.inner.ReadAt(ctx, handle, height)
}

func (e *endorser) EndorseView(ctx context.Context, view *nimble.View) (*nimble.Receipt, error) {
	if err := e.network.deliver(ctx, e.node); err != nil {
		return nil, err
	}
	return e.inner.EndorseView(ctx, view)
}

func (e *endorser) ActivateView(ctx context.Context, view *nimble.View, auth *nimble.Certificate) (*nimble.Receipt, error) {
	if err := e.network.deliver(ctx, e.node); err != nil {
		return nil, err
	}
	return e.inner.ActivateView(ctx, view, auth)
}

func (e *endorser) InstallLedger(ctx context.Context, cert *nimble.Certificate) (*nimble.Receipt, error) {
	if err := e.network.deliver(ctx, e.node); err != nil {
		return nil, err
	}
	return e.inner.InstallLedger(ctx, cert)
}
