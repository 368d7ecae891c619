package twins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	nimble "github.com/SirZayers/Nimble"
)

// ErrPartitioned is returned for calls across a partition.
var ErrPartitioned = errors.New("twins: node unreachable from this side")

// ErrSilent is returned by silent twins.
var ErrSilent = errors.New("twins: node is silent")

// node is one view member: an honest witness, or a twin pair.
type node struct {
	id      int
	twin    bool
	members [2]*nimble.Witness // members[1] is nil for honest nodes
}

// network decides, per call, which witness instance a side reaches.
type network struct {
	scenario Scenario
	detector *Detector

	// reach[side][node]
	reach [Sides][]bool

	// switched is set once BehaviorAmnesia moved to the second twin.
	switched atomic.Bool

	// inflight tracks calls so results can be collected after
	// orchestrators returned early.
	inflight sync.WaitGroup
}

func newNetwork(s Scenario, detector *Detector) *network {
	n := &network{scenario: s, detector: detector}
	for side := 0; side < Sides; side++ {
		n.reach[side] = make([]bool, s.Size())
		if side >= len(s.Partitions) || len(s.Partitions[side].Nodes) == 0 {
			for i := range n.reach[side] {
				n.reach[side][i] = true
			}
			continue
		}
		for _, id := range s.Partitions[side].Nodes {
			n.reach[side][id] = true
		}
	}
	return n
}

// route returns the witness side reaches at nd, or an error.
func (n *network) route(side int, nd *node) (*nimble.Witness, error) {
	if !n.reach[side][nd.id] {
		return nil, fmt.Errorf("%w: side %d node %d", ErrPartitioned, side, nd.id)
	}
	if !nd.twin {
		return nd.members[0], nil
	}
	switch n.scenario.Behavior {
	case BehaviorSplit:
		return nd.members[side], nil
	case BehaviorSilent:
		return nil, fmt.Errorf("%w: node %d", ErrSilent, nd.id)
	case BehaviorAmnesia:
		if n.switched.Load() {
			return nd.members[1], nil
		}
	}
	return nd.members[0], nil
}

// endorser is what side dials for one view member.
type endorser struct {
	net  *network
	side int
	node *node
}

var _ nimble.Endorser = (*endorser)(nil)

func (e *endorser) do(fn func(w *nimble.Witness) (*nimble.Receipt, error)) (*nimble.Receipt, error) {
	e.net.inflight.Add(1)
	defer e.net.inflight.Done()

	w, err := e.net.route(e.side, e.node)
	if err != nil {
		return nil, err
	}
	r, err := fn(w)
	if err != nil {
		return nil, err
	}
	e.net.detector.RecordReceipt(e.side, e.node.id, r)
	return r, nil
}

func (e *endorser) Identity(ctx context.Context) (*nimble.Identity, error) {
	e.net.inflight.Add(1)
	defer e.net.inflight.Done()

	w, err := e.net.route(e.side, e.node)
	if err != nil {
		return nil, err
	}
	return w.Identity(ctx)
}

func (e *endorser) CreateLedger(ctx context.Context, handle nimble.Handle, genesis []byte) (*nimble.Receipt, error) {
	return e.do(func(w *nimble.Witness) (*nimble.Receipt, error) {
		return w.CreateLedger(ctx, handle, genesis)
	})
}

func (e *endorser) Append(ctx context.Context, handle nimble.Handle, block []byte, expectedHeight uint64) (*nimble.Receipt, error) {
	return e.do(func(w *nimble.Witness) (*nimble.Receipt, error) {
		return w.Append(ctx, handle, block, expectedHeight)
	})
}

func (e *endorser) ReadLatest(ctx context.Context, handle nimble.Handle, nonce []byte) (*nimble.Receipt, error) {
	return e.do(func(w *nimble.Witness) (*nimble.Receipt, error) {
		return w.ReadLatest(ctx, handle, nonce)
	})
}

func (e *endorser) ReadAt(ctx context.Context, handle nimble.Handle, height uint64) ([]byte, error) {
	e.net.inflight.Add(1)
	defer e.net.inflight.Done()

	w, err := e.net.route(e.side, e.node)
	if err != nil {
		return nil, err
	}
	return w.ReadAt(ctx, handle, height)
}

func (e *endorser) EndorseView(ctx context.Context, view *nimble.View) (*nimble.Receipt, error) {
	return e.do(func(w *nimble.Witness) (*nimble.Receipt, error) {
		return w.EndorseView(ctx, view)
	})
}

func (e *endorser) ActivateView(ctx context.Context, view *nimble.View, auth *nimble.Certificate) (*nimble.Receipt, error) {
	return e.do(func(w *nimble.Witness) (*nimble.Receipt, error) {
		return w.ActivateView(ctx, view, auth)
	})
}

func (e *endorser) InstallLedger(ctx context.Context, cert *nimble.Certificate) (*nimble.Receipt, error) {
	return e.do(func(w *nimble.Witness) (*nimble.Receipt, error) {
		return w.InstallLedger(ctx, cert)
	})
}
