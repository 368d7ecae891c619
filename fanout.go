package nimble

import (
	"context"
	"errors"
	"sort"
	"time"
)

// snapshot is the routing state a round runs against. A round never
// changes snapshot, so every receipt it counts carries one view number.
type snapshot struct {
	view      *View
	endorsers map[WitnessID]Endorser

	// drains are witnesses removed by earlier view changes. They serve
	// reads only.
	drains map[WitnessID]Endorser
}

// endorser returns the endorser for id among members and drains.
func (s *snapshot) endorser(id WitnessID) (Endorser, bool) {
	if e, ok := s.endorsers[id]; ok {
		return e, true
	}
	e, ok := s.drains[id]
	return e, ok
}

// readers lists members first, then drains, each in id order.
func (s *snapshot) readers() []WitnessID {
	ids := s.view.IDs()
	drains := make([]WitnessID, 0, len(s.drains))
	for id := range s.drains {
		drains = append(drains, id)
	}
	sort.Slice(drains, func(i, j int) bool { return witnessIDLess(drains[i], drains[j]) })
	return append(ids, drains...)
}

// reply is one witness's answer in a round.
type reply struct {
	id      WitnessID
	receipt *Receipt
	err     error
}

type call func(ctx context.Context, e Endorser) (*Receipt, error)

// counts reports whether r is a receipt Aggregate would accept for view.
func counts(view *View, r *Receipt) bool {
	if r == nil || r.View != view.Epoch {
		return false
	}
	m, ok := view.Member(r.Witness)
	return ok && r.Verify(m.PublicKey)
}

// fanOut sends fn to every witness in ids concurrently under one round
// deadline. It returns once a quorum of valid receipts agrees on one
// statement, once every witness has answered, or at the deadline; calls
// still in flight are cancelled. Witnesses that did not answer are absent
// from the result.
func fanOut(ctx context.Context, s *snapshot, ids []WitnessID, timeout time.Duration, fn call) []reply {
	return gather(ctx, s, ids, timeout, true, fn)
}

// broadcast is fanOut without the early return on quorum.
func broadcast(ctx context.Context, s *snapshot, ids []WitnessID, timeout time.Duration, fn call) []reply {
	return gather(ctx, s, ids, timeout, false, fn)
}

func gather(ctx context.Context, s *snapshot, ids []WitnessID, timeout time.Duration, early bool, fn call) []reply {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan reply, len(ids))
	for _, id := range ids {
		e, ok := s.endorser(id)
		if !ok {
			ch <- reply{id: id, err: wrapInternal(errors.New("no endorser for " + id.String()))}
			continue
		}
		go func(id WitnessID, e Endorser) {
			r, err := fn(ctx, e)
			ch <- reply{id: id, receipt: r, err: err}
		}(id, e)
	}

	tally := make(map[Statement]int)
	out := make([]reply, 0, len(ids))
	for len(out) < len(ids) {
		select {
		case rep := <-ch:
			out = append(out, rep)
			if !early || rep.err != nil || !counts(s.view, rep.receipt) {
				continue
			}
			st := rep.receipt.Statement()
			tally[st]++
			if tally[st] >= s.view.Quorum {
				return out
			}
		case <-ctx.Done():
			return out
		}
	}
	return out
}

// receipts extracts the receipts from replies.
func receipts(replies []reply) []*Receipt {
	out := make([]*Receipt, 0, len(replies))
	for _, rep := range replies {
		if rep.err == nil && rep.receipt != nil {
			out = append(out, rep.receipt)
		}
	}
	return out
}

// failed returns the replies that carry an error.
func failed(replies []reply) []reply {
	var out []reply
	for _, rep := range replies {
		if rep.err != nil {
			out = append(out, rep)
		}
	}
	return out
}

// errorQuorum returns the error class shared by at least quorum replies,
// so a round that every witness refused reports why.
func errorQuorum(replies []reply, quorum int, classes ...error) error {
	for _, class := range classes {
		n := 0
		for _, rep := range replies {
			if rep.err != nil && errors.Is(rep.err, class) {
				n++
			}
		}
		if n >= quorum {
			return class
		}
	}
	return nil
}
