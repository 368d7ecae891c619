package twins

import (
	"errors"
	"fmt"
	"sync"

	nimble "github.com/SirZayers/Nimble"
)

// position identifies one ledger position within one view.
type position struct {
	handle string
	height uint64
	view   uint64
}

type receiptRecord struct {
	receipt *nimble.Receipt
	node    int
	side    int
}

type certRecord struct {
	cert *nimble.Certificate
	side int
}

// Detector checks everything the witnesses sign and everything the
// orchestrators certify for safety violations. It is safe for concurrent
// use.
type Detector struct {
	view *nimble.View

	mu sync.RWMutex

	// receipts by signer and position
	receipts map[nimble.WitnessID]map[position][]receiptRecord

	// certificates by ledger position, regardless of view
	certs map[string]map[uint64][]certRecord

	// latest certificate per side and handle
	latest map[int]map[string]*nimble.Certificate

	nReceipts  int
	violations []Violation
}

// NewDetector creates a detector for certificates of view.
func NewDetector(view *nimble.View) *Detector {
	return &Detector{
		view:     view,
		receipts: make(map[nimble.WitnessID]map[position][]receiptRecord),
		certs:    make(map[string]map[uint64][]certRecord),
		latest:   make(map[int]map[string]*nimble.Certificate),
	}
}

// RecordReceipt records a receipt node returned to side and reports an
// equivocation if the same key signed a different tail for the position.
// Nonce-bound reads are ordinary claims and are checked too.
func (d *Detector) RecordReceipt(side, node int, r *nimble.Receipt) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nReceipts++
	pos := position{handle: string(r.Handle), height: r.Height, view: r.View}
	byPos, ok := d.receipts[r.Witness]
	if !ok {
		byPos = make(map[position][]receiptRecord)
		d.receipts[r.Witness] = byPos
	}
	for _, existing := range byPos[pos] {
		if existing.receipt.Conflicts(r) {
			d.violations = append(d.violations, Violation{
				Type:        ViolationEquivocation,
				Description: "witness signed conflicting tails for one ledger position",
				Side:        side,
				Node:        node,
				Handle:      r.Handle,
				Height:      r.Height,
				Context: map[string]any{
					"witness": r.Witness.String(),
					"tail_1":  existing.receipt.Tail.String(),
					"tail_2":  r.Tail.String(),
					"node_1":  existing.node,
					"side_1":  existing.side,
					"side_2":  side,
				},
			})
			// One report per position and pair of tails is enough.
			return
		}
	}
	byPos[pos] = append(byPos[pos], receiptRecord{receipt: r, node: node, side: side})
}

// RecordCertificate records a certificate side obtained. It checks the
// certificate against the view, against every certificate for the same
// position and against the side's previous certificate for the ledger.
func (d *Detector) RecordCertificate(side int, cert *nimble.Certificate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := cert.Validate(d.view); err != nil {
		d.violations = append(d.violations, Violation{
			Type:        ViolationInvalidCertificate,
			Description: "certificate validation failed: " + err.Error(),
			Side:        side,
			Node:        -1,
			Handle:      cert.Handle,
			Height:      cert.Height,
		})
		return
	}

	key := string(cert.Handle)
	byHeight, ok := d.certs[key]
	if !ok {
		byHeight = make(map[uint64][]certRecord)
		d.certs[key] = byHeight
	}
	for _, existing := range byHeight[cert.Height] {
		if existing.cert.Tail != cert.Tail {
			d.violations = append(d.violations, Violation{
				Type:        ViolationFork,
				Description: "two certificates name different tails at one height",
				Side:        side,
				Node:        -1,
				Handle:      cert.Handle,
				Height:      cert.Height,
				Context: map[string]any{
					"tail_1":  existing.cert.Tail.String(),
					"tail_2":  cert.Tail.String(),
					"side_1":  existing.side,
					"side_2":  side,
					"signers": len(cert.Receipts),
				},
			})
			break
		}
	}
	byHeight[cert.Height] = append(byHeight[cert.Height], certRecord{cert: cert, side: side})

	bySide, ok := d.latest[side]
	if !ok {
		bySide = make(map[string]*nimble.Certificate)
		d.latest[side] = bySide
	}
	var rollback *nimble.RollbackError
	if err := nimble.CheckFreshness(bySide[key], cert); errors.As(err, &rollback) {
		d.violations = append(d.violations, Violation{
			Type:        ViolationRollback,
			Description: fmt.Sprintf("certificate at height %d after height %d", rollback.PresentedHeight, rollback.TrustedHeight),
			Side:        side,
			Node:        -1,
			Handle:      cert.Handle,
			Height:      cert.Height,
		})
		return
	}
	bySide[key] = cert
}

// Receipts returns the number of receipts recorded.
func (d *Detector) Receipts() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nReceipts
}

// Violations returns all detected violations.
func (d *Detector) Violations() []Violation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Violation{}, d.violations...)
}

// HasViolations returns true if any violations were detected.
func (d *Detector) HasViolations() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.violations) > 0
}

// ViolationsByType returns violations of one type.
func (d *Detector) ViolationsByType(t ViolationType) []Violation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Violation
	for _, v := range d.violations {
		if v.Type == t {
			out = append(out, v)
		}
	}
	return out
}

// ViolationCount returns the count of violations by type.
func (d *Detector) ViolationCount() map[ViolationType]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[ViolationType]int)
	for _, v := range d.violations {
		counts[v.Type]++
	}
	return counts
}

// Reset clears all recorded data.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.receipts = make(map[nimble.WitnessID]map[position][]receiptRecord)
	d.certs = make(map[string]map[uint64][]certRecord)
	d.latest = make(map[int]map[string]*nimble.Certificate)
	d.nReceipts = 0
	d.violations = nil
}
