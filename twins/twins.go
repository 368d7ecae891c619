// Package twins implements Twins-style Byzantine testing for witness groups.
//
// A twin pair is two witnesses that share one signing key but keep
// separate state. Each pair counts as a single member of the view, so a
// pair that shows different histories to different orchestrators is an
// equivocating witness. Scenarios drive two orchestrators (sides) against
// the same ledger, optionally behind network partitions, and a Detector
// checks every signed receipt and certificate for safety violations.
//
// Based on "Twins: BFT Systems Made Robust" by Bano et al.
package twins

import (
	"fmt"

	nimble "github.com/SirZayers/Nimble"
)

// Sides is the number of orchestrators a scenario runs.
const Sides = 2

// Scenario defines a Byzantine testing scenario.
type Scenario struct {
	// Replicas is the number of honest witnesses.
	Replicas int

	// Twins is the number of twin pairs. Each pair is one view member.
	Twins int

	// Faulty is the MaxFaulty of the view. The view is sized so that any
	// two quorums share an honest member when Twins <= Faulty.
	Faulty int

	// Partitions lists, per side, the nodes that side can reach. A
	// missing or empty entry means the side reaches every node. Node IDs
	// are 0..Replicas-1 for honest witnesses and Replicas+i for pair i.
	Partitions []Partition

	// Rounds is the number of append-then-read rounds each side runs.
	Rounds int

	// Behavior of the twin pairs.
	Behavior Behavior

	// Scheme is the signature scheme; empty means Ed25519.
	Scheme string
}

// Partition is the set of nodes one side can reach.
type Partition struct {
	Nodes []int
}

// Behavior defines how twin pairs answer the two sides.
type Behavior int

const (
	// BehaviorHonest routes both sides to the same twin, so the pair acts
	// as one correct witness.
	BehaviorHonest Behavior = iota

	// BehaviorSplit routes each side to its own twin, so the pair signs
	// diverging histories for the same ledger.
	BehaviorSplit

	// BehaviorSilent makes every twin refuse to answer.
	BehaviorSilent

	// BehaviorAmnesia switches both sides to the second twin halfway
	// through the run, modelling a witness that lost its state.
	BehaviorAmnesia
)

func (b Behavior) String() string {
	switch b {
	case BehaviorHonest:
		return "Honest"
	case BehaviorSplit:
		return "Split"
	case BehaviorSilent:
		return "Silent"
	case BehaviorAmnesia:
		return "Amnesia"
	default:
		return "Unknown"
	}
}

// Size is the number of view members.
func (s Scenario) Size() int {
	return s.Replicas + s.Twins
}

// Safe reports whether the view tolerates the scenario's twins, in which
// case no fork or rollback may be certified.
func (s Scenario) Safe() bool {
	return s.Twins <= s.Faulty
}

// Quorum is the quorum of the scenario's view.
func (s Scenario) Quorum() int {
	return (s.Size()+s.Faulty)/2 + 1
}

func (s Scenario) String() string {
	return fmt.Sprintf("replicas=%d twins=%d faulty=%d rounds=%d partitions=%d behavior=%s",
		s.Replicas, s.Twins, s.Faulty, s.Rounds, len(s.Partitions), s.Behavior)
}

// Result represents the result of executing a scenario.
type Result struct {
	Scenario Scenario

	// Success is true when no violation was detected.
	Success bool

	Violations []Violation

	// Certificates is the number of certificates the sides obtained.
	Certificates int

	// FailedOperations counts orchestrator calls that returned an error.
	FailedOperations int

	// Refusals counts orchestrator calls that failed because the
	// orchestrator itself detected misbehavior.
	Refusals int

	// Receipts is the number of signed receipts witnesses returned.
	Receipts int
}

// Violation represents a detected safety violation.
type Violation struct {
	Type        ViolationType
	Description string

	// Side is the orchestrator that observed it, or -1.
	Side int

	// Node is the node that signed the offending receipt, or -1.
	Node int

	Handle nimble.Handle
	Height uint64

	Context map[string]any
}

// ViolationType categorizes safety violations.
type ViolationType int

const (
	ViolationNone ViolationType = iota

	// ViolationEquivocation: one witness key signed two tails for the same
	// ledger position in one view.
	ViolationEquivocation

	// ViolationFork: two valid certificates name different tails for the
	// same ledger position.
	ViolationFork

	// ViolationRollback: a side obtained a certificate older than one it
	// already held.
	ViolationRollback

	// ViolationInvalidCertificate: a side was handed a certificate that
	// does not validate under the view.
	ViolationInvalidCertificate
)

func (v ViolationType) String() string {
	switch v {
	case ViolationNone:
		return "None"
	case ViolationEquivocation:
		return "Equivocation"
	case ViolationFork:
		return "Fork"
	case ViolationRollback:
		return "Rollback"
	case ViolationInvalidCertificate:
		return "InvalidCertificate"
	default:
		return "Unknown"
	}
}

// Safety reports whether v breaks a guarantee the system gives to clients.
// Equivocation is misbehavior of a faulty witness, which safe views
// tolerate.
func (v ViolationType) Safety() bool {
	return v == ViolationFork || v == ViolationRollback || v == ViolationInvalidCertificate
}

// ValidateScenario checks if a scenario is valid.
func ValidateScenario(s Scenario) error {
	if s.Replicas < 0 || s.Twins < 0 || s.Faulty < 0 {
		return fmt.Errorf("counts must not be negative")
	}
	if s.Size() < 1 {
		return fmt.Errorf("scenario needs at least one witness")
	}
	if s.Rounds < 1 {
		return fmt.Errorf("rounds must be >= 1, got %d", s.Rounds)
	}
	if s.Quorum() > s.Size() {
		return fmt.Errorf("faulty=%d leaves no quorum among %d witnesses", s.Faulty, s.Size())
	}
	if len(s.Partitions) > Sides {
		return fmt.Errorf("at most %d partitions, got %d", Sides, len(s.Partitions))
	}
	for i, p := range s.Partitions {
		for _, node := range p.Nodes {
			if node < 0 || node >= s.Size() {
				return fmt.Errorf("partition %d references invalid node %d (nodes: %d)", i, node, s.Size())
			}
		}
	}
	switch s.Behavior {
	case BehaviorHonest, BehaviorSplit, BehaviorSilent, BehaviorAmnesia:
	default:
		return fmt.Errorf("unknown behavior %d", s.Behavior)
	}
	return nil
}

// IsTwin reports whether node is a twin pair.
func IsTwin(node, replicas int) bool {
	return node >= replicas
}

// GenerateBasicScenarios returns a fixed set of scenarios covering every
// behavior on safe views.
func GenerateBasicScenarios() []Scenario {
	return []Scenario{
		// Baseline: no twins.
		{Replicas: 4, Rounds: 3, Behavior: BehaviorHonest},

		// One pair acting as a single correct witness.
		{Replicas: 3, Twins: 1, Faulty: 1, Rounds: 3, Behavior: BehaviorHonest},

		// One pair showing each side its own history.
		{Replicas: 3, Twins: 1, Faulty: 1, Rounds: 3, Behavior: BehaviorSplit},

		// Split twins with each side cut off from one honest witness.
		{
			Replicas: 3, Twins: 1, Faulty: 1, Rounds: 3, Behavior: BehaviorSplit,
			Partitions: []Partition{
				{Nodes: []int{0, 1, 3}},
				{Nodes: []int{1, 2, 3}},
			},
		},

		// Silent twins.
		{Replicas: 3, Twins: 1, Faulty: 1, Rounds: 3, Behavior: BehaviorSilent},

		// A witness that loses its state halfway.
		{Replicas: 3, Twins: 1, Faulty: 1, Rounds: 4, Behavior: BehaviorAmnesia},

		// Two pairs in a seven member view.
		{Replicas: 5, Twins: 2, Faulty: 2, Rounds: 3, Behavior: BehaviorSplit},
	}
}
