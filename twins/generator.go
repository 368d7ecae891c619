package twins

import (
	"math/rand"
)

// GeneratorConfig configures scenario generation.
type GeneratorConfig struct {
	// MinReplicas is the minimum number of honest witnesses
	MinReplicas int

	// MaxReplicas is the maximum number of honest witnesses
	MaxReplicas int

	// MaxTwins is the maximum number of twin pairs
	MaxTwins int

	// MinRounds is the minimum number of rounds to run
	MinRounds int

	// MaxRounds is the maximum number of rounds to run
	MaxRounds int

	// IncludePartitions enables partitioned scenarios
	IncludePartitions bool

	// Unsafe allows views that tolerate fewer faults than they have twins.
	Unsafe bool

	// Seed for reproducible generation (0 = random)
	Seed int64
}

// DefaultGeneratorConfig returns the default generator configuration.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MinReplicas:       3,
		MaxReplicas:       6,
		MaxTwins:          2,
		MinRounds:         2,
		MaxRounds:         5,
		IncludePartitions: true,
	}
}

// Generator generates random test scenarios.
type Generator struct {
	config GeneratorConfig
	rng    *rand.Rand
}

// NewGenerator creates a new scenario generator.
func NewGenerator(config GeneratorConfig) *Generator {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	return &Generator{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Generate generates a single random scenario.
func (g *Generator) Generate() Scenario {
	replicas := g.config.MinReplicas + g.rng.Intn(g.config.MaxReplicas-g.config.MinReplicas+1)
	twins := g.rng.Intn(g.config.MaxTwins + 1)

	faulty := twins
	if g.config.Unsafe && faulty > 0 {
		faulty = g.rng.Intn(twins)
	}

	behaviors := []Behavior{BehaviorHonest, BehaviorSplit, BehaviorSilent, BehaviorAmnesia}
	behavior := behaviors[g.rng.Intn(len(behaviors))]
	if twins == 0 {
		behavior = BehaviorHonest
	}

	s := Scenario{
		Replicas: replicas,
		Twins:    twins,
		Faulty:   faulty,
		Rounds:   g.config.MinRounds + g.rng.Intn(g.config.MaxRounds-g.config.MinRounds+1),
		Behavior: behavior,
	}
	// Shrink the fault budget until a quorum exists.
	for s.Faulty > 0 && s.Quorum() > s.Size() {
		s.Faulty--
	}

	if g.config.IncludePartitions && g.rng.Float64() < 0.3 {
		s.Partitions = g.generatePartitions(s.Size())
	}
	return s
}

// GenerateN generates n random scenarios.
func (g *Generator) GenerateN(n int) []Scenario {
	scenarios := make([]Scenario, n)
	for i := 0; i < n; i++ {
		scenarios[i] = g.Generate()
	}
	return scenarios
}

// generatePartitions cuts each side off from one random node.
func (g *Generator) generatePartitions(size int) []Partition {
	if size < 2 {
		return nil
	}
	parts := make([]Partition, Sides)
	for side := range parts {
		cut := g.rng.Intn(size)
		for i := 0; i < size; i++ {
			if i != cut {
				parts[side].Nodes = append(parts[side].Nodes, i)
			}
		}
	}
	return parts
}

// GenerateComprehensive returns the basic scenarios, edge cases and
// randomCount random safe scenarios.
func GenerateComprehensive(randomCount int) []Scenario {
	scenarios := GenerateBasicScenarios()

	scenarios = append(scenarios, []Scenario{
		// Smallest group.
		{Replicas: 1, Rounds: 2, Behavior: BehaviorHonest},

		// Largest fault budget a four member view allows.
		{Replicas: 2, Twins: 2, Faulty: 2, Rounds: 3, Behavior: BehaviorSplit},

		// Seven honest witnesses.
		{Replicas: 7, Rounds: 3, Behavior: BehaviorHonest},

		// Amnesia with two pairs.
		{Replicas: 5, Twins: 2, Faulty: 2, Rounds: 4, Behavior: BehaviorAmnesia},
	}...)

	gen := NewGenerator(DefaultGeneratorConfig())
	scenarios = append(scenarios, gen.GenerateN(randomCount)...)
	return scenarios
}
