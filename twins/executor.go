package twins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	nimble "github.com/SirZayers/Nimble"
	"github.com/SirZayers/Nimble/storage"
)

// Handle is the ledger every scenario contends on.
var Handle = nimble.Handle("twins-ledger")

// Genesis is the genesis block of Handle.
var Genesis = []byte("twins-genesis")

// Executor executes a twins scenario and detects safety violations.
type Executor struct {
	scenario Scenario
	logger   *zap.Logger
	timeout  time.Duration

	view     *nimble.View
	nodes    []*node
	network  *network
	detector *Detector
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger handed to witnesses and orchestrators.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithRoundTimeout sets the orchestrators' round timeout.
func WithRoundTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// NewExecutor creates the witnesses of a scenario. Twin pairs get one key
// and two independent memory stores.
func NewExecutor(scenario Scenario, opts ...ExecutorOption) (*Executor, error) {
	if err := ValidateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Scheme == "" {
		scenario.Scheme = nimble.SchemeEd25519
	}
	e := &Executor{
		scenario: scenario,
		logger:   zap.NewNop(),
		timeout:  time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}

	keys := make([]nimble.PrivateKey, scenario.Size())
	members := make([]nimble.Member, scenario.Size())
	for i := range keys {
		k, err := nimble.GenerateKey(scenario.Scheme)
		if err != nil {
			return nil, err
		}
		keys[i] = k
		members[i] = nimble.NewMember(k.Public(), fmt.Sprintf("twins://node-%d", i))
	}
	view := &nimble.View{
		Scheme:    scenario.Scheme,
		Members:   members,
		Quorum:    scenario.Quorum(),
		MaxFaulty: scenario.Faulty,
	}
	if err := view.Validate(); err != nil {
		return nil, err
	}
	e.view = view
	e.detector = NewDetector(view)
	e.network = newNetwork(scenario, e.detector)

	for i, k := range keys {
		nd := &node{id: i, twin: IsTwin(i, scenario.Replicas)}
		copies := 1
		if nd.twin {
			copies = 2
		}
		for c := 0; c < copies; c++ {
			w, err := e.startWitness(k)
			if err != nil {
				return nil, err
			}
			nd.members[c] = w
		}
		e.nodes = append(e.nodes, nd)
	}
	return e, nil
}

func (e *Executor) startWitness(key nimble.PrivateKey) (*nimble.Witness, error) {
	cfg, err := nimble.NewWitnessConfig(
		nimble.WithKey(key),
		nimble.WithGenesis(e.view),
		nimble.WithStore(storage.NewMemoryStore()),
		nimble.WithWitnessLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}
	return nimble.NewWitness(cfg)
}

// View returns the scenario's view.
func (e *Executor) View() *nimble.View {
	return e.view
}

// Detector returns the executor's detector.
func (e *Executor) Detector() *Detector {
	return e.detector
}

func (e *Executor) dialer(side int) nimble.Dialer {
	byID := make(map[nimble.WitnessID]*node, len(e.nodes))
	for i, m := range e.view.Members {
		byID[m.ID] = e.nodes[i]
	}
	return func(m nimble.Member) (nimble.Endorser, error) {
		nd, ok := byID[m.ID]
		if !ok {
			return nil, fmt.Errorf("unknown member %s", m.ID)
		}
		return &endorser{net: e.network, side: side, node: nd}, nil
	}
}

func (e *Executor) orchestrator(side int) (*nimble.Orchestrator, error) {
	cfg, err := nimble.NewOrchestratorConfig(
		nimble.WithOrchestratorGenesis(e.view),
		nimble.WithDialer(e.dialer(side)),
		nimble.WithLogger(e.logger.With(zap.Int("side", side))),
		nimble.WithRoundTimeout(e.timeout),
		nimble.WithMaxRetries(2),
	)
	if err != nil {
		return nil, err
	}
	return nimble.NewOrchestrator(cfg)
}

// Run executes the scenario. Each side creates Handle, then the sides
// take turns appending a block of their own and reading the tail back.
func (e *Executor) Run(ctx context.Context) Result {
	res := Result{Scenario: e.scenario}

	var sides [Sides]*nimble.Orchestrator
	for i := range sides {
		o, err := e.orchestrator(i)
		if err != nil {
			res.Violations = []Violation{{
				Type:        ViolationNone,
				Description: fmt.Sprintf("failed to start side %d: %v", i, err),
				Side:        i,
				Node:        -1,
			}}
			return res
		}
		sides[i] = o
	}

	outcome := func(side int, cert *nimble.Certificate, err error) {
		if err != nil {
			res.FailedOperations++
			if nimble.IsSafetyViolation(err) {
				res.Refusals++
			}
			e.logger.Debug("operation failed", zap.Int("side", side), zap.Error(err))
			return
		}
		res.Certificates++
		e.detector.RecordCertificate(side, cert)
	}

	for side, o := range sides {
		cert, err := o.CreateLedger(ctx, Handle, Genesis)
		outcome(side, cert, err)
	}

	for round := 0; round < e.scenario.Rounds; round++ {
		if e.scenario.Behavior == BehaviorAmnesia && round == e.scenario.Rounds/2 {
			e.network.switched.Store(true)
		}
		for side, o := range sides {
			block := []byte(fmt.Sprintf("side-%d-round-%d", side, round))
			cert, err := o.AppendLedger(ctx, Handle, block)
			outcome(side, cert, err)

			nonce := []byte(fmt.Sprintf("nonce-%d-%d", side, round))
			cert, err = o.ReadTail(ctx, Handle, nonce)
			outcome(side, cert, err)
		}
	}

	var closeErr error
	for _, o := range sides {
		closeErr = errors.Join(closeErr, o.Close())
	}
	if closeErr != nil {
		e.logger.Warn("closing orchestrators failed", zap.Error(closeErr))
	}
	e.network.inflight.Wait()

	res.Violations = e.detector.Violations()
	res.Receipts = e.detector.Receipts()
	res.Success = len(res.Violations) == 0
	return res
}

// Run builds and executes scenario with default options.
func Run(ctx context.Context, scenario Scenario) (Result, error) {
	e, err := NewExecutor(scenario)
	if err != nil {
		return Result{}, err
	}
	return e.Run(ctx), nil
}
