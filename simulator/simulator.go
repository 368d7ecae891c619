// Package simulator runs a witness group under injected network faults and
// checks every certificate the coordinator hands out the way a client
// would: against the group identity and the last state it trusted.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	nimble "github.com/SirZayers/Nimble"
	"github.com/SirZayers/Nimble/storage"
)

// Level represents a simulation difficulty level.
type Level int

const (
	// LevelHappyPath - Perfect network, no faults
	LevelHappyPath Level = iota

	// LevelDegraded - Slow links and occasional loss
	LevelDegraded

	// LevelChaos - Heavy loss; the monitor removes witnesses it suspects
	LevelChaos
)

func (l Level) String() string {
	switch l {
	case LevelHappyPath:
		return "Happy Path"
	case LevelDegraded:
		return "Degraded Network"
	case LevelChaos:
		return "Chaos Mode"
	default:
		return "Unknown"
	}
}

// NodeStatus represents the status of a witness.
type NodeStatus string

const (
	NodeStatusActive      NodeStatus = "active"
	NodeStatusCrashed     NodeStatus = "crashed"
	NodeStatusPartitioned NodeStatus = "partitioned"
	NodeStatusRemoved     NodeStatus = "removed"
)

// NodeState is the observable state of one witness.
type NodeState struct {
	ID       int        `json:"id"`
	Witness  string     `json:"witness"`
	Status   NodeStatus `json:"status"`
	Mode     string     `json:"mode"`
	Height   uint64     `json:"height"`
	Timeouts int        `json:"timeouts"`
}

// Event represents a simulation event.
type Event struct {
	Time        uint64    `json:"time"`
	Type        EventType `json:"type"`
	NodeID      int       `json:"nodeId"`
	Ledger      int       `json:"ledger,omitempty"`
	Height      uint64    `json:"height,omitempty"`
	Epoch       uint64    `json:"epoch,omitempty"`
	Description string    `json:"description"`
}

// EventType categorizes events.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventAppend      EventType = "append"
	EventRead        EventType = "read"
	EventFailure     EventType = "failure"
	EventViolation   EventType = "violation"
	EventSuspect     EventType = "suspect"
	EventViewChange  EventType = "view_change"
	EventMessageDrop EventType = "message_drop"
	EventNodeCrash   EventType = "node_crash"
	EventNodeRecover EventType = "node_recover"
	EventPartition   EventType = "partition"
)

// Config holds simulator configuration.
type Config struct {
	Level Level

	// FaultTolerance is the number of crashed witnesses tolerated.
	FaultTolerance int

	// Ledgers is the number of ledgers written each step.
	Ledgers int

	Scheme       string
	Seed         int64
	RoundTimeout time.Duration

	// StepInterval is the pause between steps while running.
	StepInterval time.Duration

	// ProbeInterval is the monitor's probe period while running.
	ProbeInterval time.Duration

	// AutoRemove lets the monitor remove suspected witnesses. Always on
	// in LevelChaos.
	AutoRemove bool

	Logger *zap.Logger
}

// NodeCount returns the number of witnesses: a majority quorum survives
// FaultTolerance crashes when n = 2f + 1.
func (c Config) NodeCount() int {
	return 2*c.FaultTolerance + 1
}

// DefaultConfig returns the default simulator configuration.
func DefaultConfig() Config {
	return Config{
		Level:          LevelHappyPath,
		FaultTolerance: 1,
		Ledgers:        2,
		Scheme:         nimble.SchemeEd25519,
		Seed:           42,
		RoundTimeout:   500 * time.Millisecond,
		StepInterval:   100 * time.Millisecond,
		ProbeInterval:  250 * time.Millisecond,
	}
}

// MaxFaultTolerance is the maximum f value allowed (f=5 means 11 witnesses).
const MaxFaultTolerance = 5

const maxEvents = 1000

// Simulator is the main simulation engine.
type Simulator struct {
	mu sync.RWMutex

	config    Config
	nodeCount int
	clock     stopwatch
	network   *Network
	logger    *zap.Logger

	genesis   *nimble.View
	witnesses []*nimble.Witness
	members   []nimble.Member
	orch      *nimble.Orchestrator
	monitor   *nimble.Monitor
	verifier  *nimble.Verifier
	tracker   *nimble.Tracker

	stepMu  sync.Mutex
	handles []nimble.Handle
	round   int

	appends    int
	reads      int
	failures   int
	violations int

	events  []Event
	onEvent func(Event)

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// networkConfigForLevel returns the network configuration for a level.
func networkConfigForLevel(level Level) NetworkConfig {
	switch level {
	case LevelHappyPath:
		return NetworkConfig{MinLatency: time.Millisecond, MaxLatency: 5 * time.Millisecond}
	case LevelDegraded:
		return NetworkConfig{PacketLoss: 0.1, MinLatency: 5 * time.Millisecond, MaxLatency: 50 * time.Millisecond}
	case LevelChaos:
		return NetworkConfig{PacketLoss: 0.25, MinLatency: 20 * time.Millisecond, MaxLatency: 100 * time.Millisecond}
	default:
		return DefaultNetworkConfig()
	}
}

// New creates a simulator. Witnesses keep their state in memory stores.
func New(cfg Config) (*Simulator, error) {
	def := DefaultConfig()
	if cfg.FaultTolerance < 1 {
		cfg.FaultTolerance = 1
	}
	if cfg.FaultTolerance > MaxFaultTolerance {
		cfg.FaultTolerance = MaxFaultTolerance
	}
	if cfg.Ledgers < 1 {
		cfg.Ledgers = def.Ledgers
	}
	if cfg.Scheme == "" {
		cfg.Scheme = def.Scheme
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = def.RoundTimeout
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = def.StepInterval
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	n := cfg.NodeCount()
	s := &Simulator{
		config:    cfg,
		nodeCount: n,
		network:   NewNetwork(networkConfigForLevel(cfg.Level), cfg.Seed),
		logger:    logger,
		handles:   make([]nimble.Handle, cfg.Ledgers),
		events:    make([]Event, 0, maxEvents),
	}

	keys := make([]nimble.PrivateKey, n)
	s.members = make([]nimble.Member, n)
	for i := range keys {
		k, err := nimble.GenerateKey(cfg.Scheme)
		if err != nil {
			return nil, err
		}
		keys[i] = k
		s.members[i] = nimble.NewMember(k.Public(), fmt.Sprintf("sim://node-%d", i))
	}
	genesis, err := nimble.NewView(0, cfg.Scheme, s.members, 0)
	if err != nil {
		return nil, err
	}
	s.genesis = genesis

	for i, k := range keys {
		wcfg, err := nimble.NewWitnessConfig(
			nimble.WithKey(k),
			nimble.WithGenesis(genesis),
			nimble.WithStore(storage.NewMemoryStore()),
			nimble.WithWitnessLogger(logger.Named(fmt.Sprintf("node-%d", i))),
		)
		if err != nil {
			return nil, err
		}
		w, err := nimble.NewWitness(wcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create node %d: %w", i, err)
		}
		s.witnesses = append(s.witnesses, w)
	}

	s.network.SetOnDrop(func(node int, err error) {
		s.addEvent(Event{
			Type:        EventMessageDrop,
			NodeID:      node,
			Description: fmt.Sprintf("Call to node %d failed: %v", node, err),
		})
	})

	ocfg, err := nimble.NewOrchestratorConfig(
		nimble.WithOrchestratorGenesis(genesis),
		nimble.WithDialer(s.dialer()),
		nimble.WithLogger(logger.Named("coordinator")),
		nimble.WithRoundTimeout(cfg.RoundTimeout),
		nimble.WithMaxRetries(3),
	)
	if err != nil {
		return nil, err
	}
	if s.orch, err = nimble.NewOrchestrator(ocfg); err != nil {
		return nil, err
	}

	s.monitor, err = nimble.NewMonitor(s.orch, nimble.MonitorConfig{
		ProbeInterval:    cfg.ProbeInterval,
		FailureThreshold: 2,
		AutoRemove:       cfg.AutoRemove || cfg.Level == LevelChaos,
		OnSuspect: func(id nimble.WitnessID, failures int) {
			s.addEvent(Event{
				Type:        EventSuspect,
				NodeID:      s.nodeIndex(id),
				Description: fmt.Sprintf("Witness %s suspected after %d failed probes", id, failures),
			})
		},
	})
	if err != nil {
		return nil, err
	}

	if s.verifier, err = nimble.NewVerifier(genesis); err != nil {
		return nil, err
	}
	s.tracker = nimble.NewTracker(s.verifier)
	return s, nil
}

func (s *Simulator) dialer() nimble.Dialer {
	return func(m nimble.Member) (nimble.Endorser, error) {
		i := s.nodeIndex(m.ID)
		if i < 0 {
			return nil, fmt.Errorf("unknown member %s", m.ID)
		}
		return &endorser{node: i, inner: s.witnesses[i], network: s.network}, nil
	}
}

func (s *Simulator) nodeIndex(id nimble.WitnessID) int {
	for i, m := range s.members {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Orchestrator returns the simulated coordinator.
func (s *Simulator) Orchestrator() *nimble.Orchestrator { return s.orch }

// Monitor returns the coordinator's liveness monitor.
func (s *Simulator) Monitor() *nimble.Monitor { return s.monitor }

// Verifier returns the client-side verifier.
func (s *Simulator) Verifier() *nimble.Verifier { return s.verifier }

// Tracker returns the client-side freshness tracker.
func (s *Simulator) Tracker() *nimble.Tracker { return s.tracker }

// Network returns the fault-injecting network.
func (s *Simulator) Network() *Network { return s.network }

// Handles returns the ledgers created so far.
func (s *Simulator) Handles() []nimble.Handle {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	var out []nimble.Handle
	for _, h := range s.handles {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

// Step runs one round: every ledger gets one block appended and one
// nonce-bound read of its tail. Ledgers are created on first use. Each
// certificate is checked by the client tracker. Step returns the joined
// operation errors of the round.
func (s *Simulator) Step(ctx context.Context) error {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	round := s.round
	s.round++

	var errs error
	for i := range s.handles {
		if s.handles[i] == nil {
			h, cert, err := s.orch.NewLedger(ctx, []byte(fmt.Sprintf("ledger-%d", i)))
			if err != nil {
				errs = errors.Join(errs, s.fail(i, "create", err))
				continue
			}
			s.handles[i] = h
			s.check(i, cert, nil)
		}
		h := s.handles[i]

		cert, err := s.orch.AppendLedger(ctx, h, []byte(fmt.Sprintf("ledger-%d-round-%d", i, round)))
		if err != nil {
			errs = errors.Join(errs, s.fail(i, "append", err))
			continue
		}
		s.check(i, cert, nil)
		s.count(&s.appends)
		s.addEvent(Event{
			Type:        EventAppend,
			Ledger:      i,
			Height:      cert.Height,
			Description: fmt.Sprintf("Ledger %d appended at height %d", i, cert.Height),
		})

		nonce := []byte(fmt.Sprintf("nonce-%d-%d", i, round))
		cert, err = s.orch.ReadTail(ctx, h, nonce)
		if err != nil {
			errs = errors.Join(errs, s.fail(i, "read", err))
			continue
		}
		s.check(i, cert, nonce)
		s.count(&s.reads)
		s.addEvent(Event{
			Type:        EventRead,
			Ledger:      i,
			Height:      cert.Height,
			Description: fmt.Sprintf("Ledger %d read fresh at height %d", i, cert.Height),
		})
	}
	return errs
}

func (s *Simulator) count(c *int) {
	s.mu.Lock()
	*c++
	s.mu.Unlock()
}

func (s *Simulator) fail(ledger int, op string, err error) error {
	s.count(&s.failures)
	if nimble.IsSafetyViolation(err) {
		s.count(&s.violations)
		s.addEvent(Event{
			Type:        EventViolation,
			Ledger:      ledger,
			Description: fmt.Sprintf("Coordinator refused %s on ledger %d: %v", op, ledger, err),
		})
	} else {
		s.addEvent(Event{
			Type:        EventFailure,
			Ledger:      ledger,
			Description: fmt.Sprintf("%s on ledger %d failed: %v", op, ledger, err),
		})
	}
	return fmt.Errorf("ledger %d %s: %w", ledger, op, err)
}

// check accepts cert into the client tracker, syncing the view history
// first when cert comes from a view the client has not seen.
func (s *Simulator) check(ledger int, cert *nimble.Certificate, nonce []byte) {
	accept := func() error {
		if nonce != nil {
			return s.tracker.AcceptRead(cert, nonce)
		}
		return s.tracker.Accept(cert)
	}
	err := accept()
	if errors.Is(err, nimble.ErrStaleView) {
		before := s.verifier.CurrentView().Epoch
		if serr := s.verifier.Sync(s.orch.ViewHistory()); serr != nil {
			err = serr
		} else {
			if epoch := s.verifier.CurrentView().Epoch; epoch != before {
				s.addEvent(Event{
					Type:        EventViewChange,
					Epoch:       epoch,
					Description: fmt.Sprintf("Client moved to view %d", epoch),
				})
			}
			err = accept()
		}
	}
	if err != nil {
		s.count(&s.violations)
		s.logger.Error("certificate rejected by client", zap.Int("ledger", ledger), zap.Error(err))
		s.addEvent(Event{
			Type:        EventViolation,
			Ledger:      ledger,
			Height:      cert.Height,
			Description: fmt.Sprintf("Client rejected certificate for ledger %d: %v", ledger, err),
		})
	}
}

// Probe runs one liveness round of the monitor.
func (s *Simulator) Probe(ctx context.Context) map[nimble.WitnessID]error {
	before := s.orch.View().Epoch
	res := s.monitor.Probe(ctx)
	if epoch := s.orch.View().Epoch; epoch != before {
		s.addEvent(Event{
			Type:        EventViewChange,
			Epoch:       epoch,
			Description: fmt.Sprintf("Suspects removed, view %d active", epoch),
		})
	}
	return res
}

// RemoveNode reconfigures the group without node.
func (s *Simulator) RemoveNode(ctx context.Context, node int) (*nimble.ViewRecord, error) {
	if node < 0 || node >= s.nodeCount {
		return nil, fmt.Errorf("invalid node ID: %d", node)
	}
	id := s.members[node].ID
	var keep []nimble.Member
	for _, m := range s.orch.View().Members {
		if m.ID != id {
			keep = append(keep, m)
		}
	}
	rec, err := s.orch.Reconfigure(ctx, keep, 0)
	if err != nil {
		return nil, err
	}
	s.addEvent(Event{
		Type:        EventViewChange,
		NodeID:      node,
		Epoch:       rec.View.Epoch,
		Description: fmt.Sprintf("Node %d removed, view %d active", node, rec.View.Epoch),
	})
	return rec, nil
}

// Start runs steps and liveness probes in the background.
func (s *Simulator) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("simulation already running")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	s.clock.start()
	s.monitor.Start()
	go s.run(stop, done)

	s.addEvent(Event{
		Type:        EventStart,
		Description: fmt.Sprintf("Simulation started with %d witnesses at level %s", s.nodeCount, s.config.Level),
	})
	return nil
}

func (s *Simulator) run(stop, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-done:
		}
	}()

	ticker := time.NewTicker(s.config.StepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Step(ctx); err != nil {
				s.logger.Debug("step incomplete", zap.Error(err))
			}
		}
	}
}

// Stop stops the simulation.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.monitor.Stop()
	s.clock.stop()

	s.addEvent(Event{
		Type:        EventStop,
		Description: "Simulation stopped",
	})
}

// IsRunning returns true if the simulation is running.
func (s *Simulator) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Close stops the simulation and releases the coordinator and witnesses.
func (s *Simulator) Close() error {
	s.Stop()
	err := s.orch.Close()
	for _, w := range s.witnesses {
		err = errors.Join(err, w.Close())
	}
	return err
}

// CrashNode makes node unreachable. Its state survives for recovery.
func (s *Simulator) CrashNode(node int) error {
	if node < 0 || node >= s.nodeCount {
		return fmt.Errorf("invalid node ID: %d", node)
	}
	s.network.CrashNode(node)
	s.addEvent(Event{
		Type:        EventNodeCrash,
		NodeID:      node,
		Description: fmt.Sprintf("Node %d crashed", node),
	})
	return nil
}

// RecoverNode makes a crashed node reachable again.
func (s *Simulator) RecoverNode(node int) error {
	if node < 0 || node >= s.nodeCount {
		return fmt.Errorf("invalid node ID: %d", node)
	}
	s.network.RecoverNode(node)
	s.addEvent(Event{
		Type:        EventNodeRecover,
		NodeID:      node,
		Description: fmt.Sprintf("Node %d recovered", node),
	})
	return nil
}

// Isolate cuts nodes off from the coordinator, replacing earlier cuts.
func (s *Simulator) Isolate(nodes ...int) {
	s.network.SetPartitioned(nodes)
	s.addEvent(Event{
		Type:        EventPartition,
		Description: fmt.Sprintf("Nodes %v isolated", nodes),
	})
}

// HealAll recovers all crashed nodes and clears all partitions.
func (s *Simulator) HealAll() {
	s.network.ClearPartitions()
	for i := 0; i < s.nodeCount; i++ {
		s.network.RecoverNode(i)
	}
	s.addEvent(Event{
		Type:        EventNodeRecover,
		Description: "All nodes healed and partitions cleared",
	})
}

// State represents the full simulation state.
type State struct {
	SimTime    uint64       `json:"simTime"`
	Level      string       `json:"level"`
	Running    bool         `json:"running"`
	Epoch      uint64       `json:"epoch"`
	Quorum     int          `json:"quorum"`
	Nodes      []NodeState  `json:"nodes"`
	Appends    int          `json:"appends"`
	Reads      int          `json:"reads"`
	Failures   int          `json:"failures"`
	Violations int          `json:"violations"`
	Network    NetworkStats `json:"network"`
	Events     []Event      `json:"events"`
}

// GetState returns the current simulation state. Node heights are those
// of the first ledger as each witness stores it.
func (s *Simulator) GetState(ctx context.Context) State {
	view := s.orch.View()
	timeouts := s.monitor.TimeoutMap()
	handles := s.Handles()

	nodes := make([]NodeState, s.nodeCount)
	for i, w := range s.witnesses {
		id := s.members[i].ID
		st := NodeState{
			ID:       i,
			Witness:  id.String(),
			Status:   NodeStatusActive,
			Mode:     w.Mode().String(),
			Timeouts: timeouts[id],
		}
		switch {
		case !view.Contains(id):
			st.Status = NodeStatusRemoved
		case s.network.IsNodeCrashed(i):
			st.Status = NodeStatusCrashed
		case s.network.IsPartitioned(i):
			st.Status = NodeStatusPartitioned
		}
		if len(handles) > 0 {
			if r, err := w.ReadLatest(ctx, handles[0], nil); err == nil {
				st.Height = r.Height
			}
		}
		nodes[i] = st
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		SimTime:    s.clock.millis(),
		Level:      s.config.Level.String(),
		Running:    s.running,
		Epoch:      view.Epoch,
		Quorum:     view.Quorum,
		Nodes:      nodes,
		Appends:    s.appends,
		Reads:      s.reads,
		Failures:   s.failures,
		Violations: s.violations,
		Network:    s.network.Stats(),
		Events:     s.recentEvents(50),
	}
}

// SetOnEvent sets the callback for simulation events.
func (s *Simulator) SetOnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

func (s *Simulator) addEvent(e Event) {
	e.Time = s.clock.millis()
	s.mu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
	callback := s.onEvent
	s.mu.Unlock()

	if callback != nil {
		callback(e)
	}
}

func (s *Simulator) recentEvents(n int) []Event {
	if len(s.events) <= n {
		return append([]Event{}, s.events...)
	}
	return append([]Event{}, s.events[len(s.events)-n:]...)
}

// Events returns every recorded event of type t.
func (s *Simulator) Events(t EventType) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
