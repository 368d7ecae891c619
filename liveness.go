package nimble

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SirZayers/Nimble/timer"
)

// MonitorConfig configures liveness probing of the active view.
//
// Every ProbeInterval the monitor sends each member a nonce-bound read of
// the view ledger. A member that fails FailureThreshold probes in a row is
// suspected. With AutoRemove set, suspects are proposed for removal through
// Reconfigure, which only completes if a quorum of the current view agrees.
type MonitorConfig struct {
	// ProbeInterval is the time between probe rounds.
	// Default: 10s
	ProbeInterval time.Duration

	// FailureThreshold is the number of consecutive failed probes after
	// which a witness is suspected.
	// Default: 3
	FailureThreshold int

	// AutoRemove proposes a view without the suspects.
	// Default: false
	AutoRemove bool

	// Timer schedules probe rounds. Tests pass a timer.MockTimer.
	// Default: timer.NewRealTimer()
	Timer timer.Timer

	// OnSuspect is called once when a witness becomes suspected.
	OnSuspect func(id WitnessID, failures int)
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ProbeInterval:    10 * time.Second,
		FailureThreshold: 3,
	}
}

// Validate checks that the configuration values are sensible.
func (c MonitorConfig) Validate() error {
	if c.ProbeInterval <= 0 {
		return wrapConfig("probe interval must be positive")
	}
	if c.FailureThreshold < 1 {
		return wrapConfig("failure threshold must be at least 1")
	}
	return nil
}

// PingAll probes every member of the active view with a fresh nonce and
// returns each member's outcome; nil means the member answered with a
// valid receipt for the current view ledger position.
func (o *Orchestrator) PingAll(ctx context.Context) map[WitnessID]error {
	s := o.snapshot()

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		out := make(map[WitnessID]error, s.view.Size())
		for _, id := range s.view.IDs() {
			out[id] = wrapInternal(err)
		}
		return out
	}

	ids := s.view.IDs()
	replies := broadcast(ctx, s, ids, o.cfg.RoundTimeout, func(ctx context.Context, e Endorser) (*Receipt, error) {
		return e.ReadLatest(ctx, ViewLedgerHandle, nonce)
	})

	out := make(map[WitnessID]error, len(ids))
	for _, id := range ids {
		out[id] = fmt.Errorf("%w: no answer within %s", ErrQuorumUnavailable, o.cfg.RoundTimeout)
	}
	for _, rep := range replies {
		out[rep.id] = checkProbe(s.view, rep, nonce)
	}
	return out
}

func checkProbe(view *View, rep reply, nonce []byte) error {
	if rep.err != nil {
		return rep.err
	}
	r := rep.receipt
	switch {
	case r == nil:
		return wrapInvalidMessage("empty probe answer")
	case r.Witness != rep.id:
		return wrapInvalidMessagef("probe answered by %s", r.Witness)
	case !r.Handle.IsViewLedger() || !bytes.Equal(r.Nonce, nonce):
		return wrapInvalidMessage("probe answer is not bound to the probe")
	case r.View != view.Epoch || r.Height != view.Epoch:
		return fmt.Errorf("%w: witness at epoch %d, view at %d", ErrViewMismatch, r.View, view.Epoch)
	case !counts(view, r):
		return wrapInvalidMessage("bad probe signature")
	}
	return nil
}

// Monitor tracks witness liveness for an Orchestrator.
type Monitor struct {
	o      *Orchestrator
	config MonitorConfig
	timer  timer.Timer
	logger *zap.Logger

	mu        sync.Mutex
	failures  map[WitnessID]int
	suspected map[WitnessID]bool

	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewMonitor creates a stopped monitor for o.
func NewMonitor(o *Orchestrator, config MonitorConfig) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	t := config.Timer
	if t == nil {
		t = timer.NewRealTimer()
	}
	return &Monitor{
		o:         o,
		config:    config,
		timer:     t,
		logger:    o.logger.Named("monitor"),
		failures:  make(map[WitnessID]int),
		suspected: make(map[WitnessID]bool),
	}, nil
}

// Start begins periodic probing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	m.logger.Debug("monitor started", zap.Duration("interval", m.config.ProbeInterval))
	m.timer.Start(m.config.ProbeInterval)
	go m.run(m.stop, m.done)
}

// Stop ends probing and waits for an in-flight round to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.timer.Stop()
	m.logger.Debug("monitor stopped")
}

func (m *Monitor) run(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-m.timer.C():
			ctx, cancel := context.WithCancel(context.Background())
			finished := make(chan struct{})
			go func() {
				select {
				case <-stop:
					cancel()
				case <-finished:
				}
			}()
			m.Probe(ctx)
			close(finished)
			cancel()
			m.timer.Start(m.config.ProbeInterval)
		}
	}
}

// Probe runs one probe round, updates failure counts and acts on new
// suspects. It returns the round's outcome per member.
func (m *Monitor) Probe(ctx context.Context) map[WitnessID]error {
	results := m.o.PingAll(ctx)

	m.mu.Lock()
	var fresh []WitnessID
	for id, err := range results {
		if err == nil {
			if m.suspected[id] {
				m.logger.Info("witness recovered", zap.Stringer("witness", id))
			}
			delete(m.failures, id)
			delete(m.suspected, id)
			continue
		}
		m.failures[id]++
		m.logger.Debug("probe failed",
			zap.Stringer("witness", id),
			zap.Int("consecutive_failures", m.failures[id]),
			zap.Error(err))
		if m.failures[id] >= m.config.FailureThreshold && !m.suspected[id] {
			m.suspected[id] = true
			fresh = append(fresh, id)
		}
	}
	// Members that left the view are no longer tracked.
	view := m.o.View()
	for id := range m.failures {
		if !view.Contains(id) {
			delete(m.failures, id)
			delete(m.suspected, id)
		}
	}
	failures := make(map[WitnessID]int, len(fresh))
	for _, id := range fresh {
		failures[id] = m.failures[id]
	}
	suspects := m.suspectList()
	m.mu.Unlock()

	for _, id := range fresh {
		m.logger.Warn("witness suspected",
			zap.Stringer("witness", id),
			zap.Int("consecutive_failures", failures[id]))
		if m.config.OnSuspect != nil {
			m.config.OnSuspect(id, failures[id])
		}
	}
	if len(fresh) > 0 && m.config.AutoRemove {
		m.removeSuspects(ctx, suspects)
	}
	return results
}

func (m *Monitor) removeSuspects(ctx context.Context, suspects []WitnessID) {
	view := m.o.View()
	drop := make(map[WitnessID]bool, len(suspects))
	for _, id := range suspects {
		drop[id] = true
	}
	var keep []Member
	for _, mem := range view.Members {
		if !drop[mem.ID] {
			keep = append(keep, mem)
		}
	}
	if len(keep) == 0 || len(keep) == view.Size() {
		return
	}

	rec, err := m.o.Reconfigure(ctx, keep, 0)
	if err != nil {
		m.logger.Warn("removal of suspects failed",
			zap.Int("suspects", len(suspects)),
			zap.Error(err))
		return
	}
	m.logger.Info("suspects removed",
		zap.Int("suspects", len(suspects)),
		zap.Uint64("epoch", rec.View.Epoch))
}

// TimeoutMap returns the consecutive probe failures of every member that
// failed its last probe.
func (m *Monitor) TimeoutMap() map[WitnessID]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[WitnessID]int, len(m.failures))
	for id, n := range m.failures {
		out[id] = n
	}
	return out
}

// Suspected returns the suspected witnesses in id order.
func (m *Monitor) Suspected() []WitnessID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspectList()
}

func (m *Monitor) suspectList() []WitnessID {
	out := make([]WitnessID, 0, len(m.suspected))
	for id := range m.suspected {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return witnessIDLess(out[i], out[j]) })
	return out
}
