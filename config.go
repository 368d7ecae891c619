package nimble

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirZayers/Nimble/storage"
)

// WitnessConfig holds the configuration for a Witness.
type WitnessConfig struct {
	// Key is the witness signing key. Its scheme must match the views the
	// witness follows.
	Key PrivateKey

	// Genesis is the epoch-0 view. Required on first start; on restart the
	// stored view ledger is used and Genesis, if set, must match it.
	Genesis *View

	// Store persists chains and the view ledger. Defaults to memory.
	Store storage.Store

	// MinRetainedFraction is the share of current members a view must keep
	// for this witness to endorse it. Default 0.5.
	MinRetainedFraction float64

	// Logger for structured logging.
	Logger *zap.Logger
}

// WitnessOption is a functional option for configuring a Witness.
type WitnessOption func(*WitnessConfig) error

// NewWitnessConfig creates a WitnessConfig with the given options.
func NewWitnessConfig(opts ...WitnessOption) (*WitnessConfig, error) {
	cfg := &WitnessConfig{
		MinRetainedFraction: 0.5,
		Logger:              zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	return cfg, nil
}

func (c *WitnessConfig) validate() error {
	if c.Key == nil {
		return wrapConfig("private key is required")
	}
	if c.MinRetainedFraction < 0 || c.MinRetainedFraction > 1 {
		return wrapConfigf("min retained fraction %.2f not in [0,1]", c.MinRetainedFraction)
	}
	if c.Genesis != nil {
		if err := c.Genesis.Validate(); err != nil {
			return wrapConfigf("genesis: %v", err)
		}
		if c.Genesis.Epoch != 0 {
			return wrapConfigf("genesis epoch is %d, want 0", c.Genesis.Epoch)
		}
		if c.Genesis.Scheme != c.Key.Scheme() {
			return wrapConfigf("key scheme %s does not match view scheme %s", c.Key.Scheme(), c.Genesis.Scheme)
		}
	}
	return nil
}

// WithKey sets the witness signing key.
func WithKey(key PrivateKey) WitnessOption {
	return func(c *WitnessConfig) error {
		if key == nil {
			return fmt.Errorf("private key cannot be nil")
		}
		c.Key = key
		return nil
	}
}

// WithGenesis sets the genesis view.
func WithGenesis(view *View) WitnessOption {
	return func(c *WitnessConfig) error {
		if view == nil {
			return fmt.Errorf("genesis view cannot be nil")
		}
		c.Genesis = view
		return nil
	}
}

// WithStore sets the witness storage backend.
func WithStore(store storage.Store) WitnessOption {
	return func(c *WitnessConfig) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		c.Store = store
		return nil
	}
}

// WithEndorseFloor sets the share of current members a view must keep
// for the witness to endorse it.
func WithEndorseFloor(f float64) WitnessOption {
	return func(c *WitnessConfig) error {
		c.MinRetainedFraction = f
		return nil
	}
}

// WithWitnessLogger sets the witness logger.
func WithWitnessLogger(logger *zap.Logger) WitnessOption {
	return func(c *WitnessConfig) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// Dialer returns the Endorser that reaches a view member.
type Dialer func(m Member) (Endorser, error)

// StaticDialer resolves members from a fixed table, for in-process clusters.
func StaticDialer(endorsers map[WitnessID]Endorser) Dialer {
	return func(m Member) (Endorser, error) {
		e, ok := endorsers[m.ID]
		if !ok {
			return nil, fmt.Errorf("no endorser for %s", m.ID)
		}
		return e, nil
	}
}

// OrchestratorConfig holds the configuration for an Orchestrator.
type OrchestratorConfig struct {
	// Genesis is the epoch-0 view. If the store already holds view
	// history, the latest stored view is used instead.
	Genesis *View

	// Dialer connects to view members.
	Dialer Dialer

	// Store keeps certified blocks for catch-up and the view history.
	// Defaults to memory.
	Store storage.Store

	// Logger for structured logging.
	Logger *zap.Logger

	// RoundTimeout bounds one fan-out round.
	// Default: 2s
	RoundTimeout time.Duration

	// MaxRetries bounds refresh-and-retry cycles after stale heights or
	// view changes during one AppendLedger call.
	// Default: 3
	MaxRetries int

	// MinRetainedFraction is the share of current members a proposed view
	// must keep. Proposals below it are rejected before any witness sees them.
	// Default: 0.5
	MinRetainedFraction float64

	// DirectoryCacheSize is the number of ledgers whose last certified
	// position is cached.
	// Default: 4096
	DirectoryCacheSize int
}

// OrchestratorOption is a functional option for configuring an Orchestrator.
type OrchestratorOption func(*OrchestratorConfig) error

// NewOrchestratorConfig creates an OrchestratorConfig with the given options.
func NewOrchestratorConfig(opts ...OrchestratorOption) (*OrchestratorConfig, error) {
	cfg := &OrchestratorConfig{
		Logger:              zap.NewNop(),
		RoundTimeout:        2 * time.Second,
		MaxRetries:          3,
		MinRetainedFraction: 0.5,
		DirectoryCacheSize:  4096,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	return cfg, nil
}

func (c *OrchestratorConfig) validate() error {
	if c.Genesis == nil {
		return wrapConfig("genesis view is required")
	}
	if err := c.Genesis.Validate(); err != nil {
		return wrapConfigf("genesis: %v", err)
	}
	if c.Dialer == nil {
		return wrapConfig("dialer is required")
	}
	if c.RoundTimeout <= 0 {
		return wrapConfig("round timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return wrapConfig("max retries must be non-negative")
	}
	if c.MinRetainedFraction < 0 || c.MinRetainedFraction > 1 {
		return wrapConfigf("min retained fraction %.2f not in [0,1]", c.MinRetainedFraction)
	}
	if c.DirectoryCacheSize <= 0 {
		return wrapConfig("directory cache size must be positive")
	}
	return nil
}

// WithOrchestratorGenesis sets the genesis view.
func WithOrchestratorGenesis(view *View) OrchestratorOption {
	return func(c *OrchestratorConfig) error {
		if view == nil {
			return fmt.Errorf("genesis view cannot be nil")
		}
		c.Genesis = view
		return nil
	}
}

// WithDialer sets how members are reached.
func WithDialer(d Dialer) OrchestratorOption {
	return func(c *OrchestratorConfig) error {
		if d == nil {
			return fmt.Errorf("dialer cannot be nil")
		}
		c.Dialer = d
		return nil
	}
}

// WithEndorsers is WithDialer(StaticDialer(endorsers)).
func WithEndorsers(endorsers map[WitnessID]Endorser) OrchestratorOption {
	return WithDialer(StaticDialer(endorsers))
}

// WithOrchestratorStore sets the orchestrator storage backend.
func WithOrchestratorStore(store storage.Store) OrchestratorOption {
	return func(c *OrchestratorConfig) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		c.Store = store
		return nil
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) OrchestratorOption {
	return func(c *OrchestratorConfig) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithRoundTimeout sets the per-round deadline.
func WithRoundTimeout(d time.Duration) OrchestratorOption {
	return func(c *OrchestratorConfig) error {
		c.RoundTimeout = d
		return nil
	}
}

// WithMaxRetries sets the retry bound for appends.
func WithMaxRetries(n int) OrchestratorOption {
	return func(c *OrchestratorConfig) error {
		c.MaxRetries = n
		return nil
	}
}

// WithMinRetainedFraction sets the reconfiguration floor.
func WithMinRetainedFraction(f float64) OrchestratorOption {
	return func(c *OrchestratorConfig) error {
		c.MinRetainedFraction = f
		return nil
	}
}

// WithDirectoryCacheSize sets the number of cached ledger positions.
func WithDirectoryCacheSize(n int) OrchestratorOption {
	return func(c *OrchestratorConfig) error {
		c.DirectoryCacheSize = n
		return nil
	}
}
