// Package nodeconfig reads the TOML files of the witness and coordinator
// binaries and turns them into library options.
package nodeconfig

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	nimble "github.com/SirZayers/Nimble"
	"github.com/SirZayers/Nimble/storage"
)

// ErrInvalid is returned for malformed configuration files.
var ErrInvalid = errors.New("invalid node configuration")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Duration is a time.Duration written as a string ("1.5s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Member is one [[genesis.member]] entry.
type Member struct {
	PublicKey string `toml:"public_key"`
	Endpoint  string `toml:"endpoint"`
}

// Genesis describes the epoch-0 view every node starts from.
type Genesis struct {
	Scheme    string   `toml:"scheme"`
	Quorum    int      `toml:"quorum"`
	MaxFaulty int      `toml:"max_faulty"`
	Members   []Member `toml:"member"`
}

// View builds and validates the genesis view.
func (g Genesis) View() (*nimble.View, error) {
	if g.Scheme == "" {
		return nil, invalidf("genesis scheme is required")
	}
	members := make([]nimble.Member, len(g.Members))
	for i, m := range g.Members {
		raw, err := hex.DecodeString(m.PublicKey)
		if err != nil {
			return nil, invalidf("member %d public key: %v", i, err)
		}
		pk, err := nimble.PublicKeyFromBytes(g.Scheme, raw)
		if err != nil {
			return nil, invalidf("member %d public key: %v", i, err)
		}
		members[i] = nimble.NewMember(pk, m.Endpoint)
	}
	quorum := g.Quorum
	if quorum == 0 {
		quorum = nimble.DefaultQuorum(len(members))
	}
	v := &nimble.View{
		Scheme:    g.Scheme,
		Members:   members,
		Quorum:    quorum,
		MaxFaulty: g.MaxFaulty,
	}
	if err := v.Validate(); err != nil {
		return nil, invalidf("genesis: %v", err)
	}
	return v, nil
}

// Store selects a storage backend.
type Store struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// Open opens the configured backend, memory by default.
func (s Store) Open() (storage.Store, error) {
	backend := s.Backend
	if backend == "" {
		backend = storage.BackendMemory
	}
	return storage.Open(backend, s.Path)
}

// Witness is the configuration of cmd/witness.
type Witness struct {
	Listen              string   `toml:"listen"`
	KeyFile             string   `toml:"key_file"`
	RequestTimeout      Duration `toml:"request_timeout"`
	MinRetainedFraction float64  `toml:"min_retained_fraction"`
	Store               Store    `toml:"store"`
	Genesis             Genesis  `toml:"genesis"`
}

// Monitor configures liveness probing on the coordinator.
type Monitor struct {
	Enabled          bool     `toml:"enabled"`
	ProbeInterval    Duration `toml:"probe_interval"`
	FailureThreshold int      `toml:"failure_threshold"`
	AutoRemove       bool     `toml:"auto_remove"`
}

// Coordinator is the configuration of cmd/coordinator.
type Coordinator struct {
	Listen              string   `toml:"listen"`
	RoundTimeout        Duration `toml:"round_timeout"`
	OperationTimeout    Duration `toml:"operation_timeout"`
	MaxRetries          int      `toml:"max_retries"`
	MinRetainedFraction float64  `toml:"min_retained_fraction"`
	DirectoryCacheSize  int      `toml:"directory_cache_size"`
	Store               Store    `toml:"store"`
	Monitor             Monitor  `toml:"monitor"`
	Genesis             Genesis  `toml:"genesis"`
}

func decode(data string, v any) error {
	md, err := toml.Decode(data, v)
	if err != nil {
		return invalidf("%v", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return invalidf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseWitness decodes and validates a witness configuration.
func ParseWitness(data string) (*Witness, error) {
	cfg := &Witness{
		Listen:              ":7000",
		RequestTimeout:      Duration{10 * time.Second},
		MinRetainedFraction: 0.5,
	}
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	if cfg.KeyFile == "" {
		return nil, invalidf("key_file is required")
	}
	if cfg.RequestTimeout.Duration <= 0 {
		return nil, invalidf("request_timeout must be positive")
	}
	if cfg.MinRetainedFraction < 0 || cfg.MinRetainedFraction > 1 {
		return nil, invalidf("min_retained_fraction %.2f not in [0,1]", cfg.MinRetainedFraction)
	}
	return cfg, nil
}

// GenesisView returns the configured genesis, or nil when the file names
// none and the witness restarts from its stored view ledger.
func (c *Witness) GenesisView() (*nimble.View, error) {
	if len(c.Genesis.Members) == 0 && c.Genesis.Scheme == "" {
		return nil, nil
	}
	return c.Genesis.View()
}

// LoadWitness reads a witness configuration file.
func LoadWitness(path string) (*Witness, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWitness(data)
}

// ParseCoordinator decodes and validates a coordinator configuration.
// Unset values take the library defaults.
func ParseCoordinator(data string) (*Coordinator, error) {
	def := nimble.DefaultMonitorConfig()
	cfg := &Coordinator{
		Listen:              ":8000",
		RoundTimeout:        Duration{2 * time.Second},
		OperationTimeout:    Duration{30 * time.Second},
		MaxRetries:          3,
		MinRetainedFraction: 0.5,
		DirectoryCacheSize:  4096,
		Monitor: Monitor{
			ProbeInterval:    Duration{def.ProbeInterval},
			FailureThreshold: def.FailureThreshold,
		},
	}
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	if len(cfg.Genesis.Members) == 0 {
		return nil, invalidf("genesis needs at least one member")
	}
	if cfg.OperationTimeout.Duration <= 0 {
		return nil, invalidf("operation_timeout must be positive")
	}
	if cfg.Monitor.Enabled {
		if err := cfg.MonitorConfig().Validate(); err != nil {
			return nil, invalidf("monitor: %v", err)
		}
	}
	return cfg, nil
}

// LoadCoordinator reads a coordinator configuration file.
func LoadCoordinator(path string) (*Coordinator, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCoordinator(data)
}

// OrchestratorOptions returns the options the file sets. The caller adds
// the genesis, dialer, store and logger.
func (c *Coordinator) OrchestratorOptions() []nimble.OrchestratorOption {
	return []nimble.OrchestratorOption{
		nimble.WithRoundTimeout(c.RoundTimeout.Duration),
		nimble.WithMaxRetries(c.MaxRetries),
		nimble.WithMinRetainedFraction(c.MinRetainedFraction),
		nimble.WithDirectoryCacheSize(c.DirectoryCacheSize),
	}
}

// MonitorConfig returns the liveness monitor settings.
func (c *Coordinator) MonitorConfig() nimble.MonitorConfig {
	return nimble.MonitorConfig{
		ProbeInterval:    c.Monitor.ProbeInterval.Duration,
		FailureThreshold: c.Monitor.FailureThreshold,
		AutoRemove:       c.Monitor.AutoRemove,
	}
}

// NewLogger returns the production logger, or a development logger when
// debug is set.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
