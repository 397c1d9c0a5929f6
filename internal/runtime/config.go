package runtime

import (
	"fmt"
	"time"

	"netpolicy/pkg/events"
	"netpolicy/pkg/hsa/reach"
	"netpolicy/pkg/southbound"
	"netpolicy/pkg/stats"
	"netpolicy/pkg/store/etcd"
)

// Mode selects how the policy reaches the switches.
type Mode string

const (
	// ModeInterpreted sends every packet to the runtime.
	ModeInterpreted Mode = "interpreted"
	// ModeReactive0 installs an exact match flow for each packet the
	// runtime evaluated.
	ModeReactive0 Mode = "reactive0"
	// ModeProactive0 reinstalls the whole classifier on every change.
	ModeProactive0 Mode = "proactive0"
	// ModeProactive1 installs the difference to the installed classifier.
	ModeProactive1 Mode = "proactive1"
)

// Modes lists the recognized modes.
var Modes = []Mode{ModeInterpreted, ModeReactive0, ModeProactive0, ModeProactive1}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Proactive reports whether m compiles the policy into flow tables.
func (m Mode) Proactive() bool {
	return m == ModeProactive0 || m == ModeProactive1
}

// AdminConfig configures the admin endpoints. An empty address disables
// the endpoint.
type AdminConfig struct {
	GRPCAddr    string `mapstructure:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// CacheConfig configures the compile cache used with EnableCache.
type CacheConfig struct {
	Size int `mapstructure:"size"`
}

// OFClientConfig describes the OpenFlow client process launched unless
// FrontendOnly is set. An empty command launches nothing.
type OFClientConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// Config holds the runtime configuration.
type Config struct {
	Mode      string `mapstructure:"mode"`
	Verbosity string `mapstructure:"verbosity"`
	Pipeline  string `mapstructure:"pipeline"`

	NX           bool   `mapstructure:"nx"`
	Disjoint     bool   `mapstructure:"enable_disjoint"`
	Multitable   bool   `mapstructure:"enable_multitable"`
	Ragel        bool   `mapstructure:"enable_ragel"`
	EnableCache  bool   `mapstructure:"enable_cache"`
	Partition    bool   `mapstructure:"enable_partition"`
	UsePyretic   bool   `mapstructure:"use_pyretic"`
	WriteLog     string `mapstructure:"write_log"`
	FrontendOnly bool   `mapstructure:"frontend_only"`
	Profile      bool   `mapstructure:"enable_profile"`

	// EvalErrorTTL is how long an evaluation error stays silenced after it
	// was logged.
	EvalErrorTTL time.Duration `mapstructure:"eval_error_ttl"`

	Southbound southbound.Config `mapstructure:"southbound"`
	Events     events.Config     `mapstructure:"events"`
	Stats      stats.Config      `mapstructure:"stats"`
	Etcd       etcd.Config       `mapstructure:"etcd"`
	Admin      AdminConfig       `mapstructure:"admin"`
	Reach      reach.Config      `mapstructure:"reach"`
	Cache      CacheConfig       `mapstructure:"cache"`
	OFClient   OFClientConfig    `mapstructure:"ofclient"`
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		Mode:         string(ModeProactive1),
		Verbosity:    string(VerbosityNormal),
		Pipeline:     "default",
		UsePyretic:   true,
		EvalErrorTTL: 10 * time.Minute,
		Southbound:   southbound.DefaultConfig(),
		Events:       events.DefaultConfig(),
		Stats:        stats.DefaultConfig(),
		Etcd:         etcd.DefaultConfig(),
		Admin: AdminConfig{
			GRPCAddr:    ":50052",
			MetricsAddr: ":9102",
		},
		Reach: reach.DefaultConfig(),
		Cache: CacheConfig{Size: 1024},
	}
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	if _, err := ParseMode(c.Mode); err != nil {
		return err
	}
	if _, err := ParseVerbosity(c.Verbosity); err != nil {
		return err
	}
	return nil
}

// multitable reports whether flows go to the pipeline's forwarding table.
func (c Config) multitable() bool {
	return c.Multitable || c.NX
}
