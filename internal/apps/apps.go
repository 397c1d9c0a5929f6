// Package apps holds the modules the runtime can load by name. A module
// builds the policy to install on the network from its arguments.
package apps

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"netpolicy/pkg/events"
	"netpolicy/pkg/network"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/virt"
)

var (
	// ErrUnknownModule is returned by Lookup for a name nobody registered.
	ErrUnknownModule = errors.New("unknown module")

	// ErrDuplicateModule is returned when registering a name twice.
	ErrDuplicateModule = errors.New("module already registered")

	// ErrBadArgument is returned for a module argument that does not parse.
	ErrBadArgument = errors.New("bad module argument")

	// ErrNoVirtualizer is returned by modules building virtual networks
	// in an environment without a virtualizer.
	ErrNoVirtualizer = errors.New("no virtualizer")
)

// Env is what a module gets from the runtime loading it.
type Env interface {
	Network() *network.Network
	Fields() *field.Registry
	Events() *events.Bus
	Virtualizer() *virt.Virtualizer
	Logger() *zap.Logger
}

// Module is a named policy builder.
type Module struct {
	Name        string
	Description string
	Build       func(env Env, args map[string]string) (policy.Policy, error)
}

var (
	mu      sync.RWMutex
	modules = make(map[string]Module)
)

// Register adds m to the modules that can be loaded.
func Register(m Module) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := modules[m.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m.Name)
	}
	modules[m.Name] = m
	return nil
}

// Lookup returns the module registered as name.
func Lookup(name string) (Module, error) {
	mu.RLock()
	defer mu.RUnlock()
	m, ok := modules[name]
	if !ok {
		return Module{}, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	return m, nil
}

// Names returns the registered module names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(modules))
	for name := range modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func init() {
	for _, m := range []Module{
		{Name: "hub", Description: "flood every packet along the spanning tree", Build: buildHub},
		{Name: "mac_learner", Description: "learn host locations, flood unknown destinations", Build: buildLearner},
		{Name: "firewall", Description: "mac_learner behind an IP whitelist (allow=<prefix>,...)", Build: buildFirewall},
		{Name: "monitor", Description: "hub that counts its traffic (interval=<duration>)", Build: buildMonitor},
		{Name: "auth", Description: "flood traffic of authenticated source addresses", Build: buildAuth},
		{Name: "bigswitch", Description: "hub on the network seen as one switch (vswitch=<dpid>)", Build: buildBigSwitch},
	} {
		if err := Register(m); err != nil {
			panic(err)
		}
	}
}

func uintArg(args map[string]string, name string, def uint64) (uint64, error) {
	s, ok := args[name]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrBadArgument, name, s, err)
	}
	return v, nil
}

func durationArg(args map[string]string, name string, def time.Duration) (time.Duration, error) {
	s, ok := args[name]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrBadArgument, name, s, err)
	}
	return d, nil
}
