package apps

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
	"netpolicy/pkg/policy/query"
)

type host struct {
	sw   field.Value
	mac  field.Value
	port field.Port
}

// learner forwards to hosts it has seen send, and floods the rest. What it
// learned is forgotten whenever the topology changes.
type learner struct {
	logger *zap.Logger
	flood  *policy.Dynamic
	fwd    *policy.Dynamic
	query  *query.Resetting

	mu    sync.Mutex
	hosts map[string]host
}

func newLearner(logger *zap.Logger) *learner {
	l := &learner{
		logger: logger.Named("mac_learner"),
		flood:  policy.Flood(),
		hosts:  make(map[string]host),
	}
	l.fwd = policy.NewDynamic("mac_learner", l.flood)
	l.fwd.OnNetwork(func(*policy.Dynamic, policy.NetworkView) { l.forget() })
	l.query = query.NewResetting(func() query.Query {
		b := query.Packets(1, field.SrcMAC, field.Switch)
		b.Register(l.learn)
		return b
	})
	return l
}

func (l *learner) policy() policy.Policy {
	return policy.Par(l.fwd, l.query.Policy())
}

func (l *learner) learn(p packet.Packet) {
	sw, _ := p.Get(field.Switch)
	mac, _ := p.Get(field.SrcMAC)
	in, _ := p.Get(field.InPort)
	port, ok := in.(field.Port)
	if sw == nil || mac == nil || !ok {
		return
	}
	key := fmt.Sprintf("%s/%s", sw, mac)

	l.mu.Lock()
	if prev, ok := l.hosts[key]; ok && prev.port == port {
		l.mu.Unlock()
		return
	}
	l.hosts[key] = host{sw: sw, mac: mac, port: port}
	next := l.build()
	l.mu.Unlock()

	l.logger.Debug("host learned", zap.Stringer("switch", sw), zap.Stringer("mac", mac), zap.Stringer("port", port))
	if err := l.fwd.Set(next); err != nil {
		l.logger.Error("failed to update forwarding", zap.Error(err))
	}
}

func (l *learner) forget() {
	l.mu.Lock()
	l.hosts = make(map[string]host)
	l.mu.Unlock()
	if err := l.fwd.Set(l.flood); err != nil {
		l.logger.Error("failed to reset forwarding", zap.Error(err))
	}
}

// build must be called with l.mu held.
func (l *learner) build() policy.Policy {
	keys := make([]string, 0, len(l.hosts))
	for k := range l.hosts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pol policy.Policy = l.flood
	for _, k := range keys {
		h := l.hosts[k]
		at := policy.Match(map[string]field.Pattern{
			field.Switch: field.Exact(h.sw),
			field.DstMAC: field.Exact(h.mac),
		})
		pol = policy.If(at, policy.FwdTo(h.port), pol)
	}
	return pol
}

func buildLearner(env Env, _ map[string]string) (policy.Policy, error) {
	return newLearner(env.Logger()).policy(), nil
}
