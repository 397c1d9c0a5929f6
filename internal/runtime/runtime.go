// Package runtime ties the policy runtime together: it keeps the network
// model in line with the switches, compiles the installed policy into flow
// tables and evaluates the packets switches send to the controller.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime/pprof"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"netpolicy/internal/apps"
	"netpolicy/pkg/events"
	"netpolicy/pkg/hsa/reach"
	"netpolicy/pkg/network"
	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/pipeline"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/classifier"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
	"netpolicy/pkg/policy/query"
	"netpolicy/pkg/southbound"
	"netpolicy/pkg/stats"
	"netpolicy/pkg/store/etcd"
	"netpolicy/pkg/virt"
)

// Runtime runs a policy against the switches of one OpenFlow client.
type Runtime struct {
	id     string
	config Config
	mode   Mode
	logger *zap.Logger

	metrics  *Metrics
	fields   *field.Registry
	net      *network.Network
	compiler *policy.Compiler
	virt     *virt.Virtualizer
	pipe     *pipeline.Config
	bus      *events.Bus
	listener *events.Listener
	channel  *southbound.Channel
	flows    *FlowManager
	poller   *stats.Poller
	analyzer *reach.Analyzer
	admin    *admin

	etcd      *etcd.Client
	publisher *etcd.Publisher

	// evaluation errors already logged, keyed by policy id and error kind
	evalErrors *cache.Cache

	mu      sync.Mutex
	running bool
	module  string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	kick    chan struct{}
	unsub   func()
	buckets map[string]policy.Bucket
	client  *exec.Cmd
	profile *os.File
}

// New creates a runtime. Nothing listens until Start.
func New(config Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	mode, _ := ParseMode(config.Mode)

	pipe, err := pipeline.Lookup(config.Pipeline)
	if err != nil {
		return nil, err
	}

	fields := field.NewRegistry()
	cacheSize := 0
	if config.EnableCache {
		cacheSize = config.Cache.Size
	}
	compiler, err := policy.NewCompiler(fields, policy.CompilerConfig{
		CacheSize: cacheSize,
		Disjoint:  config.Disjoint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create compiler: %w", err)
	}

	v, err := virt.New(virt.DefaultConfig(), fields, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create virtualizer: %w", err)
	}

	analyzer, err := reach.New(config.Reach, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create reachability analyzer: %w", err)
	}

	r := &Runtime{
		id:         uuid.NewString(),
		config:     config,
		mode:       mode,
		logger:     logger.Named("runtime"),
		metrics:    NewMetrics(),
		fields:     fields,
		net:        network.New(logger),
		compiler:   compiler,
		virt:       v,
		pipe:       pipe,
		bus:        events.NewBus(),
		poller:     stats.NewPoller(config.Stats, logger),
		analyzer:   analyzer,
		evalErrors: cache.New(config.EvalErrorTTL, config.EvalErrorTTL),
		kick:       make(chan struct{}, 1),
		buckets:    make(map[string]policy.Bucket),
	}
	r.listener = events.NewListener(config.Events, r.bus, logger)
	r.channel = southbound.NewChannel(config.Southbound, nil, r, logger)
	r.flows = NewFlowManager(r.channel, r.channel.Codec(), pipe, mode, config.multitable(), r.metrics, logger)
	r.admin = newAdmin(config.Admin, r.metrics, logger)
	r.net.SetInjector(r)

	if config.Etcd.Enabled {
		client, err := etcd.New(config.Etcd, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		r.etcd = client
		r.publisher = etcd.NewPublisher(client, config.Etcd.Prefix, logger)
	}

	if config.Ragel {
		r.logger.Info("path query compilation is not available, ignoring enable_ragel")
	}
	return r, nil
}

// Network returns the network the loaded module installs its policy on.
func (r *Runtime) Network() *network.Network { return r.net }

// Fields returns the field registry virtual headers are declared in.
func (r *Runtime) Fields() *field.Registry { return r.fields }

// Events returns the bus external events are dispatched on.
func (r *Runtime) Events() *events.Bus { return r.bus }

// Virtualizer returns the virtualizer shared by virtual networks.
func (r *Runtime) Virtualizer() *virt.Virtualizer { return r.virt }

// Logger returns the runtime logger.
func (r *Runtime) Logger() *zap.Logger { return r.logger }

// Metrics returns the runtime metrics.
func (r *Runtime) Metrics() *Metrics { return r.metrics }

// Flows returns the flow manager.
func (r *Runtime) Flows() *FlowManager { return r.flows }

// Channel returns the southbound channel.
func (r *Runtime) Channel() *southbound.Channel { return r.channel }

// Listener returns the event listener.
func (r *Runtime) Listener() *events.Listener { return r.listener }

// LoadModule builds the module registered as name and installs its policy.
func (r *Runtime) LoadModule(name string, args map[string]string) error {
	m, err := apps.Lookup(name)
	if err != nil {
		return err
	}
	pol, err := m.Build(r, args)
	if err != nil {
		return fmt.Errorf("failed to build module %s: %w", name, err)
	}
	if err := r.net.InstallPolicy(pol); err != nil {
		return fmt.Errorf("failed to install module %s: %w", name, err)
	}

	r.mu.Lock()
	r.module = name
	r.mu.Unlock()
	r.logger.Info("module loaded", zap.String("module", name), zap.Any("args", args))
	return nil
}

// Start starts the endpoints and the compile loop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	if r.config.Profile {
		if err := r.startProfile(); err != nil {
			return err
		}
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	var g errgroup.Group
	g.Go(r.admin.Start)
	g.Go(func() error { return r.listener.Start(r.ctx) })
	g.Go(func() error { return r.channel.Start(r.ctx) })
	if err := g.Wait(); err != nil {
		r.cancel()
		r.stopProfile()
		return multierr.Append(err, multierr.Combine(r.admin.Stop(), r.listener.Stop(), r.channel.Stop()))
	}
	r.poller.Start(r.ctx)

	if r.etcd != nil {
		snap := etcd.RuntimeSnapshot{
			ID:       r.id,
			Module:   r.module,
			Mode:     string(r.mode),
			Pipeline: r.pipe.Name,
			Started:  time.Now(),
		}
		if err := r.announce(snap); err != nil {
			r.logger.Warn("failed to announce runtime", zap.Error(err))
		}
	}

	r.unsub = r.net.Policy().Subscribe(r.trigger)
	netEvents, cancelEvents := r.net.Subscribe(64)

	r.wg.Add(2)
	go r.compileLoop(r.ctx)
	go r.watchNetwork(r.ctx, netEvents, cancelEvents)

	if !r.config.FrontendOnly && r.config.OFClient.Command != "" {
		if err := r.launchClient(); err != nil {
			r.logger.Error("failed to launch OpenFlow client", zap.Error(err))
		}
	}

	r.running = true
	r.trigger()
	r.logger.Info("runtime started",
		zap.String("id", r.id),
		zap.String("mode", string(r.mode)),
		zap.String("pipeline", r.pipe.Name),
		zap.Stringer("southbound", r.channel.Addr()),
		zap.Stringer("events", r.listener.Addr()),
	)
	return nil
}

func (r *Runtime) announce(snap etcd.RuntimeSnapshot) error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(ctx, etcd.RuntimeKey, snap); err != nil {
		return err
	}
	return r.etcd.Announce(ctx, r.etcd.Key(etcd.RuntimeKey+"/"+r.id), r.module)
}

// Stop stops the runtime and every component it started.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.logger.Info("stopping runtime")
	r.admin.SetServing(false)
	if r.unsub != nil {
		r.unsub()
	}
	r.cancel()
	r.wg.Wait()

	var errs []error
	if r.client != nil && r.client.Process != nil {
		if err := r.client.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("failed to stop OpenFlow client: %w", err))
		}
		_ = r.client.Wait()
	}
	r.poller.Stop()
	errs = append(errs, r.channel.Stop(), r.listener.Stop(), r.admin.Stop())

	r.mu.Lock()
	for id, b := range r.buckets {
		closeBucket(b)
		delete(r.buckets, id)
	}
	r.mu.Unlock()

	if r.etcd != nil {
		errs = append(errs, r.etcd.Close())
	}
	r.stopProfile()
	return multierr.Combine(errs...)
}

func (r *Runtime) startProfile() error {
	path := "netpolicy.prof"
	if r.config.WriteLog != "" {
		path = r.config.WriteLog + ".prof"
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start profile: %w", err)
	}
	r.profile = f
	r.logger.Info("writing CPU profile", zap.String("path", path))
	return nil
}

func (r *Runtime) stopProfile() {
	if r.profile == nil {
		return
	}
	pprof.StopCPUProfile()
	r.profile.Close()
	r.profile = nil
}

func (r *Runtime) launchClient() error {
	cmd := exec.Command(r.config.OFClient.Command, r.config.OFClient.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	r.client = cmd
	r.logger.Info("OpenFlow client launched",
		zap.String("command", r.config.OFClient.Command),
		zap.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// trigger schedules a recompilation.
func (r *Runtime) trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Runtime) compileLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			r.refresh(ctx)
		}
	}
}

func (r *Runtime) watchNetwork(ctx context.Context, ch <-chan network.Event, cancel func()) {
	defer r.wg.Done()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != network.TopologyChanged {
				continue
			}
			r.trigger()
			if r.publisher == nil {
				continue
			}
			if err := r.publisher.PublishTopology(ctx, r.net.Topology()); err != nil {
				r.logger.Warn("failed to publish topology", zap.Error(err))
			}
		}
	}
}

// refresh brings the switches in line with the current policy. A policy
// that fails to compile leaves the previous flows installed.
func (r *Runtime) refresh(ctx context.Context) {
	top := r.net.Policy()
	pol, version := top.BeginCompile()
	r.syncBuckets(pol)

	var cl *classifier.Classifier
	if r.mode.Proactive() {
		start := time.Now()
		var err error
		cl, err = r.compile(ctx, pol)
		r.metrics.CompileSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			top.EndCompile(version, false)
			if errors.Is(err, context.Canceled) {
				return
			}
			r.metrics.CompileErrors.Inc()
			r.logger.Error("failed to compile policy, keeping installed flows",
				zap.Uint64("version", version),
				zap.Error(err),
			)
			return
		}
		r.metrics.ClassifierRules.Set(float64(cl.Len()))
	}

	if err := r.flows.Update(cl); err != nil {
		r.logger.Warn("failed to update flow tables", zap.Error(err))
	}
	top.EndCompile(version, true)

	if cl == nil {
		return
	}
	r.logger.Debug("classifier installed", zap.Uint64("version", version), zap.Int("rules", cl.Len()))
	if r.publisher != nil {
		if err := r.publisher.PublishClassifier(ctx, version, cl); err != nil {
			r.logger.Warn("failed to publish classifier", zap.Error(err))
		}
	}
	if r.config.Reach.WorkDir != "" {
		r.exportModel(cl)
	}
}

// compile lowers pol to one classifier, per switch in parallel when
// partitioning is enabled.
func (r *Runtime) compile(ctx context.Context, pol policy.Policy) (*classifier.Classifier, error) {
	switches := r.net.Topology().Switches()
	if !r.config.Partition || len(switches) < 2 {
		return r.compiler.CompileContext(ctx, pol)
	}

	parts := make([]*classifier.Classifier, len(switches))
	g, gctx := errgroup.WithContext(ctx)
	for i, sw := range switches {
		g.Go(func() error {
			on := policy.Seq(policy.MatchValue(field.Switch, field.Num(sw)), pol)
			cl, err := r.compiler.CompileContext(gctx, on)
			if err != nil {
				return fmt.Errorf("failed to compile switch %d: %w", sw, err)
			}
			parts[i] = cl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rules []classifier.Rule
	for _, part := range parts {
		for _, rule := range part.Rules() {
			if _, ok := rule.Match.Get(field.Switch); ok {
				rules = append(rules, rule)
			}
		}
	}
	return classifier.New(rules...), nil
}

func (r *Runtime) exportModel(cl *classifier.Classifier) {
	m, err := r.analyzer.Build(cl, r.net.Topology())
	if err != nil {
		if errors.Is(err, reach.ErrNotHSACompilable) {
			r.logger.Warn("classifier has no reachability model", zap.Error(err))
			return
		}
		r.logger.Error("failed to build reachability model", zap.Error(err))
		return
	}
	if err := m.Export(r.config.Reach.WorkDir); err != nil {
		r.logger.Error("failed to export reachability model", zap.Error(err))
	}
}

// Reachable returns the headers that, entering at in, leave the network
// matching out under the installed classifier.
func (r *Runtime) Reachable(ctx context.Context, in topology.Location, out map[string]field.Pattern) (policy.Pred, error) {
	cl := r.flows.Classifier()
	if cl == nil {
		var err error
		cl, err = r.compiler.CompileContext(ctx, r.net.Policy().Policy())
		if err != nil {
			return nil, err
		}
	}
	m, err := r.analyzer.Build(cl, r.net.Topology())
	if err != nil {
		return nil, err
	}
	return r.analyzer.ReachableInHeaders(ctx, m, in, out)
}

// puller lets count buckets pull the switches holding their flows.
type puller struct{ r *Runtime }

func (p puller) Switches(id string) []uint64 { return p.r.flows.Holders(id) }

func (p puller) RequestStats(dpid uint64) error { return p.r.channel.RequestStats(dpid) }

// syncBuckets attaches the buckets of pol to the poller and detaches the
// ones pol no longer holds.
func (r *Runtime) syncBuckets(pol policy.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	counted := make(map[string]bool)
	for _, b := range policy.Buckets(pol) {
		id := b.ID()
		seen[id] = true
		if _, ok := b.(*query.CountBucket); ok {
			counted[id] = true
		}
		if _, ok := r.buckets[id]; ok {
			continue
		}
		r.buckets[id] = b
		r.attach(b)
	}
	for id, b := range r.buckets {
		if seen[id] {
			continue
		}
		r.poller.Remove(id)
		if a, ok := b.(*query.Aggregate); ok {
			a.Stop()
		}
		delete(r.buckets, id)
	}
	r.flows.SetCounted(func(id string) bool { return counted[id] })
}

func (r *Runtime) attach(b policy.Bucket) {
	var err error
	switch b := b.(type) {
	case *query.CountBucket:
		b.SetPuller(puller{r})
		err = r.poller.AddPull(b.ID(), b)
	case *query.PacketBucket:
		err = r.poller.AddSweep(b.ID(), b)
	case *query.Aggregate:
		b.Start(r.ctx)
	}
	if err != nil {
		r.logger.Warn("failed to attach bucket", zap.String("bucket", b.ID()), zap.Error(err))
	}
}

func closeBucket(b policy.Bucket) {
	switch b := b.(type) {
	case *query.CountBucket:
		b.Close()
	case *query.PacketBucket:
		b.Close()
	case *query.Aggregate:
		b.Close()
	}
}

// InjectPacket sends p out of the port its outport names.
func (r *Runtime) InjectPacket(p packet.Packet) error {
	return r.channel.SendPacket(p)
}

// SwitchUp implements southbound.Handler.
func (r *Runtime) SwitchUp(dpid uint64) {
	if err := r.net.SwitchJoined(dpid); err != nil {
		r.logger.Warn("failed to add switch", zap.Uint64("dpid", dpid), zap.Error(err))
	}
	if err := r.flows.AddSwitch(dpid); err != nil {
		r.logger.Warn("failed to prepare switch", zap.Uint64("dpid", dpid), zap.Error(err))
	}
	r.metrics.SwitchesUp.Inc()
}

// SwitchDown implements southbound.Handler.
func (r *Runtime) SwitchDown(dpid uint64) {
	r.flows.RemoveSwitch(dpid)
	if err := r.net.SwitchParted(dpid); err != nil {
		r.logger.Debug("switch already gone", zap.Uint64("dpid", dpid), zap.Error(err))
		return
	}
	r.metrics.SwitchesUp.Dec()
}

// PortChanged implements southbound.Handler.
func (r *Runtime) PortChanged(ev southbound.PortEvent) {
	var err error
	if ev.Op == southbound.PortPart {
		err = r.net.PortParted(ev.DPID, ev.Port)
	} else {
		err = r.net.PortChanged(ev.DPID, ev.Port, ev.ConfigUp, ev.StatusUp)
	}
	if err != nil {
		r.logger.Warn("failed to update port",
			zap.Uint64("dpid", ev.DPID),
			zap.Uint16("port", ev.Port),
			zap.String("op", ev.Op),
			zap.Error(err),
		)
		return
	}
	if ev.Op == southbound.PortJoin && ev.ConfigUp && ev.StatusUp {
		if err := r.channel.InjectDiscovery(ev.DPID, ev.Port); err != nil {
			r.logger.Debug("failed to inject discovery packet", zap.Error(err))
		}
	}
}

// LinkUp implements southbound.Handler.
func (r *Runtime) LinkUp(a, b topology.Location) {
	if err := r.net.LinkDiscovered(a, b); err != nil {
		r.logger.Warn("failed to add link",
			zap.Stringer("a", a),
			zap.Stringer("b", b),
			zap.Error(err),
		)
	}
}

// PacketIn implements southbound.Handler. The packet is evaluated against
// the installed policy; buckets receive their copies and the output
// packets are sent back to the switches.
func (r *Runtime) PacketIn(p packet.Packet, cookie uint64) {
	r.metrics.PacketsIn.Inc()
	r.net.ReceivePacket(p)

	top := r.net.Policy()
	res, err := policy.Evaluate(top, p)
	if err != nil {
		// the failing branch produced nothing, the rest still applies
		r.evalFailed(top, p, err)
	}

	// the switch already counted this packet for these buckets
	counted := make(map[string]bool)
	for _, id := range r.flows.CookieBuckets(cookie) {
		counted[id] = true
	}
	for _, d := range res.Deliveries {
		if _, ok := d.Bucket.(*query.CountBucket); ok && counted[d.Bucket.ID()] {
			continue
		}
		d.Bucket.Receive(d.Packet)
	}

	res.Out.Each(func(q packet.Packet, n int) {
		port, ok := q.Get(field.OutPort)
		if pv, isPort := port.(field.Port); !ok || !isPort || pv.Bucket {
			return
		}
		for i := 0; i < n; i++ {
			if err := r.channel.SendPacket(q); err != nil {
				r.logger.Debug("failed to send packet", zap.Stringer("packet", q), zap.Error(err))
				return
			}
			r.metrics.PacketsOut.Inc()
		}
	})

	if r.mode == ModeReactive0 && len(res.Deliveries) == 0 {
		if err := r.flows.InstallMicroflow(p, res.Out); err != nil {
			r.logger.Warn("failed to install microflow", zap.Error(err))
		}
	}
}

func (r *Runtime) evalFailed(top *policy.Dynamic, p packet.Packet, err error) {
	r.metrics.EvalErrors.Inc()
	key := top.ID() + "|" + errorKind(err)
	if _, seen := r.evalErrors.Get(key); seen {
		return
	}
	r.evalErrors.SetDefault(key, struct{}{})
	r.logger.Warn("failed to evaluate packet",
		zap.String("kind", errorKind(err)),
		zap.Stringer("policy", top.Policy()),
		zap.Stringer("packet", p),
		zap.Error(err),
	)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, packet.ErrPopLast):
		return "pop_last"
	case errors.Is(err, packet.ErrAbsentField):
		return "absent_field"
	case errors.Is(err, policy.ErrUnbound):
		return "unbound"
	case errors.Is(err, policy.ErrUnknownPolicy):
		return "unknown_policy"
	default:
		return "other"
	}
}

// FlowStats implements southbound.Handler. Flow counters are summed per
// bucket through the flow cookies.
func (r *Runtime) FlowStats(reply southbound.FlowStatsReply) {
	sums := make(map[string]query.Counts)
	for _, s := range reply.Stats {
		for _, id := range r.flows.CookieBuckets(s.Cookie) {
			sums[id] = sums[id].Add(query.Counts{Packets: s.Packets, Bytes: s.Bytes})
		}
	}

	r.mu.Lock()
	var counts []*query.CountBucket
	for _, b := range r.buckets {
		if cb, ok := b.(*query.CountBucket); ok {
			counts = append(counts, cb)
		}
	}
	r.mu.Unlock()
	sort.Slice(counts, func(i, j int) bool { return counts[i].ID() < counts[j].ID() })

	for _, cb := range counts {
		cb.HandleStats(reply.DPID, sums[cb.ID()])
	}
}

// FlowRemoved implements southbound.Handler.
func (r *Runtime) FlowRemoved(ev southbound.FlowRemoved) {
	r.logger.Debug("flow removed", zap.Uint64("dpid", ev.DPID), zap.Int("fields", len(ev.Match)))
	r.flows.Forget(ev.DPID, ev.Match)
	r.trigger()
}
