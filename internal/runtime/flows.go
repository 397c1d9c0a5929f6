package runtime

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"netpolicy/pkg/pipeline"
	"netpolicy/pkg/policy/classifier"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
	"netpolicy/pkg/southbound"
)

// Sender delivers commands to switches.
type Sender interface {
	Send(cmd southbound.Command) error
}

// microflowPriority sits above every classifier rule.
const microflowPriority = 60000

var controllerPort = field.PhysPort(field.PortController)

// flow is one installed flow table entry.
type flow struct {
	match    map[string]field.Pattern
	priority int
	actions  []southbound.Output
	cookie   uint64
}

func (f flow) key() string {
	return fmt.Sprintf("%d %s", f.priority, matchKey(f.match))
}

func (f flow) fingerprint() string {
	return fmt.Sprintf("%v cookie=%d", f.actions, f.cookie)
}

func switchMatch(sw uint64) map[string]field.Pattern {
	return map[string]field.Pattern{field.Switch: field.Exact(field.Num(sw))}
}

// FlowManager keeps the flow tables of the connected switches in line with
// the installed classifier.
type FlowManager struct {
	sender  Sender
	codec   *southbound.Codec
	pipe    *pipeline.Config
	mode    Mode
	table   int
	metrics *Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	cl       *classifier.Classifier
	counted  func(id string) bool
	switches map[uint64]bool
	tables   map[uint64]map[string]flow

	// one cookie per distinct set of counted buckets a flow feeds
	cookies    map[string]uint64
	buckets    map[uint64][]string
	nextCookie uint64
	holders    map[string]map[uint64]bool
}

// NewFlowManager creates a flow manager. With multitable set, classifier
// flows go to the pipeline's forwarding table and the earlier tables fall
// through to it.
func NewFlowManager(sender Sender, codec *southbound.Codec, pipe *pipeline.Config, mode Mode, multitable bool, metrics *Metrics, logger *zap.Logger) *FlowManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pipe == nil {
		pipe = pipeline.Single()
	}
	fm := &FlowManager{
		sender:   sender,
		codec:    codec,
		pipe:     pipe,
		mode:     mode,
		metrics:  metrics,
		logger:   logger.Named("flows"),
		counted:  func(string) bool { return false },
		switches: make(map[uint64]bool),
		tables:   make(map[uint64]map[string]flow),
		cookies:  make(map[string]uint64),
		buckets:  make(map[uint64][]string),
		holders:  make(map[string]map[uint64]bool),
	}
	if multitable {
		fm.table = pipe.Forwarding
	}
	return fm
}

// SetCounted tells which sinks are counting buckets. Their packets are
// counted by the switch through flow cookies instead of being sent to the
// controller.
func (f *FlowManager) SetCounted(fn func(id string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn == nil {
		fn = func(string) bool { return false }
	}
	f.counted = fn
}

// Classifier returns the classifier last handed to Update.
func (f *FlowManager) Classifier() *classifier.Classifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cl
}

// AddSwitch prepares a newly connected switch and installs the current
// flows on it.
func (f *FlowManager) AddSwitch(sw uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.switches[sw] = true
	f.tables[sw] = make(map[string]flow)

	var errs []error
	for _, t := range f.pipe.Path() {
		if err := f.send(southbound.Clear{DPID: sw, Table: t}, "clear"); err != nil {
			errs = append(errs, err)
		}
	}
	if f.table != 0 {
		for _, t := range f.pipe.Before() {
			next, ok := f.pipe.Next(t)
			if !ok {
				continue
			}
			cmd := southbound.FlowMod{Match: switchMatch(sw), Priority: 0, Goto: next, Table: t}
			if err := f.send(cmd, "install"); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if f.mode.Proactive() && f.cl != nil {
		if err := f.replace(sw, f.build(sw)); err != nil {
			errs = append(errs, err)
		}
	} else {
		if err := f.replace(sw, []flow{f.catchAll(sw)}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := f.send(southbound.Barrier{DPID: sw}, "barrier"); err != nil {
		errs = append(errs, err)
	}
	f.logger.Info("switch prepared", zap.Uint64("dpid", sw), zap.Int("flows", len(f.tables[sw])))
	return multierr.Combine(errs...)
}

// RemoveSwitch forgets a switch that disconnected.
func (f *FlowManager) RemoveSwitch(sw uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.switches, sw)
	delete(f.tables, sw)
	for _, hs := range f.holders {
		delete(hs, sw)
	}
}

// Update brings every switch in line with cl. Proactive modes install the
// classifier; the other modes send everything to the controller and clear
// whatever was installed for earlier packets.
func (f *FlowManager) Update(cl *classifier.Classifier) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cl = cl
	var errs []error
	for _, sw := range f.sortedSwitches() {
		var err error
		switch f.mode {
		case ModeProactive0:
			err = f.reinstall(sw, f.build(sw))
		case ModeProactive1:
			err = f.sync(sw, f.build(sw))
		case ModeReactive0:
			err = f.reinstall(sw, []flow{f.catchAll(sw)})
		case ModeInterpreted:
			if len(f.tables[sw]) == 0 {
				err = f.replace(sw, []flow{f.catchAll(sw)})
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

// reinstall clears the switch table and installs flows from scratch.
func (f *FlowManager) reinstall(sw uint64, flows []flow) error {
	if err := f.send(southbound.Clear{DPID: sw, Table: f.table}, "clear"); err != nil {
		return err
	}
	f.tables[sw] = make(map[string]flow)
	if err := f.replace(sw, flows); err != nil {
		return err
	}
	return f.send(southbound.Barrier{DPID: sw}, "barrier")
}

// replace installs flows on a switch whose table is empty.
func (f *FlowManager) replace(sw uint64, flows []flow) error {
	table := make(map[string]flow, len(flows))
	var errs []error
	for _, fl := range flows {
		if err := f.install(sw, fl, false); err != nil {
			errs = append(errs, err)
			continue
		}
		table[fl.key()] = fl
	}
	f.tables[sw] = table
	f.recordHolders(sw)
	return multierr.Combine(errs...)
}

// sync sends only the difference between the installed and wanted flows.
// New flows go out before the flows they replace are deleted, highest
// priority first.
func (f *FlowManager) sync(sw uint64, flows []flow) error {
	old := f.tables[sw]
	if old == nil {
		old = make(map[string]flow)
	}
	want := make(map[string]bool, len(flows))
	for _, fl := range flows {
		want[fl.key()] = true
	}

	var errs []error
	for _, fl := range flows {
		k := fl.key()
		prev, ok := old[k]
		if ok && prev.fingerprint() == fl.fingerprint() {
			continue
		}
		if err := f.install(sw, fl, ok); err != nil {
			errs = append(errs, err)
			continue
		}
		old[k] = fl
	}
	for _, k := range sortedKeys(old) {
		if want[k] {
			continue
		}
		fl := old[k]
		if err := f.send(southbound.FlowDelete{Match: fl.match, Priority: fl.priority}, "delete"); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(old, k)
	}
	f.tables[sw] = old
	f.recordHolders(sw)
	if err := f.send(southbound.Barrier{DPID: sw}, "barrier"); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

func (f *FlowManager) install(sw uint64, fl flow, modify bool) error {
	op := "install"
	if modify {
		op = "modify"
	}
	cmd := southbound.FlowMod{
		Modify:   modify,
		Match:    fl.match,
		Priority: fl.priority,
		Actions:  fl.actions,
		Cookie:   fl.cookie,
		Table:    f.table,
	}
	if err := f.send(cmd, op); err != nil {
		f.logger.Error("failed to install flow",
			zap.Uint64("dpid", sw),
			zap.Int("priority", fl.priority),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (f *FlowManager) send(cmd southbound.Command, op string) error {
	if err := f.sender.Send(cmd); err != nil {
		return fmt.Errorf("failed to send %s: %w", op, err)
	}
	if f.metrics != nil {
		f.metrics.FlowMods.WithLabelValues(op).Inc()
	}
	return nil
}

// catchAll sends every packet of sw to the controller.
func (f *FlowManager) catchAll(sw uint64) flow {
	return flow{
		match:    switchMatch(sw),
		priority: 0,
		actions:  []southbound.Output{{Port: controllerPort}},
	}
}

// build specializes the classifier to sw. When a flow cannot be encoded
// the switch falls back to sending everything to the controller.
func (f *FlowManager) build(sw uint64) []flow {
	if f.cl == nil {
		return []flow{f.catchAll(sw)}
	}
	var (
		out   []flow
		rules []classifier.Rule
	)
	for _, r := range f.cl.Rules() {
		m, ok := r.Match.And(field.Switch, field.Exact(field.Num(sw)))
		if !ok {
			continue
		}
		fl := flow{match: m.Patterns()}
		fl.actions, fl.cookie = f.outputs(r.Actions)
		out = append(out, fl)
		rules = append(rules, r)
	}
	assignPriorities(out, f.tables[sw])
	if f.codec == nil {
		return out
	}
	for i, fl := range out {
		cmd := southbound.FlowMod{Match: fl.match, Priority: fl.priority, Actions: fl.actions, Table: f.table}
		if _, err := f.codec.Encode(cmd); err != nil {
			f.logger.Warn("switch table not encodable, sending all packets to the controller",
				zap.Uint64("dpid", sw),
				zap.String("rule", rules[i].String()),
				zap.Error(err),
			)
			return []flow{f.catchAll(sw)}
		}
	}
	return out
}

// assignPriorities gives flows, listed in first-match order, decreasing
// priorities below microflowPriority. A flow whose match is installed
// already keeps that priority when the order allows it, so a changed rule
// leaves the flows around it in place.
func assignPriorities(flows []flow, installed map[string]flow) {
	held := make(map[string][]int)
	for _, fl := range installed {
		if fl.priority >= microflowPriority {
			continue
		}
		k := matchKey(fl.match)
		held[k] = append(held[k], fl.priority)
	}
	for _, ps := range held {
		sort.Sort(sort.Reverse(sort.IntSlice(ps)))
	}

	n := len(flows)
	kept := make([]bool, n)
	top, last := microflowPriority, -1
	for i := range flows {
		k := matchKey(flows[i].match)
		// the flows since the last kept one need room above p, the
		// remaining ones below it
		pending := i - last - 1
		for j, p := range held[k] {
			if p >= top-pending || p < n-1-i {
				continue
			}
			flows[i].priority = p
			kept[i] = true
			top, last = p, i
			held[k] = slices.Delete(held[k], j, j+1)
			break
		}
	}

	hi, start := microflowPriority, 0
	for i := 0; i <= n; i++ {
		if i < n && !kept[i] {
			continue
		}
		lo := -1
		if i < n {
			lo = flows[i].priority
		}
		spread(flows[start:i], hi, lo)
		hi, start = lo, i+1
	}
}

// spread spaces the priorities of flows evenly between hi and lo, both
// exclusive.
func spread(flows []flow, hi, lo int) {
	step := (hi - lo) / (len(flows) + 1)
	for i := range flows {
		flows[i].priority = hi - step*(i+1)
	}
}

func matchKey(m map[string]field.Pattern) string {
	return classifier.NewMatch(m).String()
}

// outputs translates rule actions to flow outputs. Deliveries to counting
// buckets become the flow cookie; other deliveries, and actions a flow
// table cannot express, send the packet to the controller.
func (f *FlowManager) outputs(actions []classifier.Action) ([]southbound.Output, uint64) {
	var (
		outs    []southbound.Output
		ids     []string
		toCtrl  bool
		allCtrl bool
	)
	for _, a := range actions {
		if a.Sink != "" {
			if f.counted(a.Sink) {
				ids = append(ids, a.Sink)
			} else {
				toCtrl = true
			}
			continue
		}
		e, ok := a.Effect()
		if !ok {
			allCtrl = true
			break
		}
		if !e.HasOut {
			continue
		}
		if e.Out.Bucket || e.Out.No == field.PortController {
			toCtrl = true
			continue
		}
		outs = append(outs, southbound.Output{Modify: e.Modify, Strip: e.Strip, Port: e.Out})
	}
	if allCtrl {
		return []southbound.Output{{Port: controllerPort}}, 0
	}
	if toCtrl {
		outs = append(outs, southbound.Output{Port: controllerPort})
	}
	return outs, f.cookie(ids)
}

func (f *FlowManager) cookie(ids []string) uint64 {
	if len(ids) == 0 {
		return 0
	}
	sort.Strings(ids)
	key := strings.Join(ids, ",")
	if c, ok := f.cookies[key]; ok {
		return c
	}
	f.nextCookie++
	c := f.nextCookie
	f.cookies[key] = c
	f.buckets[c] = ids
	return c
}

func (f *FlowManager) recordHolders(sw uint64) {
	for _, hs := range f.holders {
		delete(hs, sw)
	}
	for _, fl := range f.tables[sw] {
		for _, id := range f.buckets[fl.cookie] {
			hs, ok := f.holders[id]
			if !ok {
				hs = make(map[uint64]bool)
				f.holders[id] = hs
			}
			hs[sw] = true
		}
	}
}

// Holders returns the switches with flows counting for a bucket.
func (f *FlowManager) Holders(id string) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.holders[id]))
	for sw := range f.holders[id] {
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CookieBuckets returns the buckets a flow with the given cookie counts for.
func (f *FlowManager) CookieBuckets(cookie uint64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.buckets[cookie]...)
}

// InstallMicroflow installs an exact match flow reproducing what the
// runtime did with in, so later packets like it stay on the switch. Only
// packets using nothing but native headers are installed.
func (f *FlowManager) InstallMicroflow(in packet.Packet, outs *packet.Multiset) error {
	if !nativeOnly(in, false) {
		return nil
	}
	swv, ok := in.Get(field.Switch)
	if !ok {
		return nil
	}
	sw := swv.Uint64()

	match := make(map[string]field.Pattern)
	for _, name := range field.Headers {
		if v, ok := in.Get(name); ok {
			match[name] = field.Exact(v)
		}
	}

	var actions []southbound.Output
	installable := true
	outs.Each(func(q packet.Packet, n int) {
		if !installable {
			return
		}
		port, ok := q.Get(field.OutPort)
		p, isPort := port.(field.Port)
		if !ok || !isPort || p.Bucket || !nativeOnly(q, true) {
			installable = false
			return
		}
		o := southbound.Output{Port: p}
		for _, name := range field.Headers {
			if name == field.Switch || name == field.InPort {
				continue
			}
			v, has := q.Get(name)
			old, had := in.Get(name)
			switch {
			case has && (!had || v != old):
				if o.Modify == nil {
					o.Modify = make(map[string]field.Value)
				}
				o.Modify[name] = v
			case !has && had:
				o.Strip = append(o.Strip, name)
			}
		}
		for i := 0; i < n; i++ {
			actions = append(actions, o)
		}
	})
	if !installable {
		return nil
	}

	fl := flow{match: match, priority: microflowPriority, actions: actions}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.switches[sw] {
		return nil
	}
	if err := f.install(sw, fl, false); err != nil {
		return err
	}
	f.tables[sw][fl.key()] = fl
	return nil
}

func nativeOnly(p packet.Packet, located bool) bool {
	native := make(map[string]bool, len(field.Headers)+1)
	for _, name := range field.Headers {
		native[name] = true
	}
	if located {
		native[field.OutPort] = true
	}
	for _, name := range p.Fields() {
		if !native[name] || len(p.Stack(name)) > 1 {
			return false
		}
	}
	return true
}

// Flows returns the number of flows believed installed on sw.
func (f *FlowManager) Flows(sw uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[sw])
}

func (f *FlowManager) sortedSwitches() []uint64 {
	out := make([]uint64, 0, len(f.switches))
	for sw := range f.switches {
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys(m map[string]flow) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Forget drops the flows of sw with the given match from the installed
// table, after the switch removed them by itself.
func (f *FlowManager) Forget(sw uint64, match map[string]field.Pattern) {
	want := matchKey(match)
	f.mu.Lock()
	defer f.mu.Unlock()
	table := f.tables[sw]
	for k, fl := range table {
		if matchKey(fl.match) == want {
			delete(table, k)
		}
	}
	f.recordHolders(sw)
}
