// Package virt runs policies written against a virtual network on the
// network beneath it. Packets carry their virtual location in the vswitch,
// vinport and voutport headers while inside a virtual switch, and a tag
// between physical hops.
package virt

import (
	"fmt"

	"go.uber.org/zap"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
)

// Config configures a Virtualizer.
type Config struct {
	// TagField names the field carrying tags between physical hops. Stacked
	// virtualizations need distinct tag fields.
	TagField string `mapstructure:"tag_field"`
	TagLimit int    `mapstructure:"tag_limit"`
}

// DefaultConfig returns the configuration of a single virtualization layer.
func DefaultConfig() Config {
	return Config{
		TagField: field.VTag,
		TagLimit: MaxTags,
	}
}

// Virtualizer compiles virtual policies into policies over the underlying
// network. It owns the tag allocation of one virtualization layer.
type Virtualizer struct {
	config Config
	tags   *TagAllocator
	logger *zap.Logger
}

// New returns a virtualizer tagging packets with config.TagField, which is
// declared in fields when missing.
func New(config Config, fields *field.Registry, logger *zap.Logger) (*Virtualizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TagField == "" {
		config.TagField = field.VTag
	}

	def, ok := fields.Lookup(config.TagField)
	if !ok {
		def = field.Def{Name: config.TagField, Width: 12, Kind: field.KindNum}
		if err := fields.Declare(def); err != nil {
			return nil, fmt.Errorf("failed to declare tag field: %w", err)
		}
	}
	if def.Kind != field.KindNum || def.Required {
		return nil, fmt.Errorf("%w: %s is a %s field", ErrTagField, def.Name, def.Kind)
	}
	limit := config.TagLimit
	if def.Width < 16 {
		space := 1<<def.Width - 2
		if space < 1 {
			return nil, fmt.Errorf("%w: %s is %d bits wide", ErrTagField, def.Name, def.Width)
		}
		if limit <= 0 || limit > space {
			limit = space
		}
	}

	return &Virtualizer{
		config: config,
		tags:   NewTagAllocator(limit),
		logger: logger.Named("virt").With(zap.String("tag_field", config.TagField)),
	}, nil
}

// Tags returns the tag allocator.
func (v *Virtualizer) Tags() *TagAllocator {
	return v.tags
}

// Compile returns the policy running user, a policy over the virtual
// network of vm, on the underlying network. fabric moves packets towards the
// physical port behind their virtual output port; OneToOne and ShortestPath
// build common fabrics.
//
// A packet without a tag is located by vm and handed to user, which sees
// the virtual switch and port as its location. A tagged packet resumes the
// virtual state its tag stands for. Either way the fabric then moves it,
// and it leaves untagged at the physical port behind its virtual output
// port or tagged anywhere else. A packet crossing an internal link is
// retagged and runs through the result again.
func (v *Virtualizer) Compile(user policy.Policy, vm *VMap, fabric policy.Policy) (policy.Policy, error) {
	tags := make(map[Slot]uint16)
	for _, s := range vm.Slots() {
		t, err := v.tags.Tag(s)
		if err != nil {
			return nil, fmt.Errorf("failed to tag virtual network: %w", err)
		}
		tags[s] = t
	}

	var (
		transit []Slot
		arrival []Slot
	)
	for _, s := range vm.Slots() {
		if s.Arrival {
			arrival = append(arrival, s)
		} else {
			transit = append(transit, s)
		}
	}

	stage := v.virtualStage(user)
	locate := policy.If(v.untagged(),
		policy.Seq(vm.IngressPolicy(), stage),
		policy.Par(
			v.decode(transit, tags),
			policy.Seq(v.decode(arrival, tags), stage),
		),
	)

	egress := vm.EgressPred()
	leave := []policy.Policy{
		policy.Restrict(policy.Seq(stripVHeaders(), v.untag()), egress),
	}
	excluded := []policy.Pred{egress, noOutport()}

	var recurse *policy.Recurse
	if links := vm.Links(); len(links) > 0 {
		recurse = policy.NewRecurse()
		for _, m := range vm.Mappings() {
			peer, ok := vm.Peer(m.Virtual)
			if !ok {
				continue
			}
			next := Slot{VSwitch: peer.Switch, VInPort: peer.Port, Arrival: true}
			at := policy.And(atTarget(m.Physical.Switch, m), noOutport())
			leave = append(leave, policy.Restrict(
				policy.Seq(stripVHeaders(), v.tag(tags[next]), recurse),
				at,
			))
		}
	}
	leave = append(leave, policy.Restrict(v.encode(transit, tags), policy.Not(policy.Or(excluded...))))

	top := policy.Seq(locate, vm.FloodSplitter(), fabric, policy.Par(leave...))
	if recurse != nil {
		if err := recurse.Bind(top); err != nil {
			return nil, fmt.Errorf("failed to bind internal links: %w", err)
		}
	}

	v.logger.Debug("virtual network compiled",
		zap.Int("virtual_switches", len(vm.Switches())),
		zap.Int("tags", v.tags.Len()),
		zap.Int("internal_links", len(vm.Links())),
	)
	return top, nil
}

// Encoder replaces the virtual headers of a packet in transit by its tag.
// Packets in no allocated transit state are dropped.
func (v *Virtualizer) Encoder() policy.Policy {
	return v.encode(v.allocated(false), v.allocatedTags())
}

// Decoder restores the virtual headers of a packet from its transit tag.
func (v *Virtualizer) Decoder() policy.Policy {
	return v.decode(v.allocated(false), v.allocatedTags())
}

func (v *Virtualizer) allocated(arrival bool) []Slot {
	var out []Slot
	for _, s := range v.tags.Slots() {
		if s.Arrival == arrival {
			out = append(out, s)
		}
	}
	return out
}

func (v *Virtualizer) allocatedTags() map[Slot]uint16 {
	out := make(map[Slot]uint16)
	for i, s := range v.tags.Slots() {
		out[s] = uint16(i + 1)
	}
	return out
}

// virtualStage shows user the virtual location of a packet and records
// where user sends it.
func (v *Virtualizer) virtualStage(user policy.Policy) policy.Policy {
	return policy.Seq(
		policy.Push(map[string]field.Value{
			field.Switch: field.Num(0),
			field.InPort: field.PhysPort(0),
		}),
		policy.Copy(map[string]string{
			field.Switch: field.VSwitch,
			field.InPort: field.VInPort,
		}),
		policy.Pop(field.VSwitch, field.VInPort),
		user,
		policy.Not(noOutport()),
		policy.Push(map[string]field.Value{
			field.VSwitch:  field.Num(0),
			field.VInPort:  field.PhysPort(0),
			field.VOutPort: field.PhysPort(0),
		}),
		policy.Copy(map[string]string{
			field.VSwitch:  field.Switch,
			field.VInPort:  field.InPort,
			field.VOutPort: field.OutPort,
		}),
		policy.Pop(field.Switch, field.InPort, field.OutPort),
	)
}

func (v *Virtualizer) decode(slots []Slot, tags map[Slot]uint16) policy.Policy {
	branches := make([]policy.Policy, 0, len(slots))
	for _, s := range slots {
		headers := map[string]field.Value{
			field.VSwitch: field.Num(s.VSwitch),
			field.VInPort: field.PhysPort(s.VInPort),
		}
		if !s.Arrival {
			headers[field.VOutPort] = field.PhysPort(s.VOutPort)
		}
		branches = append(branches, policy.Restrict(
			policy.Push(headers),
			policy.MatchValue(v.config.TagField, field.Num(tags[s])),
		))
	}
	return policy.Par(branches...)
}

func (v *Virtualizer) encode(slots []Slot, tags map[Slot]uint16) policy.Policy {
	branches := make([]policy.Policy, 0, len(slots))
	for _, s := range slots {
		branches = append(branches, policy.Restrict(
			policy.Seq(stripVHeaders(), v.tag(tags[s])),
			policy.Match(map[string]field.Pattern{
				field.VSwitch:  field.Exact(field.Num(s.VSwitch)),
				field.VInPort:  field.Exact(field.PhysPort(s.VInPort)),
				field.VOutPort: field.Exact(field.PhysPort(s.VOutPort)),
			}),
		))
	}
	return policy.Par(branches...)
}

func (v *Virtualizer) untagged() policy.Pred {
	return policy.Match(map[string]field.Pattern{v.config.TagField: field.None()})
}

// tag sets the tag, adding the field when absent.
func (v *Virtualizer) tag(t uint16) policy.Policy {
	return policy.ModifyValue(v.config.TagField, field.Num(t))
}

func (v *Virtualizer) untag() policy.Policy {
	return policy.If(v.untagged(), policy.Identity, policy.Pop(v.config.TagField))
}

func stripVHeaders() policy.Policy {
	return policy.Pop(field.VSwitch, field.VInPort, field.VOutPort)
}

func noOutport() policy.Pred {
	return policy.Match(map[string]field.Pattern{field.OutPort: field.None()})
}
