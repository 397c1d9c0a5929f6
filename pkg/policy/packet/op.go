package packet

import (
	"fmt"

	"netpolicy/pkg/policy/field"
)

// OpKind is the kind of a header operation.
type OpKind uint8

const (
	OpModify OpKind = iota
	OpPush
	OpPop
	OpCopy
)

// Op is a single header operation. Value is used by modify and push, Src by
// copy.
type Op struct {
	Kind  OpKind
	Field string
	Value field.Value
	Src   string
}

func Modify(name string, v field.Value) Op { return Op{Kind: OpModify, Field: name, Value: v} }
func Push(name string, v field.Value) Op   { return Op{Kind: OpPush, Field: name, Value: v} }
func Pop(name string) Op                   { return Op{Kind: OpPop, Field: name} }
func Copy(dst, src string) Op              { return Op{Kind: OpCopy, Field: dst, Src: src} }

// Apply runs o on p. ok is false when the packet is dropped, which happens
// when a copy reads an absent field.
func (o Op) Apply(p Packet) (Packet, bool, error) {
	switch o.Kind {
	case OpModify:
		return p.Modify(o.Field, o.Value), true, nil
	case OpPush:
		return p.Push(o.Field, o.Value), true, nil
	case OpPop:
		out, err := p.Pop(o.Field)
		if err != nil {
			return Packet{}, false, err
		}
		return out, true, nil
	case OpCopy:
		v, present := p.Get(o.Src)
		if !present {
			return Packet{}, false, nil
		}
		return p.Modify(o.Field, v), true, nil
	default:
		return Packet{}, false, fmt.Errorf("unknown op kind %d", o.Kind)
	}
}

func (o Op) String() string {
	switch o.Kind {
	case OpModify:
		return fmt.Sprintf("modify(%s=%s)", o.Field, o.Value)
	case OpPush:
		return fmt.Sprintf("push(%s=%s)", o.Field, o.Value)
	case OpPop:
		return fmt.Sprintf("pop(%s)", o.Field)
	case OpCopy:
		return fmt.Sprintf("copy(%s=%s)", o.Field, o.Src)
	default:
		return fmt.Sprintf("op(%d)", o.Kind)
	}
}

// ApplyAll runs ops in order.
func ApplyAll(p Packet, ops []Op) (Packet, bool, error) {
	for _, o := range ops {
		var (
			ok  bool
			err error
		)
		p, ok, err = o.Apply(p)
		if err != nil || !ok {
			return Packet{}, false, err
		}
	}
	return p, true, nil
}
