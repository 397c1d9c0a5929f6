package reach

import (
	"fmt"
	"net/netip"
	"sort"

	"go4.org/netipx"

	"netpolicy/pkg/hsa/wildcard"
	"netpolicy/pkg/policy/field"
)

// Span places a header field in the flat header a transfer function works
// on. Offset and Length are in bytes; values are right aligned in the span.
type Span struct {
	Name   string
	Offset int
	Length int
	Kind   field.Kind
}

func (s Span) bits() int { return s.Length * 8 }

// Layout is the flat header format used for reachability analysis.
type Layout struct {
	length int
	spans  []Span
	byName map[string]Span
}

// DefaultLayout covers every packet header field in a 31 byte header.
func DefaultLayout() *Layout {
	l, err := NewLayout(31,
		Span{Name: field.SrcMAC, Offset: 0, Length: 6, Kind: field.KindMAC},
		Span{Name: field.DstMAC, Offset: 6, Length: 6, Kind: field.KindMAC},
		Span{Name: field.SrcIP, Offset: 12, Length: 4, Kind: field.KindIP},
		Span{Name: field.DstIP, Offset: 16, Length: 4, Kind: field.KindIP},
		Span{Name: field.TOS, Offset: 20, Length: 1, Kind: field.KindNum},
		Span{Name: field.SrcPort, Offset: 21, Length: 2, Kind: field.KindNum},
		Span{Name: field.DstPort, Offset: 23, Length: 2, Kind: field.KindNum},
		Span{Name: field.EthType, Offset: 25, Length: 2, Kind: field.KindNum},
		Span{Name: field.Protocol, Offset: 27, Length: 1, Kind: field.KindNum},
		Span{Name: field.VlanID, Offset: 28, Length: 2, Kind: field.KindNum},
		Span{Name: field.VlanPCP, Offset: 30, Length: 1, Kind: field.KindNum},
	)
	if err != nil {
		panic(err)
	}
	return l
}

// NewLayout returns a layout of length bytes holding spans, which must not
// overlap or run past the end.
func NewLayout(length int, spans ...Span) (*Layout, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: length %d", ErrBadLayout, length)
	}
	l := &Layout{length: length, byName: make(map[string]Span, len(spans))}
	l.spans = append(l.spans, spans...)
	sort.Slice(l.spans, func(i, j int) bool { return l.spans[i].Offset < l.spans[j].Offset })
	end := 0
	for _, s := range l.spans {
		switch {
		case s.Length <= 0 || s.Length > 8:
			return nil, fmt.Errorf("%w: %s is %d bytes long", ErrBadLayout, s.Name, s.Length)
		case s.Offset < end:
			return nil, fmt.Errorf("%w: %s overlaps the previous field", ErrBadLayout, s.Name)
		case s.Offset+s.Length > length:
			return nil, fmt.Errorf("%w: %s runs past byte %d", ErrBadLayout, s.Name, length)
		}
		if _, ok := l.byName[s.Name]; ok {
			return nil, fmt.Errorf("%w: %s placed twice", ErrBadLayout, s.Name)
		}
		l.byName[s.Name] = s
		end = s.Offset + s.Length
	}
	return l, nil
}

// Length returns the header length in bytes.
func (l *Layout) Length() int { return l.length }

// Width returns the header width in bits.
func (l *Layout) Width() int { return l.length * 8 }

// Spans returns the fields in header order.
func (l *Layout) Spans() []Span {
	return append([]Span(nil), l.spans...)
}

func (l *Layout) span(name string) (Span, error) {
	s, ok := l.byName[name]
	if !ok {
		return Span{}, fmt.Errorf("%w: %s has no place in the header", ErrNotHSACompilable, name)
	}
	return s, nil
}

// Encode returns the wildcard matching the headers that satisfy every
// pattern of m. Absence tests have no encoding.
func (l *Layout) Encode(m map[string]field.Pattern) (wildcard.Wildcard, error) {
	w := wildcard.New(l.Width())
	for name, p := range m {
		s, err := l.span(name)
		if err != nil {
			return wildcard.Wildcard{}, err
		}
		if p.Absent {
			return wildcard.Wildcard{}, fmt.Errorf("%w: %s tests for absence", ErrNotHSACompilable, name)
		}
		v, fixed, _ := p.Bits(s.bits())
		if p.IsPrefix() {
			if s.bits() != 32 {
				return wildcard.Wildcard{}, fmt.Errorf("%w: prefix on %d bit field %s", ErrNotHSACompilable, s.bits(), name)
			}
			w.SetValue(s.Offset*8, fixed, v>>uint(32-fixed))
			continue
		}
		if s.bits() < 64 && v>>uint(s.bits()) != 0 {
			return wildcard.Wildcard{}, fmt.Errorf("%w: %s does not fit %s", ErrNotHSACompilable, p, name)
		}
		w.SetValue(s.Offset*8, s.bits(), v)
	}
	return w, nil
}

// Rewrite returns the mask and rewrite wildcards setting the fields of vals.
// The mask holds 0 on rewritten bits and 1 elsewhere.
func (l *Layout) Rewrite(vals map[string]field.Value) (mask, rewrite wildcard.Wildcard, err error) {
	mask = wildcard.New(l.Width())
	mask.SetRange(0, l.Width(), wildcard.One)
	rewrite = wildcard.New(l.Width())
	rewrite.SetRange(0, l.Width(), wildcard.Zero)
	for name, v := range vals {
		s, err := l.span(name)
		if err != nil {
			return wildcard.Wildcard{}, wildcard.Wildcard{}, err
		}
		mask.SetRange(s.Offset*8, s.bits(), wildcard.Zero)
		rewrite.SetValue(s.Offset*8, s.bits(), v.Uint64())
	}
	return mask, rewrite, nil
}

// Decode returns the patterns described by w, leaving out unconstrained
// fields. ok is false when w is empty. Only IP fields may be wildcarded
// partially, and only as a prefix.
func (l *Layout) Decode(w wildcard.Wildcard) (map[string]field.Pattern, bool, error) {
	if w.Width() != l.Width() {
		return nil, false, fmt.Errorf("%w: %d bit wildcard for a %d bit header", ErrBadLayout, w.Width(), l.Width())
	}
	if w.IsEmpty() {
		return nil, false, nil
	}
	out := make(map[string]field.Pattern)
	for _, s := range l.spans {
		var lo, hi uint64
		free := 0
		for i := 0; i < s.bits(); i++ {
			lo, hi = lo<<1, hi<<1
			switch w.Get(s.Offset*8 + i) {
			case wildcard.One:
				lo, hi = lo|1, hi|1
			case wildcard.X:
				hi |= 1
				free++
			}
		}
		switch {
		case free == s.bits():
			continue
		case free == 0:
			out[s.Name] = field.Exact(field.FromUint64(s.Kind, lo))
		case s.Kind == field.KindIP:
			p, ok := netipx.IPRangeFrom(addr4(lo), addr4(hi)).Prefix()
			if !ok {
				return nil, false, fmt.Errorf("%w: %s is not a prefix", ErrPartialWildcard, s.Name)
			}
			pat, err := field.PrefixOf(p)
			if err != nil {
				return nil, false, fmt.Errorf("failed to decode %s: %w", s.Name, err)
			}
			out[s.Name] = pat
		default:
			return nil, false, fmt.Errorf("%w: %s", ErrPartialWildcard, s.Name)
		}
	}
	return out, true, nil
}

func addr4(v uint64) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
