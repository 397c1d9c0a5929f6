// Package wildcard implements fixed-width ternary bit patterns used for
// header-space analysis.
//
// Each bit of a wildcard is stored as a (prefix, mask) pair:
//
//	(0,0) = 0    (1,0) = 1    (0,1) = x    (1,1) = z
//
// x matches either bit value and z matches nothing. A wildcard holding any z
// bit denotes the empty set.
package wildcard

import (
	"fmt"
	"math/bits"
	"strings"
)

// Bit is the ternary state of a single wildcard position.
type Bit uint8

const (
	Zero Bit = iota
	One
	X
	Z
)

// String returns the character used for the bit in textual wildcards.
func (b Bit) String() string {
	switch b {
	case Zero:
		return "0"
	case One:
		return "1"
	case X:
		return "x"
	default:
		return "z"
	}
}

// Wildcard is a ternary pattern of a fixed number of bits. Bit 0 is the
// leftmost character of the textual form.
type Wildcard struct {
	width  int
	prefix []uint64
	mask   []uint64
}

func words(width int) int {
	return (width + 63) / 64
}

// New returns an all-x wildcard of the given width.
func New(width int) Wildcard {
	if width <= 0 {
		panic(fmt.Sprintf("wildcard: invalid width %d", width))
	}
	w := Wildcard{
		width:  width,
		prefix: make([]uint64, words(width)),
		mask:   make([]uint64, words(width)),
	}
	for i := range w.mask {
		w.mask[i] = ^uint64(0)
	}
	w.trim()
	return w
}

// Empty returns a wildcard of the given width that matches nothing.
func Empty(width int) Wildcard {
	w := New(width)
	w.Set(0, Z)
	return w
}

// FromBits builds a wildcard from raw prefix and mask words.
func FromBits(width int, prefix, mask []uint64) Wildcard {
	w := New(width)
	copy(w.prefix, prefix)
	copy(w.mask, mask)
	w.trim()
	return w
}

// Parse reads a textual wildcard made of 0, 1, x and z characters. Commas and
// whitespace are ignored.
func Parse(s string) (Wildcard, error) {
	var states []Bit
	for _, r := range s {
		switch r {
		case '0':
			states = append(states, Zero)
		case '1':
			states = append(states, One)
		case 'x', 'X':
			states = append(states, X)
		case 'z', 'Z':
			states = append(states, Z)
		case ',', ' ', '\t', '\n':
		default:
			return Wildcard{}, fmt.Errorf("%w: unexpected character %q", ErrSyntax, r)
		}
	}
	if len(states) == 0 {
		return Wildcard{}, fmt.Errorf("%w: empty wildcard", ErrSyntax)
	}
	w := New(len(states))
	for i, b := range states {
		w.Set(i, b)
	}
	return w, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Wildcard {
	w, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return w
}

// Width returns the number of bits in the wildcard.
func (w Wildcard) Width() int {
	return w.width
}

// IsZero reports whether w is the zero value (no width).
func (w Wildcard) IsZero() bool {
	return w.width == 0
}

// Prefix returns a copy of the prefix bit vector.
func (w Wildcard) Prefix() []uint64 {
	return append([]uint64(nil), w.prefix...)
}

// Mask returns a copy of the mask bit vector.
func (w Wildcard) Mask() []uint64 {
	return append([]uint64(nil), w.mask...)
}

func pos(i int) (int, uint64) {
	return i / 64, uint64(1) << (63 - uint(i%64))
}

// Get returns the state of bit i.
func (w Wildcard) Get(i int) Bit {
	if i < 0 || i >= w.width {
		panic(fmt.Sprintf("wildcard: bit %d out of range [0,%d)", i, w.width))
	}
	word, bit := pos(i)
	p := w.prefix[word]&bit != 0
	m := w.mask[word]&bit != 0
	switch {
	case !p && !m:
		return Zero
	case p && !m:
		return One
	case !p && m:
		return X
	default:
		return Z
	}
}

// Set changes bit i in place.
func (w *Wildcard) Set(i int, b Bit) {
	if i < 0 || i >= w.width {
		panic(fmt.Sprintf("wildcard: bit %d out of range [0,%d)", i, w.width))
	}
	word, bit := pos(i)
	w.prefix[word] &^= bit
	w.mask[word] &^= bit
	switch b {
	case One:
		w.prefix[word] |= bit
	case X:
		w.mask[word] |= bit
	case Z:
		w.prefix[word] |= bit
		w.mask[word] |= bit
	}
}

// SetValue writes the low length bits of v, most significant first, starting
// at bit offset.
func (w *Wildcard) SetValue(offset, length int, v uint64) {
	for i := 0; i < length; i++ {
		if v&(uint64(1)<<uint(length-1-i)) != 0 {
			w.Set(offset+i, One)
		} else {
			w.Set(offset+i, Zero)
		}
	}
}

// SetRange sets length bits starting at offset to b.
func (w *Wildcard) SetRange(offset, length int, b Bit) {
	for i := 0; i < length; i++ {
		w.Set(offset+i, b)
	}
}

// Clone returns a deep copy of w.
func (w Wildcard) Clone() Wildcard {
	return Wildcard{
		width:  w.width,
		prefix: append([]uint64(nil), w.prefix...),
		mask:   append([]uint64(nil), w.mask...),
	}
}

// tail returns the valid-bit mask of the last word.
func (w Wildcard) tail() uint64 {
	r := w.width % 64
	if r == 0 {
		return ^uint64(0)
	}
	return ^uint64(0) << uint(64-r)
}

// trim forces the unused bits of the last word to state 0.
func (w *Wildcard) trim() {
	if len(w.prefix) == 0 {
		return
	}
	last := len(w.prefix) - 1
	w.prefix[last] &= w.tail()
	w.mask[last] &= w.tail()
}

// can0 and can1 are the per-word sets of bits that accept 0 and 1.
func (w Wildcard) can0(i int) uint64 { return ^w.prefix[i] }
func (w Wildcard) can1(i int) uint64 { return w.prefix[i] ^ w.mask[i] }

func (w *Wildcard) setCan(i int, c0, c1 uint64) {
	w.prefix[i] = ^c0
	w.mask[i] = ^c0 ^ c1
}

func (w Wildcard) valid(i int) uint64 {
	if i == len(w.prefix)-1 {
		return w.tail()
	}
	return ^uint64(0)
}

// IsEmpty reports whether w contains a z bit and therefore matches nothing.
func (w Wildcard) IsEmpty() bool {
	for i := range w.prefix {
		if (w.prefix[i]&w.mask[i])&w.valid(i) != 0 {
			return true
		}
	}
	return false
}

// IsAll reports whether every bit of w is x.
func (w Wildcard) IsAll() bool {
	for i := range w.prefix {
		v := w.valid(i)
		if w.prefix[i]&v != 0 || w.mask[i]&v != v {
			return false
		}
	}
	return true
}

// CountX returns the number of x bits.
func (w Wildcard) CountX() int {
	n := 0
	for i := range w.prefix {
		n += bits.OnesCount64(w.mask[i] &^ w.prefix[i] & w.valid(i))
	}
	return n
}

// Equal reports whether a and b have identical bits. Two empty wildcards of
// the same width are equal regardless of where their z bits sit.
func Equal(a, b Wildcard) bool {
	if a.width != b.width {
		return false
	}
	ae, be := a.IsEmpty(), b.IsEmpty()
	if ae || be {
		return ae == be
	}
	for i := range a.prefix {
		if a.prefix[i] != b.prefix[i] || a.mask[i] != b.mask[i] {
			return false
		}
	}
	return true
}

func checkWidth(a, b Wildcard) {
	if a.width != b.width {
		panic(fmt.Sprintf("wildcard: width mismatch %d != %d", a.width, b.width))
	}
}

// Intersect returns the pointwise greatest lower bound of a and b.
func Intersect(a, b Wildcard) Wildcard {
	checkWidth(a, b)
	out := New(a.width)
	for i := range a.prefix {
		out.setCan(i, a.can0(i)&b.can0(i), a.can1(i)&b.can1(i))
	}
	out.trim()
	return out
}

// Complement returns wildcards whose union is the complement of a. The result
// holds at most one wildcard per fixed bit of a.
func Complement(a Wildcard) []Wildcard {
	if a.IsEmpty() {
		return []Wildcard{New(a.width)}
	}
	var out []Wildcard
	for i := 0; i < a.width; i++ {
		switch a.Get(i) {
		case Zero:
			c := New(a.width)
			c.Set(i, One)
			out = append(out, c)
		case One:
			c := New(a.width)
			c.Set(i, Zero)
			out = append(out, c)
		}
	}
	return out
}

// Difference returns a minus b as a list of non-empty wildcards.
func Difference(a, b Wildcard) []Wildcard {
	checkWidth(a, b)
	if a.IsEmpty() {
		return nil
	}
	if b.IsEmpty() {
		return []Wildcard{a.Clone()}
	}
	var out []Wildcard
	for _, c := range Complement(b) {
		if in := Intersect(a, c); !in.IsEmpty() {
			out = append(out, in)
		}
	}
	return out
}

// Subset reports whether every header accepted by a is accepted by b.
func Subset(a, b Wildcard) bool {
	checkWidth(a, b)
	if a.IsEmpty() {
		return true
	}
	if b.IsEmpty() {
		return false
	}
	for i := range a.prefix {
		if a.can0(i)&^b.can0(i)&a.valid(i) != 0 || a.can1(i)&^b.can1(i)&a.valid(i) != 0 {
			return false
		}
	}
	return true
}

// Rewrite applies a mask and rewrite to h. Positions where mask accepts 1 (1
// or x) keep h's state; the remaining positions take rw's state. The second
// result counts the x bits of h that the rewrite collapsed; lazily subtracted
// wildcards stay valid after the rewrite only when their count is the same.
func Rewrite(h, mask, rw Wildcard) (Wildcard, int) {
	checkWidth(h, mask)
	checkWidth(h, rw)
	if h.IsEmpty() {
		return h.Clone(), 0
	}
	out := New(h.width)
	card := 0
	for i := range h.prefix {
		keep := mask.can1(i)
		repl := ^keep & h.valid(i)
		hx := h.can0(i) & h.can1(i)
		rx := rw.can0(i) & rw.can1(i)
		card += bits.OnesCount64(repl & hx &^ rx)
		out.setCan(i,
			(h.can0(i)&keep)|(rw.can0(i)&repl),
			(h.can1(i)&keep)|(rw.can1(i)&repl),
		)
	}
	out.trim()
	return out, card
}

// String renders the wildcard as comma separated groups of eight bits.
func (w Wildcard) String() string {
	if w.width == 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i < w.width; i++ {
		if i > 0 && i%8 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(w.Get(i).String())
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (w Wildcard) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (w *Wildcard) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Compress removes wildcards that are empty or covered by another element of
// the list. Order of the survivors is preserved.
func Compress(ws []Wildcard) []Wildcard {
	var out []Wildcard
	for i, w := range ws {
		if w.IsEmpty() {
			continue
		}
		covered := false
		for j, o := range ws {
			if i == j || o.IsEmpty() {
				continue
			}
			if Subset(w, o) && (!Subset(o, w) || j < i) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, w)
		}
	}
	return out
}
