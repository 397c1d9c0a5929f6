package wildcard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpolicy/pkg/hsa/wildcard"
)

// all3 enumerates every ternary wildcard of width 3 without z bits, plus one
// empty wildcard.
func all3() []wildcard.Wildcard {
	states := []string{"0", "1", "x"}
	var out []wildcard.Wildcard
	for _, a := range states {
		for _, b := range states {
			for _, c := range states {
				out = append(out, wildcard.MustParse(a+b+c))
			}
		}
	}
	return append(out, wildcard.MustParse("0z1"))
}

// members returns the concrete 3-bit headers accepted by w.
func members(w wildcard.Wildcard) map[int]bool {
	out := make(map[int]bool)
	for v := 0; v < 8; v++ {
		h := wildcard.New(3)
		h.SetValue(0, 3, uint64(v))
		if !wildcard.Intersect(h, w).IsEmpty() {
			out[v] = true
		}
	}
	return out
}

func unionMembers(ws []wildcard.Wildcard) map[int]bool {
	out := make(map[int]bool)
	for _, w := range ws {
		for v := range members(w) {
			out[v] = true
		}
	}
	return out
}

func TestParseAndString(t *testing.T) {
	w, err := wildcard.Parse("0101xxxx,1z")
	require.NoError(t, err)
	assert.Equal(t, 10, w.Width())
	assert.Equal(t, "0101xxxx,1z", w.String())
	assert.True(t, w.IsEmpty())
	assert.Equal(t, wildcard.X, w.Get(5))
	assert.Equal(t, wildcard.One, w.Get(8))

	_, err = wildcard.Parse("01q")
	assert.ErrorIs(t, err, wildcard.ErrSyntax)
	_, err = wildcard.Parse("")
	assert.ErrorIs(t, err, wildcard.ErrSyntax)
}

func TestBitEncoding(t *testing.T) {
	w := wildcard.MustParse("01xz")
	// (prefix, mask) per bit: 0=(0,0) 1=(1,0) x=(0,1) z=(1,1)
	assert.Equal(t, uint64(0b0101)<<60, w.Prefix()[0])
	assert.Equal(t, uint64(0b0011)<<60, w.Mask()[0])
}

func TestWideWildcards(t *testing.T) {
	w := wildcard.New(130)
	assert.True(t, w.IsAll())
	w.SetValue(96, 8, 0xa5)
	// 96 bits plus 12 separating commas precede the group.
	assert.Equal(t, "10100101", w.String()[108:116])
	assert.Equal(t, 122, w.CountX())
	assert.False(t, w.IsEmpty())

	other := wildcard.New(130)
	other.Set(129, wildcard.Zero)
	in := wildcard.Intersect(w, other)
	assert.Equal(t, wildcard.Zero, in.Get(129))
	assert.Equal(t, wildcard.One, in.Get(96))
}

func TestIntersect(t *testing.T) {
	testCases := []struct {
		Name string
		A, B string
		Want string
	}{
		{Name: "x absorbs", A: "x1x", B: "0xx", Want: "01x"},
		{Name: "conflict is empty", A: "0xx", B: "1xx", Want: "zxx"},
		{Name: "z absorbs", A: "zxx", B: "xxx", Want: "zxx"},
		{Name: "identical", A: "101", B: "101", Want: "101"},
	}
	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			got := wildcard.Intersect(wildcard.MustParse(tc.A), wildcard.MustParse(tc.B))
			assert.True(t, wildcard.Equal(wildcard.MustParse(tc.Want), got), "got %s", got)
		})
	}
}

func TestWidthMismatchPanics(t *testing.T) {
	assert.Panics(t, func() {
		wildcard.Intersect(wildcard.New(3), wildcard.New(4))
	})
	assert.Panics(t, func() {
		wildcard.Subset(wildcard.New(3), wildcard.New(4))
	})
}

func TestAlgebraProperties(t *testing.T) {
	ws := all3()
	for _, a := range ws {
		ma := members(a)

		comp := wildcard.Complement(a)
		assert.LessOrEqual(t, len(comp), 3)
		mc := unionMembers(comp)
		for v := 0; v < 8; v++ {
			assert.NotEqual(t, ma[v], mc[v], "complement of %s at %d", a, v)
		}

		// complement(complement(a)) == a as sets
		var back []wildcard.Wildcard
		full := []wildcard.Wildcard{wildcard.New(3)}
		for _, c := range comp {
			var next []wildcard.Wildcard
			for _, f := range full {
				next = append(next, wildcard.Difference(f, c)...)
			}
			full = next
		}
		back = full
		assert.Equal(t, ma, unionMembers(back), "double complement of %s", a)

		for _, b := range ws {
			mb := members(b)
			ab := wildcard.Intersect(a, b)
			ba := wildcard.Intersect(b, a)
			assert.True(t, wildcard.Equal(ab, ba), "commutative %s %s", a, b)
			assert.True(t, wildcard.Subset(ab, a))

			union := unionMembers([]wildcard.Wildcard{a, b})
			for v := range ma {
				assert.True(t, union[v])
			}

			diff := unionMembers(wildcard.Difference(a, b))
			for v := 0; v < 8; v++ {
				assert.Equal(t, ma[v] && !mb[v], diff[v], "difference %s - %s at %d", a, b, v)
			}

			sub := true
			for v := range ma {
				if !mb[v] {
					sub = false
				}
			}
			assert.Equal(t, sub, wildcard.Subset(a, b), "subset %s %s", a, b)
		}
	}
}

func TestRewrite(t *testing.T) {
	h := wildcard.MustParse("xx01")
	mask := wildcard.MustParse("0011")
	rw := wildcard.MustParse("1000")

	got, card := wildcard.Rewrite(h, mask, rw)
	assert.Equal(t, "1001", got.String())
	assert.Equal(t, 2, card)

	got, card = wildcard.Rewrite(wildcard.MustParse("1101"), mask, rw)
	assert.Equal(t, "1001", got.String())
	assert.Equal(t, 0, card)

	// A ternary rewrite value restores x bits.
	got, card = wildcard.Rewrite(wildcard.MustParse("1101"), mask, wildcard.MustParse("x0xx"))
	assert.Equal(t, "x001", got.String())
	assert.Equal(t, 0, card)

	empty := wildcard.MustParse("z101")
	got, _ = wildcard.Rewrite(empty, mask, rw)
	assert.True(t, got.IsEmpty())
}

func TestCompress(t *testing.T) {
	ws := []wildcard.Wildcard{
		wildcard.MustParse("01x"),
		wildcard.MustParse("0xx"),
		wildcard.MustParse("0xx"),
		wildcard.MustParse("z00"),
		wildcard.MustParse("1x1"),
	}
	got := wildcard.Compress(ws)
	require.Len(t, got, 2)
	assert.Equal(t, "0xx", got[0].String())
	assert.Equal(t, "1x1", got[1].String())
}

func TestTextMarshaling(t *testing.T) {
	w := wildcard.MustParse("0x1z")
	text, err := w.MarshalText()
	require.NoError(t, err)
	var back wildcard.Wildcard
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, w.String(), back.String())
}
