package field_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpolicy/pkg/policy/field"
)

func TestBuiltinWidths(t *testing.T) {
	r := field.NewRegistry()
	testCases := map[string]int{
		field.Switch:  16,
		field.InPort:  16,
		field.SrcMAC:  48,
		field.EthType: 16,
		field.VlanID:  12,
		field.VlanPCP: 3,
		field.DstIP:   32,
		field.TOS:     8,
		field.DstPort: 16,
		field.VTag:    12,
	}
	for name, width := range testCases {
		t.Run(name, func(t *testing.T) {
			d, ok := r.Lookup(name)
			require.True(t, ok)
			assert.Equal(t, width, d.Width)
		})
	}
	assert.True(t, field.Required(field.Switch))
	assert.False(t, field.Required(field.VlanID))
}

func TestCheck(t *testing.T) {
	r := field.NewRegistry()
	testCases := []struct {
		Name  string
		Field string
		Value field.Value
		Err   error
	}{
		{Name: "vlan fits", Field: field.VlanID, Value: field.Num(4095)},
		{Name: "vlan overflows", Field: field.VlanID, Value: field.Num(4096), Err: field.ErrWidthMismatch},
		{Name: "pcp overflows", Field: field.VlanPCP, Value: field.Num(8), Err: field.ErrWidthMismatch},
		{Name: "port kind", Field: field.InPort, Value: field.PhysPort(3)},
		{Name: "num for port", Field: field.InPort, Value: field.Num(3), Err: field.ErrKindMismatch},
		{Name: "ip", Field: field.SrcIP, Value: field.MustParseIP("10.0.0.1")},
		{Name: "undeclared", Field: "color", Value: field.Num(1), Err: field.ErrUndeclaredField},
	}
	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			err := r.Check(tc.Field, tc.Value)
			if tc.Err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.Err)
			}
		})
	}
}

func TestDeclareVirtualField(t *testing.T) {
	r := field.NewRegistry()
	require.NoError(t, r.Declare(field.Def{
		Name:   "stage",
		Width:  2,
		Kind:   field.KindNum,
		Domain: []field.Value{field.Num(0), field.Num(1), field.Num(2)},
	}))
	d, ok := r.Lookup("stage")
	require.True(t, ok)
	assert.True(t, d.Virtual)
	assert.NoError(t, r.Check("stage", field.Num(2)))
	assert.ErrorIs(t, r.Check("stage", field.Num(3)), field.ErrNotInDomain)

	assert.ErrorIs(t, r.Declare(field.Def{Name: "stage", Width: 2}), field.ErrDuplicateField)
	assert.ErrorIs(t, r.Declare(field.Def{Name: "wide", Width: 65}), field.ErrBadValue)
	assert.Contains(t, r.Names(), "stage")
}

func TestValueEncoding(t *testing.T) {
	mac := field.MustParseMAC("00:00:00:00:00:0a")
	assert.Equal(t, uint64(10), mac.Uint64())
	assert.Equal(t, mac, field.MACFromUint64(10))
	assert.Equal(t, "00:00:00:00:00:0a", mac.String())

	ip := field.MustParseIP("10.0.0.1")
	assert.Equal(t, uint64(0x0a000001), ip.Uint64())
	assert.Equal(t, ip, field.IPFromUint64(0x0a000001))

	bucket := field.Port{No: 7, Bucket: true}
	assert.Equal(t, uint64(1<<16|7), bucket.Uint64())
	assert.Equal(t, bucket, field.FromUint64(field.KindPort, bucket.Uint64()))
	assert.Equal(t, "flood", field.PhysPort(field.PortFlood).String())

	_, err := field.ParseIP("::1")
	assert.ErrorIs(t, err, field.ErrBadValue)
	_, err = field.ParseMAC("zz")
	assert.ErrorIs(t, err, field.ErrBadValue)
}

func TestPatternMatches(t *testing.T) {
	in := field.MustParseIP("10.0.0.7")
	out := field.MustParseIP("10.0.1.7")
	p := field.MustPrefix("10.0.0.1/24")

	assert.Equal(t, "10.0.0.0/24", p.String())
	assert.True(t, p.Matches(in, true))
	assert.False(t, p.Matches(out, true))
	assert.False(t, p.Matches(in, false))
	assert.False(t, p.Matches(field.Num(1), true))

	assert.True(t, field.None().Matches(nil, false))
	assert.False(t, field.None().Matches(in, true))
	assert.True(t, field.Exact(in).Matches(in, true))

	host := field.MustPrefix("10.0.0.7/32")
	assert.Equal(t, field.Exact(in), host)
}

func TestPatternIntersect(t *testing.T) {
	wide := field.MustPrefix("10.0.0.0/8")
	narrow := field.MustPrefix("10.1.0.0/16")
	other := field.MustPrefix("11.0.0.0/8")
	host := field.Exact(field.MustParseIP("10.1.2.3"))

	testCases := []struct {
		Name string
		A, B field.Pattern
		Want field.Pattern
		OK   bool
	}{
		{Name: "nested prefixes", A: wide, B: narrow, Want: narrow, OK: true},
		{Name: "disjoint prefixes", A: wide, B: other},
		{Name: "host in prefix", A: narrow, B: host, Want: host, OK: true},
		{Name: "equal values", A: host, B: host, Want: host, OK: true},
		{Name: "different values", A: field.Exact(field.Num(1)), B: field.Exact(field.Num(2))},
		{Name: "absent and value", A: field.None(), B: host},
		{Name: "absent and absent", A: field.None(), B: field.None(), Want: field.None(), OK: true},
	}
	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			got, ok := field.Intersect(tc.A, tc.B)
			assert.Equal(t, tc.OK, ok)
			if tc.OK {
				assert.Equal(t, tc.Want, got)
			}
			got, ok = field.Intersect(tc.B, tc.A)
			assert.Equal(t, tc.OK, ok)
			if tc.OK {
				assert.Equal(t, tc.Want, got)
			}
		})
	}
}

func TestParsePattern(t *testing.T) {
	r := field.NewRegistry()
	p, err := r.ParsePattern(field.DstIP, "10.0.0.0/24")
	require.NoError(t, err)
	assert.True(t, p.IsPrefix())
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), p.Prefix)

	p, err = r.ParsePattern(field.VlanID, "None")
	require.NoError(t, err)
	assert.True(t, p.Absent)

	p, err = r.ParsePattern(field.InPort, "2")
	require.NoError(t, err)
	assert.Equal(t, field.Exact(field.PhysPort(2)), p)

	_, err = r.ParsePattern(field.VlanID, "10.0.0.0/8")
	assert.ErrorIs(t, err, field.ErrKindMismatch)
	_, err = r.ParsePattern(field.VlanID, "5000")
	assert.ErrorIs(t, err, field.ErrWidthMismatch)

	v, fixed, ok := field.MustPrefix("10.0.0.0/24").Bits(32)
	require.True(t, ok)
	assert.Equal(t, uint64(0x0a000000), v)
	assert.Equal(t, 24, fixed)
}
