package tf_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpolicy/pkg/hsa/headerspace"
	"netpolicy/pkg/hsa/tf"
	"netpolicy/pkg/hsa/wildcard"
)

func wc(s string) wildcard.Wildcard {
	return wildcard.MustParse(s)
}

func render(h *headerspace.Headerspace) []string {
	var out []string
	for _, w := range h.Wildcards() {
		out = append(out, w.String())
	}
	return out
}

// twoRules builds a table where a specific rule shadows part of a catch-all.
func twoRules(t *testing.T) *tf.TF {
	t.Helper()
	f := tf.New(1)
	f.SetPrefixID("s1")
	_, err := f.AddFwdRule([]uint64{1}, wc("1xxxxxxx"), []uint64{2})
	require.NoError(t, err)
	_, err = f.AddFwdRule([]uint64{1, 3}, wc("xxxxxxxx"), []uint64{3})
	require.NoError(t, err)
	return f
}

func TestInfluences(t *testing.T) {
	f := twoRules(t)
	rules := f.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "s1_1", rules[0].ID)
	assert.Equal(t, "s1_2", rules[1].ID)
	assert.Equal(t, []int{1}, rules[0].InfluenceOn)
	require.Len(t, rules[1].AffectedBy, 1)
	assert.Equal(t, 0, rules[1].AffectedBy[0].Rule)
	assert.Equal(t, "1xxxxxxx", rules[1].AffectedBy[0].Intersect.String())
	assert.Equal(t, []uint64{1}, rules[1].AffectedBy[0].Ports)
}

func TestForwardSubtractsHigherPriority(t *testing.T) {
	f := twoRules(t)
	out := f.T(headerspace.All(8), 1)
	require.Len(t, out, 2)

	assert.Equal(t, []uint64{2}, out[0].Ports)
	assert.Equal(t, []string{"1xxxxxxx"}, render(out[0].HS))
	assert.Equal(t, []uint64{3}, out[1].Ports)
	assert.Equal(t, []string{"0xxxxxxx"}, render(out[1].HS))

	applied := out[1].HS.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, headerspace.AppliedRule{TF: "s1", RuleID: "s1_2", Port: 1}, applied[0])

	// the catch-all would send back out the receiving port
	assert.Empty(t, f.T(headerspace.All(8), 3))
}

func TestSendOnReceivingPortIsPerRule(t *testing.T) {
	f := tf.New(1)
	_, err := f.AddFwdRule([]uint64{3}, wc("xxxxxxxx"), []uint64{3})
	require.NoError(t, err)
	f.SetSendOnReceivingPort(true)
	_, err = f.AddFwdRule([]uint64{4}, wc("xxxxxxxx"), []uint64{4})
	require.NoError(t, err)

	assert.Empty(t, f.T(headerspace.All(8), 3))
	out := f.T(headerspace.All(8), 4)
	require.Len(t, out, 1)
	assert.Equal(t, []uint64{4}, out[0].Ports)

	rules := f.Rules()
	assert.False(t, rules[0].SendOnReceivingPort)
	assert.True(t, rules[1].SendOnReceivingPort)
}

func TestInverseForward(t *testing.T) {
	f := twoRules(t)
	out := f.TInv(headerspace.All(8), 3)
	require.Len(t, out, 1)
	assert.Equal(t, []uint64{1}, out[0].Ports)
	assert.Equal(t, []string{"0xxxxxxx"}, render(out[0].HS))

	out = f.TInv(headerspace.All(8), 2)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"1xxxxxxx"}, render(out[0].HS))
}

func TestRewriteRule(t *testing.T) {
	f := tf.New(1)
	f.SetPrefixID("s2")
	id, err := f.AddRewriteRule([]uint64{1}, wc("0000xxxx"), wc("00001111"), wc("1010xxxx"), []uint64{2})
	require.NoError(t, err)

	r, ok := f.Rule(id)
	require.True(t, ok)
	assert.Equal(t, tf.ActionRewrite, r.Action)
	assert.Equal(t, "10100000", r.Rewrite.String())
	assert.Equal(t, "1010xxxx", r.InverseMatch.String())
	assert.Equal(t, "00000000", r.InverseRewrite.String())

	out := f.T(headerspace.All(8), 1)
	require.Len(t, out, 1)
	assert.Equal(t, []uint64{2}, out[0].Ports)
	assert.Equal(t, []string{"1010xxxx"}, render(out[0].HS))

	inv := f.TInv(headerspace.All(8), 2)
	require.Len(t, inv, 1)
	assert.Equal(t, []uint64{1}, inv[0].Ports)
	assert.Equal(t, []string{"0000xxxx"}, render(inv[0].HS))

	// headers the rewrite can never produce have no preimage
	assert.Empty(t, f.TInv(headerspace.FromWildcards(8, wc("0xxxxxxx")), 2))
}

func TestLinkRules(t *testing.T) {
	topo := tf.New(1)
	topo.SetPrefixID("topology")
	topo.AddLinkRule([]uint64{100001}, []uint64{200001})

	out := topo.T(headerspace.All(8), 100001)
	require.Len(t, out, 1)
	assert.Equal(t, []uint64{200001}, out[0].Ports)
	assert.Len(t, out[0].HS.Applied(), 1)
	assert.Empty(t, topo.T(headerspace.All(8), 200001))

	inv := topo.TInv(headerspace.All(8), 200001)
	require.Len(t, inv, 1)
	assert.Equal(t, []uint64{100001}, inv[0].Ports)
}

func TestIndexDoesNotChangeResults(t *testing.T) {
	queries := []string{"xxxxxxxx", "0xxxxxxx", "1xxxxxxx", "10101010"}
	plain := twoRules(t)
	indexed := twoRules(t)
	indexed.ActivateIndex([]int{0, 1}, 64)

	for _, q := range queries {
		hs := headerspace.FromWildcards(8, wc(q))
		want := plain.T(hs, 1)
		got := indexed.T(hs, 1)
		require.Len(t, got, len(want), q)
		for i := range want {
			assert.Equal(t, want[i].Ports, got[i].Ports, q)
			assert.Equal(t, render(want[i].HS), render(got[i].HS), q)
		}
	}
}

func TestLazyEvaluation(t *testing.T) {
	f := tf.New(2)
	f.SetPrefixID("s7")
	_, err := f.AddRewriteRule([]uint64{1}, wildcard.New(16), wc("11111111,00000000"), wc("xxxxxxxx,11111111"), []uint64{2})
	require.NoError(t, err)
	f.SetLazyEval([]int{1}, true)

	out := f.T(headerspace.All(16), 1)
	require.Len(t, out, 1)
	assert.Equal(t, []uint64{2}, out[0].Ports)
	assert.Equal(t, []headerspace.LazyRule{{TF: "s7", RuleID: "s7_1", Port: 1}}, out[0].HS.Lazy())
	assert.Empty(t, out[0].HS.Applied())

	f.SetLazyEval(nil, false)
	out = f.T(headerspace.All(16), 1)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"xxxxxxxx,11111111"}, render(out[0].HS))
}

func TestWidthMismatch(t *testing.T) {
	f := tf.New(1)
	_, err := f.AddFwdRule([]uint64{1}, wc("xxxx"), []uint64{2})
	assert.ErrorIs(t, err, tf.ErrWidthMismatch)
	_, err = f.AddRewriteRule([]uint64{1}, wc("xxxxxxxx"), wc("0000"), wc("1111"), []uint64{2})
	assert.ErrorIs(t, err, tf.ErrWidthMismatch)
	assert.Equal(t, 0, f.Len())
}

func TestSaveAndLoad(t *testing.T) {
	f := twoRules(t)
	_, err := f.AddRewriteRule([]uint64{3}, wc("0000xxxx"), wc("00001111"), wc("1010xxxx"), []uint64{1})
	require.NoError(t, err)
	f.AddLinkRule([]uint64{9}, []uint64{10})

	path := filepath.Join(t.TempDir(), "s1.tf.json")
	require.NoError(t, f.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, float64(1), doc["length"])
	assert.Equal(t, "s1", doc["prefix_id"])
	assert.Equal(t, float64(4), doc["next_id"])
	rules := doc["rules"].([]any)
	require.Len(t, rules, 4)
	second := rules[1].(map[string]any)
	assert.Equal(t, []any{[]any{float64(0), "1xxxxxxx", []any{float64(1)}}}, second["affected_by"])
	assert.Nil(t, second["mask"])
	assert.Equal(t, "fwd", second["action"])
	assert.Nil(t, rules[3].(map[string]any)["match"])

	loaded, err := tf.Load(path)
	require.NoError(t, err)
	require.Equal(t, f.Len(), loaded.Len())
	for i, r := range f.Rules() {
		l := loaded.Rules()[i]
		assert.Equal(t, r.ID, l.ID)
		assert.Equal(t, r.Action, l.Action)
		assert.Equal(t, r.String(), l.String())
		assert.ElementsMatch(t, r.InfluenceOn, l.InfluenceOn)
		assert.Equal(t, len(r.AffectedBy), len(l.AffectedBy))
	}

	for _, port := range []uint64{1, 3, 9} {
		want := f.T(headerspace.All(8), port)
		got := loaded.T(headerspace.All(8), port)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, render(want[i].HS), render(got[i].HS))
		}
	}

	// ids continue after the persisted counter
	loaded.SetPrefixID("s1")
	id, err := loaded.AddFwdRule([]uint64{1}, wildcard.New(8), nil)
	require.NoError(t, err)
	assert.Equal(t, "s1_5", id)
}

func TestLoadRejectsBadInput(t *testing.T) {
	f := tf.New(0)
	err := json.Unmarshal([]byte(`{"length":1,"rules":[{"id":"a","action":"custom"}]}`), f)
	assert.ErrorIs(t, err, tf.ErrUnknownAction)

	err = json.Unmarshal([]byte(`{"length":1,"rules":[{"id":"a","action":"fwd","match":"xxxxxxxx","affected_by":[[4,"xxxxxxxx",[1]]]}]}`), f)
	assert.ErrorIs(t, err, tf.ErrBadRuleIndex)

	err = json.Unmarshal([]byte(`{"length":2,"rules":[{"id":"a","action":"fwd","match":"xxxxxxxx"}]}`), f)
	assert.ErrorIs(t, err, tf.ErrWidthMismatch)
}

func TestPortMap(t *testing.T) {
	m := tf.NewPortMap(map[uint64][]uint64{2: {1}, 1: {2, 1}})
	id, ok := m.ID(1, 2)
	require.True(t, ok)
	assert.Equal(t, uint64(100002), id)
	_, ok = m.ID(2, 5)
	assert.False(t, ok)

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "$s1\ns1-eth1:100001\ns1-eth2:100002\n$s2\ns2-eth1:200001\n", buf.String())

	back, err := tf.ReadPortMap(&buf)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, back.Switches())
	assert.Equal(t, []uint64{1, 2}, back.Ports(1))
	assert.Equal(t, []uint64{200001}, back.IDs(2))

	sw, port := tf.SplitPortID(300017)
	assert.Equal(t, uint64(3), sw)
	assert.Equal(t, uint64(17), port)

	_, err = tf.ReadPortMap(strings.NewReader("s1-eth1:100001\n"))
	assert.ErrorIs(t, err, tf.ErrBadPortMap)
	_, err = tf.ReadPortMap(strings.NewReader("$s1\ns1-eth1:7\n"))
	assert.ErrorIs(t, err, tf.ErrBadPortMap)
}
