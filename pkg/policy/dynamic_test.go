package policy_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
)

func TestDynamicNotifications(t *testing.T) {
	top := policy.NewDynamic("top", policy.Fwd(1))
	calls := 0
	cancel := top.Subscribe(func() { calls++ })

	require.NoError(t, top.Set(policy.Fwd(2)))
	assert.Equal(t, 1, calls)

	child := policy.NewDynamic("child", policy.Drop)
	require.NoError(t, top.Set(policy.Par(child, policy.Fwd(1))))
	assert.Equal(t, 2, calls)

	// changes inside a nested dynamic policy reach the parent's subscribers
	require.NoError(t, child.Set(policy.Fwd(3)))
	assert.Equal(t, 3, calls)
	out := policy.Eval(top, located(1, 1, "10.0.0.1"))
	assert.Equal(t, 2, out.Len())

	// a replaced child no longer notifies
	require.NoError(t, top.Set(policy.Fwd(1)))
	assert.Equal(t, 4, calls)
	require.NoError(t, child.Set(policy.Drop))
	assert.Equal(t, 4, calls)

	cancel()
	cancel()
	require.NoError(t, top.Set(policy.Drop))
	assert.Equal(t, 4, calls)
}

func TestDynamicCycle(t *testing.T) {
	outer := policy.NewDynamic("outer", nil)
	inner := policy.NewDynamic("inner", nil)
	require.NoError(t, outer.Set(policy.Seq(policy.Fwd(1), inner)))

	err := inner.Set(policy.Par(outer, policy.Fwd(2)))
	assert.ErrorIs(t, err, policy.ErrCycle)
	err = outer.Set(outer)
	assert.ErrorIs(t, err, policy.ErrCycle)

	// a recursion point is the sanctioned way back
	r := policy.NewRecurse()
	require.NoError(t, r.Bind(outer))
	assert.NoError(t, inner.Set(policy.Par(r, policy.Fwd(2))))
}

func TestDynamicStates(t *testing.T) {
	d := policy.NewDynamic("d", policy.Fwd(1))
	assert.Equal(t, policy.StateDirty, d.State())

	snap, v := d.BeginCompile()
	assert.Equal(t, policy.StateCompiling, d.State())
	assert.Equal(t, "fwd(1)", snap.String())
	assert.Equal(t, policy.StateIdle, d.EndCompile(v, true))

	_, v = d.BeginCompile()
	require.NoError(t, d.Set(policy.Fwd(2)))
	assert.Equal(t, policy.StateDirty, d.EndCompile(v, true))

	_, v = d.BeginCompile()
	assert.Equal(t, policy.StateDirty, d.EndCompile(v, false))
	assert.Equal(t, "dirty", d.State().String())
}

func TestDynamicConcurrentSet(t *testing.T) {
	d := policy.NewDynamic("d", nil)
	var mu sync.Mutex
	seen := 0
	d.Subscribe(func() {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = d.Set(policy.Fwd(uint16(i)))
			_ = policy.Eval(d, located(1, 1, "10.0.0.1"))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, seen)
	assert.Equal(t, uint64(17), d.Version())
	assert.Equal(t, []*policy.Dynamic{d}, policy.Dynamics(policy.Par(d, policy.MatchValue(field.Switch, field.Num(1)))))
}

type tree map[uint64][]uint16

func (t tree) SpanningTree() map[uint64][]uint16 { return t }
func (t tree) EdgePorts() map[uint64][]uint16    { return map[uint64][]uint16{1: {1}} }

func TestNetworkDynamics(t *testing.T) {
	flood := policy.Flood()
	ingress := policy.IngressNetwork()
	inner := policy.Flood()
	scope := policy.NewDynamic("scope", inner)
	var scoped []policy.NetworkView
	scope.OnNetworkScoped(func(_ *policy.Dynamic, v policy.NetworkView) { scoped = append(scoped, v) })

	top := policy.Par(policy.Seq(ingress, flood), scope)
	k := located(1, 1, "10.0.0.1")
	assert.True(t, policy.Eval(top, k).IsEmpty())

	calls := 0
	flood.Subscribe(func() { calls++ })
	v := tree{1: {1, 2, 3}}
	policy.Notify(top, v)
	assert.Equal(t, 2, policy.Eval(top, k).Len())
	assert.Equal(t, 1, calls)
	assert.Len(t, scoped, 1)
	// the scope decides what its contents see
	assert.Equal(t, "drop", inner.Policy().String())

	// an unchanged tree does not replace the policy
	policy.Notify(top, v)
	assert.Equal(t, 1, calls)

	// packets entering elsewhere are not flooded
	assert.True(t, policy.Eval(top, located(1, 2, "10.0.0.1")).IsEmpty())
}
