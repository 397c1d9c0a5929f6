package topology_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpolicy/pkg/network/topology"
)

func loc(sw uint64, port uint16) topology.Location {
	return topology.Location{Switch: sw, Port: port}
}

// triangle links three switches pairwise; port 1 of each faces a host.
func triangle(t *testing.T) *topology.Topology {
	t.Helper()
	topo := topology.New()
	for sw := uint64(1); sw <= 3; sw++ {
		topo.AddSwitch(sw)
		for p := uint16(1); p <= 3; p++ {
			require.NoError(t, topo.AddPort(sw, p, true, true))
		}
	}
	require.NoError(t, topo.AddLink(loc(1, 2), loc(2, 2)))
	require.NoError(t, topo.AddLink(loc(1, 3), loc(3, 2)))
	require.NoError(t, topo.AddLink(loc(2, 3), loc(3, 3)))
	return topo
}

func chain(t *testing.T, n uint64) *topology.Topology {
	t.Helper()
	topo := topology.New()
	for sw := uint64(1); sw <= n; sw++ {
		topo.AddSwitch(sw)
		for p := uint16(1); p <= 3; p++ {
			require.NoError(t, topo.AddPort(sw, p, true, true))
		}
	}
	for sw := uint64(1); sw < n; sw++ {
		require.NoError(t, topo.AddLink(loc(sw, 3), loc(sw+1, 2)))
	}
	return topo
}

func TestLocations(t *testing.T) {
	topo := triangle(t)
	assert.Equal(t, []topology.Location{loc(1, 1), loc(2, 1), loc(3, 1)}, topo.EgressLocations())
	assert.Len(t, topo.InteriorLocations(), 6)
	assert.Equal(t, map[uint64][]uint16{1: {1}, 2: {1}, 3: {1}}, topo.EdgePorts())

	// a port down in both config and status is not egress
	require.NoError(t, topo.AddPort(1, 1, false, false))
	assert.Equal(t, []topology.Location{loc(2, 1), loc(3, 1)}, topo.EgressLocations())
	// a port reported down but configured up may still be up
	require.NoError(t, topo.AddPort(1, 1, true, false))
	assert.Len(t, topo.EgressLocations(), 3)
}

func TestSpanningTree(t *testing.T) {
	topo := triangle(t)
	want := map[uint64][]uint16{1: {1, 2, 3}, 2: {1, 2}, 3: {1, 2}}
	if diff := cmp.Diff(want, topo.SpanningTree()); diff != "" {
		t.Errorf("spanning tree mismatch (-want +got):\n%s", diff)
	}
	mst := topo.MinimumSpanningTree()
	assert.Len(t, mst.Links(), 2)
	assert.True(t, mst.IsConnected())
	// the source topology is untouched
	assert.Len(t, topo.Links(), 3)
}

func TestShortestPaths(t *testing.T) {
	paths := chain(t, 3).ShortestPaths()
	assert.Equal(t, []topology.Location{loc(1, 3), loc(2, 3)}, paths[1][3])
	assert.Equal(t, []topology.Location{loc(3, 2), loc(2, 2)}, paths[3][1])
	assert.Equal(t, []topology.Location{}, paths[2][2])

	paths = triangle(t).ShortestPaths()
	assert.Equal(t, []topology.Location{loc(2, 3)}, paths[2][3])
}

func TestMutations(t *testing.T) {
	topo := chain(t, 3)
	assert.True(t, topo.IsConnected())
	assert.False(t, topology.New().IsConnected())

	err := topo.AddLink(loc(1, 9), loc(2, 1))
	assert.ErrorIs(t, err, topology.ErrUnknownPort)
	err = topo.AddPort(7, 1, true, true)
	assert.ErrorIs(t, err, topology.ErrUnknownSwitch)

	cp := topo.Clone()
	topo.RemoveSwitch(2)
	assert.False(t, topo.IsConnected())
	assert.Empty(t, topo.Links())
	p, ok := topo.Port(1, 3)
	require.True(t, ok)
	assert.Nil(t, p.LinkedTo)
	assert.Len(t, cp.Links(), 2)
	assert.False(t, topo.Equal(cp))
	assert.True(t, cp.Equal(chain(t, 3)))

	filtered := cp.FilterOut(3)
	assert.Contains(t, filtered.EgressLocations(), loc(2, 3))

	cp.RemoveLink(loc(2, 2))
	assert.Len(t, cp.Links(), 1)
	cp.RemovePort(2, 3)
	assert.Empty(t, cp.Links())
}

func TestRelinkReusedPort(t *testing.T) {
	topo := triangle(t)
	require.NoError(t, topo.AddLink(loc(1, 2), loc(3, 3)))
	assert.Equal(t, []topology.Link{{A: loc(1, 2), B: loc(3, 3)}}, topo.Links())
	p, _ := topo.Port(2, 2)
	assert.Nil(t, p.LinkedTo)
	p, _ = topo.Port(3, 3)
	require.NotNil(t, p.LinkedTo)
	assert.Equal(t, loc(1, 2), *p.LinkedTo)
}

func TestRender(t *testing.T) {
	out := chain(t, 2).String()
	assert.True(t, strings.Contains(out, "SWITCH EDGES"), out)
	assert.Contains(t, out, "1[3] --- 2[2]")
	assert.Contains(t, out, "2[3]---")
}
