package topology

// MinimumSpanningTree returns a spanning forest of t. Every link has the
// same weight; ties are broken by link order, so the result is
// deterministic. Ports of links left out of the tree are removed.
func (t *Topology) MinimumSpanningTree() *Topology {
	parent := make(map[uint64]uint64, len(t.switches))
	var find func(uint64) uint64
	find = func(x uint64) uint64 {
		p, ok := parent[x]
		if !ok || p == x {
			parent[x] = x
			return x
		}
		r := find(p)
		parent[x] = r
		return r
	}

	out := t.Clone()
	for _, l := range t.Links() {
		ra, rb := find(l.A.Switch), find(l.B.Switch)
		if ra != rb {
			parent[ra] = rb
			continue
		}
		out.RemovePort(l.A.Switch, l.A.Port)
		out.RemovePort(l.B.Switch, l.B.Port)
	}
	return out
}

// SpanningTree maps every switch to the ports it floods on: those of its
// minimum spanning tree links and those leading out of the network.
func (t *Topology) SpanningTree() map[uint64][]uint16 {
	mst := t.MinimumSpanningTree()
	out := make(map[uint64][]uint16, len(mst.switches))
	for _, sw := range mst.Switches() {
		ports := []uint16{}
		for _, p := range mst.Ports(sw) {
			if p.PossiblyUp() {
				ports = append(ports, p.No)
			}
		}
		out[sw] = ports
	}
	return out
}

// EdgePorts maps switches to their egress ports.
func (t *Topology) EdgePorts() map[uint64][]uint16 {
	out := make(map[uint64][]uint16)
	for _, loc := range t.EgressLocations() {
		out[loc.Switch] = append(out[loc.Switch], loc.Port)
	}
	return out
}

// ShortestPaths returns, for every ordered pair of connected switches, the
// output ports taken along a shortest path from the first to the second.
// The path from a switch to itself is empty.
func (t *Topology) ShortestPaths() map[uint64]map[uint64][]Location {
	out := make(map[uint64]map[uint64][]Location, len(t.switches))
	for _, src := range t.Switches() {
		prev := map[uint64]uint64{src: src}
		queue := []uint64{src}
		for len(queue) > 0 {
			sw := queue[0]
			queue = queue[1:]
			for _, n := range t.Neighbors(sw) {
				if _, ok := prev[n]; !ok {
					prev[n] = sw
					queue = append(queue, n)
				}
			}
		}

		paths := make(map[uint64][]Location, len(prev))
		for dst := range prev {
			var hops []Location
			for cur := dst; cur != src; cur = prev[cur] {
				from := prev[cur]
				hops = append(hops, t.exit(from, cur))
			}
			for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
				hops[i], hops[j] = hops[j], hops[i]
			}
			if hops == nil {
				hops = []Location{}
			}
			paths[dst] = hops
		}
		out[src] = paths
	}
	return out
}

// exit returns the port of from on its link to to.
func (t *Topology) exit(from, to uint64) Location {
	l := t.links[pairOf(from, to)]
	if l.A.Switch == from {
		return l.A
	}
	return l.B
}
