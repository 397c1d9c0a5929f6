package tf

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"
)

// SwitchMultiplier spaces port ids of different switches apart.
const SwitchMultiplier = 100000

// PortID returns the network-unique id of a switch port.
func PortID(sw, port uint64) uint64 {
	return sw*SwitchMultiplier + port
}

// SplitPortID is the inverse of PortID.
func SplitPortID(id uint64) (sw, port uint64) {
	return id / SwitchMultiplier, id % SwitchMultiplier
}

// PortMap lists the ports of every switch that take part in a transfer
// function export.
type PortMap struct {
	ports map[uint64][]uint64
}

// NewPortMap builds a port map from a switch to ports listing.
func NewPortMap(swPorts map[uint64][]uint64) *PortMap {
	m := &PortMap{ports: make(map[uint64][]uint64, len(swPorts))}
	for sw, ports := range swPorts {
		ps := append([]uint64(nil), ports...)
		slices.Sort(ps)
		m.ports[sw] = slices.Compact(ps)
	}
	return m
}

// Switches returns the switch ids in ascending order.
func (m *PortMap) Switches() []uint64 {
	out := make([]uint64, 0, len(m.ports))
	for sw := range m.ports {
		out = append(out, sw)
	}
	slices.Sort(out)
	return out
}

// Ports returns the ports of sw in ascending order.
func (m *PortMap) Ports(sw uint64) []uint64 {
	return append([]uint64(nil), m.ports[sw]...)
}

// Has reports whether sw has port.
func (m *PortMap) Has(sw, port uint64) bool {
	_, ok := slices.BinarySearch(m.ports[sw], port)
	return ok
}

// ID returns the id of (sw, port) if the port is known.
func (m *PortMap) ID(sw, port uint64) (uint64, bool) {
	if !m.Has(sw, port) {
		return 0, false
	}
	return PortID(sw, port), true
}

// IDs returns the ids of every port of sw.
func (m *PortMap) IDs(sw uint64) []uint64 {
	out := make([]uint64, 0, len(m.ports[sw]))
	for _, p := range m.ports[sw] {
		out = append(out, PortID(sw, p))
	}
	return out
}

// WriteTo writes the map as one "$s<sw>" header per switch followed by
// "s<sw>-eth<port>:<id>" lines.
func (m *PortMap) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	for _, sw := range m.Switches() {
		fmt.Fprintf(&sb, "$s%d\n", sw)
		for _, p := range m.ports[sw] {
			fmt.Fprintf(&sb, "s%d-eth%d:%d\n", sw, p, PortID(sw, p))
		}
	}
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// ReadPortMap parses the format written by WriteTo.
func ReadPortMap(r io.Reader) (*PortMap, error) {
	swPorts := make(map[uint64][]uint64)
	var (
		current uint64
		seen    bool
		lineNo  int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "$") {
			if _, err := fmt.Sscanf(line, "$s%d", &current); err != nil {
				return nil, fmt.Errorf("%w: line %d: %q", ErrBadPortMap, lineNo, line)
			}
			seen = true
			if _, ok := swPorts[current]; !ok {
				swPorts[current] = nil
			}
			continue
		}
		var sw, port, id uint64
		if _, err := fmt.Sscanf(line, "s%d-eth%d:%d", &sw, &port, &id); err != nil {
			return nil, fmt.Errorf("%w: line %d: %q", ErrBadPortMap, lineNo, line)
		}
		if !seen || sw != current || id != PortID(sw, port) {
			return nil, fmt.Errorf("%w: line %d: inconsistent entry %q", ErrBadPortMap, lineNo, line)
		}
		swPorts[sw] = append(swPorts[sw], port)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read port map: %w", err)
	}
	return NewPortMap(swPorts), nil
}
