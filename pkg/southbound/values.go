package southbound

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"netpolicy/pkg/policy/field"
)

// byteList carries bytes as a JSON list of numbers, the way the OpenFlow
// client expects addresses and payloads.
type byteList []byte

func (b byteList) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, x := range b {
		ints[i] = int(x)
	}
	return json.Marshal(ints)
}

func (b *byteList) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	out := make([]byte, len(ints))
	for i, x := range ints {
		if x < 0 || x > 0xff {
			return fmt.Errorf("%w: byte %d out of range", ErrMalformedMessage, x)
		}
		out[i] = byte(x)
	}
	*b = out
	return nil
}

// native reports whether switches carry name in a header of their own.
func native(name string) bool {
	return slices.Contains(field.Headers, name)
}

func kindOf(name string) field.Kind {
	switch name {
	case field.SrcMAC, field.DstMAC:
		return field.KindMAC
	case field.SrcIP, field.DstIP:
		return field.KindIP
	case field.InPort, field.OutPort:
		return field.KindPort
	default:
		return field.KindNum
	}
}

func encodeValue(name string, v field.Value) (any, error) {
	switch v := v.(type) {
	case field.MAC:
		return byteList(v[:]), nil
	case field.IP:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.Uint64()))
		return byteList(b[:]), nil
	case field.Port:
		if v.Bucket {
			return nil, fmt.Errorf("%w: %s=%s", ErrNotWireValue, name, v)
		}
		return v.No, nil
	case nil:
		return nil, fmt.Errorf("%w: %s has no value", ErrNotWireValue, name)
	default:
		return v.Uint64(), nil
	}
}

func encodePattern(name string, p field.Pattern) (any, error) {
	switch {
	case p.Absent:
		return nil, nil
	case p.IsPrefix():
		return p.Prefix.String(), nil
	default:
		return encodeValue(name, p.Value)
	}
}

// decodeValue reads the wire form of a value of name. ok is false for a
// JSON null.
func decodeValue(name string, raw json.RawMessage) (v field.Value, ok bool, err error) {
	if isNull(raw) {
		return nil, false, nil
	}
	switch kindOf(name) {
	case field.KindMAC:
		var b byteList
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, false, fmt.Errorf("%w: %s", err, name)
		}
		if len(b) != 6 {
			return nil, false, fmt.Errorf("%w: %s has %d bytes", ErrMalformedMessage, name, len(b))
		}
		var m field.MAC
		copy(m[:], b)
		return m, true, nil
	case field.KindIP:
		if raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, false, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, name, err)
			}
			ip, err := field.ParseIP(s)
			if err != nil {
				return nil, false, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, name, err)
			}
			return ip, true, nil
		}
		var b byteList
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, false, fmt.Errorf("%w: %s", err, name)
		}
		if len(b) != 4 {
			return nil, false, fmt.Errorf("%w: %s has %d bytes", ErrMalformedMessage, name, len(b))
		}
		return field.IPFromUint64(uint64(binary.BigEndian.Uint32(b))), true, nil
	case field.KindPort:
		n, err := decodeUint(raw, 0xffff)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %s", err, name)
		}
		return field.PhysPort(uint16(n)), true, nil
	default:
		n, err := decodeUint(raw, 1<<63)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %s", err, name)
		}
		return field.Num(n), true, nil
	}
}

func decodePattern(name string, raw json.RawMessage) (field.Pattern, error) {
	if isNull(raw) {
		return field.None(), nil
	}
	if kindOf(name) == field.KindIP && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return field.Pattern{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, name, err)
		}
		if strings.Contains(s, "/") {
			pfx, err := netip.ParsePrefix(s)
			if err != nil {
				return field.Pattern{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, name, err)
			}
			p, err := field.PrefixOf(pfx)
			if err != nil {
				return field.Pattern{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, name, err)
			}
			return p, nil
		}
	}
	v, _, err := decodeValue(name, raw)
	if err != nil {
		return field.Pattern{}, err
	}
	return field.Exact(v), nil
}

func decodeUint(raw json.RawMessage, limit uint64) (uint64, error) {
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if n > limit {
		return 0, fmt.Errorf("%w: %d out of range", ErrMalformedMessage, n)
	}
	return n, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
