package field

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Kind is the value domain of a field.
type Kind uint8

const (
	KindNum Kind = iota
	KindPort
	KindMAC
	KindIP
)

func (k Kind) String() string {
	switch k {
	case KindNum:
		return "num"
	case KindPort:
		return "port"
	case KindMAC:
		return "mac"
	case KindIP:
		return "ip"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a header field value. Implementations are comparable so values
// can be used in map keys and compared with ==.
type Value interface {
	Kind() Kind
	// Uint64 returns the bit encoding of the value.
	Uint64() uint64
	String() string
}

// Num is an unsigned integer field value.
type Num uint64

func (n Num) Kind() Kind      { return KindNum }
func (n Num) Uint64() uint64  { return uint64(n) }
func (n Num) String() string { return strconv.FormatUint(uint64(n), 10) }

// Reserved port numbers.
const (
	PortInPort     uint16 = 0xfff8
	PortFlood      uint16 = 0xfffb
	PortController uint16 = 0xfffd
)

// Port is a switch port number. Bucket marks abstract query sinks rather
// than physical ports; it is encoded as a discriminator bit above the port
// number.
type Port struct {
	No     uint16
	Bucket bool
}

// PhysPort returns the physical port no.
func PhysPort(no uint16) Port { return Port{No: no} }

func (p Port) Kind() Kind { return KindPort }

func (p Port) Uint64() uint64 {
	v := uint64(p.No)
	if p.Bucket {
		v |= 1 << 16
	}
	return v
}

func (p Port) String() string {
	switch {
	case p.Bucket:
		return fmt.Sprintf("bucket:%d", p.No)
	case p.No == PortFlood:
		return "flood"
	case p.No == PortController:
		return "controller"
	case p.No == PortInPort:
		return "in_port"
	default:
		return strconv.Itoa(int(p.No))
	}
}

// MAC is an Ethernet address.
type MAC [6]byte

// ParseMAC parses a colon separated Ethernet address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return MAC{}, fmt.Errorf("%w: mac %q", ErrBadValue, s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// MustParseMAC is ParseMAC for constants.
func MustParseMAC(s string) MAC {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MACFromUint64 returns the address held in the low 48 bits of v.
func MACFromUint64(v uint64) MAC {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	var m MAC
	copy(m[:], b[2:])
	return m
}

func (m MAC) Kind() Kind { return KindMAC }

func (m MAC) Uint64() uint64 {
	var b [8]byte
	copy(b[2:], m[:])
	return binary.BigEndian.Uint64(b[:])
}

// HardwareAddr returns m as a net.HardwareAddr.
func (m MAC) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(append([]byte(nil), m[:]...))
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IP is an IPv4 address.
type IP struct {
	addr netip.Addr
}

// IPv4 wraps an IPv4 address; IPv4-mapped IPv6 addresses are unmapped.
func IPv4(a netip.Addr) (IP, error) {
	a = a.Unmap()
	if !a.Is4() {
		return IP{}, fmt.Errorf("%w: %s is not an IPv4 address", ErrBadValue, a)
	}
	return IP{addr: a}, nil
}

// ParseIP parses a dotted quad.
func ParseIP(s string) (IP, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return IP{}, fmt.Errorf("%w: ip %q", ErrBadValue, s)
	}
	return IPv4(a)
}

// MustParseIP is ParseIP for constants.
func MustParseIP(s string) IP {
	ip, err := ParseIP(s)
	if err != nil {
		panic(err)
	}
	return ip
}

// IPFromUint64 returns the address held in the low 32 bits of v.
func IPFromUint64(v uint64) IP {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return IP{addr: netip.AddrFrom4(b)}
}

func (ip IP) Kind() Kind { return KindIP }

// Addr returns the address.
func (ip IP) Addr() netip.Addr { return ip.addr }

func (ip IP) Uint64() uint64 {
	if !ip.addr.IsValid() {
		return 0
	}
	b := ip.addr.As4()
	return uint64(binary.BigEndian.Uint32(b[:]))
}

func (ip IP) String() string { return ip.addr.String() }

// FromUint64 decodes the bit encoding of a value of the given kind.
func FromUint64(k Kind, v uint64) Value {
	switch k {
	case KindPort:
		return Port{No: uint16(v), Bucket: v&(1<<16) != 0}
	case KindMAC:
		return MACFromUint64(v)
	case KindIP:
		return IPFromUint64(v)
	default:
		return Num(v)
	}
}
