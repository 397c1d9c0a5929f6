package packet

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"netpolicy/pkg/policy/field"
)

// Decode parses an Ethernet frame received on (sw, inport) into a packet
// whose header fields mirror the frame and whose payload is the frame.
func Decode(raw []byte, sw uint64, inport uint16) (Packet, error) {
	gp := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := gp.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return Packet{}, fmt.Errorf("%w: no ethernet header", ErrMalformed)
	}

	vals := map[string]field.Value{
		field.Switch:  field.Num(sw),
		field.InPort:  field.PhysPort(inport),
		field.SrcMAC:  macOf(eth.SrcMAC),
		field.DstMAC:  macOf(eth.DstMAC),
		field.EthType: field.Num(eth.EthernetType),
	}
	if q, ok := gp.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
		vals[field.VlanID] = field.Num(q.VLANIdentifier)
		vals[field.VlanPCP] = field.Num(q.Priority)
		vals[field.EthType] = field.Num(q.Type)
	}
	if ip, ok := gp.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		if v, err := ipOf(ip.SrcIP); err == nil {
			vals[field.SrcIP] = v
		}
		if v, err := ipOf(ip.DstIP); err == nil {
			vals[field.DstIP] = v
		}
		vals[field.Protocol] = field.Num(ip.Protocol)
		vals[field.TOS] = field.Num(ip.TOS)
	}
	if arp, ok := gp.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		if v, err := ipOf(arp.SourceProtAddress); err == nil {
			vals[field.SrcIP] = v
		}
		if v, err := ipOf(arp.DstProtAddress); err == nil {
			vals[field.DstIP] = v
		}
		vals[field.Protocol] = field.Num(arp.Operation)
	}
	switch l := gp.TransportLayer().(type) {
	case *layers.TCP:
		vals[field.SrcPort] = field.Num(l.SrcPort)
		vals[field.DstPort] = field.Num(l.DstPort)
	case *layers.UDP:
		vals[field.SrcPort] = field.Num(l.SrcPort)
		vals[field.DstPort] = field.Num(l.DstPort)
	}
	if icmp, ok := gp.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		vals[field.SrcPort] = field.Num(icmp.TypeCode.Type())
		vals[field.DstPort] = field.Num(icmp.TypeCode.Code())
	}
	return New(vals).WithPayload(raw), nil
}

var serializeOptions = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// Serialize renders p as an Ethernet frame. When p carries a payload the
// frame is re-encoded with p's header values written over it, so the frame
// reflects every modification; otherwise a minimal frame is built from the
// headers alone.
func Serialize(p Packet) ([]byte, error) {
	var (
		ls  []gopacket.SerializableLayer
		err error
	)
	if len(p.payload) > 0 {
		ls, err = rewriteLayers(p)
	} else {
		ls, err = buildLayers(p)
	}
	if err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, ls...); err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %w", err)
	}
	return buf.Bytes(), nil
}

func rewriteLayers(p Packet) ([]gopacket.SerializableLayer, error) {
	gp := gopacket.NewPacket(p.payload, layers.LayerTypeEthernet, gopacket.Default)
	decoded := gp.Layers()
	if len(decoded) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	eth, ok := decoded[0].(*layers.Ethernet)
	if !ok {
		return nil, fmt.Errorf("%w: no ethernet header", ErrMalformed)
	}
	setEthernet(p, eth)

	var (
		rest []gopacket.SerializableLayer
		ip   *layers.IPv4
	)
	for _, l := range decoded[1:] {
		switch l := l.(type) {
		case *layers.Dot1Q:
			// rebuilt below from the vlan fields
			continue
		case *layers.IPv4:
			setIPv4(p, l)
			ip = l
		case *layers.ARP:
			setARP(p, l)
		case *layers.TCP:
			setPorts(p, &l.SrcPort, &l.DstPort)
			if ip != nil {
				_ = l.SetNetworkLayerForChecksum(ip)
			}
		case *layers.UDP:
			setPorts(p, &l.SrcPort, &l.DstPort)
			if ip != nil {
				_ = l.SetNetworkLayerForChecksum(ip)
			}
		}
		sl, ok := l.(gopacket.SerializableLayer)
		if !ok {
			return nil, fmt.Errorf("%w: layer %s cannot be serialized", ErrMalformed, l.LayerType())
		}
		rest = append(rest, sl)
	}

	out := []gopacket.SerializableLayer{eth}
	if q := dot1q(p); q != nil {
		q.Type = eth.EthernetType
		eth.EthernetType = layers.EthernetTypeDot1Q
		out = append(out, q)
	}
	return append(out, rest...), nil
}

func buildLayers(p Packet) ([]gopacket.SerializableLayer, error) {
	eth := &layers.Ethernet{}
	setEthernet(p, eth)
	out := []gopacket.SerializableLayer{eth}
	if q := dot1q(p); q != nil {
		q.Type = eth.EthernetType
		eth.EthernetType = layers.EthernetTypeDot1Q
		out = append(out, q)
	}

	switch ethType(p) {
	case layers.EthernetTypeIPv4:
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64}
		setIPv4(p, ip)
		out = append(out, ip)
		switch ip.Protocol {
		case layers.IPProtocolTCP:
			tcp := &layers.TCP{Window: 0xffff}
			setPorts(p, &tcp.SrcPort, &tcp.DstPort)
			_ = tcp.SetNetworkLayerForChecksum(ip)
			out = append(out, tcp)
		case layers.IPProtocolUDP:
			udp := &layers.UDP{}
			setPorts(p, &udp.SrcPort, &udp.DstPort)
			_ = udp.SetNetworkLayerForChecksum(ip)
			out = append(out, udp)
		case layers.IPProtocolICMPv4:
			icmp := &layers.ICMPv4{}
			t, _ := num(p, field.SrcPort)
			c, _ := num(p, field.DstPort)
			icmp.TypeCode = layers.CreateICMPv4TypeCode(uint8(t), uint8(c))
			out = append(out, icmp)
		}
	case layers.EthernetTypeARP:
		arp := &layers.ARP{
			AddrType:        layers.LinkTypeEthernet,
			Protocol:        layers.EthernetTypeIPv4,
			HwAddressSize:   6,
			ProtAddressSize: 4,
		}
		src, _ := p.Get(field.SrcMAC)
		dst, _ := p.Get(field.DstMAC)
		arp.SourceHwAddress = hwAddr(src)
		arp.DstHwAddress = hwAddr(dst)
		setARP(p, arp)
		out = append(out, arp)
	}
	return out, nil
}

func setEthernet(p Packet, eth *layers.Ethernet) {
	if v, ok := p.Get(field.SrcMAC); ok {
		eth.SrcMAC = hwAddr(v)
	}
	if v, ok := p.Get(field.DstMAC); ok {
		eth.DstMAC = hwAddr(v)
	}
	eth.EthernetType = ethType(p)
}

func setIPv4(p Packet, ip *layers.IPv4) {
	if v, ok := p.Get(field.SrcIP); ok {
		ip.SrcIP = netIP(v)
	}
	if v, ok := p.Get(field.DstIP); ok {
		ip.DstIP = netIP(v)
	}
	if n, ok := num(p, field.Protocol); ok {
		ip.Protocol = layers.IPProtocol(n)
	}
	if n, ok := num(p, field.TOS); ok {
		ip.TOS = uint8(n)
	}
}

func setARP(p Packet, arp *layers.ARP) {
	if v, ok := p.Get(field.SrcIP); ok {
		arp.SourceProtAddress = netIP(v)
	}
	if v, ok := p.Get(field.DstIP); ok {
		arp.DstProtAddress = netIP(v)
	}
	if n, ok := num(p, field.Protocol); ok {
		arp.Operation = uint16(n)
	}
}

func setPorts[T ~uint16](p Packet, src, dst *T) {
	if n, ok := num(p, field.SrcPort); ok {
		*src = T(n)
	}
	if n, ok := num(p, field.DstPort); ok {
		*dst = T(n)
	}
}

func dot1q(p Packet) *layers.Dot1Q {
	id, ok := num(p, field.VlanID)
	if !ok {
		return nil
	}
	pcp, _ := num(p, field.VlanPCP)
	return &layers.Dot1Q{VLANIdentifier: uint16(id), Priority: uint8(pcp)}
}

func ethType(p Packet) layers.EthernetType {
	n, _ := num(p, field.EthType)
	return layers.EthernetType(n)
}

func num(p Packet, name string) (uint64, bool) {
	v, ok := p.Get(name)
	if !ok {
		return 0, false
	}
	return v.Uint64(), true
}

func macOf(hw net.HardwareAddr) field.MAC {
	var m field.MAC
	copy(m[:], hw)
	return m
}

func hwAddr(v field.Value) net.HardwareAddr {
	m, ok := v.(field.MAC)
	if !ok {
		m = field.MACFromUint64(v.Uint64())
	}
	return m.HardwareAddr()
}

func ipOf(b []byte) (field.IP, error) {
	ip := net.IP(b).To4()
	if ip == nil {
		return field.IP{}, fmt.Errorf("%w: not an IPv4 address", ErrMalformed)
	}
	return field.IPFromUint64(uint64(ip[0])<<24 | uint64(ip[1])<<16 | uint64(ip[2])<<8 | uint64(ip[3])), nil
}

func netIP(v field.Value) net.IP {
	n := uint32(v.Uint64())
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).To4()
}
