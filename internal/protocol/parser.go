package protocol

import (
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	core "netsight/internal/core/model"
)

// Decode failures are counted by the pipeline, never propagated as
// session failures.
var (
	ErrTruncated   = errors.New("truncated frame")
	ErrUnsupported = errors.New("unsupported link layer")
)

// Parser decodes captured frames into normalized packet records. A
// parser is bound to one interface's link type and local address set;
// it keeps no per-packet state besides the burst detector, so a single
// parser may be shared by the worker pool behind the detector's lock.
type Parser struct {
	firstLayer gopacket.LayerType
	link       core.LinkProto
	local      map[string]struct{}
	bursts     *burstDetector
}

// NewParser builds a parser for frames captured with the given link
// type. addrs is the capturing interface's address set, used to derive
// packet direction.
func NewParser(linkType layers.LinkType, addrs []net.IP) *Parser {
	p := &Parser{
		local:  make(map[string]struct{}, len(addrs)),
		bursts: newBurstDetector(),
	}
	for _, a := range addrs {
		p.local[a.String()] = struct{}{}
	}

	switch linkType {
	case layers.LinkTypeLinuxSLL:
		p.firstLayer = layers.LayerTypeLinuxSLL
		p.link = core.LinkSLL
	case layers.LinkTypeLoop, layers.LinkTypeNull:
		p.firstLayer = layers.LayerTypeLoopback
		p.link = core.LinkLoopback
	default:
		// Ethernet II is the default framing for live captures.
		p.firstLayer = layers.LayerTypeEthernet
		p.link = core.LinkEthernet
	}
	return p
}

// Parse decodes one frame. Layers short-circuit on the first failure:
// a frame that dies at the network layer still yields an error, while
// an ARP frame is a complete record with no transport.
func (p *Parser) Parse(frame core.NetworkFrame) (core.PacketRecord, error) {
	rec := core.PacketRecord{
		Arrival:     frame.Arrival,
		InterfaceID: frame.InterfaceID,
		Size:        frame.Length,
		Link:        p.link,
	}
	if rec.Size == 0 {
		rec.Size = len(frame.Data)
	}

	pkt := gopacket.NewPacket(frame.Data, p.firstLayer, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	// Network layer.
	switch {
	case pkt.Layer(layers.LayerTypeIPv4) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		rec.Net = core.NetIPv4
		rec.SrcIP = ip.SrcIP
		rec.DstIP = ip.DstIP
	case pkt.Layer(layers.LayerTypeIPv6) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		rec.Net = core.NetIPv6
		rec.SrcIP = ip.SrcIP
		rec.DstIP = ip.DstIP
	case pkt.Layer(layers.LayerTypeARP) != nil:
		// ARP records stop at the network layer.
		rec.Net = core.NetARP
		rec.Direction = core.DirectionLocal
		return rec, nil
	default:
		if truncated(pkt) {
			return core.PacketRecord{}, ErrTruncated
		}
		rec.Net = core.NetOther
		return rec, nil
	}

	rec.Direction = p.direction(rec.SrcIP, rec.DstIP)

	// Transport layer.
	var payload []byte
	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		rec.Transport = core.TransportTCP
		rec.SrcPort = uint16(tcp.SrcPort)
		rec.DstPort = uint16(tcp.DstPort)
		payload = tcp.Payload
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		rec.Transport = core.TransportUDP
		rec.SrcPort = uint16(udp.SrcPort)
		rec.DstPort = uint16(udp.DstPort)
		payload = udp.Payload
	case pkt.Layer(layers.LayerTypeICMPv4) != nil, pkt.Layer(layers.LayerTypeICMPv6) != nil:
		rec.Transport = core.TransportICMP
		rec.App = core.AppICMP
		return rec, nil
	default:
		if truncated(pkt) {
			return core.PacketRecord{}, ErrTruncated
		}
		rec.Transport = core.TransportOther
		return rec, nil
	}

	if truncated(pkt) {
		return core.PacketRecord{}, ErrTruncated
	}

	rec.App, rec.Flags = identify(rec.Transport, rec.SrcPort, rec.DstPort, payload)
	if p.bursts.observe(rec) {
		rec.Flags |= core.FlagBurstSuspect
	}
	return rec, nil
}

// direction maps the address pair onto the interface's address set.
func (p *Parser) direction(src, dst net.IP) core.Direction {
	_, srcLocal := p.local[src.String()]
	_, dstLocal := p.local[dst.String()]
	switch {
	case srcLocal && dstLocal:
		return core.DirectionLocal
	case srcLocal:
		return core.DirectionOut
	case dstLocal:
		return core.DirectionIn
	default:
		return core.DirectionUnknown
	}
}

func truncated(pkt gopacket.Packet) bool {
	if el := pkt.ErrorLayer(); el != nil {
		return true
	}
	return false
}
