package agentcontrol

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// UDPChannelEstablishID is the reserved 32-bit marker the tunnel server
// places where a flow footer's discriminant would sit when it believes
// a datagram was a session-establish frame (i.e. it didn't recognise
// the token).
const UDPChannelEstablishID uint32 = 0xFFFFFFFF

const (
	flowMarkerV4 uint32 = 4
	flowMarkerV6 uint32 = 6
)

// FlowV4Len and FlowV6Len are the on-wire footer sizes for IPv4- and
// IPv6-endpoint flows: src-addr + src-port + dst-addr + dst-port +
// 4-byte discriminant.
const (
	FlowV4Len = net.IPv4len + 2 + net.IPv4len + 2 + 4
	FlowV6Len = net.IPv6len + 2 + net.IPv6len + 2 + 4
)

// UdpFlow is the fixed-size 5-tuple appended to the tail of a tunnelled
// datagram, distinguishing which local flow it belongs to.
type UdpFlow struct {
	Src netip.AddrPort
	Dst netip.AddrPort
}

// Len returns the on-wire footer length for this flow: FlowV4Len when
// both endpoints are IPv4, FlowV6Len otherwise.
func (f UdpFlow) Len() int {
	if f.Src.Addr().Is4() && f.Dst.Addr().Is4() {
		return FlowV4Len
	}
	return FlowV6Len
}

// WriteTo encodes the footer into dst, which must be exactly f.Len()
// bytes long.
func (f UdpFlow) WriteTo(dst []byte) error {
	n := f.Len()
	if len(dst) != n {
		return fmt.Errorf("agentcontrol: flow footer buffer must be %d bytes, got %d", n, len(dst))
	}
	if n == FlowV4Len {
		srcIP := f.Src.Addr().As4()
		dstIP := f.Dst.Addr().As4()
		off := 0
		copy(dst[off:], srcIP[:])
		off += 4
		binary.BigEndian.PutUint16(dst[off:], f.Src.Port())
		off += 2
		copy(dst[off:], dstIP[:])
		off += 4
		binary.BigEndian.PutUint16(dst[off:], f.Dst.Port())
		off += 2
		binary.BigEndian.PutUint32(dst[off:], flowMarkerV4)
		return nil
	}

	srcIP := f.Src.Addr().As16()
	dstIP := f.Dst.Addr().As16()
	off := 0
	copy(dst[off:], srcIP[:])
	off += 16
	binary.BigEndian.PutUint16(dst[off:], f.Src.Port())
	off += 2
	copy(dst[off:], dstIP[:])
	off += 16
	binary.BigEndian.PutUint16(dst[off:], f.Dst.Port())
	off += 2
	binary.BigEndian.PutUint32(dst[off:], flowMarkerV6)
	return nil
}

// FooterError reports why a flow footer could not be parsed from a
// datagram's tail. Marker holds the 32-bit discriminant value that was
// actually found there.
type FooterError struct {
	Marker uint32
}

func (e *FooterError) Error() string {
	return fmt.Sprintf("agentcontrol: unrecognised flow footer marker %#x", e.Marker)
}

// IsEstablishMarker reports whether the unparseable tail carried the
// UDP_CHANNEL_ESTABLISH_ID sentinel, meaning the server tried to
// establish a session the agent doesn't recognise.
func (e *FooterError) IsEstablishMarker() bool {
	return e.Marker == UDPChannelEstablishID
}

// ParseFlowFooter attempts to recover a UdpFlow from the tail of data.
// On success it returns the flow and how many trailing bytes it
// consumed. On failure it returns a *FooterError; callers should check
// IsEstablishMarker() to distinguish a server-initiated establish frame
// from genuinely malformed data.
func ParseFlowFooter(data []byte) (UdpFlow, int, error) {
	if len(data) < 4 {
		return UdpFlow{}, 0, &FooterError{Marker: 0}
	}
	marker := binary.BigEndian.Uint32(data[len(data)-4:])

	switch marker {
	case flowMarkerV4:
		if len(data) < FlowV4Len {
			return UdpFlow{}, 0, &FooterError{Marker: marker}
		}
		body := data[len(data)-FlowV4Len:]
		srcIP := netip.AddrFrom4([4]byte(body[0:4]))
		srcPort := binary.BigEndian.Uint16(body[4:6])
		dstIP := netip.AddrFrom4([4]byte(body[6:10]))
		dstPort := binary.BigEndian.Uint16(body[10:12])
		return UdpFlow{
			Src: netip.AddrPortFrom(srcIP, srcPort),
			Dst: netip.AddrPortFrom(dstIP, dstPort),
		}, FlowV4Len, nil
	case flowMarkerV6:
		if len(data) < FlowV6Len {
			return UdpFlow{}, 0, &FooterError{Marker: marker}
		}
		body := data[len(data)-FlowV6Len:]
		srcIP := netip.AddrFrom16([16]byte(body[0:16]))
		srcPort := binary.BigEndian.Uint16(body[16:18])
		dstIP := netip.AddrFrom16([16]byte(body[18:34]))
		dstPort := binary.BigEndian.Uint16(body[34:36])
		return UdpFlow{
			Src: netip.AddrPortFrom(srcIP, srcPort),
			Dst: netip.AddrPortFrom(dstIP, dstPort),
		}, FlowV6Len, nil
	default:
		return UdpFlow{}, 0, &FooterError{Marker: marker}
	}
}
