// Package agentcontrol implements the control/data-plane UDP session
// lifecycle: candidate discovery, authenticated registration, and the
// steady-state keyed UDP channel.
package agentcontrol

import (
	"encoding/binary"
	"errors"
	"net"

	"tunnelagent/application"
)

// Wire framing for the control RPC messages exchanged with the tunnel
// server. Every message carries a RequestID chosen by the client; 1 is
// reserved for the initial ping, 10 for registration.
const (
	PingRequestID    uint64 = 1
	RegisterRequestID uint64 = 10
)

// request discriminants (first byte of a client->server message).
const (
	requestKindPing uint8 = 1
	requestKindRaw  uint8 = 2
)

// response discriminants (first byte of the ControlResponse body,
// following the feed/response envelope).
const (
	responseKindPong            uint8 = 1
	responseKindRequestQueued   uint8 = 2
	responseKindAgentRegistered uint8 = 3
	responseKindInvalidSig      uint8 = 4
	responseKindUnauthorized    uint8 = 5
)

// feedKindResponse is the only ControlFeed variant this agent consumes.
const feedKindResponse uint8 = 1

var (
	ErrShortMessage    = errors.New("agentcontrol: message too short")
	ErrUnknownFeedKind = errors.New("agentcontrol: unknown control feed kind")
	ErrUnknownReqKind  = errors.New("agentcontrol: unknown request kind")
	ErrUnknownRespKind = errors.New("agentcontrol: unknown response kind")
	ErrBadAddrFamily   = errors.New("agentcontrol: bad address family byte")
)

// Ping is the initial request/keepalive-probe sent to a candidate
// tunnel server address.
type Ping struct {
	NowMillis   uint64
	CurrentPing *uint32
	SessionID   *uint64
}

// AgentRegisteredInfo is the minimal registration acknowledgement
// payload: a server-assigned session identifier.
type AgentRegisteredInfo struct {
	SessionID uint64
}

// ControlResponse is the tagged variant of what a Response envelope may
// carry.
type ControlResponse struct {
	Kind       uint8
	Pong       application.Pong
	Registered AgentRegisteredInfo
}

func (r ControlResponse) IsPong() bool            { return r.Kind == responseKindPong }
func (r ControlResponse) IsRequestQueued() bool    { return r.Kind == responseKindRequestQueued }
func (r ControlResponse) IsAgentRegistered() bool  { return r.Kind == responseKindAgentRegistered }
func (r ControlResponse) IsInvalidSignature() bool { return r.Kind == responseKindInvalidSig }
func (r ControlResponse) IsUnauthorized() bool     { return r.Kind == responseKindUnauthorized }

// EncodePingRequest serialises a Ping RPC with the given request id.
func EncodePingRequest(requestID uint64, ping Ping) []byte {
	buf := make([]byte, 0, 1+8+8+1+4+1+8)
	buf = append(buf, requestKindPing)
	buf = binary.BigEndian.AppendUint64(buf, requestID)
	buf = binary.BigEndian.AppendUint64(buf, ping.NowMillis)
	if ping.CurrentPing != nil {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint32(buf, *ping.CurrentPing)
	} else {
		buf = append(buf, 0)
	}
	if ping.SessionID != nil {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint64(buf, *ping.SessionID)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// EncodeRawRequest serialises an opaque raw-bytes request (used to ship
// the decoded signed agent key) with the given request id.
func EncodeRawRequest(requestID uint64, raw []byte) []byte {
	buf := make([]byte, 0, 1+8+len(raw))
	buf = append(buf, requestKindRaw)
	buf = binary.BigEndian.AppendUint64(buf, requestID)
	buf = append(buf, raw...)
	return buf
}

// DecodeRequest parses a client->server message, returning its request
// id and, for raw requests, the trailing payload.
func DecodeRequest(data []byte) (requestID uint64, kind uint8, raw []byte, err error) {
	if len(data) < 9 {
		return 0, 0, nil, ErrShortMessage
	}
	kind = data[0]
	requestID = binary.BigEndian.Uint64(data[1:9])
	switch kind {
	case requestKindPing:
		return requestID, kind, nil, nil
	case requestKindRaw:
		return requestID, kind, data[9:], nil
	default:
		return 0, 0, nil, ErrUnknownReqKind
	}
}

// encodeAddr writes a minimal family+ip+port encoding of a UDP address.
func encodeAddr(buf []byte, addr net.UDPAddr) []byte {
	ip4 := addr.IP.To4()
	if ip4 != nil {
		buf = append(buf, 4)
		buf = append(buf, ip4...)
	} else {
		buf = append(buf, 6)
		ip16 := addr.IP.To16()
		if ip16 == nil {
			ip16 = make(net.IP, 16)
		}
		buf = append(buf, ip16...)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(addr.Port))
	return buf
}

func decodeAddr(data []byte) (net.UDPAddr, int, error) {
	if len(data) < 1 {
		return net.UDPAddr{}, 0, ErrShortMessage
	}
	switch data[0] {
	case 4:
		if len(data) < 1+4+2 {
			return net.UDPAddr{}, 0, ErrShortMessage
		}
		ip := net.IP(append(net.IP{}, data[1:5]...))
		port := binary.BigEndian.Uint16(data[5:7])
		return net.UDPAddr{IP: ip, Port: int(port)}, 7, nil
	case 6:
		if len(data) < 1+16+2 {
			return net.UDPAddr{}, 0, ErrShortMessage
		}
		ip := net.IP(append(net.IP{}, data[1:17]...))
		port := binary.BigEndian.Uint16(data[17:19])
		return net.UDPAddr{IP: ip, Port: int(port)}, 19, nil
	default:
		return net.UDPAddr{}, 0, ErrBadAddrFamily
	}
}

// EncodePongResponse serialises a Response(Pong) control feed message.
func EncodePongResponse(requestID uint64, pong application.Pong) []byte {
	buf := make([]byte, 0, 1+8+1+19+19)
	buf = append(buf, feedKindResponse)
	buf = binary.BigEndian.AppendUint64(buf, requestID)
	buf = append(buf, responseKindPong)
	buf = encodeAddr(buf, pong.ClientAddr)
	buf = encodeAddr(buf, pong.TunnelAddr)
	return buf
}

// EncodeRequestQueuedResponse serialises a Response(RequestQueued) message.
func EncodeRequestQueuedResponse(requestID uint64) []byte {
	buf := make([]byte, 0, 1+8+1)
	buf = append(buf, feedKindResponse)
	buf = binary.BigEndian.AppendUint64(buf, requestID)
	buf = append(buf, responseKindRequestQueued)
	return buf
}

// EncodeAgentRegisteredResponse serialises a Response(AgentRegistered) message.
func EncodeAgentRegisteredResponse(requestID uint64, info AgentRegisteredInfo) []byte {
	buf := make([]byte, 0, 1+8+1+8)
	buf = append(buf, feedKindResponse)
	buf = binary.BigEndian.AppendUint64(buf, requestID)
	buf = append(buf, responseKindAgentRegistered)
	buf = binary.BigEndian.AppendUint64(buf, info.SessionID)
	return buf
}

// EncodeInvalidSignatureResponse serialises a Response(InvalidSignature) message.
func EncodeInvalidSignatureResponse(requestID uint64) []byte {
	buf := make([]byte, 0, 1+8+1)
	buf = append(buf, feedKindResponse)
	buf = binary.BigEndian.AppendUint64(buf, requestID)
	buf = append(buf, responseKindInvalidSig)
	return buf
}

// EncodeUnauthorizedResponse serialises a Response(Unauthorized) message.
func EncodeUnauthorizedResponse(requestID uint64) []byte {
	buf := make([]byte, 0, 1+8+1)
	buf = append(buf, feedKindResponse)
	buf = binary.BigEndian.AppendUint64(buf, requestID)
	buf = append(buf, responseKindUnauthorized)
	return buf
}

// DecodeControlFeed parses a server->client message, returning the
// request id and tagged response content of a Response envelope.
func DecodeControlFeed(data []byte) (requestID uint64, resp ControlResponse, err error) {
	if len(data) < 9 {
		return 0, ControlResponse{}, ErrShortMessage
	}
	if data[0] != feedKindResponse {
		return 0, ControlResponse{}, ErrUnknownFeedKind
	}
	requestID = binary.BigEndian.Uint64(data[1:9])
	body := data[9:]
	if len(body) < 1 {
		return 0, ControlResponse{}, ErrShortMessage
	}
	switch body[0] {
	case responseKindPong:
		clientAddr, n, err := decodeAddr(body[1:])
		if err != nil {
			return 0, ControlResponse{}, err
		}
		tunnelAddr, _, err := decodeAddr(body[1+n:])
		if err != nil {
			return 0, ControlResponse{}, err
		}
		return requestID, ControlResponse{Kind: responseKindPong, Pong: application.Pong{ClientAddr: clientAddr, TunnelAddr: tunnelAddr}}, nil
	case responseKindRequestQueued:
		return requestID, ControlResponse{Kind: responseKindRequestQueued}, nil
	case responseKindAgentRegistered:
		if len(body) < 9 {
			return 0, ControlResponse{}, ErrShortMessage
		}
		sessionID := binary.BigEndian.Uint64(body[1:9])
		return requestID, ControlResponse{Kind: responseKindAgentRegistered, Registered: AgentRegisteredInfo{SessionID: sessionID}}, nil
	case responseKindInvalidSig:
		return requestID, ControlResponse{Kind: responseKindInvalidSig}, nil
	case responseKindUnauthorized:
		return requestID, ControlResponse{Kind: responseKindUnauthorized}, nil
	default:
		return 0, ControlResponse{}, ErrUnknownRespKind
	}
}
