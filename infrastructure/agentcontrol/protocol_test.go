package agentcontrol

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"tunnelagent/application"
)

func TestEncodeDecodeRequest_Ping(t *testing.T) {
	sessionID := uint64(42)
	ping := Ping{NowMillis: 1000, SessionID: &sessionID}
	wire := EncodePingRequest(PingRequestID, ping)

	requestID, kind, raw, err := DecodeRequest(wire)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if requestID != PingRequestID {
		t.Fatalf("requestID = %d, want %d", requestID, PingRequestID)
	}
	if kind != requestKindPing {
		t.Fatalf("kind = %d, want ping", kind)
	}
	if raw != nil {
		t.Fatalf("expected nil raw for ping, got %v", raw)
	}
}

func TestEncodeDecodeRequest_Raw(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	wire := EncodeRawRequest(RegisterRequestID, payload)

	requestID, kind, raw, err := DecodeRequest(wire)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if requestID != RegisterRequestID {
		t.Fatalf("requestID = %d, want %d", requestID, RegisterRequestID)
	}
	if kind != requestKindRaw {
		t.Fatalf("kind = %d, want raw", kind)
	}
	if !bytes.Equal(raw, payload) {
		t.Fatalf("raw = %v, want %v", raw, payload)
	}
}

func TestDecodeRequest_TooShort(t *testing.T) {
	_, _, _, err := DecodeRequest([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortMessage) {
		t.Fatalf("expected ErrShortMessage, got %v", err)
	}
}

func TestDecodeRequest_UnknownKind(t *testing.T) {
	data := make([]byte, 9)
	data[0] = 0xFF
	_, _, _, err := DecodeRequest(data)
	if !errors.Is(err, ErrUnknownReqKind) {
		t.Fatalf("expected ErrUnknownReqKind, got %v", err)
	}
}

func TestEncodeDecodeControlFeed_Pong(t *testing.T) {
	pong := application.Pong{
		ClientAddr: net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 5555},
		TunnelAddr: net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 6666},
	}
	wire := EncodePongResponse(PingRequestID, pong)

	requestID, resp, err := DecodeControlFeed(wire)
	if err != nil {
		t.Fatalf("DecodeControlFeed: %v", err)
	}
	if requestID != PingRequestID {
		t.Fatalf("requestID = %d, want %d", requestID, PingRequestID)
	}
	if !resp.IsPong() {
		t.Fatalf("expected pong response, got kind=%d", resp.Kind)
	}
	if !resp.Pong.ClientAddr.IP.Equal(pong.ClientAddr.IP) || resp.Pong.ClientAddr.Port != pong.ClientAddr.Port {
		t.Fatalf("client addr mismatch: got %v, want %v", resp.Pong.ClientAddr, pong.ClientAddr)
	}
	if !resp.Pong.TunnelAddr.IP.Equal(pong.TunnelAddr.IP) || resp.Pong.TunnelAddr.Port != pong.TunnelAddr.Port {
		t.Fatalf("tunnel addr mismatch: got %v, want %v", resp.Pong.TunnelAddr, pong.TunnelAddr)
	}
}

func TestEncodeDecodeControlFeed_AllVariants(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
		want func(ControlResponse) bool
	}{
		{"queued", EncodeRequestQueuedResponse(RegisterRequestID), ControlResponse.IsRequestQueued},
		{"registered", EncodeAgentRegisteredResponse(RegisterRequestID, AgentRegisteredInfo{SessionID: 7}), ControlResponse.IsAgentRegistered},
		{"invalid_sig", EncodeInvalidSignatureResponse(RegisterRequestID), ControlResponse.IsInvalidSignature},
		{"unauthorized", EncodeUnauthorizedResponse(RegisterRequestID), ControlResponse.IsUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requestID, resp, err := DecodeControlFeed(tt.wire)
			if err != nil {
				t.Fatalf("DecodeControlFeed: %v", err)
			}
			if requestID != RegisterRequestID {
				t.Fatalf("requestID = %d, want %d", requestID, RegisterRequestID)
			}
			if !tt.want(resp) {
				t.Fatalf("unexpected response kind %d for %s", resp.Kind, tt.name)
			}
		})
	}

	requestID, resp, err := DecodeControlFeed(EncodeAgentRegisteredResponse(RegisterRequestID, AgentRegisteredInfo{SessionID: 99}))
	if err != nil {
		t.Fatalf("DecodeControlFeed: %v", err)
	}
	if requestID != RegisterRequestID || resp.Registered.SessionID != 99 {
		t.Fatalf("unexpected registered payload: %+v", resp.Registered)
	}
}

func TestDecodeControlFeed_TooShort(t *testing.T) {
	_, _, err := DecodeControlFeed([]byte{1, 2})
	if !errors.Is(err, ErrShortMessage) {
		t.Fatalf("expected ErrShortMessage, got %v", err)
	}
}

func TestDecodeControlFeed_UnknownFeedKind(t *testing.T) {
	wire := EncodeRequestQueuedResponse(PingRequestID)
	wire[0] = 0xFF
	_, _, err := DecodeControlFeed(wire)
	if !errors.Is(err, ErrUnknownFeedKind) {
		t.Fatalf("expected ErrUnknownFeedKind, got %v", err)
	}
}

func TestDecodeControlFeed_UnknownResponseKind(t *testing.T) {
	wire := EncodeRequestQueuedResponse(PingRequestID)
	wire[9] = 0xFF
	_, _, err := DecodeControlFeed(wire)
	if !errors.Is(err, ErrUnknownRespKind) {
		t.Fatalf("expected ErrUnknownRespKind, got %v", err)
	}
}

func TestEncodeDecodeAddr_RoundTrip(t *testing.T) {
	tests := []net.UDPAddr{
		{IP: net.IPv4(127, 0, 0, 1), Port: 1},
		{IP: net.ParseIP("::1"), Port: 65535},
	}
	for _, addr := range tests {
		buf := encodeAddr(nil, addr)
		got, n, err := decodeAddr(buf)
		if err != nil {
			t.Fatalf("decodeAddr: %v", err)
		}
		if n != len(buf) {
			t.Fatalf("consumed %d bytes, want %d", n, len(buf))
		}
		if !got.IP.Equal(addr.IP) || got.Port != addr.Port {
			t.Fatalf("got %v, want %v", got, addr)
		}
	}
}

func TestDecodeAddr_BadFamily(t *testing.T) {
	_, _, err := decodeAddr([]byte{9, 0, 0, 0})
	if !errors.Is(err, ErrBadAddrFamily) {
		t.Fatalf("expected ErrBadAddrFamily, got %v", err)
	}
}
