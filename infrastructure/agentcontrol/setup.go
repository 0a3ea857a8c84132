package agentcontrol

import (
	"errors"
	"net"
	"time"

	"tunnelagent/application"
	"tunnelagent/infrastructure/settings"
)

// ErrFailedToConnect is terminal for the current setup pass: every
// candidate address was exhausted without a usable response. The
// caller (an out-of-scope supervisor) restarts the setup state machine,
// typically against a refreshed candidate list.
var ErrFailedToConnect = errors.New("agentcontrol: failed to connect to any candidate")

// ConnectedControl is the result of a successful probe: a PacketIO
// bound for the chosen candidate, the candidate's address, and the pong
// it returned.
type ConnectedControl struct {
	ControlAddr net.UDPAddr
	PacketIO    application.PacketIO
	Pong        application.Pong
}

// FindSuitableChannel iterates candidates in order, probing each with a
// Ping/Pong round trip, and returns a ConnectedControl bound to the
// first one that answers. See spec §4.2 for the per-candidate retry
// budget: IPv6 candidates get Ipv6ProbeAttempts attempts of
// Ipv6ProbeWaits 500ms receive windows each; IPv4 candidates get more
// (Ipv4ProbeAttempts x Ipv4ProbeWaits), since IPv6 paths are assumed to
// either work immediately or be entirely unreachable.
func FindSuitableChannel(candidates []net.UDPAddr, bind BindFunc, logger application.Logger, clock Clock) (*ConnectedControl, error) {
	if len(candidates) == 0 {
		return nil, ErrFailedToConnect
	}

	buffer := make([]byte, 2048)

	for _, addr := range candidates {
		logger.Printf("trying to establish tunnel connection: addr=%s", addr.String())

		isIPv6 := addr.IP.To4() == nil
		io, err := bind(isIPv6)
		if err != nil {
			logger.Printf("failed to bind to UDP socket: is_ip6=%t error=%v", isIPv6, err)
			continue
		}

		attempts := settings.Ipv4ProbeAttempts
		waits := settings.Ipv4ProbeWaits
		if isIPv6 {
			attempts = settings.Ipv6ProbeAttempts
			waits = settings.Ipv6ProbeWaits
		}

		if pong, ok := probeCandidate(io, addr, attempts, waits, buffer, logger, clock); ok {
			return &ConnectedControl{ControlAddr: addr, PacketIO: io, Pong: pong}, nil
		}

		logger.Printf("failed to ping tunnel server: addr=%s", addr.String())
	}

	return nil, ErrFailedToConnect
}

// probeCandidate runs the Ping/wait loop for a single bound candidate.
// A send failure abandons the candidate outright (the caller moves on
// to the next one); a recv failure ends the current attempt, and a recv
// timeout only consumes the current wait slot. This asymmetry is
// intentional (see spec §9).
func probeCandidate(io application.PacketIO, addr net.UDPAddr, attempts, waits int, buffer []byte, logger application.Logger, clock Clock) (application.Pong, bool) {
	for attempt := 0; attempt < attempts; attempt++ {
		req := EncodePingRequest(PingRequestID, Ping{NowMillis: uint64(clock.NowMilli())})
		if _, err := io.SendTo(req, &addr); err != nil {
			logger.Printf("failed to send initial ping: addr=%s error=%v", addr.String(), err)
			return application.Pong{}, false
		}

		for i := 0; i < waits; i++ {
			n, peer, err := recvWithTimeout(io, buffer, settings.ProbeRecvTimeout)
			if err != nil {
				if errors.Is(err, errRecvTimeout) {
					logger.Printf("waited %s for pong: addr=%s", time.Duration(i+1)*settings.ProbeRecvTimeout, addr.String())
					continue
				}
				logger.Printf("failed to receive UDP packet: error=%v", err)
				break
			}

			if !equalUDPAddr(*peer, addr) {
				logger.Printf("got message from different source: peer=%s addr=%s", peer.String(), addr.String())
				continue
			}

			respID, resp, feedErr := DecodeControlFeed(buffer[:n])
			if feedErr != nil {
				logger.Printf("failed to parse response data: error=%v", feedErr)
				continue
			}
			if respID != PingRequestID {
				logger.Printf("got response with unexpected request_id: id=%d", respID)
				continue
			}
			if !resp.IsPong() {
				logger.Printf("expected pong got other response: kind=%d", resp.Kind)
				continue
			}

			logger.Printf("got initial pong from tunnel server: client_addr=%s tunnel_addr=%s", resp.Pong.ClientAddr.String(), resp.Pong.TunnelAddr.String())
			return resp.Pong, true
		}

		logger.Printf("timeout waiting for pong: addr=%s", addr.String())
	}

	return application.Pong{}, false
}
