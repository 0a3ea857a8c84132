package agentcontrol

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"tunnelagent/application"
	"tunnelagent/infrastructure/settings"
)

// Registration-specific errors. ErrFailedToConnect is reused from
// setup.go for the overall retry-budget exhaustion case.
var (
	ErrFailedToDecodeSignedKey = errors.New("agentcontrol: failed to decode signed agent key hex")
	ErrRegisterInvalidSignature = errors.New("agentcontrol: tunnel server rejected signature")
	ErrRegisterUnauthorized     = errors.New("agentcontrol: tunnel server rejected credentials")
)

// AuthenticatedControl is a ConnectedControl that has completed
// registration: it now owns a session id and the pong that was current
// as of registration.
type AuthenticatedControl struct {
	ConnectedControl
	LastPong   application.Pong
	Registered AgentRegisteredInfo
}

// Authenticate asks auth to sign a registration for conn.Pong, then
// submits that signature to the tunnel server over conn's PacketIO,
// retrying across AuthOuterRounds outer rounds of AuthInnerAttempts
// 500ms receive windows each. A RequestQueued response triggers a
// 1-second backoff before the next outer round; InvalidSignature and
// Unauthorized are terminal.
func Authenticate(ctx context.Context, conn *ConnectedControl, auth application.AuthenticationProvider, logger application.Logger) (*AuthenticatedControl, error) {
	signed, err := auth.Authenticate(ctx, conn.Pong)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(signed.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToDecodeSignedKey, err)
	}

	buffer := make([]byte, 1024)

	for round := 0; round < settings.AuthOuterRounds; round++ {
		req := EncodeRawRequest(RegisterRequestID, raw)
		if _, err := conn.PacketIO.SendTo(req, &conn.ControlAddr); err != nil {
			return nil, err
		}

		queued, result, err := awaitRegisterResponse(conn, buffer, logger)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		if queued {
			logger.Printf("register queued, waiting %s", settings.AuthQueuedBackoff)
			sleep(ctx, settings.AuthQueuedBackoff)
		}
	}

	return nil, ErrFailedToConnect
}

// awaitRegisterResponse drains up to AuthInnerAttempts receive windows
// for the current round, returning (queued=true) to trigger a backoff
// and retry, a non-nil result on success, or a terminal error.
func awaitRegisterResponse(conn *ConnectedControl, buffer []byte, logger application.Logger) (queued bool, result *AuthenticatedControl, err error) {
	for i := 0; i < settings.AuthInnerAttempts; i++ {
		n, remote, recvErr := recvWithTimeout(conn.PacketIO, buffer, settings.ProbeRecvTimeout)
		if recvErr != nil {
			if errors.Is(recvErr, errRecvTimeout) {
				logger.Printf("timeout waiting for register response")
				return false, nil, nil
			}
			logger.Printf("got error reading from socket: error=%v", recvErr)
			return false, nil, nil
		}

		if !equalUDPAddr(*remote, conn.ControlAddr) {
			logger.Printf("got response not from tunnel server")
			continue
		}

		respID, resp, feedErr := DecodeControlFeed(buffer[:n])
		if feedErr != nil {
			logger.Printf("failed to read response from tunnel: error=%v", feedErr)
			continue
		}
		if respID != RegisterRequestID {
			logger.Printf("got response for different request: id=%d", respID)
			continue
		}

		switch {
		case resp.IsRequestQueued():
			return true, nil, nil
		case resp.IsAgentRegistered():
			return false, &AuthenticatedControl{
				ConnectedControl: *conn,
				LastPong:         conn.Pong,
				Registered:       resp.Registered,
			}, nil
		case resp.IsInvalidSignature():
			return false, nil, ErrRegisterInvalidSignature
		case resp.IsUnauthorized():
			return false, nil, ErrRegisterUnauthorized
		default:
			logger.Printf("expected AgentRegistered but got something else: kind=%d", resp.Kind)
			continue
		}
	}

	return false, nil, nil
}
