package application

import "context"

// SignedAgentKey is the opaque, hex-encoded registration blob returned
// by the external auth service. Its bytes are forwarded to the tunnel
// server verbatim; this agent never inspects or verifies them.
type SignedAgentKey struct {
	Key string
}

// AuthenticationProvider models the external HTTP auth service's
// interface surface. Its transport (the actual HTTP round trip) is out
// of scope here: only the request/response shape — a Pong in, a
// SignedAgentKey or error out — is specified.
type AuthenticationProvider interface {
	Authenticate(ctx context.Context, pong Pong) (SignedAgentKey, error)
}
