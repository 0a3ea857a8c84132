package settings

import "time"

const (
	// ProbeRecvTimeout bounds each individual recv attempt while waiting
	// for a pong or a registration response.
	ProbeRecvTimeout = 500 * time.Millisecond

	// Ipv4ProbeAttempts is how many Ping/wait rounds are tried against an
	// IPv4 candidate before giving up on it.
	Ipv4ProbeAttempts = 3
	// Ipv6ProbeAttempts is how many Ping/wait rounds are tried against an
	// IPv6 candidate. IPv6 paths either answer promptly or are treated as
	// down; they are not retried as aggressively as IPv4.
	Ipv6ProbeAttempts = 1

	// Ipv4ProbeWaits is how many 500ms recv windows are polled per IPv4
	// attempt before moving to the next attempt.
	Ipv4ProbeWaits = 5
	// Ipv6ProbeWaits is the IPv6 equivalent of Ipv4ProbeWaits.
	Ipv6ProbeWaits = 3

	// AuthOuterRounds is how many times the signed key is (re)sent to the
	// tunnel server during registration.
	AuthOuterRounds = 5
	// AuthInnerAttempts is how many 500ms recv windows are polled per
	// outer round.
	AuthInnerAttempts = 5
	// AuthQueuedBackoff is how long to wait after a RequestQueued
	// response before starting the next outer round.
	AuthQueuedBackoff = 1 * time.Second

	// ResendInterval is the keepalive cadence: once this much time has
	// passed since the last confirmed token echo, the token is resent.
	ResendInterval = 10 * time.Second
	// ReauthThreshold is how long sends may go unconfirmed before the
	// session is considered dead and must be re-established.
	ReauthThreshold = 8 * time.Second
)
