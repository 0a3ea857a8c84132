package application

import "net"

// Pong is the prober's result: the tunnel server's reply to the initial
// ping, carrying the agent's perceived public address and the server's
// self-reported address. Both addresses feed into registration.
type Pong struct {
	ClientAddr net.UDPAddr
	TunnelAddr net.UDPAddr
}
