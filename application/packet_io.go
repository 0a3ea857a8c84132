package application

import "net"

// PacketIO is the minimal datagram capability the control plane needs:
// send one datagram, receive one datagram. No framing, ordering, or
// retransmission is implied; each RecvFrom call yields exactly one
// datagram as delivered by the OS socket.
type PacketIO interface {
	// SendTo transmits buf to target and returns the number of bytes sent.
	SendTo(buf []byte, target *net.UDPAddr) (int, error)

	// RecvFrom blocks until one datagram arrives, filling buf with at
	// most len(buf) bytes, and returns its length and sender.
	RecvFrom(buf []byte) (int, *net.UDPAddr, error)
}
