// Package udp provides the concrete PacketIO socket used by the agent
// control plane: a *net.UDPConn wrapped with the SO_REUSEADDR socket
// option so a fresh probe socket never collides with a recently closed
// one during rapid candidate cycling.
package udp

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"tunnelagent/application"
)

// Binder opens a fresh unspecified-address socket for either the IPv4
// or IPv6 family, matching the agentcontrol.BindFunc contract.
type Binder struct {
	// Control, when non-nil, overrides the default socket-option setup.
	// Exposed for tests.
	Control func(network, address string, c syscall.RawConn) error
}

// NewBinder constructs a Binder using the default SO_REUSEADDR control
// function.
func NewBinder() *Binder {
	return &Binder{Control: setReuseAddr}
}

func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Bind opens an unspecified ("0.0.0.0" or "[::]") UDP socket on an
// ephemeral port for the requested family.
func (b *Binder) Bind(isIPv6 bool) (application.PacketIO, error) {
	network := "udp4"
	addr := "0.0.0.0:0"
	if isIPv6 {
		network = "udp6"
		addr = "[::]:0"
	}

	lc := net.ListenConfig{Control: b.Control}
	pconn, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}

	return &Conn{udp: pconn.(*net.UDPConn)}, nil
}

// Conn adapts *net.UDPConn to application.PacketIO, additionally
// exposing SetReadDeadline so agentcontrol's bounded-receive loops can
// use it directly.
type Conn struct {
	udp *net.UDPConn
}

// NewConn wraps an already-established *net.UDPConn.
func NewConn(udp *net.UDPConn) *Conn {
	return &Conn{udp: udp}
}

func (c *Conn) SendTo(buf []byte, target *net.UDPAddr) (int, error) {
	return c.udp.WriteToUDP(buf, target)
}

func (c *Conn) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := c.udp.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, err
	}
	return n, addr, nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.udp.SetReadDeadline(t)
}

func (c *Conn) Close() error {
	return c.udp.Close()
}
