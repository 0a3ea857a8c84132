package agentcontrol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tunnelagent/application"
	"tunnelagent/infrastructure/settings"
)

var (
	resendIntervalSec  = uint32(settings.ResendInterval / time.Second)
	reauthThresholdSec = uint32(settings.ReauthThreshold / time.Second)
)

// maxAddrHistory bounds how many previously-known tunnel addresses are
// remembered across address migrations.
const maxAddrHistory = 5

var (
	// ErrNotConnected is returned when the channel is used before
	// UdpChannelDetails has been installed via SetUdpTunnel.
	ErrNotConnected = errors.New("agentcontrol: udp tunnel not connected")
	// ErrInvalidData is returned when a received datagram cannot be
	// classified: either it came from a peer outside the current
	// tunnel address and its history, or its tail could not be parsed
	// as a flow footer.
	ErrInvalidData = errors.New("agentcontrol: invalid data")
	// ErrWriteZero is returned when the caller's receive buffer is too
	// small to safely hold a legitimate payload plus footer.
	ErrWriteZero = errors.New("agentcontrol: receive buffer too small")
)

// UdpChannelDetails is the current session's parameters: the tunnel
// server address the agent talks to, and the opaque token that both
// authenticates the session and serves as a liveness echo.
type UdpChannelDetails struct {
	TunnelAddr net.UDPAddr
	Token      []byte
}

// Equal reports structural equality over both fields.
func (d UdpChannelDetails) Equal(other UdpChannelDetails) bool {
	return equalUDPAddr(d.TunnelAddr, other.TunnelAddr) && bytes.Equal(d.Token, other.Token)
}

func equalUDPAddr(a, b net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port && a.Zone == b.Zone
}

// UdpTunnelRxKind tags the variants of UdpTunnelRx.
type UdpTunnelRxKind int

const (
	RxReceivedPacket UdpTunnelRxKind = iota
	RxConfirmedConnection
	RxInvalidEstablishToken
)

// UdpTunnelRx is the classification of one received datagram.
type UdpTunnelRx struct {
	Kind  UdpTunnelRxKind
	Bytes []byte
	Flow  UdpFlow
}

// channelDetails is the rarely-updated interior guarded by an RWMutex,
// split from the hot liveness counters which are plain atomics. The two
// have different update frequencies and contention profiles and are
// deliberately not fused into one lock.
type channelDetails struct {
	current     *UdpChannelDetails
	addrHistory []net.UDPAddr
}

// Channel is the steady-state UDP session manager (spec's UdpChannel).
// It is safe for concurrent use: a reader task drives ReceiveFrom in a
// loop, one or more writer tasks call Send, and a timer task calls
// ResendToken/RequiresAuth.
type Channel struct {
	packetIO application.PacketIO
	logger   application.Logger

	mu      sync.RWMutex
	details channelDetails

	lastConfirm atomic.Uint32
	lastSend    atomic.Uint32
}

// NewChannel constructs a Channel with no session installed.
func NewChannel(packetIO application.PacketIO, logger application.Logger) *Channel {
	return &Channel{
		packetIO: packetIO,
		logger:   logger,
	}
}

func nowSec() uint32 {
	return uint32(time.Now().Unix())
}

// IsSetup reports whether session details are currently installed.
func (c *Channel) IsSetup() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.details.current != nil
}

// InvalidateSession resets both liveness timestamps to 0, forcing the
// next RequiresResend/RequiresAuth checks to indicate action. Never
// blocks: it only touches the lock-free counters.
func (c *Channel) InvalidateSession() {
	c.lastConfirm.Store(0)
	c.lastSend.Store(0)
}

// RequiresResend reports whether the 10-second keepalive cadence has
// elapsed since the last confirmed token echo.
func (c *Channel) RequiresResend() bool {
	return c.lastConfirm.Load()+resendIntervalSec < nowSec()
}

// RequiresAuth reports whether sends have gone unconfirmed for more
// than the re-auth threshold, meaning the session is dead and must be
// re-established by the (out-of-scope) supervisor. It is also true while
// both timestamps are 0, i.e. after InvalidateSession.
func (c *Channel) RequiresAuth() bool {
	lastConfirm := c.lastConfirm.Load()
	lastSend := c.lastSend.Load()
	if lastConfirm == 0 && lastSend == 0 {
		return true
	}
	return lastConfirm+reauthThresholdSec < lastSend
}

// SetUdpTunnel installs or replaces the session details. If details are
// structurally identical to the current ones, this is a no-op. If the
// tunnel address differs from the current one, the old address is
// pushed to the front of the address history (evicting the oldest entry
// past maxAddrHistory); token-only changes never touch the history.
func (c *Channel) SetUdpTunnel(details UdpChannelDetails) error {
	changed := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()

		if current := c.details.current; current != nil {
			if details.Equal(*current) {
				return false
			}
			if !equalUDPAddr(details.TunnelAddr, current.TunnelAddr) {
				c.logger.Printf("change udp tunnel addr: old=%s new=%s", current.TunnelAddr.String(), details.TunnelAddr.String())
				c.details.addrHistory = append([]net.UDPAddr{current.TunnelAddr}, c.details.addrHistory...)
				if len(c.details.addrHistory) > maxAddrHistory {
					c.details.addrHistory = c.details.addrHistory[:maxAddrHistory]
				}
			}
		}

		d := details
		c.details.current = &d
		return true
	}()
	if !changed {
		return nil
	}

	return c.sendToken(details)
}

// ResendToken re-sends the current token if details are installed. It
// returns false without action when no session has been set up yet.
func (c *Channel) ResendToken() (bool, error) {
	c.mu.RLock()
	current := c.details.current
	c.mu.RUnlock()

	if current == nil {
		return false, nil
	}
	if err := c.sendToken(*current); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Channel) sendToken(details UdpChannelDetails) error {
	if _, err := c.packetIO.SendTo(details.Token, &details.TunnelAddr); err != nil {
		return err
	}
	c.logger.Printf("send udp session token: len=%d tunnel_addr=%s", len(details.Token), details.TunnelAddr.String())
	c.lastSend.Store(nowSec())
	return nil
}

func (c *Channel) currentDetails() (UdpChannelDetails, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.details.current == nil {
		return UdpChannelDetails{}, ErrNotConnected
	}
	return *c.details.current, nil
}

// Send appends flow's footer to data and transmits the result to the
// current tunnel address. It fails with ErrNotConnected when no session
// is installed.
func (c *Channel) Send(data []byte, flow UdpFlow) (int, error) {
	details, err := c.currentDetails()
	if err != nil {
		return 0, err
	}

	footerLen := flow.Len()
	buf := make([]byte, len(data)+footerLen)
	copy(buf, data)
	if err := flow.WriteTo(buf[len(data):]); err != nil {
		return 0, err
	}

	return c.packetIO.SendTo(buf, &details.TunnelAddr)
}

// maxFlowFooterLen is the larger of the two footer sizes, used to size
// the minimum legitimate-payload check in ReceiveFrom.
const maxFlowFooterLen = FlowV6Len

// ReceiveFrom reads one datagram into buf and classifies it.
func (c *Channel) ReceiveFrom(buf []byte) (UdpTunnelRx, error) {
	n, peer, err := c.packetIO.RecvFrom(buf)
	if err != nil {
		return UdpTunnelRx{}, err
	}

	details, err := c.currentDetails()
	if err != nil {
		return UdpTunnelRx{}, err
	}

	if !equalUDPAddr(*peer, details.TunnelAddr) {
		c.mu.RLock()
		found := false
		for _, addr := range c.details.addrHistory {
			if equalUDPAddr(*peer, addr) {
				found = true
				break
			}
		}
		c.mu.RUnlock()

		if !found {
			return UdpTunnelRx{}, fmt.Errorf("%w: got data from other source %s", ErrInvalidData, peer.String())
		}
	}

	if bytes.Equal(buf[:n], details.Token) {
		c.logger.Printf("udp session confirmed: len=%d tunnel_addr=%s", n, peer.String())
		c.lastConfirm.Store(nowSec())
		return UdpTunnelRx{Kind: RxConfirmedConnection}, nil
	}

	if len(buf) < n+maxFlowFooterLen {
		return UdpTunnelRx{}, ErrWriteZero
	}

	flow, footerLen, parseErr := ParseFlowFooter(buf[:n])
	if parseErr == nil {
		return UdpTunnelRx{Kind: RxReceivedPacket, Bytes: buf[:n-footerLen], Flow: flow}, nil
	}

	var footerErr *FooterError
	if errors.As(parseErr, &footerErr) && footerErr.IsEstablishMarker() {
		c.logger.Printf("unexpected UDP establish packet: actual=%s expected=%s", hex.EncodeToString(buf[:n]), hex.EncodeToString(details.Token))
		return UdpTunnelRx{Kind: RxInvalidEstablishToken}, nil
	}

	return UdpTunnelRx{}, fmt.Errorf("%w: failed to extract udp footer: %s", ErrInvalidData, hex.EncodeToString(buf[:n]))
}
