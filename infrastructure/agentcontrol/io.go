package agentcontrol

import (
	"context"
	"errors"
	"net"
	"time"

	"tunnelagent/application"
)

// errRecvTimeout is a private sentinel distinguishing "no datagram
// arrived within the deadline" from a genuine socket error. It never
// leaves this package: the prober and the authenticator check it with
// errors.Is and handle the timeout themselves.
var errRecvTimeout = errors.New("agentcontrol: receive timed out")

// Deadliner is implemented by PacketIO values that support bounding a
// single RecvFrom call, such as one backed by *net.UDPConn. PacketIO
// implementations without read-deadline support (e.g. a test fake with
// its own timeout semantics) can skip it; recvWithTimeout falls back to
// an unbounded RecvFrom in that case.
type Deadliner interface {
	SetReadDeadline(t time.Time) error
}

// BindFunc opens a fresh PacketIO for probing one candidate address,
// choosing an IPv4 or IPv6 dual-stack-capable socket per isIPv6.
type BindFunc func(isIPv6 bool) (application.PacketIO, error)

// Clock abstracts wall-clock reads so tests can supply deterministic
// timestamps instead of depending on real time.
type Clock interface {
	NowMilli() int64
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) NowMilli() int64 { return time.Now().UnixMilli() }

// recvWithTimeout performs one RecvFrom bounded by timeout when io
// supports Deadliner, translating a deadline-exceeded error into
// errRecvTimeout.
func recvWithTimeout(io application.PacketIO, buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if d, ok := io.(Deadliner); ok {
		if err := d.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, nil, err
		}
	}

	n, peer, err := io.RecvFrom(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, errRecvTimeout
		}
		return 0, nil, err
	}
	return n, peer, nil
}

// sleep blocks for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
