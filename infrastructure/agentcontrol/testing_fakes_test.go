package agentcontrol

import (
	"errors"
	"net"
	"sync"
)

// errNoMoreDatagrams is returned by fakePacketIO.RecvFrom once its
// inbound queue is drained, standing in for a genuine socket error in
// tests that don't care about recvWithTimeout's deadline/timeout path.
var errNoMoreDatagrams = errors.New("agentcontrol: fake packet io exhausted")

// fakeLogger prints nothing; it records each format string in entries,
// which tests that care about log output can read directly.
type fakeLogger struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeLogger) Printf(format string, v ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, format)
}

// fakeDatagram is one inbound datagram queued for a fakePacketIO.
type fakeDatagram struct {
	data []byte
	from net.UDPAddr
}

// fakePacketIO is a hand-written PacketIO test double. SendTo records
// every outgoing datagram; RecvFrom drains a queue filled by the test
// via push. With blockWhenEmpty false (the default), an empty queue
// makes RecvFrom return errNoMoreDatagrams immediately, which suits
// tests of bounded retry loops. With blockWhenEmpty true, RecvFrom
// instead waits for a push or for stop() to be called, which suits
// tests of long-running loops driven by a cancellable context.
type fakePacketIO struct {
	mu      sync.Mutex
	sent    []fakeDatagram
	inbound []fakeDatagram
	sendErr error

	blockWhenEmpty bool
	waiters        []chan struct{}
	stopped        bool
}

func (f *fakePacketIO) SendTo(buf []byte, target *net.UDPAddr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, fakeDatagram{data: cp, from: *target})
	return len(buf), nil
}

func (f *fakePacketIO) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	for {
		f.mu.Lock()
		if len(f.inbound) > 0 {
			next := f.inbound[0]
			f.inbound = f.inbound[1:]
			f.mu.Unlock()
			n := copy(buf, next.data)
			return n, &next.from, nil
		}
		if !f.blockWhenEmpty || f.stopped {
			f.mu.Unlock()
			return 0, nil, errNoMoreDatagrams
		}
		wake := make(chan struct{})
		f.waiters = append(f.waiters, wake)
		f.mu.Unlock()
		<-wake
	}
}

func (f *fakePacketIO) push(from net.UDPAddr, data []byte) {
	f.mu.Lock()
	f.inbound = append(f.inbound, fakeDatagram{data: data, from: from})
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// stop wakes any RecvFrom callers currently blocked waiting for data,
// making them return errNoMoreDatagrams. Tests that set blockWhenEmpty
// must call stop before returning to avoid leaking the blocked
// goroutine.
func (f *fakePacketIO) stop() {
	f.mu.Lock()
	f.stopped = true
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (f *fakePacketIO) lastSent() (fakeDatagram, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return fakeDatagram{}, false
	}
	return f.sent[len(f.sent)-1], true
}
