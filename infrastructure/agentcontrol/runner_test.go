package agentcontrol

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func TestChannelRunner_DeliversReceivedPackets(t *testing.T) {
	io := &fakePacketIO{blockWhenEmpty: true}
	ch := NewChannel(io, &fakeLogger{})
	details := testDetails()
	if err := ch.SetUdpTunnel(details); err != nil {
		t.Fatalf("SetUdpTunnel: %v", err)
	}

	flow := UdpFlow{
		Src: netip.MustParseAddrPort("10.0.0.1:1"),
		Dst: netip.MustParseAddrPort("10.0.0.2:2"),
	}
	footer := make([]byte, FlowV4Len)
	if err := flow.WriteTo(footer); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	payload := []byte("packet-data")
	io.push(details.TunnelAddr, append(append([]byte(nil), payload...), footer...))

	received := make(chan []byte, 1)
	runner := NewChannelRunner(ch, &fakeLogger{}, func(rx UdpTunnelRx) {
		received <- rx.Bytes
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Fatalf("got %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered packet")
	}

	cancel()
	io.stop()
	<-done
}

func TestChannelRunner_CallsOnReauthWhenSessionStale(t *testing.T) {
	io := &fakePacketIO{blockWhenEmpty: true}
	ch := NewChannel(io, &fakeLogger{})
	details := testDetails()
	if err := ch.SetUdpTunnel(details); err != nil {
		t.Fatalf("SetUdpTunnel: %v", err)
	}
	// Force RequiresAuth() true: lots of unconfirmed sends, no confirms.
	ch.lastSend.Store(nowSec())
	ch.lastConfirm.Store(0)

	reauthed := make(chan struct{}, 1)
	runner := NewChannelRunner(ch, &fakeLogger{}, nil, func() {
		select {
		case reauthed <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case <-reauthed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for onReauth to fire")
	}

	cancel()
	io.stop()
	<-done
}
