package agentcontrol

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"tunnelagent/application"
)

// PacketHandler is invoked for each RxReceivedPacket datagram the
// channel decodes; it is the seam where the tunnelled payload would be
// handed off to whatever consumes it (a TUN device, a local listener,
// and so on are out of scope here).
type PacketHandler func(rx UdpTunnelRx)

// ChannelRunner drives a Channel's steady-state loop: a receive loop
// that classifies inbound datagrams and a timer loop that triggers
// keepalive resends and flags sessions needing re-authentication.
type ChannelRunner struct {
	channel  *Channel
	logger   application.Logger
	onPacket PacketHandler
	onReauth func()
}

// NewChannelRunner builds a runner bound to channel. onPacket is called
// for every successfully decoded data packet; onReauth is called once
// per tick that RequiresAuth reports true, so the caller can restart
// the setup/authenticate sequence.
func NewChannelRunner(channel *Channel, logger application.Logger, onPacket PacketHandler, onReauth func()) *ChannelRunner {
	return &ChannelRunner{
		channel:  channel,
		logger:   logger,
		onPacket: onPacket,
		onReauth: onReauth,
	}
}

// Run blocks until ctx is cancelled or either loop returns an
// unrecoverable error. ctx does not interrupt a pending ReceiveFrom:
// after cancellation, Run returns once that call returns.
func (r *ChannelRunner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.receiveLoop(ctx)
	})
	g.Go(func() error {
		return r.timerLoop(ctx)
	})

	return g.Wait()
}

func (r *ChannelRunner) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		rx, err := r.channel.ReceiveFrom(buf)
		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				continue
			}
			if errors.Is(err, ErrInvalidData) || errors.Is(err, ErrWriteZero) {
				r.logger.Printf("discarding datagram: error=%v", err)
				continue
			}
			return err
		}

		switch rx.Kind {
		case RxConfirmedConnection, RxInvalidEstablishToken:
			// ReceiveFrom already recorded the confirmation or logged
			// the invalid establish frame; nothing more is done here.
		case RxReceivedPacket:
			if r.onPacket != nil {
				r.onPacket(rx)
			}
		}
	}
}

func (r *ChannelRunner) timerLoop(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !r.channel.IsSetup() {
				continue
			}
			if r.channel.RequiresAuth() {
				if r.onReauth != nil {
					r.onReauth()
				}
				continue
			}
			if r.channel.RequiresResend() {
				if _, err := r.channel.ResendToken(); err != nil {
					r.logger.Printf("failed to resend udp session token: error=%v", err)
				}
			}
		}
	}
}
