// Command agent wires the control-plane components together: candidate
// discovery, authenticated registration, and the steady-state UDP
// channel. It is a minimal runnable demonstration, not a full CLI.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tunnelagent/application"
	"tunnelagent/infrastructure/agentcontrol"
	"tunnelagent/infrastructure/logging"
	"tunnelagent/infrastructure/network/udp"
)

// httpAuthProvider is a thin application.AuthenticationProvider backed
// by an external HTTP auth service. The transport itself is out of
// scope for this package; this stub only shapes the seam.
type httpAuthProvider struct {
	apiURL    string
	secretKey string
}

func (h *httpAuthProvider) Authenticate(ctx context.Context, pong application.Pong) (application.SignedAgentKey, error) {
	// Actual HTTP round trip to h.apiURL using h.secretKey is
	// intentionally not implemented here: the control-plane contract
	// only specifies the Pong-in/SignedAgentKey-out shape.
	return application.SignedAgentKey{}, context.DeadlineExceeded
}

func main() {
	candidateFlag := flag.String("candidates", "", "comma-separated host:port UDP candidate addresses")
	apiURL := flag.String("api-url", "https://api.example.com", "auth service base URL")
	secretKey := flag.String("secret-key", "", "agent secret key")
	flag.Parse()

	logger := logging.NewLogLogger()

	if *candidateFlag == "" {
		logger.Printf("no candidates supplied, exiting")
		os.Exit(2)
	}

	candidates, err := parseCandidates(*candidateFlag)
	if err != nil {
		logger.Printf("failed to parse candidates: error=%v", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	binder := udp.NewBinder()
	conn, err := agentcontrol.FindSuitableChannel(candidates, func(isIPv6 bool) (application.PacketIO, error) {
		return binder.Bind(isIPv6)
	}, logger, agentcontrol.SystemClock{})
	if err != nil {
		logger.Printf("failed to find suitable channel: error=%v", err)
		os.Exit(1)
	}

	auth := &httpAuthProvider{apiURL: *apiURL, secretKey: *secretKey}
	authed, err := agentcontrol.Authenticate(ctx, conn, auth, logger)
	if err != nil {
		logger.Printf("failed to authenticate: error=%v", err)
		os.Exit(1)
	}

	logger.Printf("registered: session_id=%d", authed.Registered.SessionID)

	channel := agentcontrol.NewChannel(authed.PacketIO, logger)

	runner := agentcontrol.NewChannelRunner(channel, logger, func(rx agentcontrol.UdpTunnelRx) {
		logger.Printf("received tunnelled packet: len=%d", len(rx.Bytes))
	}, func() {
		logger.Printf("session requires re-authentication")
		stop()
	})

	if err := runner.Run(ctx); err != nil {
		logger.Printf("channel runner exited: error=%v", err)
		os.Exit(1)
	}
}

func parseCandidates(raw string) ([]net.UDPAddr, error) {
	parts := strings.Split(raw, ",")
	addrs := make([]net.UDPAddr, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, *addr)
	}
	return addrs, nil
}
