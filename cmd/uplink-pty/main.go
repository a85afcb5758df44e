// uplink-pty hosts pseudo-terminals behind a unix socket so terminal
// processes survive independently of the daemon that drives them. The
// socket path is the first argument; it defaults to /tmp/uplink-pty.sock.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rishiad/uplink-server/pkg/observability"
	"github.com/rishiad/uplink-server/pkg/sidecar/term"
)

const defaultSocket = "/tmp/uplink-pty.sock"

func main() {
	socketPath := defaultSocket
	if len(os.Args) > 1 {
		socketPath = os.Args[1]
	}
	log := observability.NewLogger("uplink-pty", os.Getenv("UPLINK_LOG_LEVEL"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := term.Serve(ctx, socketPath, log); err != nil {
		log.Fatal().Err(err).Msg("terminal sidecar error")
	}
	log.Info().Msg("terminal sidecar stopped")
}
