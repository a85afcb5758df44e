// uplink-fs hosts filesystem operations and change watches behind a unix
// socket. The socket path is the first argument; it defaults to
// /tmp/uplink-fs.sock.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rishiad/uplink-server/pkg/observability"
	"github.com/rishiad/uplink-server/pkg/sidecar/fsops"
)

const defaultSocket = "/tmp/uplink-fs.sock"

func main() {
	socketPath := defaultSocket
	if len(os.Args) > 1 {
		socketPath = os.Args[1]
	}
	log := observability.NewLogger("uplink-fs", os.Getenv("UPLINK_LOG_LEVEL"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := fsops.Serve(ctx, socketPath, log); err != nil {
		log.Fatal().Err(err).Msg("filesystem sidecar error")
	}
	log.Info().Msg("filesystem sidecar stopped")
}
