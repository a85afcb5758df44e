// uplinkd is the uplink transport daemon. It serves the session RPC
// listener that clients dial and resume against, plus the admin HTTP API
// that uplinkctl talks to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rishiad/uplink-server/pkg/admin"
	"github.com/rishiad/uplink-server/pkg/config"
	"github.com/rishiad/uplink-server/pkg/observability"
	"github.com/rishiad/uplink-server/pkg/server"
	"github.com/rishiad/uplink-server/pkg/service"
)

// version is stamped at build time:
//
//	go build -ldflags "-X main.version=v0.2.0" ./cmd/uplinkd
var version = "0.1.0"

func main() {
	cfgPath := flag.String("config", "", "config file (default "+config.DefaultPath()+")")
	addr := flag.String("addr", "", "session RPC listen address (overrides config)")
	adminAddr := flag.String("admin-addr", "", "admin API listen address (overrides config)")
	socketPath := flag.String("socket", "", "also serve session RPC on this unix socket")
	logLevel := flag.String("log-level", "", "log threshold: trace, debug, info, warn, error")
	flag.Parse()

	path := *cfgPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uplinkd:", err)
		os.Exit(1)
	}

	// Settings resolve in three layers: the UPLINK_* environment variables
	// override the config file, and flags override both.
	if v := os.Getenv("UPLINK_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("UPLINK_ADMIN_ADDR"); v != "" {
		cfg.Server.AdminAddr = v
	}
	if v := os.Getenv("UPLINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("UPLINK_SOCKET"); v != "" {
		*socketPath = v
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *adminAddr != "" {
		cfg.Server.AdminAddr = *adminAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := observability.NewLogger("uplinkd", cfg.LogLevel)

	mgrCfg, err := cfg.Session.ManagerConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid session configuration")
	}

	// --- Services ---
	terminals := service.NewTerminalService()
	files := service.NewFileService()

	reg := service.NewRegistry()
	if err := reg.Register(terminals.Channel()); err != nil {
		log.Fatal().Err(err).Msg("register terminal channel")
	}
	if err := reg.Register(files.Channel()); err != nil {
		log.Fatal().Err(err).Msg("register files channel")
	}

	// --- Session server and admin API ---
	srv := server.New(reg,
		server.WithLogger(log),
		server.WithManagerConfig(mgrCfg),
	)
	adm := admin.NewServer(srv,
		admin.WithLogger(log),
		admin.WithVersion(version),
	)

	go func() {
		if err := adm.ListenAndServe(cfg.Server.AdminAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin api error")
		}
	}()

	if *socketPath != "" {
		os.Remove(*socketPath)
		ln, err := net.Listen("unix", *socketPath)
		if err != nil {
			log.Fatal().Err(err).Str("socket", *socketPath).Msg("unix socket listen")
		}
		log.Info().Str("socket", *socketPath).Msg("session rpc listening on unix socket")
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, server.ErrServerClosed) {
				log.Error().Err(err).Msg("unix listener error")
			}
		}()
	}

	// --- Graceful shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := adm.GracefulShutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("admin api shutdown")
		}
		terminals.Close()
		files.Close()
		srv.Stop()
	}()

	log.Info().
		Str("version", version).
		Str("addr", cfg.Server.Addr).
		Str("admin_addr", cfg.Server.AdminAddr).
		Msg("uplinkd starting")
	if err := srv.ListenAndServe(cfg.Server.Addr); err != nil && !errors.Is(err, server.ErrServerClosed) {
		log.Fatal().Err(err).Msg("session listener error")
	}
	log.Info().Msg("uplinkd stopped")
}
