// Package main runs a netplay node: it hosts or joins a session at startup
// and serves the local command surface for switching roles later.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/netplay/internal/config"
	"github.com/cory-johannsen/netplay/internal/frontend"
	"github.com/cory-johannsen/netplay/internal/observability"
	"github.com/cory-johannsen/netplay/internal/server"
	"github.com/cory-johannsen/netplay/internal/session"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	mode := flag.String("mode", "", "override session.mode (host, join, none)")
	hostAddr := flag.String("host-addr", "", "override session.host_addr for join mode")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *mode != "" {
		cfg.Session.Mode = *mode
	}
	if *hostAddr != "" {
		cfg.Session.HostAddr = *hostAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if *printConfig {
		if err := config.Dump(os.Stdout, cfg); err != nil {
			log.Fatalf("printing config: %v", err)
		}
		return
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	coordinator, err := session.New(cfg, session.LobbyEngine, logger.Named("session"), metrics)
	if err != nil {
		logger.Fatal("creating session coordinator", zap.Error(err))
	}

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger, 2*cfg.Session.GracePeriod+time.Second)

	quit := make(chan struct{})
	lifecycle.Add("session", &server.FuncService{
		StartFn: func() error {
			if err := activate(ctx, coordinator, cfg.Session, logger); err != nil {
				return err
			}
			<-quit
			return nil
		},
		StopFn: func() {
			close(quit)
			coordinator.Close()
		},
	})

	if cfg.Frontend.Port != 0 {
		surface := frontend.NewServer(cfg.Frontend, cfg.Session, coordinator,
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), logger.Named("frontend"))
		lifecycle.Add("frontend", &server.FuncService{
			StartFn: surface.ListenAndServe,
			StopFn:  surface.Stop,
		})
	}

	logger.Info("netplay node initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("mode", cfg.Session.Mode),
		zap.String("codec", cfg.Codec.Format),
		zap.String("frontend_addr", cfg.Frontend.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// starter is the part of session.Coordinator used at startup.
type starter interface {
	Host(ctx context.Context, port int) (session.NetworkInfo, error)
	Join(ctx context.Context, hostAddr string) (session.NetworkInfo, error)
}

// activate starts the session selected by cfg.Mode. ModeNone starts nothing.
//
// Postcondition: Returns an error if the mode is unknown or the session failed to start.
func activate(ctx context.Context, c starter, cfg config.SessionConfig, logger *zap.Logger) error {
	var (
		info session.NetworkInfo
		err  error
	)
	switch cfg.Mode {
	case config.ModeHost:
		info, err = c.Host(ctx, cfg.Port)
	case config.ModeJoin:
		info, err = c.Join(ctx, cfg.HostAddr)
	case config.ModeNone:
		logger.Info("no session at startup, waiting for the command surface")
		return nil
	default:
		return fmt.Errorf("unknown session mode %q", cfg.Mode)
	}
	if err != nil {
		return fmt.Errorf("starting %s session: %w", cfg.Mode, err)
	}
	logger.Info("session active",
		zap.String("session_id", info.SessionID),
		zap.String("role", string(info.Role)),
		zap.String("local_addr", info.LocalAddr),
		zap.String("host_addr", info.HostAddr),
	)
	return nil
}
