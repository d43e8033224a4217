package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"chatd/config"
	"chatd/db"
	"chatd/directory"
	"chatd/friends"
	"chatd/logging"
	"chatd/offline"
	"chatd/server"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML configuration file",
		EnvVars: []string{"CHATD_CONFIG"},
	}
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "TCP port for chat clients",
	}
	dbFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "SQLite database path",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "log verbosity (debug, info, warn, error)",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "write logs to a rotated file instead of stderr",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "listen address for /metrics, /stats and /healthz (disabled when empty)",
	}
	controlSocketFlag = &cli.StringFlag{
		Name:  "control-socket",
		Usage: "unix socket for operator commands",
	}
)

func main() {
	app := &cli.App{
		Name:  filepath.Base(os.Args[0]),
		Usage: "real-time chat server",
		Flags: []cli.Flag{
			configFlag,
			portFlag,
			dbFlag,
			logLevelFlag,
			logFileFlag,
			metricsAddrFlag,
			controlSocketFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies command line flags on top of config.Load.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if c.IsSet(portFlag.Name) {
		cfg.Port = c.Int(portFlag.Name)
	}
	if c.IsSet(dbFlag.Name) {
		cfg.DBPath = c.String(dbFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.LogLevel = c.String(logLevelFlag.Name)
	}
	if c.IsSet(logFileFlag.Name) {
		cfg.LogFile = c.String(logFileFlag.Name)
	}
	if c.IsSet(metricsAddrFlag.Name) {
		cfg.MetricsAddr = c.String(metricsAddrFlag.Name)
	}
	if c.IsSet(controlSocketFlag.Name) {
		cfg.ControlSocket = c.String(controlSocketFlag.Name)
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	database, err := db.New(cfg.DBPath, db.Options{
		MaxConns:    cfg.DBMaxConns,
		BusyTimeout: cfg.StoreTimeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.ResetOnline(ctx); err != nil {
		log.Warn("Failed to reset online flags", "err", err)
	}

	fr, err := friends.New(database, cfg.FriendCacheSize, log.With("component", "friends"))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(&server.Config{
		Port:              cfg.Port,
		HeartbeatInterval: cfg.HeartbeatInterval.Duration,
		ReconnectTimeout:  cfg.ReconnectTimeout.Duration,
		WriteTimeout:      cfg.WriteTimeout.Duration,
		StoreTimeout:      cfg.StoreTimeout.Duration,
		MaxFrameSize:      cfg.MaxFrameSize,
		SendQueueSize:     cfg.SendQueueSize,
		RateLimit:         cfg.RateLimit,
		RateBurst:         cfg.RateBurst,
		HistoryLimit:      cfg.HistoryLimit,
	}, server.Deps{
		Directory: directory.New(database, log.With("component", "directory")),
		Friends:   fr,
		Offline:   newOfflineStore(cfg.OfflineStore, database),
		Messages:  database,
	}, log, server.NewMetrics(registry))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if cfg.ControlSocket != "" {
		g.Go(func() error {
			return runControlSocket(gctx, cfg.ControlSocket, srv, cancel, log)
		})
	}
	if cfg.MetricsAddr != "" {
		admin := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           srv.AdminHandler(registry, database.Ping),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("Admin HTTP listening", "addr", cfg.MetricsAddr)
			if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return admin.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil {
		log.Error("Server stopped with error", "err", err)
		return err
	}
	log.Info("Server stopped")
	return nil
}

func newOfflineStore(kind string, database *db.DB) offline.Store {
	if kind == "memory" {
		return offline.NewMemory()
	}
	return offline.NewPersistent(database)
}
