// Package main provides the entry point for the duckhub server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/txn2/duckhub/internal/server"
	"github.com/txn2/duckhub/pkg/auth"
	"github.com/txn2/duckhub/pkg/catalog"
	catalogpg "github.com/txn2/duckhub/pkg/catalog/postgres"
	"github.com/txn2/duckhub/pkg/engine"
	"github.com/txn2/duckhub/pkg/engine/duckdb"
	"github.com/txn2/duckhub/pkg/manager"
	"github.com/txn2/duckhub/pkg/platform"
	"github.com/txn2/duckhub/pkg/sessions"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	logLevel    string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address, overrides configuration")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("parsing log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func loadConfig(opts serverOptions) (*platform.Config, error) {
	cfg := platform.Default()
	if opts.configPath != "" {
		loaded, err := platform.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildCatalog creates the datasource catalog. The postgres provider also
// registers its connection with the lifecycle for shutdown.
func buildCatalog(cfg *platform.Config, lc *platform.Lifecycle) (catalog.Resolver, error) {
	switch cfg.Catalog.Provider {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Catalog.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening catalog database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Catalog.MaxOpenConns)
		if err := catalogpg.Migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		lc.RegisterCloser(db)
		return catalogpg.New(db), nil

	default:
		mem := catalog.NewMemory()
		for _, ds := range cfg.Catalog.Datasources {
			err := mem.Put(&catalog.Datasource{
				ID:          ds.ID,
				Provider:    catalog.Provider(ds.Provider),
				Descriptor:  ds.Descriptor,
				LogicalName: ds.LogicalName,
				ReadOnly:    ds.ReadOnly,
			})
			if err != nil {
				return nil, fmt.Errorf("seeding datasource %s: %w", ds.ID, err)
			}
		}
		return mem, nil
	}
}

func buildAuthenticator(cfg platform.AuthConfig) auth.Authenticator {
	var chain auth.Multi
	if cfg.JWT.Enabled {
		chain = append(chain, auth.NewJWTAuthenticator([]byte(cfg.JWT.Secret), cfg.JWT.Issuer))
	}
	if cfg.APIKeys.Enabled {
		keys := make([]auth.APIKey, 0, len(cfg.APIKeys.Keys))
		for _, k := range cfg.APIKeys.Keys {
			keys = append(keys, auth.APIKey{Name: k.Name, Hash: k.Hash})
		}
		chain = append(chain, auth.NewAPIKeyAuthenticator(keys))
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("duckhub version %s\n", Version)
		return nil
	}

	if err := setupLogging(opts.logLevel); err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx := setupSignalHandler()
	lc := platform.NewLifecycle()

	cat, err := buildCatalog(cfg, lc)
	if err != nil {
		return err
	}

	opener := func(_ context.Context) (engine.Engine, error) {
		return duckdb.Open(duckdb.Config{
			Path:                        cfg.Engine.Path,
			MemoryLimit:                 cfg.Engine.MemoryLimit,
			Threads:                     cfg.Engine.Threads,
			ExtensionDir:                cfg.Engine.ExtensionDir,
			DisableExtensionAutoinstall: cfg.Engine.DisableExtensionAutoinstall,
		})
	}

	registry, err := sessions.NewRegistry(sessions.Config{
		Open:             opener,
		PoolSize:         cfg.Sessions.PoolSize,
		OpTimeout:        cfg.Sessions.OpTimeout,
		IdleTTL:          cfg.Sessions.IdleTTL,
		EvictionInterval: cfg.Sessions.EvictionInterval,
		Registerer:       prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}

	mgr, err := manager.New(manager.Config{
		Registry:     registry,
		Catalog:      cat,
		QueryTimeout: cfg.Sessions.QueryTimeout,
	})
	if err != nil {
		return err
	}
	lc.RegisterCloser(mgr)
	lc.OnStart(func(_ context.Context) error {
		registry.StartEvictionRoutine()
		return nil
	})

	srv, err := server.New(server.Config{
		Address:        cfg.Server.Address,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		TLSCertFile:    tlsFile(cfg.Server.TLS, cfg.Server.TLS.CertFile),
		TLSKeyFile:     tlsFile(cfg.Server.TLS, cfg.Server.TLS.KeyFile),
		Manager:        mgr,
		Authenticator:  buildAuthenticator(cfg.Auth),
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		Gatherer:       prometheus.DefaultGatherer,
	})
	if err != nil {
		return err
	}
	lc.OnStart(srv.Start)
	lc.OnStop(srv.Stop)

	if err := lc.Start(ctx); err != nil {
		return err
	}
	slog.Info("duckhub started", "version", Version, "address", cfg.Server.Address)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-srv.Err():
		if err != nil {
			slog.Error("listener failed", "error", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return lc.Stop(stopCtx)
}

// tlsFile returns path only when TLS is enabled, so a configured but
// disabled TLS block does not switch the listener to TLS.
func tlsFile(tls platform.TLSConfig, path string) string {
	if !tls.Enabled {
		return ""
	}
	return path
}
