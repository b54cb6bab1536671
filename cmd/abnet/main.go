// Command abnet runs the privacy-preserving experiment ledger service.
//
// The service hosts the experiment lifecycle API: owners create and end
// experiments, participants join anonymously and submit encrypted metrics,
// and owners retrieve decrypted aggregate results through verified
// decryption tickets.
//
// # Backends
//
// The anonymity registry runs in-memory by default and against Redis when
// a redis address is configured. Persistence is optional and uses
// PostgreSQL when a postgres host is configured.
//
// # Usage
//
//	go run ./cmd/abnet --config=config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flashbots/abnet/anonymity"
	"github.com/flashbots/abnet/api/httpserver"
	"github.com/flashbots/abnet/cmd/common"
	abnetcommon "github.com/flashbots/abnet/common"
	"github.com/flashbots/abnet/engine"
	"github.com/flashbots/abnet/ledger"
	"github.com/flashbots/abnet/server"
	"github.com/flashbots/abnet/store"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		listenAddr  = flag.String("listen-addr", "", "Override the configured listen address")
		enablePprof = flag.Bool("pprof", false, "Enable the pprof debugging API")
	)
	flag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *enablePprof {
		cfg.EnablePprof = true
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(
		"service", abnetcommon.PackageName,
		"version", abnetcommon.Version,
	)

	signingKey, err := common.LoadOrGenerateSigningKey(cfg.SigningKeyHex)
	if err != nil {
		log.Error("Signing key error", "err", err)
		os.Exit(1)
	}
	pubKey, _ := signingKey.PublicKey()
	log.Info("Service identity", "publicKey", pubKey.String())

	eng, err := engine.NewInMemory()
	if err != nil {
		log.Error("Engine error", "err", err)
		os.Exit(1)
	}

	var registry anonymity.Registry
	if cfg.Redis.Addr != "" {
		redisRegistry, err := anonymity.NewRedisRegistry(cfg.Redis)
		if err != nil {
			log.Error("Redis registry error", "err", err)
			os.Exit(1)
		}
		defer redisRegistry.Close()
		registry = redisRegistry
		log.Info("Using redis anonymity registry", "addr", cfg.Redis.Addr)
	} else {
		registry = anonymity.NewMemoryRegistry()
		log.Info("Using in-memory anonymity registry")
	}

	var ledgerStore ledger.Store
	if cfg.Postgres.Host != "" {
		pg, err := store.NewPostgresStore(&cfg.Postgres)
		if err != nil {
			log.Error("Postgres error", "err", err)
			os.Exit(1)
		}
		defer pg.Close()
		ledgerStore = pg
		log.Info("Persistence enabled", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	l, err := ledger.New(&ledger.Config{
		Engine:   eng,
		Registry: registry,
		Store:    ledgerStore,
		Log:      log,
	})
	if err != nil {
		log.Error("Ledger error", "err", err)
		os.Exit(1)
	}

	coordinator, err := ledger.NewDecryptionCoordinator(l, eng, log)
	if err != nil {
		log.Error("Coordinator error", "err", err)
		os.Exit(1)
	}
	handler := server.NewHandler(l, coordinator, log)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.ListenAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		DrainDuration:            cfg.DrainDuration,
		GracefulShutdownDuration: cfg.GracefulShutdownDuration,
	}, handler)
	if err != nil {
		log.Error("Server error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The engine announces decryption requests as they become ready; feed
	// the verified results back into the coordinator.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case requestID := <-eng.Pending():
				result, err := eng.Decrypt(requestID)
				if err != nil {
					log.Error("Decryption failed", "requestID", requestID, "err", err)
					continue
				}
				if err := coordinator.OnDecryptionResult(ctx, result.RequestID, result.Plaintext, result.Proof); err != nil {
					log.Error("Result delivery failed", "requestID", requestID, "err", err)
				}
			}
		}
	}()

	srv.RunInBackground()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down")
	cancel()
	srv.Shutdown()
}
