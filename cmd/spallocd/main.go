// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command spallocd is the allocation daemon: it loads its configuration,
// opens the catalogue store, wires the admission service and runs it
// until told to stop, serving an operator-facing health/metrics endpoint
// alongside it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/spalloc/spallocd/internal/admission"
	"github.com/spalloc/spallocd/internal/bmp"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/internal/store/boltstore"
	"github.com/spalloc/spallocd/internal/store/memstore"
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/logging"
)

// Version is set at build time.
var Version = "dev"

// shutdownGrace bounds how long the admin server's Shutdown waits for
// in-flight requests once a shutdown signal arrives; svc.Stop is not
// bounded by it.
const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spallocd: loading configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewLogger(&logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		Format:  logging.ParseFormat(cfg.Log.Format),
		Output:  os.Stdout,
		Version: Version,
	})

	st, err := openStore(*cfg)
	if err != nil {
		log.Error("failed opening catalogue store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("failed closing catalogue store", "error", err)
		}
	}()

	if !cfg.Transceiver.Dummy {
		log.Warn("transceiver.dummy is false but no hardware transceiver is implemented; using the simulated transceiver")
	}
	tx := bmp.NewDummyTransceiver()

	svc := admission.New(st, tx, *cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Error("failed starting admission service", "error", err)
		os.Exit(1)
	}

	admin := newAdminServer(cfg.HTTP.AdminAddr, svc, log)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server failed", "error", err)
		}
	}()

	log.Info("spallocd started", "admin_addr", cfg.HTTP.AdminAddr, "db_path", cfg.DB.Path)

	<-ctx.Done()
	log.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server shutdown did not complete cleanly", "error", err)
	}

	svc.Stop()
	log.Info("spallocd stopped")
}

// openStore opens the bbolt-backed store at db.path, or the in-memory
// store if db.path is empty — the mode transceiver.dummy development and
// test setups use.
func openStore(cfg config.Config) (store.Store, error) {
	if cfg.DB.Path == "" {
		return memstore.New(), nil
	}
	return boltstore.Open(cfg.DB.Path, cfg.DB.Timeout)
}

// newAdminServer builds the operator-facing health/metrics endpoint.
// Per SPEC_FULL.md §6 this carries no job/board/machine CRUD — every
// mutation goes through spallocctl operating directly on the store.
func newAdminServer(addr string, svc admission.Service, log logging.Logger) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Metrics().GetStats()); err != nil {
			log.Warn("failed encoding metrics response", "error", err)
		}
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
