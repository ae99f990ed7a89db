package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nainya/wiredb/internal/logger"
)

// ObservabilityServer serves Prometheus metrics and a health check
// alongside the engine, on its own HTTP port.
type ObservabilityServer struct {
	server *http.Server
	log    *logger.Logger
}

// NewObservabilityServer builds an HTTP server bound to addr.
func NewObservabilityServer(addr string, log *logger.Logger) *ObservabilityServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"wiredbd"}`))
	})

	return &ObservabilityServer{
		server: &http.Server{Addr: addr, Handler: mux},
		log:    log,
	}
}

// Serve runs the observability server until it fails or is shut down. Call
// it in its own goroutine; errors are logged rather than returned since the
// engine itself does not depend on this server being up.
func (o *ObservabilityServer) Serve() {
	o.log.Info("starting observability server").Str("addr", o.server.Addr).Send()
	if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		o.log.Error("observability server failed").Err(err).Send()
	}
}

// Shutdown gracefully stops the observability server.
func (o *ObservabilityServer) Shutdown(ctx context.Context) error {
	return o.server.Shutdown(ctx)
}
