package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ghtransport/waytrack/config"
	"github.com/ghtransport/waytrack/internal/services/reconciler"
)

type ingestHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	reconciler *reconciler.Reconciler
	cfg        *config.Config
}

func runIngestHTTPServer(ctx context.Context, opts ingestHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.reconciler == nil {
			_, _ = w.Write([]byte(`{"error":"reconciler not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.reconciler.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Без секретов: только операционные настройки ingest-воркера.
		out := map[string]any{
			"consumerGroup":              opts.cfg.Waytrack.KafkaConsumerGroup,
			"currentStatusTTLSeconds":    opts.cfg.Waytrack.CurrentStatusTTLSeconds,
			"sweepIntervalSeconds":       opts.cfg.Waytrack.SweepIntervalSeconds,
			"sweepBatchSize":             opts.cfg.Waytrack.SweepBatchSize,
			"overdueSignalWindowSeconds": opts.cfg.Waytrack.OverdueSignalWindowSeconds,
			"transitionMaxRetries":       opts.cfg.Waytrack.TransitionMaxRetries,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.reconciler == nil {
			_, _ = w.Write([]byte(`{"error":"reconciler not wired"}`))
			return
		}
		opts.reconciler.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
