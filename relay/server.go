package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calldeck/backend/telemetry"
)

// maxBroadcastBytes bounds the accepted payload size on /broadcast.
const maxBroadcastBytes = 1 << 20

// NewMux returns the relay HTTP handler: viewer subscription over SSE, the
// internal one-way broadcast endpoint, health, and metrics.
func NewMux(reg *Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/broadcast", handleBroadcast(reg))
	mux.HandleFunc("/stream", handleStream(reg))
	return mux
}

// handleBroadcast accepts a payload and fans it out to all connected viewers.
func handleBroadcast(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxBroadcastBytes))
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		delivered := reg.Broadcast(payload)
		if telemetry.RelayBroadcasts != nil {
			telemetry.RelayBroadcasts.Inc()
		}
		if telemetry.RelayDeliveries != nil {
			telemetry.RelayDeliveries.Add(float64(delivered))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]int{"delivered": delivered})
	}
}

// handleStream subscribes the caller as a live viewer over Server-Sent Events.
func handleStream(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ch := reg.Subscribe()
		defer reg.Unsubscribe(ch)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		ctx := r.Context()
		// Periodic comment line so half-closed connections surface as write errors.
		ping := time.NewTicker(15 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if _, err := w.Write([]byte(": ping\n\n")); err != nil {
					return
				}
				flusher.Flush()
			case payload, open := <-ch:
				if !open {
					return
				}
				if _, err := w.Write([]byte("data: ")); err != nil {
					return
				}
				if _, err := w.Write(payload); err != nil {
					return
				}
				if _, err := w.Write([]byte("\n\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// Start runs the relay HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, reg *Registry, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(reg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("relay server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("relay server error", slog.Any("err", err))
		return err
	}
	return nil
}
