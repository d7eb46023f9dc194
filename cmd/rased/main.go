// Command rased runs the data-reliability service for the crisis
// dashboards: durable cache, retrying multi-source fetches, consolidated
// snapshots, refresh scheduling and monitoring with auto-remediation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/rasedhq/rased/cache"
	"github.com/rasedhq/rased/config"
	"github.com/rasedhq/rased/consolidate"
	"github.com/rasedhq/rased/httpmw"
	"github.com/rasedhq/rased/kvstore"
	"github.com/rasedhq/rased/monitor"
	"github.com/rasedhq/rased/refresh"
	"github.com/rasedhq/rased/retry"
)

func main() {
	configPath := flag.String("config", env("RASED_CONFIG", ""), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Durable store.
	kv, err := kvstore.Open(cfg.DBPath)
	if err != nil {
		slog.Error("kvstore", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	// Sources.
	reg, err := cfg.BuildRegistry()
	if err != nil {
		slog.Error("sources", "error", err)
		os.Exit(1)
	}

	// Pipeline: cache -> retry -> consolidation, observed by the
	// monitoring collector.
	cm := cache.New(kv, logger)
	rc := retry.New(kv, retry.Config{}, logger)
	collector := monitor.NewCollector()
	engine := consolidate.New(reg, cm, rc, kv, logger, consolidate.WithRecorder(collector))

	scheduler := refresh.New(engine, reg.Sources(), cfg.RefreshInterval, logger)

	mon, err := monitor.New(ctx, cfg.Monitoring, kv, collector, cm, reg, engine, rc, logger)
	if err != nil {
		slog.Error("monitor", "error", err)
		os.Exit(1)
	}

	scheduler.Start(ctx)
	defer scheduler.Stop()
	mon.Start(ctx)
	defer mon.Stop()

	// First consolidation in the background so the API serves promptly.
	go func() {
		if err := scheduler.ForceRefresh(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("initial refresh", "error", err)
		}
	}()

	// Optional MCP over stdio for operator tooling.
	if env("MCP_TRANSPORT", "") == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "rased",
			Version: "1.0.0",
		}, nil)
		mon.RegisterMCP(mcpSrv, scheduler, cm)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp", "error", err)
			}
		}()
	}

	// HTTP surface.
	limiter := httpmw.NewRateLimiter(httpmw.RateLimitConfig{
		MaxRequests:   cfg.RateLimitPerMin,
		WindowSeconds: 60,
	}, logger, "/health")
	limiter.SetRule("POST /api/refresh", httpmw.RateLimitConfig{MaxRequests: 6, WindowSeconds: 60})
	limiter.StartGC()
	defer limiter.Stop()

	operator := httpmw.NewBearerAuth(cfg.OperatorTokenHash, logger)
	if cfg.OperatorTokenHash == "" {
		slog.Warn("operator endpoints are unauthenticated (no operator_token_hash configured)")
	}

	r := chi.NewRouter()
	r.Use(httpmw.RequestLogger(logger))
	r.Use(httpmw.SecurityHeaders(httpmw.DefaultHeaders()))
	r.Use(httpmw.MaxBody(cfg.MaxBodyBytes))
	r.Use(limiter.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := mon.Status(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, st)
	})

	r.Get("/api/report", func(w http.ResponseWriter, r *http.Request) {
		text, err := mon.Report(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(text))
	})

	r.Get("/api/export", func(w http.ResponseWriter, r *http.Request) {
		data, err := mon.Export(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="rased-audit.json"`)
		w.Write(data)
	})

	r.Get("/api/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap, err := engine.Current(r.Context())
		if errors.Is(err, consolidate.ErrNoSnapshot) {
			writeJSON(w, 404, map[string]string{"error": "no snapshot yet"})
			return
		}
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, snap)
	})

	r.Get("/api/refresh/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]any{
			"refresh": scheduler.Status(),
			"sources": scheduler.SourceStates(),
		})
	})

	// Operator endpoints.
	r.Group(func(r chi.Router) {
		r.Use(operator.Middleware)

		r.Post("/api/refresh", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Sources []string `json:"sources"`
			}
			if req.Body != nil {
				_ = json.NewDecoder(req.Body).Decode(&body)
			}
			err := scheduler.ForceRefresh(req.Context(), body.Sources...)
			if errors.Is(err, refresh.ErrRefreshInFlight) {
				writeJSON(w, 409, map[string]string{"error": "refresh already in flight"})
				return
			}
			if err != nil {
				writeError(w, 502, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "refreshed"})
		})

		r.Post("/api/retry-failed", func(w http.ResponseWriter, req *http.Request) {
			sources, err := mon.RetryFailedSources(req.Context())
			if err != nil {
				writeError(w, 502, err)
				return
			}
			writeJSON(w, 200, map[string]any{"retried": sources})
		})

		r.Delete("/api/cache", func(w http.ResponseWriter, req *http.Request) {
			if src := req.URL.Query().Get("source"); src != "" {
				n, err := cm.ClearSource(req.Context(), src)
				if err != nil {
					writeError(w, 500, err)
					return
				}
				writeJSON(w, 200, map[string]any{"cleared": n, "source": src})
				return
			}
			if err := cm.Clear(req.Context()); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]string{"cleared": "all"})
		})

		r.Post("/api/alerts/{id}/ack", func(w http.ResponseWriter, req *http.Request) {
			if err := mon.Acknowledge(req.Context(), chi.URLParam(req, "id")); err != nil {
				writeError(w, 404, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "acknowledged"})
		})

		r.Post("/api/alerts/{id}/resolve", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Reason string `json:"reason"`
			}
			if req.Body != nil {
				_ = json.NewDecoder(req.Body).Decode(&body)
			}
			if err := mon.Resolve(req.Context(), chi.URLParam(req, "id"), body.Reason); err != nil {
				writeError(w, 404, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "resolved"})
		})
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
