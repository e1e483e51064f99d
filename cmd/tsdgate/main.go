// Command tsdgate runs the multi-tenant file-transfer gateway: streaming
// ingestion, resumable chunked uploads, byte-range export, and the
// stream-relay proxy, all behind a Bearer-token Tenant Gate.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tsdgate/auth"
	"github.com/hazyhaar/tsdgate/config"
	"github.com/hazyhaar/tsdgate/dbopen"
	"github.com/hazyhaar/tsdgate/export"
	"github.com/hazyhaar/tsdgate/ingest"
	"github.com/hazyhaar/tsdgate/kit"
	"github.com/hazyhaar/tsdgate/observability"
	"github.com/hazyhaar/tsdgate/proxy"
	"github.com/hazyhaar/tsdgate/resumable"
	"github.com/hazyhaar/tsdgate/shield"
	"github.com/hazyhaar/tsdgate/tenant"
	"github.com/hazyhaar/tsdgate/trace"
	"github.com/hazyhaar/tsdgate/transform"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tsdgate <config.yaml>")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsdgate: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// The trace store persists SQL traces to the same audit database, but
	// through a raw "sqlite" connection — opening it with "sqlite-trace"
	// would recurse into tracing its own inserts.
	traceDB, err := dbopen.Open(cfg.AuditDBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("tsdgate: could not open trace database", "error", err)
		os.Exit(1)
	}
	defer traceDB.Close()
	traceStore := trace.NewStore(traceDB)
	if err := traceStore.Init(); err != nil {
		slog.Error("tsdgate: could not init trace store", "error", err)
		os.Exit(1)
	}
	trace.SetStore(traceStore)
	defer traceStore.Close()

	db, err := dbopen.Open(cfg.AuditDBPath, dbopen.WithTrace(), dbopen.WithSchema(shield.Schema), dbopen.WithSchema(observability.Schema))
	if err != nil {
		slog.Error("tsdgate: could not open audit database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	audit := observability.NewAuditLogger(db, 1000)
	metrics := observability.NewMetricsManager(db, 100, 5*time.Second)
	defer metrics.Close()
	events := observability.NewEventLogger(db)

	heartbeat := observability.NewHeartbeatWriter(db, "tsdgate", 15*time.Second)
	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	heartbeat.Start(hbCtx)

	go retentionLoop(hbCtx, db)

	var keyring *transform.Keyring
	if kp := os.Getenv("TSDGATE_PGP_KEYRING"); kp != "" {
		armored, err := os.ReadFile(kp)
		if err != nil {
			slog.Error("tsdgate: could not read PGP keyring", "path", kp, "error", err)
			os.Exit(1)
		}
		keyring, err = transform.NewKeyring(armored, []byte(os.Getenv("TSDGATE_PGP_PASSPHRASE")))
		if err != nil {
			slog.Error("tsdgate: could not load PGP keyring", "error", err)
			os.Exit(1)
		}
	}

	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(db) {
		r.Use(mw)
	}

	r.Head("/v1/{tenant}/files/health", healthHandler(cfg, db))

	r.Route("/v1/{tenant}", func(tr chi.Router) {
		tr.Use(auth.Gate(cfg))

		ingestHandler := &ingest.Handler{Cfg: cfg, Keyring: keyring}
		exportHandler := &export.Handler{Cfg: cfg}
		proxyHandler := &proxy.Handler{Cfg: cfg}
		resumableHandler := &resumable.Handler{Cfg: cfg}

		for _, backend := range []string{"cluster", "files", "store"} {
			tr.Method(http.MethodPost, "/{backend:"+backend+"}/upload_stream/{filename}", auditWrap(audit, metrics, events, "ingest", ingestHandler))
			tr.Method(http.MethodPut, "/{backend:"+backend+"}/upload_stream/{filename}", auditWrap(audit, metrics, events, "ingest", ingestHandler))
			tr.Method(http.MethodPatch, "/{backend:"+backend+"}/upload_stream/{filename}", auditWrap(audit, metrics, events, "ingest", ingestHandler))

			tr.Method(http.MethodGet, "/{backend:"+backend+"}/export", auditWrap(audit, metrics, events, "export", exportHandler))
			tr.Method(http.MethodGet, "/{backend:"+backend+"}/export/{filename}", auditWrap(audit, metrics, events, "export", exportHandler))
			tr.Method(http.MethodHead, "/{backend:"+backend+"}/export/{filename}", auditWrap(audit, metrics, events, "export", exportHandler))

			tr.Method(http.MethodGet, "/{backend:"+backend+"}/resumables", auditWrap(audit, metrics, events, "resumable", resumableHandler))
			tr.Method(http.MethodGet, "/{backend:"+backend+"}/resumables/{filename}", auditWrap(audit, metrics, events, "resumable", resumableHandler))
			tr.Method(http.MethodDelete, "/{backend:"+backend+"}/resumables/{filename}", auditWrap(audit, metrics, events, "resumable", resumableHandler))

			// store is a pass-through import path, not a "stream" — the
			// wording difference is the original's, kept so that a client
			// pointed at the store backend's proxy endpoint still finds it.
			proxySegment := "stream"
			if backend == "store" {
				proxySegment = "import"
			}
			tr.Method(http.MethodPost, "/{backend:"+backend+"}/"+proxySegment+"/{filename}", auditWrap(audit, metrics, events, "proxy", proxyHandler))
			tr.Method(http.MethodPut, "/{backend:"+backend+"}/"+proxySegment+"/{filename}", auditWrap(audit, metrics, events, "proxy", proxyHandler))
			tr.Method(http.MethodPatch, "/{backend:"+backend+"}/"+proxySegment+"/{filename}", auditWrap(audit, metrics, events, "proxy", proxyHandler))
		}
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		slog.Info("tsdgate listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("tsdgate: server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("tsdgate shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("tsdgate: shutdown error", "error", err)
	}
}

// statusRecorder captures the status code a handler wrote, so wrappers
// downstream of the handler can tell success from failure.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying http.Flusher so export's chunked byte-range
// streaming still flushes through this wrapper.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// auditWrap records an audit entry, a duration metric, and a business event
// for each request, beyond the HTTP-level access log TraceID middleware
// already emits.
func auditWrap(audit *observability.AuditLogger, metrics *observability.MetricsManager, events *observability.EventLogger, component string, h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		entry := audit.NewAuditEntry(component, r.Method+" "+r.URL.Path, nil, nil, nil, elapsed)
		entry.UserID = kit.GetUserID(r.Context())
		entry.RequestID = kit.GetRequestID(r.Context())
		audit.LogAsync(entry)

		metrics.Record(&observability.Metric{
			Name:      observability.MetricWorkflowDurationMs,
			Timestamp: start,
			Value:     float64(elapsed.Milliseconds()),
			Unit:      "milliseconds",
			Labels:    map[string]string{"component": component},
		})
		userID := ""
		if claims := auth.GetClaims(r.Context()); claims != nil {
			userID = claims.Requestor
		}
		events.LogEvent(r.Context(), observability.BusinessEvent{
			EventType:   component + ".request",
			ServiceName: "tsdgate",
			EntityType:  "tenant",
			EntityID:    chi.URLParam(r, "tenant"),
			UserID:      userID,
			Action:      r.Method + " " + r.URL.Path,
			Success:     rec.status < 400,
		})
		events.LogHTTPRequest(r.Context(), observability.HTTPRequestLog{
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: rec.status,
			DurationMs: elapsed.Milliseconds(),
			UserID:     userID,
			IPAddress:  kit.GetRemoteAddr(r.Context()),
			UserAgent:  r.Header.Get("User-Agent"),
		})
	}
}

// retentionLoop periodically trims the observability tables so the audit
// database does not grow without bound on a long-running deployment.
func retentionLoop(ctx context.Context, db *sql.DB) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	cfg := observability.RetentionConfig{HTTPLogsDays: 30, EventLogsDays: 90, HeartbeatsDays: 7}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := observability.Cleanup(ctx, db, cfg); err != nil {
				slog.Warn("tsdgate: observability retention cleanup failed", "error", err)
			}
		}
	}
}

// healthHandler backs HEAD /v1/{tenant}/files/health, the unauthenticated
// liveness probe. It checks each configured backend's import directory is
// writable and that the process's own heartbeat is recent, beyond a bare
// 200 OK, but — like the probe it's grounded on — reports status only, with
// no response body: HEAD requests carry no body on the wire regardless of
// what a handler writes, so the richer diagnosis lives in the status code
// and server logs, not a JSON payload.
func healthHandler(cfg *config.Config, db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for name, backends := range cfg.Backends {
			for backendName, backend := range backends {
				if backend.ImportPath == "" {
					continue
				}
				dir := tenant.Dir(cfg, backend.ImportPath, "p00")
				probe := dir + "/.health_check"
				if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
					slog.Warn("tsdgate: health probe failed", "backend", name+"."+backendName, "error", err)
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				os.Remove(probe)
			}
		}

		hb, err := observability.LatestHeartbeat(r.Context(), db, "tsdgate", 45*time.Second)
		if err != nil {
			slog.Warn("tsdgate: health heartbeat check failed", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if hb != nil && !hb.Alive {
			slog.Warn("tsdgate: health check reports stale heartbeat")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
