// Package main implements the semantic routing API server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/semroute/semroute/engine/catalog"
	"github.com/semroute/semroute/engine/encoder"
	"github.com/semroute/semroute/engine/index"
	"github.com/semroute/semroute/engine/router"
	"github.com/semroute/semroute/pkg/metrics"
	"github.com/semroute/semroute/pkg/mid"
	"github.com/semroute/semroute/pkg/natsutil"
)

const classifySubject = "routes.classify"

// Config holds all environment-based configuration.
type Config struct {
	Port           string
	CORSOrigin     string
	NATSURL        string
	ScoreThreshold float32
	RateLimitRPS   float64
}

func loadConfig() Config {
	return Config{
		Port:           envOr("PORT", "8080"),
		CORSOrigin:     envOr("CORS_ORIGIN", "*"),
		NATSURL:        os.Getenv("NATS_URL"),
		ScoreThreshold: envFloat("SCORE_THRESHOLD", 0.75),
		RateLimitRPS:   float64(envFloat("RATE_LIMIT_RPS", 50)),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idx := index.New(index.Options{}, logger)

	enc, err := encoder.New(encoder.Options{}, logger)
	if err != nil {
		return fmt.Errorf("encoder: %w", err)
	}

	rtr, err := router.New(enc, idx, catalog.Routes(), router.Options{
		ScoreThreshold: cfg.ScoreThreshold,
	}, logger)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	app := newApp(rtr, idx, logger)

	// Index synchronization runs in the background so the pod comes up
	// fast; the startup probe gates traffic until it finishes.
	go func() {
		if _, err := rtr.Sync(ctx, false); err != nil {
			logger.Error("initial sync failed, service will not become ready", "err", err)
			return
		}
		app.started.Store(true)
		app.readyGauge.Set(1)
		logger.Info("router initialized", "routes", len(rtr.Routes()))
	}()

	// --- Optional NATS worker ---
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("semroute-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()

		sub, err := natsutil.SubscribeReply(nc, classifySubject, app.classifyNATS)
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer sub.Unsubscribe()
		logger.Info("nats worker listening", "subject", classifySubject)
	}

	// --- Build HTTP server ---
	limited := mid.RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", app.handleHealth)
	mux.HandleFunc("GET /readyz", app.handleReady)
	mux.HandleFunc("GET /startupz", app.handleStartup)
	mux.Handle("GET /metrics", app.reg.Handler())
	mux.Handle("GET /route", limited(http.HandlerFunc(app.handleRoute)))
	mux.Handle("POST /route", limited(http.HandlerFunc(app.handleRouteBatch)))

	handler := mid.Chain(mux,
		mid.RequestID(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("semroute-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Application state ---

type app struct {
	rtr     *router.Router
	idx     index.Index
	logger  *slog.Logger
	reg     *metrics.Registry
	started atomic.Bool
	since   time.Time

	classifyHTTP *metrics.Counter
	classifyNats *metrics.Counter
	noMatch      *metrics.Counter
	latency      *metrics.Histogram
	readyGauge   *metrics.Gauge
}

func newApp(rtr *router.Router, idx index.Index, logger *slog.Logger) *app {
	reg := metrics.New()
	return &app{
		rtr:          rtr,
		idx:          idx,
		logger:       logger,
		reg:          reg,
		since:        time.Now(),
		classifyHTTP: reg.Counter(metrics.WithLabels("classify_total", "source", "http"), "Classification requests"),
		classifyNats: reg.Counter(metrics.WithLabels("classify_total", "source", "nats"), ""),
		noMatch:      reg.Counter("classify_no_match_total", "Queries below the score threshold"),
		latency:      reg.Histogram("classify_duration_seconds", "End-to-end classification latency", nil),
		readyGauge:   reg.Gauge("router_ready", "1 once initial sync has completed"),
	}
}

// --- Probes ---

// probeResponse mirrors the health payload across all three probes.
type probeResponse struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Routes        int     `json:"routes"`
	IndexType     string  `json:"index_type"`
	Vectors       int     `json:"vectors"`
}

func (a *app) probe(ctx context.Context, status string) probeResponse {
	return probeResponse{
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(a.since).Seconds(),
		Routes:        len(a.rtr.Routes()),
		IndexType:     a.idx.Describe(ctx).Type,
		Vectors:       a.idx.Len(ctx),
	}
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.probe(r.Context(), "ok"))
}

func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.started.Load() || !a.idx.IsReady(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, a.probe(r.Context(), "not ready"))
		return
	}
	writeJSON(w, http.StatusOK, a.probe(r.Context(), "ready"))
}

func (a *app) handleStartup(w http.ResponseWriter, r *http.Request) {
	if !a.started.Load() {
		writeJSON(w, http.StatusServiceUnavailable, a.probe(r.Context(), "starting"))
		return
	}
	writeJSON(w, http.StatusOK, a.probe(r.Context(), "started"))
}

// --- Classification ---

// RouteResponse is the JSON result of a classification. Route is null
// when nothing scored above the threshold.
type RouteResponse struct {
	Query           string  `json:"query"`
	Route           *string `json:"route"`
	SimilarityScore float32 `json:"similarity_score"`
}

// BatchRequest is the JSON body for POST /route.
type BatchRequest struct {
	Queries []string `json:"queries"`
}

// BatchResponse is the JSON response for POST /route.
type BatchResponse struct {
	Results []RouteResponse `json:"results"`
}

func toResponse(query string, m router.Match) RouteResponse {
	resp := RouteResponse{Query: query, SimilarityScore: m.Similarity}
	if m.Route != "" {
		resp.Route = &m.Route
	}
	return resp
}

func (a *app) handleRoute(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, `{"error":"query is required"}`, http.StatusBadRequest)
		return
	}
	var allowed []string
	if f := r.URL.Query().Get("route_filter"); f != "" {
		allowed = strings.Split(f, ",")
	}

	a.classifyHTTP.Inc()
	start := time.Now()
	match, err := a.rtr.Classify(r.Context(), query, allowed)
	a.latency.Since(start)
	if err != nil {
		a.logger.Error("classify failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if match.Route == "" {
		a.noMatch.Inc()
	}
	writeJSON(w, http.StatusOK, toResponse(query, match))
}

func (a *app) handleRouteBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if len(req.Queries) == 0 {
		http.Error(w, `{"error":"queries is required"}`, http.StatusBadRequest)
		return
	}

	a.classifyHTTP.Add(int64(len(req.Queries)))
	start := time.Now()
	matches, err := a.rtr.ClassifyBatch(r.Context(), req.Queries)
	a.latency.Since(start)
	if err != nil {
		a.logger.Error("batch classify failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	resp := BatchResponse{Results: make([]RouteResponse, len(matches))}
	for i, m := range matches {
		if m.Route == "" {
			a.noMatch.Inc()
		}
		resp.Results[i] = toResponse(req.Queries[i], m)
	}
	writeJSON(w, http.StatusOK, resp)
}

// classifyRequest is the NATS request payload on routes.classify.
type classifyRequest struct {
	Query       string   `json:"query"`
	RouteFilter []string `json:"route_filter,omitempty"`
}

func (a *app) classifyNATS(ctx context.Context, req classifyRequest) (RouteResponse, error) {
	a.classifyNats.Inc()
	start := time.Now()
	match, err := a.rtr.Classify(ctx, req.Query, req.RouteFilter)
	a.latency.Since(start)
	if err != nil {
		a.logger.Error("nats classify failed", "err", err)
		return RouteResponse{}, err
	}
	if match.Route == "" {
		a.noMatch.Inc()
	}
	return toResponse(req.Query, match), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
