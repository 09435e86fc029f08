// Package router ties the route catalog, the encoder, and the vector
// index together. It classifies queries by nearest-neighbor retrieval and
// keeps the remote index synchronized with the local route set via a
// hash-comparison handshake.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/semroute/semroute/engine/catalog"
	"github.com/semroute/semroute/engine/encoder"
	"github.com/semroute/semroute/engine/index"
)

// hashField is the config key holding the hash of the indexed route set.
const hashField = "routes_hash"

// Match is the outcome of classifying a query. A zero Route means no
// route matched above the score threshold.
type Match struct {
	Route      string  `json:"route"`
	Similarity float32 `json:"similarity"`
}

// Options configure classification behaviour.
type Options struct {
	TopK           int
	ScoreThreshold float32
	QueryTimeout   time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:           5,
		ScoreThreshold: 0.75,
		QueryTimeout:   5 * time.Second,
	}
}

// Router is the semantic routing service.
type Router struct {
	enc    encoder.Encoder
	idx    index.Index
	routes []catalog.Route
	opts   Options
	logger *slog.Logger
}

// New creates a Router over a validated route set.
func New(enc encoder.Encoder, idx index.Index, routes []catalog.Route, opts Options, logger *slog.Logger) (*Router, error) {
	if err := catalog.ValidateAll(routes); err != nil {
		return nil, err
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultOptions().QueryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{enc: enc, idx: idx, routes: routes, opts: opts, logger: logger}, nil
}

// Routes returns the route set the router classifies against.
func (r *Router) Routes() []catalog.Route {
	return r.routes
}

// Sync reconciles the backend index with the local route set. When the
// stored hash matches the local one the index is up to date and nothing
// is written. Otherwise stale remote records are deleted, every local
// (route, utterance) pair is re-embedded and upserted (deterministic ids
// make this an overwrite, not a duplicate), and the new hash is stored.
// Returns whether a re-index happened.
func (r *Router) Sync(ctx context.Context, force bool) (bool, error) {
	localHash := catalog.Hash(r.routes)

	if !force {
		stored, err := r.idx.ReadConfig(ctx, hashField)
		if err != nil {
			return false, fmt.Errorf("router: read stored hash: %w", err)
		}
		if stored.Value == localHash {
			r.logger.Info("index in sync", "hash", localHash[:12])
			return false, nil
		}
	}
	start := time.Now()

	// Remote records not in the local set are stale and go first, so a
	// failed re-index never leaves deleted routes resurrected.
	local := make(map[string]map[string]bool, len(r.routes))
	for _, route := range r.routes {
		set := make(map[string]bool, len(route.Utterances))
		for _, u := range route.Utterances {
			set[u] = true
		}
		local[route.Name] = set
	}
	_, metas, err := r.idx.GetAll(ctx, false)
	if err != nil {
		return false, fmt.Errorf("router: enumerate index: %w", err)
	}
	stale := make(map[string][]string)
	for _, m := range metas {
		if !local[m.Route][m.Utterance] {
			stale[m.Route] = append(stale[m.Route], m.Utterance)
		}
	}
	if len(stale) > 0 {
		if err := r.idx.DeleteRecords(ctx, stale); err != nil {
			return false, fmt.Errorf("router: delete stale records: %w", err)
		}
	}

	var texts []string
	for _, route := range r.routes {
		texts = append(texts, route.Utterances...)
	}
	vectors, err := r.enc.Embed(ctx, texts)
	if err != nil {
		return false, fmt.Errorf("router: embed utterances: %w", err)
	}
	records := make([]index.Record, 0, len(texts))
	i := 0
	for _, route := range r.routes {
		for _, u := range route.Utterances {
			records = append(records, index.Record{
				Route:          route.Name,
				Utterance:      u,
				FunctionSchema: route.FunctionSchema,
				Metadata:       route.Metadata,
				Embedding:      vectors[i],
			})
			i++
		}
	}
	if err := r.idx.Add(ctx, records); err != nil {
		return false, fmt.Errorf("router: index records: %w", err)
	}
	if err := r.idx.WriteConfig(ctx, index.ConfigParameter{Field: hashField, Value: localHash}); err != nil {
		return false, fmt.Errorf("router: write hash: %w", err)
	}

	r.logger.Info("index synchronized",
		"records", len(records),
		"stale_deleted", len(stale),
		"duration", time.Since(start),
	)
	return true, nil
}

// Classify embeds a query and returns the best-matching route. A
// non-empty allowed list restricts candidates to those routes. A result
// below the score threshold yields a zero Match.
func (r *Router) Classify(ctx context.Context, query string, allowed []string) (Match, error) {
	vecs, err := r.enc.Embed(ctx, []string{query})
	if err != nil {
		return Match{}, fmt.Errorf("router: embed query: %w", err)
	}

	qctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	defer cancel()
	matches, err := r.idx.Query(qctx, vecs[0], r.opts.TopK, allowed)
	if err != nil {
		return Match{}, fmt.Errorf("router: query index: %w", err)
	}
	if len(matches) == 0 {
		return Match{}, nil
	}

	best := matches[0]
	if best.Similarity < r.opts.ScoreThreshold {
		r.logger.Debug("best match below threshold",
			"route", best.Route, "similarity", best.Similarity)
		return Match{}, nil
	}
	return Match{Route: best.Route, Similarity: best.Similarity}, nil
}

// ClassifyBatch classifies queries sequentially, stopping at the first
// error.
func (r *Router) ClassifyBatch(ctx context.Context, queries []string) ([]Match, error) {
	out := make([]Match, len(queries))
	for i, q := range queries {
		m, err := r.Classify(ctx, q, nil)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}
