// Package index stores route embeddings in a Typesense collection and
// exposes them through the Index contract the router depends on: batched
// add, delete by route, top-k similarity search with an optional route
// filter, full-corpus enumeration, and small key/value config documents
// used for drift detection.
package index

import (
	"context"
	"errors"
)

// ErrMalformedPayload marks a stored metadata blob that failed to decode.
// Enumeration drops the offending field and continues; the error exists so
// callers that care can detect the condition with errors.Is.
var ErrMalformedPayload = errors.New("index: malformed stored payload")

// Record is one (route, utterance) pair with its embedding and optional
// payload. FunctionSchema and Metadata may be nil.
type Record struct {
	Route          string
	Utterance      string
	FunctionSchema map[string]any
	Metadata       map[string]any
	Embedding      []float32
}

// Match is a single query hit: a route name with its cosine similarity
// in [-1, 1], higher meaning more alike.
type Match struct {
	Route      string  `json:"route"`
	Similarity float32 `json:"similarity"`
}

// RecordMeta is the per-record metadata returned by full enumeration.
// Extra holds the deserialized free-form metadata when requested.
type RecordMeta struct {
	Route          string
	Utterance      string
	FunctionSchema string
	Extra          map[string]any
}

// IndexConfig describes the index for introspection surfaces.
type IndexConfig struct {
	Type       string `json:"type"`
	Dimensions int    `json:"dimensions"`
	Vectors    int    `json:"vectors"`
}

// ConfigParameter is a small named value persisted alongside the records,
// used by the router to detect route-set drift.
type ConfigParameter struct {
	Field string
	Value string
	Scope string
}

// Index is the storage contract the router programs against. All methods
// are synchronous and safe to retry; callers that need a non-blocking
// surface offload to their own workers.
type Index interface {
	// Add upserts records in one batch. Identical (route, utterance)
	// pairs map to the same document id, so re-adding overwrites.
	Add(ctx context.Context, records []Record) error
	// Delete removes every record indexed under the given route.
	Delete(ctx context.Context, route string) error
	// DeleteAll drops the whole collection. Absence is a no-op.
	DeleteAll(ctx context.Context) error
	// DeleteIndex is an alias for DeleteAll kept for contract parity.
	DeleteIndex(ctx context.Context) error
	// DeleteRecords removes individual (route, utterance) pairs by their
	// derived ids. Missing documents are treated as already deleted.
	DeleteRecords(ctx context.Context, routeUtterances map[string][]string) error
	// Describe reports index kind, dimensionality, and document count.
	// It never fails; absence yields a zero-valued descriptor.
	Describe(ctx context.Context) IndexConfig
	// IsReady reports whether the collection can be reached.
	IsReady(ctx context.Context) bool
	// Len returns the document count, 0 on any error.
	Len(ctx context.Context) int
	// Query runs top-k nearest-neighbor search. A non-empty routeFilter
	// restricts results to those routes. Results are ordered by
	// descending similarity.
	Query(ctx context.Context, vector []float32, topK int, routeFilter []string) ([]Match, error)
	// GetAll enumerates every record. Config pseudo-records are
	// excluded. When includeMetadata is true the stored free-form
	// metadata is deserialized into RecordMeta.Extra.
	GetAll(ctx context.Context, includeMetadata bool) ([]string, []RecordMeta, error)
	// ReadConfig returns the stored value for field, or an empty value
	// when the field was never written.
	ReadConfig(ctx context.Context, field string) (ConfigParameter, error)
	// WriteConfig persists a config parameter as a pseudo-record.
	WriteConfig(ctx context.Context, param ConfigParameter) error
}
