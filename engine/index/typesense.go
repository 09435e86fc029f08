package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/typesense/typesense-go/v3/typesense"
	"github.com/typesense/typesense-go/v3/typesense/api"
	"github.com/typesense/typesense-go/v3/typesense/api/pointer"
)

const (
	// indexType is reported by Describe.
	indexType = "typesense"
	// pageSize is the full-scan page size.
	pageSize = 250
)

// Options connect the adapter to Typesense. Empty fields fall back to the
// environment and then to hard-coded defaults.
type Options struct {
	Host       string
	Port       string
	Protocol   string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = envOr("TYPESENSE_HOST", "localhost")
	}
	if o.Port == "" {
		o.Port = envOr("TYPESENSE_PORT", "8108")
	}
	if o.Protocol == "" {
		o.Protocol = envOr("TYPESENSE_PROTOCOL", "http")
	}
	if o.APIKey == "" {
		// An absent key is not fatal here; an unauthorized backend
		// surfaces as a transport failure at first use.
		o.APIKey = os.Getenv("TYPESENSE_API_KEY")
	}
	if o.Collection == "" {
		o.Collection = envOr("TYPESENSE_COLLECTION", "semantic_routes")
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Typesense is the Typesense-backed Index. It holds no local state beyond
// the connection handle and a cached vector dimensionality; the backend
// collection is the sole source of truth.
type Typesense struct {
	client     *typesense.Client
	collection string
	dims       atomic.Int32
	logger     *slog.Logger
}

var _ Index = (*Typesense)(nil)

// New creates a Typesense index from the given options.
func New(opts Options, logger *slog.Logger) *Typesense {
	opts = opts.withDefaults()
	client := typesense.NewClient(
		typesense.WithServer(fmt.Sprintf("%s://%s:%s", opts.Protocol, opts.Host, opts.Port)),
		typesense.WithAPIKey(opts.APIKey),
		typesense.WithConnectionTimeout(opts.Timeout),
	)
	return newIndex(client, opts.Collection, logger)
}

// NewWithServer creates an index against an explicit server URL. Used by
// tests to point the adapter at a fake backend.
func NewWithServer(serverURL, collection string, logger *slog.Logger) *Typesense {
	client := typesense.NewClient(
		typesense.WithServer(serverURL),
		typesense.WithAPIKey("test"),
		typesense.WithConnectionTimeout(5*time.Second),
	)
	return newIndex(client, collection, logger)
}

func newIndex(client *typesense.Client, collection string, logger *slog.Logger) *Typesense {
	if logger == nil {
		logger = slog.Default()
	}
	return &Typesense{client: client, collection: collection, logger: logger}
}

// ensureCollection creates the collection if absent, with the vector field
// sized to dims. Idempotent: an existing collection is a no-op and losing
// a creation race to another initializer counts as success. Dimensionality
// is fixed for the collection's lifetime.
func (t *Typesense) ensureCollection(ctx context.Context, dims int) error {
	if _, err := t.client.Collection(t.collection).Retrieve(ctx); err == nil {
		return nil
	} else if !isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("index: retrieve collection %s: %w", t.collection, err)
	}

	schema := &api.CollectionSchema{
		Name: t.collection,
		Fields: []api.Field{
			{Name: fieldID, Type: "string"},
			{Name: fieldRoute, Type: "string", Facet: pointer.True()},
			{Name: fieldUtterance, Type: "string"},
			{Name: fieldFunctionSchema, Type: "string", Optional: pointer.True()},
			{Name: fieldMetadata, Type: "string", Optional: pointer.True()},
			{Name: fieldVector, Type: "float[]", NumDim: pointer.Int(dims)},
		},
	}
	if _, err := t.client.Collections().Create(ctx, schema); err != nil {
		if isStatus(err, http.StatusConflict) {
			// Lost the creation race to another initializer.
			return nil
		}
		return fmt.Errorf("index: create collection %s: %w", t.collection, err)
	}
	t.logger.Info("created collection", "collection", t.collection, "dimensions", dims)
	return nil
}

// Add maps each record to a document and issues one bulk upsert for the
// whole batch, creating the collection first if needed using the observed
// vector width.
func (t *Typesense) Add(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	dims := len(records[0].Embedding)
	if err := t.ensureCollection(ctx, dims); err != nil {
		return err
	}
	t.dims.Store(int32(dims))

	docs := make([]interface{}, len(records))
	for i, rec := range records {
		docs[i] = document(rec)
	}
	resps, err := t.client.Collection(t.collection).Documents().Import(ctx, docs,
		&api.ImportDocumentsParams{Action: pointer.Any(api.Upsert)})
	if err != nil {
		return fmt.Errorf("index: import %d documents: %w", len(docs), err)
	}
	for i, r := range resps {
		if !r.Success {
			return fmt.Errorf("index: import document %d rejected: %s", i, r.Error)
		}
	}
	t.logger.Info("upserted documents", "collection", t.collection, "count", len(docs))
	return nil
}

// Delete removes every document whose route field equals the given value
// via a backend-side filtered delete.
func (t *Typesense) Delete(ctx context.Context, route string) error {
	n, err := t.client.Collection(t.collection).Documents().Delete(ctx,
		&api.DeleteDocumentsParams{FilterBy: pointer.String(fieldRoute + ":=" + route)})
	if err != nil {
		return fmt.Errorf("index: delete route %s: %w", route, err)
	}
	t.logger.Info("deleted route", "route", route, "count", n)
	return nil
}

// DeleteAll drops the entire collection. An already-absent collection is
// a successful no-op.
func (t *Typesense) DeleteAll(ctx context.Context) error {
	if _, err := t.client.Collection(t.collection).Delete(ctx); err != nil && !isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("index: delete collection %s: %w", t.collection, err)
	}
	return nil
}

// DeleteIndex drops the collection. Alias for DeleteAll.
func (t *Typesense) DeleteIndex(ctx context.Context) error {
	return t.DeleteAll(ctx)
}

// DeleteRecords recomputes each (route, utterance) id and deletes the
// documents individually. Missing documents count as already deleted.
func (t *Typesense) DeleteRecords(ctx context.Context, routeUtterances map[string][]string) error {
	for route, utterances := range routeUtterances {
		for _, utt := range utterances {
			id := recordID(route, utt)
			if _, err := t.client.Collection(t.collection).Document(id).Delete(ctx); err != nil && !isStatus(err, http.StatusNotFound) {
				return fmt.Errorf("index: delete document %s: %w", id, err)
			}
		}
	}
	return nil
}

// Describe reports the index kind, dimensionality, and document count.
// It never fails; an absent or unreachable collection yields zeros.
func (t *Typesense) Describe(ctx context.Context) IndexConfig {
	col, err := t.client.Collection(t.collection).Retrieve(ctx)
	if err != nil {
		return IndexConfig{Type: indexType}
	}
	n := 0
	if col.NumDocuments != nil {
		n = int(*col.NumDocuments)
	}
	// Recover dimensionality from the stored schema when known there.
	for _, f := range col.Fields {
		if f.Name == fieldVector && f.NumDim != nil {
			t.dims.Store(int32(*f.NumDim))
		}
	}
	return IndexConfig{Type: indexType, Dimensions: int(t.dims.Load()), Vectors: n}
}

// IsReady reports whether the collection can be retrieved.
func (t *Typesense) IsReady(ctx context.Context) bool {
	_, err := t.client.Collection(t.collection).Retrieve(ctx)
	return err == nil
}

// Len returns the current document count, 0 on any error. Callers use it
// for reporting, not correctness.
func (t *Typesense) Len(ctx context.Context) int {
	col, err := t.client.Collection(t.collection).Retrieve(ctx)
	if err != nil || col.NumDocuments == nil {
		return 0
	}
	return int(*col.NumDocuments)
}

// Query runs nearest-neighbor search over the vector field. Typesense
// reports cosine distance in [0, 2]; similarity = 1 - distance/2 keeps
// the backend's nearest-first ordering as descending similarity.
func (t *Typesense) Query(ctx context.Context, vector []float32, topK int, routeFilter []string) ([]Match, error) {
	params := &api.SearchCollectionParams{
		Q:           pointer.String("*"),
		VectorQuery: pointer.String(vectorQuery(vector, topK)),
		PerPage:     pointer.Int(topK),
	}
	if len(routeFilter) > 0 {
		params.FilterBy = pointer.String(routeFilterExpr(routeFilter))
	}
	res, err := t.client.Collection(t.collection).Documents().Search(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	if res.Hits == nil {
		return nil, nil
	}
	matches := make([]Match, 0, len(*res.Hits))
	for _, hit := range *res.Hits {
		// A hit without a distance ranks maximally far.
		dist := float32(2)
		if hit.VectorDistance != nil {
			dist = *hit.VectorDistance
		}
		var route string
		if hit.Document != nil {
			route, _ = (*hit.Document)[fieldRoute].(string)
		}
		matches = append(matches, Match{Route: route, Similarity: 1 - dist/2})
	}
	return matches, nil
}

func vectorQuery(vector []float32, k int) string {
	var b strings.Builder
	b.WriteString(fieldVector)
	b.WriteString(":([")
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteString("], k:")
	b.WriteString(strconv.Itoa(k))
	b.WriteString(")")
	return b.String()
}

// routeFilterExpr renders an OR-of-equality filter. The expression grows
// linearly with the filter list; callers with very large route sets
// should chunk their filters.
func routeFilterExpr(routes []string) string {
	parts := make([]string, len(routes))
	for i, r := range routes {
		parts[i] = fieldRoute + ":=" + r
	}
	return strings.Join(parts, " || ")
}

// GetAll enumerates every document across pages of pageSize, terminating
// on the first empty page. Config pseudo-records are excluded from the
// result; malformed stored metadata is dropped, not fatal.
func (t *Typesense) GetAll(ctx context.Context, includeMetadata bool) ([]string, []RecordMeta, error) {
	var (
		ids   []string
		metas []RecordMeta
	)
	for page := 1; ; page++ {
		res, err := t.client.Collection(t.collection).Documents().Search(ctx, &api.SearchCollectionParams{
			Q:       pointer.String("*"),
			Page:    pointer.Int(page),
			PerPage: pointer.Int(pageSize),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("index: scan page %d: %w", page, err)
		}
		if res.Hits == nil || len(*res.Hits) == 0 {
			break
		}
		for _, hit := range *res.Hits {
			if hit.Document == nil {
				continue
			}
			doc := *hit.Document
			route, _ := doc[fieldRoute].(string)
			if route == configRoute {
				continue
			}
			id, _ := doc[fieldID].(string)
			if id == "" {
				id, _ = doc["id"].(string)
			}
			meta := RecordMeta{Route: route}
			meta.Utterance, _ = doc[fieldUtterance].(string)
			meta.FunctionSchema, _ = doc[fieldFunctionSchema].(string)
			if meta.FunctionSchema == "" {
				meta.FunctionSchema = "{}"
			}
			if includeMetadata {
				raw, _ := doc[fieldMetadata].(string)
				extra, err := decodeMetadata(raw)
				if err != nil {
					t.logger.Debug("dropping malformed metadata", "id", id)
				} else {
					meta.Extra = extra
				}
			}
			ids = append(ids, id)
			metas = append(metas, meta)
		}
	}
	return ids, metas, nil
}

// ReadConfig reads a config value stored as a pseudo-record. A missing
// key yields an empty value, so first-run synchronization sees "no prior
// state" cleanly.
func (t *Typesense) ReadConfig(ctx context.Context, field string) (ConfigParameter, error) {
	doc, err := t.client.Collection(t.collection).Document(configID(field)).Retrieve(ctx)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return ConfigParameter{Field: field}, nil
		}
		return ConfigParameter{}, fmt.Errorf("index: read config %s: %w", field, err)
	}
	val, _ := doc[fieldUtterance].(string)
	return ConfigParameter{Field: field, Value: val}, nil
}

// WriteConfig persists a config value under the reserved pseudo-route.
// The document still has to satisfy the collection's vector field, so it
// carries a zero-filled vector of the known width, or width 1 when the
// width was never observed.
func (t *Typesense) WriteConfig(ctx context.Context, param ConfigParameter) error {
	dims := int(t.dims.Load())
	if dims == 0 {
		dims = 1
	}
	if err := t.ensureCollection(ctx, dims); err != nil {
		return err
	}
	id := configID(param.Field)
	doc := map[string]any{
		"id":                id,
		fieldID:             id,
		fieldRoute:          configRoute,
		fieldUtterance:      param.Value,
		fieldFunctionSchema: "{}",
		fieldMetadata:       "{}",
		fieldVector:         make([]float32, dims),
	}
	if _, err := t.client.Collection(t.collection).Documents().Upsert(ctx, doc, &api.DocumentIndexParameters{}); err != nil {
		return fmt.Errorf("index: write config %s: %w", param.Field, err)
	}
	return nil
}

func isStatus(err error, code int) bool {
	var httpErr *typesense.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == code
}
