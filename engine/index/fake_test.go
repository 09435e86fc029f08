package index

import (
	"bufio"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// fakeTypesense is an in-memory stand-in for the Typesense HTTP API
// covering the endpoints the adapter uses: collection retrieve/create/
// delete, document import/upsert/retrieve/delete, filtered delete, and
// paginated search with an optional vector query.
type fakeTypesense struct {
	mu   sync.Mutex
	cols map[string]*fakeCollection

	// searchFetches counts search requests without a vector query, for
	// asserting full-scan page counts.
	searchFetches int
	// conflictOnCreate makes collection creation return 409, simulating
	// a lost creation race.
	conflictOnCreate bool
	// dropDistance omits vector_distance from search hits.
	dropDistance bool
}

type fakeCollection struct {
	schema map[string]any
	numDim int
	docs   map[string]map[string]any
	order  []string
}

func newFakeTypesense() *fakeTypesense {
	return &fakeTypesense{cols: make(map[string]*fakeCollection)}
}

func (f *fakeTypesense) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /collections", f.createCollection)
	mux.HandleFunc("GET /collections/{name}", f.retrieveCollection)
	mux.HandleFunc("DELETE /collections/{name}", f.deleteCollection)
	mux.HandleFunc("POST /collections/{name}/documents/import", f.importDocuments)
	mux.HandleFunc("GET /collections/{name}/documents/search", f.search)
	mux.HandleFunc("POST /collections/{name}/documents", f.upsertDocument)
	mux.HandleFunc("DELETE /collections/{name}/documents", f.deleteByFilter)
	mux.HandleFunc("GET /collections/{name}/documents/{id}", f.retrieveDocument)
	mux.HandleFunc("DELETE /collections/{name}/documents/{id}", f.deleteDocument)
	return httptest.NewServer(mux)
}

// seed inserts a raw document directly, bypassing the adapter.
func (f *fakeTypesense) seed(collection string, doc map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col := f.cols[collection]
	id := doc["id"].(string)
	if _, ok := col.docs[id]; !ok {
		col.order = append(col.order, id)
	}
	col.docs[id] = doc
}

func (f *fakeTypesense) doc(collection, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if col, ok := f.cols[collection]; ok {
		return col.docs[id]
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func (f *fakeTypesense) createCollection(w http.ResponseWriter, r *http.Request) {
	var schema map[string]any
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	name, _ := schema["name"].(string)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.cols[name]; exists || f.conflictOnCreate {
		if _, exists := f.cols[name]; !exists {
			f.cols[name] = newFakeCollection(schema)
		}
		writeJSON(w, http.StatusConflict, map[string]string{"message": "already exists"})
		return
	}
	f.cols[name] = newFakeCollection(schema)
	writeJSON(w, http.StatusCreated, f.cols[name].response(name))
}

func newFakeCollection(schema map[string]any) *fakeCollection {
	col := &fakeCollection{schema: schema, docs: make(map[string]map[string]any)}
	if fields, ok := schema["fields"].([]any); ok {
		for _, fl := range fields {
			fm, _ := fl.(map[string]any)
			if fm["name"] == fieldVector {
				if nd, ok := fm["num_dim"].(float64); ok {
					col.numDim = int(nd)
				}
			}
		}
	}
	return col
}

func (c *fakeCollection) response(name string) map[string]any {
	fields := []map[string]any{
		{"name": fieldID, "type": "string"},
		{"name": fieldRoute, "type": "string", "facet": true},
		{"name": fieldUtterance, "type": "string"},
		{"name": fieldFunctionSchema, "type": "string", "optional": true},
		{"name": fieldMetadata, "type": "string", "optional": true},
		{"name": fieldVector, "type": "float[]", "num_dim": c.numDim},
	}
	return map[string]any{
		"name":          name,
		"num_documents": len(c.docs),
		"fields":        fields,
	}
}

func (f *fakeTypesense) collection(r *http.Request) (*fakeCollection, bool) {
	col, ok := f.cols[r.PathValue("name")]
	return col, ok
}

func (f *fakeTypesense) retrieveCollection(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collection(r)
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, col.response(r.PathValue("name")))
}

func (f *fakeTypesense) deleteCollection(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collection(r)
	if !ok {
		notFound(w)
		return
	}
	delete(f.cols, r.PathValue("name"))
	writeJSON(w, http.StatusOK, col.response(r.PathValue("name")))
}

func (f *fakeTypesense) importDocuments(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collection(r)
	if !ok {
		notFound(w)
		return
	}
	var lines []string
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			lines = append(lines, `{"success":false,"error":"bad json"}`)
			continue
		}
		id, _ := doc["id"].(string)
		if _, exists := col.docs[id]; !exists {
			col.order = append(col.order, id)
		}
		col.docs[id] = doc
		lines = append(lines, `{"success":true}`)
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(strings.Join(lines, "\n")))
}

func (f *fakeTypesense) upsertDocument(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collection(r)
	if !ok {
		notFound(w)
		return
	}
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	id, _ := doc["id"].(string)
	if _, exists := col.docs[id]; !exists {
		col.order = append(col.order, id)
	}
	col.docs[id] = doc
	writeJSON(w, http.StatusCreated, doc)
}

func (f *fakeTypesense) retrieveDocument(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collection(r)
	if !ok {
		notFound(w)
		return
	}
	doc, ok := col.docs[r.PathValue("id")]
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (f *fakeTypesense) deleteDocument(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collection(r)
	if !ok {
		notFound(w)
		return
	}
	id := r.PathValue("id")
	doc, ok := col.docs[id]
	if !ok {
		notFound(w)
		return
	}
	delete(col.docs, id)
	for i, oid := range col.order {
		if oid == id {
			col.order = append(col.order[:i], col.order[i+1:]...)
			break
		}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (f *fakeTypesense) deleteByFilter(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collection(r)
	if !ok {
		notFound(w)
		return
	}
	filter := r.URL.Query().Get("filter_by")
	var kept []string
	deleted := 0
	for _, id := range col.order {
		if matchesFilter(col.docs[id], filter) {
			delete(col.docs, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	col.order = kept
	writeJSON(w, http.StatusOK, map[string]int{"num_deleted": deleted})
}

func (f *fakeTypesense) search(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collection(r)
	if !ok {
		notFound(w)
		return
	}
	q := r.URL.Query()
	filter := q.Get("filter_by")
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if perPage <= 0 {
		perPage = 10
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page <= 0 {
		page = 1
	}

	var candidates []map[string]any
	for _, id := range col.order {
		if matchesFilter(col.docs[id], filter) {
			candidates = append(candidates, col.docs[id])
		}
	}

	var hits []map[string]any
	if vq := q.Get("vector_query"); vq != "" {
		query, k := parseVectorQuery(vq)
		type scored struct {
			doc  map[string]any
			dist float64
		}
		var ranked []scored
		for _, doc := range candidates {
			ranked = append(ranked, scored{doc, cosineDistance(query, docVector(doc))})
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })
		if len(ranked) > k {
			ranked = ranked[:k]
		}
		for _, s := range ranked {
			hit := map[string]any{"document": s.doc}
			if !f.dropDistance {
				hit["vector_distance"] = s.dist
			}
			hits = append(hits, hit)
		}
	} else {
		f.searchFetches++
		start := (page - 1) * perPage
		if start > len(candidates) {
			start = len(candidates)
		}
		end := start + perPage
		if end > len(candidates) {
			end = len(candidates)
		}
		for _, doc := range candidates[start:end] {
			hits = append(hits, map[string]any{"document": doc})
		}
	}
	if hits == nil {
		hits = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"found": len(candidates),
		"page":  page,
		"hits":  hits,
	})
}

// matchesFilter evaluates an OR-of-equality expression like
// "sr_route:=billing || sr_route:=chitchat". An empty filter matches all.
func matchesFilter(doc map[string]any, filter string) bool {
	if filter == "" {
		return true
	}
	for _, clause := range strings.Split(filter, "||") {
		clause = strings.TrimSpace(clause)
		field, value, ok := strings.Cut(clause, ":=")
		if !ok {
			continue
		}
		if doc[field] == value {
			return true
		}
	}
	return false
}

// parseVectorQuery parses "vec:([0.9,0.1,0], k:2)".
func parseVectorQuery(vq string) ([]float64, int) {
	open := strings.Index(vq, "([")
	end := strings.Index(vq, "]")
	nums := vq[open+2 : end]
	var vec []float64
	for _, part := range strings.Split(nums, ",") {
		v, _ := strconv.ParseFloat(strings.TrimSpace(part), 64)
		vec = append(vec, v)
	}
	k := 10
	if idx := strings.Index(vq, "k:"); idx != -1 {
		rest := strings.TrimRight(vq[idx+2:], ") ")
		if n, err := strconv.Atoi(rest); err == nil {
			k = n
		}
	}
	return vec, k
}

func docVector(doc map[string]any) []float64 {
	raw, _ := doc[fieldVector].([]any)
	vec := make([]float64, len(raw))
	for i, v := range raw {
		f, _ := v.(float64)
		vec[i] = f
	}
	return vec
}

// cosineDistance matches Typesense semantics: 1 - cosine similarity,
// in [0, 2].
func cosineDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
