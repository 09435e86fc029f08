package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Typesense is schemaless beyond declared fields, but the adapter writes a
// fixed flat shape. Structured values are serialized to strings because
// the collection schema is flat.
const (
	fieldID             = "sr_id"
	fieldRoute          = "sr_route"
	fieldUtterance      = "sr_utterance"
	fieldFunctionSchema = "sr_function_schema"
	fieldMetadata       = "sr_metadata"
	fieldVector         = "vec"

	// configRoute is the reserved pseudo-route config documents are
	// stored under. No real route may use this name.
	configRoute = "__config__"

	// idHexLen truncates the SHA-256 record id. 64 bits of id space is
	// operationally collision-free for a corpus of thousands of
	// utterances while keeping documents small.
	idHexLen = 16
)

// recordID derives the deterministic document id for a (route, utterance)
// pair. Identical pairs always produce the same id, so re-indexing a pair
// is an overwrite, never a duplicate.
func recordID(route, utterance string) string {
	sum := sha256.Sum256([]byte(route + "::" + utterance))
	return hex.EncodeToString(sum[:])[:idHexLen]
}

// configID derives the document id for a config field.
func configID(field string) string {
	return configRoute + field
}

// document maps a Record to the flat Typesense document shape. Missing
// schema serializes to "null" and missing metadata to "{}" so readers can
// always deserialize the fields.
func document(rec Record) map[string]any {
	id := recordID(rec.Route, rec.Utterance)
	return map[string]any{
		"id":                id,
		fieldID:             id,
		fieldRoute:          rec.Route,
		fieldUtterance:      rec.Utterance,
		fieldFunctionSchema: marshalOrNull(rec.FunctionSchema),
		fieldMetadata:       marshalOrEmpty(rec.Metadata),
		fieldVector:         rec.Embedding,
	}
}

func marshalOrNull(m map[string]any) string {
	if m == nil {
		return "null"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "null"
	}
	return string(b)
}

func marshalOrEmpty(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// decodeMetadata parses a stored sr_metadata string. Decode failure maps
// to ErrMalformedPayload; callers degrade rather than fail.
func decodeMetadata(raw string) (map[string]any, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, ErrMalformedPayload
	}
	return m, nil
}
