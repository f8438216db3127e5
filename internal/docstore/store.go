// Package docstore defines the generic document store the social graph is
// persisted in: typed records with an id, an optimistic-concurrency version
// and a flat field map, queried with simple predicates.
package docstore

import (
	"context"
	"time"
)

// Record is one stored document. Field values are strings, int64, bool,
// float64 or []string; times are encoded as RFC 3339 strings by callers.
type Record struct {
	Type    string
	ID      string
	Version int64
	Fields  map[string]any
}

// Store is the contract consumed by the social graph client.
//
// Create fails with domain.ErrConflict when a record with the same type and
// id exists. Save merges Fields into the stored record when Version matches
// the stored version, failing with domain.ErrConflict otherwise and with
// domain.ErrNotFound when the record does not exist. Delete is idempotent.
// Implementations map availability failures to domain.ErrTransient.
type Store interface {
	Query(ctx context.Context, q Query) ([]Record, error)
	Create(ctx context.Context, rec Record) (Record, error)
	Save(ctx context.Context, rec Record) (Record, error)
	Delete(ctx context.Context, recordType, id string) error
}

// String returns a string field or "".
func (r Record) String(field string) string {
	s, _ := r.Fields[field].(string)
	return s
}

// Strings returns a string slice field, accepting []string or []any.
func (r Record) Strings(field string) []string {
	switch v := r.Fields[field].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Time parses an RFC 3339 string field, returning the zero time when absent
// or malformed.
func (r Record) Time(field string) time.Time {
	s := r.String(field)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatTime encodes t the way Record.Time expects.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Fields = cloneFields(r.Fields)
	return out
}

func cloneFields(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		switch val := v.(type) {
		case []string:
			dst[k] = append([]string(nil), val...)
		case []any:
			dst[k] = append([]any(nil), val...)
		default:
			dst[k] = v
		}
	}
	return dst
}

func project(fields map[string]any, names []string) map[string]any {
	if len(names) == 0 {
		return cloneFields(fields)
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := fields[name]; ok {
			out[name] = v
		}
	}
	return cloneFields(out)
}
