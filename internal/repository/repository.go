package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/unipass/backend/internal/docstore"
	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/graph"
)

// Repository implements docstore.Store on a graph database. Every record type
// is a node label; record fields are node properties alongside id and version.
type Repository struct {
	client graph.Client
}

var _ docstore.Store = (*Repository)(nil)

// New instantiates a Repository backed by the supplied graph client.
func New(client graph.Client) *Repository {
	return &Repository{client: client}
}

// EnsureSchema creates the unique id constraint for each record type. Create
// relies on it to report duplicates as domain.ErrConflict.
func (r *Repository) EnsureSchema(ctx context.Context, recordTypes ...string) error {
	for _, typ := range recordTypes {
		cypher, err := compileSchema(typ)
		if err != nil {
			return err
		}
		if _, err := r.client.ExecuteWrite(ctx, cypher, nil); err != nil {
			return fmt.Errorf("ensure schema for %s: %w", typ, err)
		}
	}
	return nil
}

// Query runs a predicate query and decodes the matching nodes.
func (r *Repository) Query(ctx context.Context, q docstore.Query) ([]docstore.Record, error) {
	cypher, params, err := compileQuery(q)
	if err != nil {
		return nil, err
	}

	res, err := r.client.ExecuteRead(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Type, err)
	}

	records := make([]docstore.Record, 0, len(res.Records))
	for _, row := range res.Records {
		records = append(records, decodeRecord(q.Type, row))
	}
	return records, nil
}

// Create inserts a node; a duplicate id surfaces as domain.ErrConflict.
func (r *Repository) Create(ctx context.Context, rec docstore.Record) (docstore.Record, error) {
	if rec.ID == "" {
		return docstore.Record{}, errors.New("record id is required")
	}
	cypher, err := compileCreate(rec.Type)
	if err != nil {
		return docstore.Record{}, err
	}

	params := map[string]any{
		"id":     rec.ID,
		"fields": fieldParams(rec.Fields),
	}
	res, err := r.client.ExecuteWrite(ctx, cypher, params)
	if err != nil {
		return docstore.Record{}, fmt.Errorf("create %s/%s: %w", rec.Type, rec.ID, err)
	}
	if len(res.Records) == 0 {
		return docstore.Record{}, fmt.Errorf("create %s/%s: no record returned", rec.Type, rec.ID)
	}
	return decodeRecord(rec.Type, res.Records[0]), nil
}

// Save merges fields into the node when its stored version still matches.
func (r *Repository) Save(ctx context.Context, rec docstore.Record) (docstore.Record, error) {
	cypher, err := compileSave(rec.Type)
	if err != nil {
		return docstore.Record{}, err
	}

	params := map[string]any{
		"id":      rec.ID,
		"version": rec.Version,
		"fields":  fieldParams(rec.Fields),
	}
	res, err := r.client.ExecuteWrite(ctx, cypher, params)
	if err != nil {
		return docstore.Record{}, fmt.Errorf("save %s/%s: %w", rec.Type, rec.ID, err)
	}
	if len(res.Records) == 0 {
		return docstore.Record{}, fmt.Errorf("save %s/%s: %w", rec.Type, rec.ID, domain.ErrNotFound)
	}

	row := res.Records[0]
	if fresh, _ := row["fresh"].(bool); !fresh {
		return docstore.Record{}, fmt.Errorf("save %s/%s at version %d (stored %d): %w",
			rec.Type, rec.ID, rec.Version, toInt64(row["version"]), domain.ErrConflict)
	}
	out := decodeRecord(rec.Type, row)
	out.ID = rec.ID
	return out, nil
}

// Delete removes the node if present.
func (r *Repository) Delete(ctx context.Context, recordType, id string) error {
	cypher, err := compileDelete(recordType)
	if err != nil {
		return err
	}
	if _, err := r.client.ExecuteWrite(ctx, cypher, map[string]any{"id": id}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", recordType, id, err)
	}
	return nil
}

// fieldParams drops the reserved keys so callers cannot overwrite them.
func fieldParams(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == docstore.IDField || k == "version" {
			continue
		}
		out[k] = v
	}
	return out
}

func decodeRecord(recordType string, row graph.Record) docstore.Record {
	rec := docstore.Record{
		Type:    recordType,
		ID:      toString(row["id"]),
		Version: toInt64(row["version"]),
		Fields:  map[string]any{},
	}
	props, _ := row["fields"].(map[string]any)
	for k, v := range props {
		switch k {
		case docstore.IDField:
			if rec.ID == "" {
				rec.ID = toString(v)
			}
		case "version":
			if rec.Version == 0 {
				rec.Version = toInt64(v)
			}
		default:
			rec.Fields[k] = decodeValue(v)
		}
	}
	return rec
}

// decodeValue converts driver lists of strings to []string; other values pass through.
func decodeValue(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return v
		}
		out = append(out, s)
	}
	return out
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func toInt64(val any) int64 {
	switch v := val.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func label(recordType string) (string, error) {
	if !docstore.ValidIdentifier(recordType) {
		return "", fmt.Errorf("invalid record type %q", recordType)
	}
	return recordType, nil
}

func lowerLabel(recordType string) string {
	return strings.ToLower(recordType)
}
