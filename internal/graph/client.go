package graph

import (
	"context"
	"errors"
)

// Client is the narrow Cypher execution contract the repository layer runs
// against. Implementations return errors already mapped by Classify.
type Client interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Result holds every record of a fully consumed query.
type Result struct {
	Records []Record
}

// Record maps RETURN aliases to driver values.
type Record map[string]any

// Options configures a graph client implementation.
type Options struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// ErrMissingURI indicates the graph URI is not provided.
var ErrMissingURI = errors.New("graph URI is required")
