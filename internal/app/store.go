package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/unipass/backend/internal/config"
	"github.com/unipass/backend/internal/docstore"
	"github.com/unipass/backend/internal/graph"
	"github.com/unipass/backend/internal/repository"
	"github.com/unipass/backend/internal/retry"
	"github.com/unipass/backend/internal/socialgraph"
)

// Backend is an opened social graph store. Graph is nil for the memory
// backend.
type Backend struct {
	Store docstore.Store
	Graph graph.Client
}

// Close releases the graph connection, if any.
func (b Backend) Close(ctx context.Context) error {
	if b.Graph == nil {
		return nil
	}
	return b.Graph.Close(ctx)
}

// OpenBackend connects the store selected by cfg.Store.Backend. The neo4j
// backend verifies connectivity and ensures the id constraints exist.
func OpenBackend(ctx context.Context, logger *slog.Logger, cfg config.Config) (Backend, error) {
	if cfg.Store.Backend == config.BackendMemory {
		var opts []docstore.MemoryOption
		if cfg.Store.VisibilityDelay > 0 {
			opts = append(opts, docstore.WithVisibilityDelay(cfg.Store.VisibilityDelay))
		}
		logger.Info("using in-memory store", "visibility_delay", cfg.Store.VisibilityDelay)
		return Backend{Store: docstore.NewMemory(opts...)}, nil
	}

	client, err := graph.NewNeo4jClient(ctx, graph.Options{
		URI:            cfg.Graph.URI,
		Database:       cfg.Graph.Database,
		Username:       cfg.Graph.Username,
		Password:       cfg.Graph.Password,
		MaxConnections: cfg.Graph.MaxConnections,
	})
	if err != nil {
		return Backend{}, fmt.Errorf("create graph client: %w", err)
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(ctx)
		return Backend{}, fmt.Errorf("verify graph connectivity: %w", err)
	}

	repo := repository.New(client)
	if err := repo.EnsureSchema(ctx, socialgraph.TypeProfile, socialgraph.TypeMeetup, socialgraph.TypeInteraction); err != nil {
		_ = client.Close(ctx)
		return Backend{}, err
	}
	logger.Info("connected to graph", "uri", cfg.Graph.URI, "database", cfg.Graph.Database)
	return Backend{Store: repo, Graph: client}, nil
}

// RetryPolicy builds the shared backoff policy from config.
func RetryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.New(cfg.BaseDelay, cfg.MaxAttempts)
}
