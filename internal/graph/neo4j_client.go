package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/unipass/backend/internal/domain"
)

// NewNeo4jClient establishes a Bolt connection using the official Neo4j driver.
func NewNeo4jClient(ctx context.Context, opts Options) (Client, error) {
	if opts.URI == "" {
		return nil, ErrMissingURI
	}

	auth := neo4j.NoAuth()
	if opts.Username != "" {
		auth = neo4j.BasicAuth(opts.Username, opts.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(opts.URI, auth, func(c *neo4j.Config) {
		if opts.MaxConnections > 0 {
			c.MaxConnectionPoolSize = opts.MaxConnections
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify graph connectivity: %w", Classify(err))
	}

	return &neo4jClient{
		driver:   driver,
		database: opts.Database,
	}, nil
}

type neo4jClient struct {
	driver   neo4j.DriverWithContext
	database string
}

func (c *neo4jClient) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return c.run(ctx, neo4j.AccessModeWrite, cypher, params)
}

func (c *neo4jClient) ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return c.run(ctx, neo4j.AccessModeRead, cypher, params)
}

func (c *neo4jClient) run(ctx context.Context, mode neo4j.AccessMode, cypher string, params map[string]any) (Result, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   mode,
	})
	defer session.Close(ctx)

	res, err := session.Run(ctx, cypher, params)
	if err != nil {
		return Result{}, Classify(err)
	}

	out, err := consumeResult(ctx, res)
	if err != nil {
		return Result{}, Classify(err)
	}
	return out, nil
}

func (c *neo4jClient) VerifyConnectivity(ctx context.Context) error {
	return Classify(c.driver.VerifyConnectivity(ctx))
}

func (c *neo4jClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// Classify maps driver errors onto the store error taxonomy: unique
// constraint violations become domain.ErrConflict and retryable or
// connectivity failures become domain.ErrTransient. Other errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) && strings.Contains(neoErr.Code, "ConstraintValidationFailed") {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	if neo4j.IsRetryable(err) || neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return err
}

func consumeResult(ctx context.Context, res neo4j.ResultWithContext) (Result, error) {
	var records []Record
	for res.Next(ctx) {
		rec := res.Record()
		record := make(Record, len(rec.Keys))
		for _, key := range rec.Keys {
			value, _ := rec.Get(key)
			record[key] = value
		}
		records = append(records, record)
	}
	if err := res.Err(); err != nil {
		return Result{}, err
	}
	return Result{Records: records}, nil
}
