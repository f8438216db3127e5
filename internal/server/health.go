package server

import (
	"context"

	"go.uber.org/multierr"

	"github.com/unipass/backend/internal/graph"
)

// HealthService defines behaviour for readiness probes.
type HealthService interface {
	Probe(ctx context.Context) error
}

// GraphHealthService verifies graph connectivity as part of health checks.
// A nil client means the in-memory backend, which is always reachable.
type GraphHealthService struct {
	Client graph.Client
}

// Probe implements the HealthService interface.
func (s GraphHealthService) Probe(ctx context.Context) error {
	if s.Client == nil {
		return nil
	}
	return s.Client.VerifyConnectivity(ctx)
}

// CompositeHealth fails when any member fails and reports every failure.
type CompositeHealth []HealthService

// Probe implements the HealthService interface.
func (c CompositeHealth) Probe(ctx context.Context) error {
	var errs []error
	for _, h := range c {
		if h == nil {
			continue
		}
		if err := h.Probe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

// ProbeFunc adapts a function to HealthService.
type ProbeFunc func(ctx context.Context) error

// Probe implements the HealthService interface.
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }
