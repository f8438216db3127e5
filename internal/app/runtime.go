// Package app composes the device daemon: identity, store, social graph
// client, reconciliation service, transports and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/unipass/backend/internal/config"
	"github.com/unipass/backend/internal/discovery"
	"github.com/unipass/backend/internal/logging"
	"github.com/unipass/backend/internal/metrics"
	"github.com/unipass/backend/internal/server"
	"github.com/unipass/backend/internal/service"
	"github.com/unipass/backend/internal/socialgraph"
	"github.com/unipass/backend/internal/transport"
)

// IdentityStore is the durable device state the runtime needs.
type IdentityStore interface {
	Identity(ctx context.Context) (string, error)
	service.OnboardingStore
}

// Params are the runtime collaborators.
type Params struct {
	fx.In

	Config   config.Config
	Logger   *slog.Logger
	Identity IdentityStore
	Backend  Backend
	Registry *prometheus.Registry `optional:"true"`
	Radios   []RadioSpec          `optional:"true"`
}

// Runtime owns every long-running part of the daemon. Components that need
// the local identity are built in Start.
type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	identity IdentityStore
	backend  Backend
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	radios   []RadioSpec
	onFatal  func(error)

	svc      *service.Service
	dedup    *discovery.Deduplicator
	adapters []*transport.Adapter
	stream   *server.StateStream
	http     *server.Server

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

// New validates the parameters and registers metrics.
func New(p Params) (*Runtime, error) {
	if p.Identity == nil {
		return nil, errors.New("app: identity store is required")
	}
	if p.Backend.Store == nil {
		return nil, errors.New("app: store backend is required")
	}
	rt := &Runtime{
		cfg:      p.Config,
		logger:   logging.OrDiscard(p.Logger),
		identity: p.Identity,
		backend:  p.Backend,
		registry: p.Registry,
		radios:   p.Radios,
	}
	if p.Registry != nil {
		m, err := metrics.New(p.Registry)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		rt.metrics = m
	}
	return rt, nil
}

// OnFatal registers fn to be called when a background component fails.
// It must be set before Start.
func (r *Runtime) OnFatal(fn func(error)) {
	r.onFatal = fn
}

// Start resolves the local identity, binds the HTTP listener, bootstraps the
// local profile and then turns the radios on.
func (r *Runtime) Start(ctx context.Context) error {
	self, err := r.identity.Identity(ctx)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger := r.logger.With("identity", self)

	graph := socialgraph.New(r.backend.Store, RetryPolicy(r.cfg.Retry), socialgraph.WithLogger(r.logger))
	dedup, err := discovery.New(graph, discovery.Options{
		CacheSize: r.cfg.Discovery.CacheSize,
		Logger:    r.logger,
		Metrics:   r.metrics,
	})
	if err != nil {
		return fmt.Errorf("build deduplicator: %w", err)
	}
	svc, err := service.New(service.Deps{
		Self:       self,
		Graph:      graph,
		Onboarding: r.identity,
		Logger:     r.logger,
		Metrics:    r.metrics,
		OnAbandon:  dedup.Forget,
	})
	if err != nil {
		return err
	}
	r.svc = svc
	r.dedup = dedup

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	r.group = g

	if err := r.startHTTP(g); err != nil {
		_ = r.Stop(ctx)
		return err
	}

	if err := svc.Start(ctx); err != nil {
		_ = r.Stop(ctx)
		return fmt.Errorf("start service: %w", err)
	}

	sources := make([]<-chan transport.Event, 0, len(r.radios))
	for _, spec := range r.radios {
		a := transport.NewAdapter(spec.Name, spec.Radio, transport.Options{
			PrefixLength: spec.PrefixLength,
			Logger:       r.logger,
		})
		a.Advertise(gctx, self)
		sources = append(sources, a.Scan(gctx))
		r.adapters = append(r.adapters, a)
	}
	if len(sources) > 0 {
		g.Go(func() error {
			return dedup.Run(gctx, svc.HandleDiscovered, sources...)
		})
	}

	logger.Info("runtime started", "radios", len(r.adapters), "backend", r.cfg.Store.Backend)
	return nil
}

func (r *Runtime) startHTTP(g *errgroup.Group) error {
	metricsHandler := promhttpHandler(r.registry, r.cfg.HTTP.MetricsEnabled)
	origins := ParseAllowedOrigins(r.cfg.HTTP.AllowedOriginsCSV)

	r.stream = server.NewStateStream(r.logger, r.svc.State(), origins)
	router := server.NewRouter(r.logger, server.RouterDependencies{
		Health:           server.CompositeHealth{server.GraphHealthService{Client: r.backend.Graph}},
		API:              server.NewAPIHandlers(r.logger, r.svc),
		Stream:           r.stream,
		Metrics:          metricsHandler,
		AllowedOrigins:   origins,
		AllowCredentials: true,
	})
	r.http = server.New(r.logger, r.cfg.HTTP, router)

	addr := net.JoinHostPort(r.cfg.HTTP.Host, fmt.Sprint(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	g.Go(func() error {
		err := r.http.Serve(ln)
		if err != nil {
			r.logger.Error("http server stopped unexpectedly", "error", err)
			if r.onFatal != nil {
				r.onFatal(err)
			}
		}
		return err
	})
	return nil
}

// Stop turns the radios off, closes the HTTP surface and waits for in-flight
// reconciliation until ctx expires. The backend and identity store stay open;
// they belong to whoever opened them.
func (r *Runtime) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		for _, a := range r.adapters {
			a.Stop()
		}
		if r.stream != nil {
			r.stream.Close()
		}
		if r.http != nil {
			err = multierr.Append(err, r.http.Shutdown(ctx))
		}
		if r.svc != nil {
			err = multierr.Append(err, r.svc.Close(ctx))
		}
		if r.cancel != nil {
			r.cancel()
		}
		if r.group != nil {
			err = multierr.Append(err, r.group.Wait())
		}
		r.logger.Info("runtime stopped")
	})
	return err
}

// Service returns the running service; nil before Start.
func (r *Runtime) Service() *service.Service {
	return r.svc
}

// Addr returns the bound HTTP address.
func (r *Runtime) Addr(ctx context.Context) (net.Addr, error) {
	if r.http == nil {
		return nil, errors.New("app: runtime not started")
	}
	return r.http.Addr(ctx)
}

// Seen reports how many unique peers discovery has forwarded.
func (r *Runtime) Seen() int {
	if r.dedup == nil {
		return 0
	}
	return r.dedup.Seen()
}

// ParseAllowedOrigins splits a comma-separated origin list.
func ParseAllowedOrigins(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	var origins []string
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	return origins
}

func promhttpHandler(reg *prometheus.Registry, enabled bool) http.Handler {
	if reg == nil || !enabled {
		return nil
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
