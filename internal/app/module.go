package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/unipass/backend/internal/config"
	"github.com/unipass/backend/internal/identity"
	"github.com/unipass/backend/internal/logging"
)

const backendConnectTimeout = 30 * time.Second

// Module provides the daemon's components from environment configuration.
var Module = fx.Module("unipass",
	fx.Provide(
		config.Load,
		NewLogger,
		openIdentity,
		openBackend,
		newRegistry,
		newRadios,
		New,
	),
	fx.Invoke(registerRuntime),
)

// NewLogger builds the process logger.
func NewLogger(cfg config.Config) *slog.Logger {
	return logging.New(cfg.Logging)
}

// FxLogger routes fx's own events through slog at debug level.
func FxLogger(logger *slog.Logger) fxevent.Logger {
	l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
	l.UseLogLevel(slog.LevelDebug)
	return l
}

func openIdentity(lc fx.Lifecycle, cfg config.Config) (IdentityStore, error) {
	st, err := identity.Open(cfg.Identity.StatePath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return st.Close() },
	})
	return st, nil
}

func openBackend(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) (Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), backendConnectTimeout)
	defer cancel()

	b, err := OpenBackend(ctx, logger, cfg)
	if err != nil {
		return Backend{}, err
	}
	lc.Append(fx.Hook{OnStop: b.Close})
	return b, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newRadios(cfg config.Config, logger *slog.Logger) ([]RadioSpec, error) {
	return BuildRadios(cfg.Discovery, logger)
}

func registerRuntime(lc fx.Lifecycle, sd fx.Shutdowner, rt *Runtime) {
	rt.OnFatal(func(error) {
		_ = sd.Shutdown(fx.ExitCode(1))
	})
	lc.Append(fx.Hook{
		OnStart: rt.Start,
		OnStop:  rt.Stop,
	})
}
