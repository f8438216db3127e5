// Package cli implements unipassctl, the operator CLI for a device's
// identity, network and meetups.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/unipass/backend/internal/app"
	"github.com/unipass/backend/internal/config"
	"github.com/unipass/backend/internal/identity"
	"github.com/unipass/backend/internal/logging"
	"github.com/unipass/backend/internal/service"
	"github.com/unipass/backend/internal/socialgraph"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Env opens the resources a command needs. Tests replace it.
type Env struct {
	Config       func() (config.Config, error)
	OpenBackend  func(ctx context.Context, logger *slog.Logger, cfg config.Config) (app.Backend, error)
	OpenIdentity func(path string) (*identity.Store, error)
	Radios       func(cfg config.DiscoveryConfig, logger *slog.Logger) ([]app.RadioSpec, error)
}

// DefaultEnv reads the environment configuration and opens real stores.
func DefaultEnv() Env {
	return Env{
		Config:       config.Load,
		OpenBackend:  app.OpenBackend,
		OpenIdentity: func(path string) (*identity.Store, error) {
			return identity.Open(path)
		},
		Radios: app.BuildRadios,
	}
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format    string
	StatePath string
	Verbose   bool

	env Env
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithEnv(DefaultEnv())
}

// NewRootCommandWithEnv creates the root command over env.
func NewRootCommandWithEnv(env Env) *cobra.Command {
	opts := &RootOptions{env: env}

	cmd := &cobra.Command{
		Use:   "unipassctl",
		Short: "Inspect and drive a unipass device",
		Long: `unipassctl operates on the local device state database and the shared
social graph store configured through the usual environment variables
(STORE_BACKEND, GRAPH_URI, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return &ExitError{
					Code:    ExitUsage,
					Message: fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats),
				}
			}
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitUsage, "invalid flags", err)
	})

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.StatePath, "state", "", "device state database (defaults to STATE_PATH)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(newIdentityCommand(opts))
	cmd.AddCommand(newNetworkCommand(opts))
	cmd.AddCommand(newMeetupsCommand(opts))
	cmd.AddCommand(newInteractionsCommand(opts))
	cmd.AddCommand(newDiscoverCommand(opts))

	return cmd
}

// Execute runs cmd and reports a failure in the selected format. It returns
// the process exit code.
func Execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	if format, _ := cmd.PersistentFlags().GetString("format"); format == "json" {
		_ = printer{format: format, w: cmd.OutOrStdout()}.failure(err)
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return GetExitCode(err)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// session is everything a store-backed command works with.
type session struct {
	cfg      config.Config
	logger   *slog.Logger
	identity *identity.Store
	backend  app.Backend
	graph    *socialgraph.Client
	self     string
}

func (o *RootOptions) loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := o.env.Config()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if o.StatePath != "" {
		cfg.Identity.StatePath = o.StatePath
	}
	logger := logging.Discard()
	if o.Verbose {
		logger = logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging)
	}
	return cfg, logger, nil
}

func (o *RootOptions) openIdentity(cmd *cobra.Command) (*identity.Store, error) {
	cfg, _, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	st, err := o.env.OpenIdentity(cfg.Identity.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	return st, nil
}

func (o *RootOptions) openSession(cmd *cobra.Command) (*session, error) {
	ctx := cmd.Context()
	cfg, logger, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	ids, err := o.env.OpenIdentity(cfg.Identity.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	self, err := ids.Identity(ctx)
	if err != nil {
		_ = ids.Close()
		return nil, err
	}
	backend, err := o.env.OpenBackend(ctx, logger, cfg)
	if err != nil {
		_ = ids.Close()
		return nil, err
	}
	return &session{
		cfg:      cfg,
		logger:   logger,
		identity: ids,
		backend:  backend,
		graph:    socialgraph.New(backend.Store, app.RetryPolicy(cfg.Retry), socialgraph.WithLogger(logger)),
		self:     self,
	}, nil
}

// newService builds a service over the session without starting
// reconciliation; commands only issue one-shot reads and writes.
func (s *session) newService() (*service.Service, error) {
	return service.New(service.Deps{
		Self:       s.self,
		Graph:      s.graph,
		Onboarding: s.identity,
		Logger:     s.logger,
	})
}

func (s *session) Close(ctx context.Context) error {
	return multierr.Append(s.backend.Close(ctx), s.identity.Close())
}
