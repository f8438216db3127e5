package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/unipass/backend/internal/discovery"
	"github.com/unipass/backend/internal/transport"
)

// DiscoverOptions holds flags for the discover command.
type DiscoverOptions struct {
	*RootOptions
	Duration time.Duration
	Silent   bool
}

type sighting struct {
	Identity string    `json:"identity"`
	SeenAt   time.Time `json:"seenAt"`
}

func newDiscoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiscoverOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run the radios for a while and list nearby identities",
		Long: `Discover turns on the beacon and mDNS transports, resolves truncated
beacon payloads against the shared store and prints every unique identity
heard. No friendships are written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(opts, cmd)
		},
	}
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 30*time.Second, "how long to listen")
	cmd.Flags().BoolVar(&opts.Silent, "silent", false, "listen without advertising this device")
	return cmd
}

func runDiscover(opts *DiscoverOptions, cmd *cobra.Command) error {
	if opts.Duration <= 0 {
		return &ExitError{Code: ExitUsage, Message: "--duration must be positive"}
	}
	sess, err := opts.openSession(cmd)
	if err != nil {
		return WrapExitError(ExitConfig, "open session", err)
	}
	defer sess.Close(cmd.Context())

	dcfg := sess.cfg.Discovery
	dcfg.Enabled = true
	radios, err := opts.env.Radios(dcfg, sess.logger)
	if err != nil {
		return WrapExitError(ExitConfig, "build radios", err)
	}

	dedup, err := discovery.New(sess.graph, discovery.Options{
		CacheSize: dcfg.CacheSize,
		Logger:    sess.logger,
	})
	if err != nil {
		return WrapExitError(ExitConfig, "build deduplicator", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Duration)
	defer cancel()

	sources := make([]<-chan transport.Event, 0, len(radios))
	adapters := make([]*transport.Adapter, 0, len(radios))
	for _, spec := range radios {
		a := transport.NewAdapter(spec.Name, spec.Radio, transport.Options{
			PrefixLength: spec.PrefixLength,
			Logger:       sess.logger,
		})
		if !opts.Silent {
			a.Advertise(ctx, sess.self)
		}
		sources = append(sources, a.Scan(ctx))
		adapters = append(adapters, a)
	}
	defer func() {
		for _, a := range adapters {
			a.Stop()
		}
	}()

	p := opts.printer(cmd.OutOrStdout())
	found := []sighting{}
	err = dedup.Run(ctx, func(_ context.Context, identity string) {
		if identity == sess.self {
			return
		}
		s := sighting{Identity: identity, SeenAt: time.Now().UTC()}
		found = append(found, s)
		if p.format == "text" {
			fmt.Fprintf(p.w, "%s  %s\n", s.SeenAt.Format(time.TimeOnly), s.Identity)
		}
	}, sources...)
	if err != nil {
		return WrapExitError(ExitFailure, "discovery", err)
	}

	return p.emit(found, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%d identities nearby\n", len(found))
		return err
	})
}
