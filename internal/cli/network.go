package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/expand"
)

// NetworkOptions holds flags for the network command.
type NetworkOptions struct {
	*RootOptions
	Identity string
}

type networkView struct {
	Profile *domain.Profile `json:"profile"`
	expand.Network
}

func newNetworkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NetworkOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Show 1st and 2nd degree connections",
		Long: `Network expands an identity's friend list against the shared store. It
reads the device identity unless --id names another one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNetwork(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Identity, "id", "", "identity to expand (defaults to this device)")
	return cmd
}

func runNetwork(opts *NetworkOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	sess, err := opts.openSession(cmd)
	if err != nil {
		return WrapExitError(ExitConfig, "open session", err)
	}
	defer sess.Close(ctx)

	target := sess.self
	if opts.Identity != "" {
		target = domain.NormalizeIdentity(opts.Identity)
		if !domain.ValidIdentity(target) {
			return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("malformed identity %q", opts.Identity)}
		}
	}

	profile, err := sess.graph.FetchProfile(ctx, target)
	if err != nil {
		return WrapExitError(ExitFailure, "fetch profile", err)
	}
	if profile == nil {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("no profile for %s", target), Err: domain.ErrNotFound}
	}
	network, err := expand.New(sess.graph).Compute(ctx, target, profile.Friends)
	if err != nil {
		return WrapExitError(ExitFailure, "expand network", err)
	}

	view := networkView{Profile: profile, Network: network}
	return opts.printer(cmd.OutOrStdout()).emit(view, func(w io.Writer) error {
		fmt.Fprintf(w, "%s  %s  (%s, %s)\n", profile.Identity, profile.DisplayName, profile.FieldOfStudy, profile.YearLabel)
		fmt.Fprintf(w, "tags: %s\n\n", joinOrDash(profile.Tags))
		if err := writeProfiles(w, "1st degree", network.First); err != nil {
			return err
		}
		fmt.Fprintln(w)
		return writeProfiles(w, "2nd degree", network.Second)
	})
}
