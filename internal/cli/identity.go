package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type identityView struct {
	Identity           string `json:"identity"`
	OnboardingComplete bool   `json:"onboardingComplete"`
	StatePath          string `json:"statePath,omitempty"`
}

func newIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show or reset the device identity",
	}
	cmd.AddCommand(newIdentityShowCommand(rootOpts))
	cmd.AddCommand(newIdentityResetCommand(rootOpts))
	return cmd
}

func newIdentityShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the device identity, generating one on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openIdentity(cmd)
			if err != nil {
				return WrapExitError(ExitConfig, "open state", err)
			}
			defer st.Close()

			id, err := st.Identity(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "load identity", err)
			}
			done, err := st.OnboardingComplete(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "load onboarding flag", err)
			}
			view := identityView{Identity: id, OnboardingComplete: done, StatePath: rootOpts.StatePath}
			return rootOpts.printer(cmd.OutOrStdout()).emit(view, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "identity:   %s\nonboarded:  %t\n", view.Identity, view.OnboardingComplete)
				return err
			})
		},
	}
}

// IdentityResetOptions holds flags for identity reset.
type IdentityResetOptions struct {
	*RootOptions
	Yes bool
}

func newIdentityResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IdentityResetOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the device identity and onboarding flag",
		Long: `Reset clears the local state database. The next start generates a fresh
identity; the old profile stays in the shared store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Yes {
				return &ExitError{Code: ExitUsage, Message: "refusing to reset without --yes"}
			}
			st, err := opts.openIdentity(cmd)
			if err != nil {
				return WrapExitError(ExitConfig, "open state", err)
			}
			defer st.Close()

			if err := st.Reset(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "reset identity", err)
			}
			return opts.printer(cmd.OutOrStdout()).emit(map[string]bool{"reset": true}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, "identity reset")
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "confirm the reset")
	return cmd
}
