package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/unipass/backend/internal/service"
)

func newInteractionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "interactions",
		Short: "Show who you have met, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(rootOpts, cmd, func(ctx context.Context, svc *service.Service) error {
				entries, err := svc.InteractionLog(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "load interactions", err)
				}
				return rootOpts.printer(cmd.OutOrStdout()).emit(entries, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "WHEN\tPEER\tNAME\tDEGREE")
					for _, e := range entries {
						name, degree := "?", e.Degree
						if e.Peer != nil {
							name = e.Peer.DisplayName
						}
						if degree == "" {
							degree = "-"
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
							e.Interaction.Timestamp.UTC().Format("2006-01-02 15:04"), e.Interaction.Peer, name, degree)
					}
					return tw.Flush()
				})
			})
		},
	}
}
