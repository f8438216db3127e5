package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/meetup"
	"github.com/unipass/backend/internal/service"
)

func newMeetupsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "meetups",
		Aliases: []string{"meetup"},
		Short:   "List, create, join and leave meetups",
	}
	cmd.AddCommand(newMeetupsListCommand(rootOpts))
	cmd.AddCommand(newMeetupsCreateCommand(rootOpts))
	cmd.AddCommand(newMeetupsJoinCommand(rootOpts))
	cmd.AddCommand(newMeetupsLeaveCommand(rootOpts))
	return cmd
}

// withService opens a session, runs fn against an unstarted service and
// tears both down.
func withService(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, svc *service.Service) error) error {
	ctx := cmd.Context()
	sess, err := opts.openSession(cmd)
	if err != nil {
		return WrapExitError(ExitConfig, "open session", err)
	}
	defer sess.Close(ctx)

	svc, err := sess.newService()
	if err != nil {
		return WrapExitError(ExitConfig, "build service", err)
	}
	defer svc.Close(ctx)
	return fn(ctx, svc)
}

func newMeetupsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List meetups involving you or your network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(rootOpts, cmd, func(ctx context.Context, svc *service.Service) error {
				ms, err := svc.Meetups(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "list meetups", err)
				}
				return rootOpts.printer(cmd.OutOrStdout()).emit(ms, func(w io.Writer) error {
					if len(ms) == 0 {
						_, err := fmt.Fprintln(w, "no meetups")
						return err
					}
					return writeMeetups(w, ms, svc.Self())
				})
			})
		},
	}
}

// MeetupCreateOptions holds flags for meetups create.
type MeetupCreateOptions struct {
	*RootOptions
	Title       string
	Description string
	Location    string
	At          string
	Force       bool
}

func newMeetupsCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MeetupCreateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a meetup and join it",
		Long: `Create stores a new meetup with you as its only participant. You leave
your current meetup first; if you are its last participant it is deleted,
which needs --force.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMeetupsCreate(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "meetup title (required)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&opts.Location, "location", "", "where to meet (required)")
	cmd.Flags().StringVar(&opts.At, "at", "", "start time, RFC 3339 (required)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "delete a meetup you would leave empty")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func runMeetupsCreate(opts *MeetupCreateOptions, cmd *cobra.Command) error {
	at, err := time.Parse(time.RFC3339, opts.At)
	if err != nil {
		return WrapExitError(ExitUsage, "invalid --at", err)
	}
	draft := meetup.Draft{
		Title:         opts.Title,
		Description:   opts.Description,
		Location:      opts.Location,
		ScheduledTime: at,
	}
	return withService(opts.RootOptions, cmd, func(ctx context.Context, svc *service.Service) error {
		res, err := svc.CreateMeetup(ctx, draft, opts.Force)
		if err != nil {
			return meetupError("create meetup", err)
		}
		return reportJoin(opts.RootOptions, cmd, res, "created")
	})
}

// MeetupJoinOptions holds flags for meetups join.
type MeetupJoinOptions struct {
	*RootOptions
	Force bool
}

func newMeetupsJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MeetupJoinOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "join <meetup-id>",
		Short: "Join a meetup, leaving your current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(opts.RootOptions, cmd, func(ctx context.Context, svc *service.Service) error {
				res, err := svc.JoinMeetup(ctx, args[0], opts.Force)
				if err != nil {
					return meetupError("join meetup", err)
				}
				return reportJoin(opts.RootOptions, cmd, res, "joined")
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "delete a meetup you would leave empty")
	return cmd
}

func newMeetupsLeaveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "leave <meetup-id>",
		Short: "Leave a meetup; an emptied meetup is deleted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(rootOpts, cmd, func(ctx context.Context, svc *service.Service) error {
				res, err := svc.LeaveMeetup(ctx, args[0])
				if err != nil {
					return meetupError("leave meetup", err)
				}
				return rootOpts.printer(cmd.OutOrStdout()).emit(res, func(w io.Writer) error {
					if res.Deleted {
						_, err := fmt.Fprintf(w, "left %s; it had no other participants and was deleted\n", args[0])
						return err
					}
					_, err := fmt.Fprintf(w, "left %s\n", args[0])
					return err
				})
			})
		},
	}
}

func reportJoin(opts *RootOptions, cmd *cobra.Command, res meetup.JoinResult, verb string) error {
	p := opts.printer(cmd.OutOrStdout())
	if res.Status == meetup.StatusConfirmationRequired {
		ids := make([]string, 0, len(res.Blocking))
		for _, m := range res.Blocking {
			ids = append(ids, m.ID)
		}
		_ = p.emit(res, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "you are the last participant of %s; rerun with --force to delete it\n", joinOrDash(ids))
			return err
		})
		return &ExitError{Code: ExitUnconfirmed, Message: "confirmation required"}
	}
	return p.emit(res, func(w io.Writer) error {
		if res.Status == meetup.StatusAlreadyMember {
			_, err := fmt.Fprintf(w, "already in %s\n", res.Meetup.ID)
			return err
		}
		fmt.Fprintf(w, "%s %s (%s)\n", verb, res.Meetup.ID, res.Meetup.Title)
		if len(res.Left) > 0 {
			fmt.Fprintf(w, "left:    %s\n", joinOrDash(res.Left))
		}
		if len(res.Deleted) > 0 {
			fmt.Fprintf(w, "deleted: %s\n", joinOrDash(res.Deleted))
		}
		return nil
	})
}

func meetupError(op string, err error) error {
	switch {
	case domain.IsValidation(err):
		return WrapExitError(ExitUsage, op, err)
	case errors.Is(err, domain.ErrNotFound):
		return WrapExitError(ExitUsage, op, err)
	default:
		return WrapExitError(ExitFailure, op, err)
	}
}
