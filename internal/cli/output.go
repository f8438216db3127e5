package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/unipass/backend/internal/domain"
)

// Exit codes for CLI commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1 // store or transport failure
	ExitUsage       = 2 // bad flags or arguments
	ExitConfig      = 3 // configuration or state database unusable
	ExitUnconfirmed = 4 // action needs --force
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error, defaulting to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON envelope for every command.
type CLIResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// printer writes either a JSON envelope or human-readable text.
type printer struct {
	format string
	w      io.Writer
}

func (o *RootOptions) printer(w io.Writer) printer {
	return printer{format: o.Format, w: w}
}

// emit writes data in an "ok" envelope, or calls text.
func (p printer) emit(data any, text func(w io.Writer) error) error {
	if p.format == "json" {
		return p.json(CLIResponse{Status: "ok", Data: data})
	}
	return text(p.w)
}

// failure reports err in the configured format and returns it unchanged so
// the exit code survives.
func (p printer) failure(err error) error {
	if p.format == "json" {
		_ = p.json(CLIResponse{Status: "error", Error: err.Error()})
	}
	return err
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeProfiles(w io.Writer, heading string, profiles []domain.Profile) error {
	fmt.Fprintf(w, "%s (%d)\n", heading, len(profiles))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range profiles {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d friends\n", p.Identity, p.DisplayName, p.FieldOfStudy, p.SocialScore())
	}
	return tw.Flush()
}

func writeMeetups(w io.Writer, meetups []domain.Meetup, self string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tLOCATION\tWHEN\tPARTICIPANTS")
	for _, m := range meetups {
		title := m.Title
		if m.HasParticipant(self) {
			title += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			m.ID, title, m.Location, m.ScheduledTime.UTC().Format("Mon Jan 2 15:04 MST"), len(m.Participants))
	}
	return tw.Flush()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
