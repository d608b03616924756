package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kuitang/notesync/internal/engine"
	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/logutil"
	"github.com/kuitang/notesync/internal/notes"
)

const previewChars = 48

// withApp opens the client for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, ao appOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts, cmd.ErrOrStderr(), ao)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notes, including ones not yet synced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				if _, err := a.engine.Refresh(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: showing cached notes: %s\n", errs.MessageOf(err))
				}
				var list []notes.Note
				for _, n := range a.engine.Notes() {
					if all || n.Status != notes.StatusDeleted {
						list = append(list, n)
					}
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), list)
				}
				printNoteTable(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deleted notes")
	return cmd
}

func printNoteTable(w io.Writer, list []notes.Note) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPRIORITY\tSTATE\tPREVIEW")
	for _, n := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			n.ID, logutil.TruncateForLog(n.Title, previewChars), n.Priority, noteState(n),
			logutil.TruncateForLog(n.Content, previewChars))
	}
	tw.Flush()
}

func noteState(n notes.Note) string {
	var parts []string
	if n.Status == notes.StatusDeleted {
		parts = append(parts, "deleted")
	}
	if !n.Synced {
		parts = append(parts, "unsynced")
	}
	if len(parts) == 0 {
		return "synced"
	}
	return strings.Join(parts, ",")
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := notes.ParseIdentity(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				n, err := a.engine.Note(ctx, id)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), n)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "# %s\n\n", n.Title)
				fmt.Fprintf(w, "id: %s  priority: %d  state: %s  updated: %s\n",
					n.ID, n.Priority, noteState(n), n.UpdatedAt.Format("2006-01-02 15:04:05"))
				if n.Color != nil {
					fmt.Fprintf(w, "color: %s\n", *n.Color)
				}
				if n.Content != "" {
					fmt.Fprintf(w, "\n%s\n", n.Content)
				}
				return nil
			})
		},
	}
}

// noteFlags binds the editable note fields. Only flags the user set end up
// in a patch.
type noteFlags struct {
	title    string
	content  string
	format   string
	color    string
	priority int
}

func (f *noteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.title, "title", "t", "", "note title")
	cmd.Flags().StringVarP(&f.content, "content", "c", "", "note body")
	cmd.Flags().StringVar(&f.format, "format", "", "body format (default markdown)")
	cmd.Flags().StringVar(&f.color, "color", "", "note color")
	cmd.Flags().IntVarP(&f.priority, "priority", "p", 0, "priority")
}

func (f *noteFlags) input(cmd *cobra.Command) notes.NoteInput {
	in := notes.NoteInput{Title: f.title, Content: f.content, Format: f.format}
	if cmd.Flags().Changed("color") {
		in.Color = notes.Ptr(f.color)
	}
	if cmd.Flags().Changed("priority") {
		in.Priority = notes.Ptr(f.priority)
	}
	return in
}

func (f *noteFlags) patch(cmd *cobra.Command) notes.NotePatch {
	var p notes.NotePatch
	changed := cmd.Flags().Changed
	if changed("title") {
		p.Title = notes.Ptr(f.title)
	}
	if changed("content") {
		p.Content = notes.Ptr(f.content)
	}
	if changed("format") {
		p.Format = notes.Ptr(f.format)
	}
	if changed("color") {
		p.Color = notes.Ptr(f.color)
	}
	if changed("priority") {
		p.Priority = notes.Ptr(f.priority)
	}
	return p
}

func printOutcome(w io.Writer, jsonOut bool, verb string, out engine.Outcome) error {
	if jsonOut {
		payload := map[string]any{"note": out.Note, "queued": out.Queued}
		if out.Cause != nil {
			payload["cause"] = errs.MessageOf(out.Cause)
		}
		return printJSON(w, payload)
	}
	switch {
	case !out.Queued:
		fmt.Fprintf(w, "%s %s\n", verb, out.Note.ID)
	case out.Cause != nil:
		fmt.Fprintf(w, "%s %s locally; queued after server error: %s\n", verb, out.Note.ID, errs.MessageOf(out.Cause))
	default:
		fmt.Fprintf(w, "%s %s locally; queued until back online\n", verb, out.Note.ID)
	}
	return nil
}

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var f noteFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a note",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := f.input(cmd)
			if err := notes.ValidateInput(input); err != nil {
				return err
			}
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				out, err := a.engine.Create(ctx, input)
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), opts.jsonOut, "created", out)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newUpdateCmd(opts *rootOptions) *cobra.Command {
	var f noteFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := notes.ParseIdentity(args[0])
			if err != nil {
				return err
			}
			patch := f.patch(cmd)
			if err := notes.ValidatePatch(patch); err != nil {
				return err
			}
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				out, err := a.engine.Update(ctx, id, patch)
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), opts.jsonOut, "updated", out)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var permanent bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a note (soft by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := notes.ParseIdentity(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				out, err := a.engine.Delete(ctx, id, engine.DeleteOptions{Permanent: permanent})
				if err != nil {
					return err
				}
				if out.Note.ID.IsZero() {
					out.Note.ID = id
				}
				return printOutcome(cmd.OutOrStdout(), opts.jsonOut, "deleted", out)
			})
		},
	}
	cmd.Flags().BoolVar(&permanent, "permanent", false, "remove the note instead of marking it deleted")
	return cmd
}
