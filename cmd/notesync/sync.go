package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/logutil"
	"github.com/kuitang/notesync/internal/oplog"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued writes and refresh the local copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				res, err := a.engine.Sync(ctx)
				if errs.Is(err, errs.Unavailable) {
					return fmt.Errorf("%s (%d writes stay queued)", errs.MessageOf(err), a.engine.Status().Pending)
				}
				if opts.jsonOut {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"synced: %d succeeded, %d failed, %d skipped, %d dropped; %d still queued\n",
					res.Succeeded, res.Failed, res.Skipped, res.Dropped, res.Remaining)
				return err
			})
		},
	}
}

func newPendingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show queued writes in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Inspecting the queue never needs the network.
			offline := *opts
			offline.offline = true
			return withApp(cmd, &offline, appOptions{}, func(ctx context.Context, a *app) error {
				ops := a.engine.Pending()
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), ops)
				}
				printPending(cmd, ops)
				return nil
			})
		},
	}
}

func printPending(cmd *cobra.Command, ops []oplog.Op) {
	w := cmd.OutOrStdout()
	if len(ops) == 0 {
		fmt.Fprintln(w, "nothing queued")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tTARGET\tQUEUED\tATTEMPTS\tLAST ERROR")
	for _, op := range ops {
		kind := string(op.Kind)
		if op.Kind == oplog.KindDelete && op.Permanent {
			kind += " (permanent)"
		}
		if op.InFlight {
			kind += " (in flight)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			op.Seq, kind, op.Target, op.EnqueuedAt.Local().Format(time.DateTime), op.Attempts,
			logutil.TruncateForLog(op.LastError, previewChars))
	}
	tw.Flush()
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue size and the last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				st := a.engine.Status()
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), st)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintln(w, "notesync")
				a.cfg.PrintSummary(w)
				online := "offline"
				if st.Online {
					online = "online"
				}
				fmt.Fprintf(w, "  Network: %s\n", online)
				fmt.Fprintf(w, "  Queue:   %d pending writes, %d offline notes\n", st.Pending, st.OfflineNotes)
				return nil
			})
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay running and sync whenever connectivity returns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.offline {
				return fmt.Errorf("watch needs the network; drop --offline")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, opts, appOptions{autoSync: true}, func(ctx context.Context, a *app) error {
				w := cmd.OutOrStdout()
				if a.engine.Status().Online {
					if res, err := a.engine.Sync(ctx); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "warning: initial sync: %s\n", errs.MessageOf(err))
					} else {
						fmt.Fprintf(w, "initial sync: %d succeeded, %d still queued\n", res.Succeeded, res.Remaining)
					}
				}
				fmt.Fprintf(w, "watching %s (Ctrl-C to stop)\n", logutil.RedactURL(a.cfg.ProbeURL))
				a.prober.Run(ctx)
				return nil
			})
		},
	}
}

func newRotateKeyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-wrap the profile's state key under a new key version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appOptions{skipEngine: true}, func(ctx context.Context, a *app) error {
				if err := a.keys.RotateKEK(ctx, a.cfg.Profile); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rotated key for profile %s\n", a.cfg.Profile)
				return nil
			})
		},
	}
}
