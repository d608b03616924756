package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kuitang/notesync/internal/config"
	"github.com/kuitang/notesync/internal/obs"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	apiURL     string
	dataDir    string
	profile    string
	store      string
	offline    bool
	verbose    bool
	jsonOut    bool
}

func (o *rootOptions) overrides() config.Overrides {
	return config.Overrides{
		ConfigFile: o.configFile,
		APIURL:     o.apiURL,
		DataDir:    o.dataDir,
		Profile:    o.profile,
		Store:      o.store,
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "notesync",
		Short: "Offline-first client for the notes API",
		Long: `notesync reads and writes notes through the notes API.
Writes made while offline, or rejected by a failing server, are queued locally
in an encrypted state store and replayed by "notesync sync".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			obs.Init()
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			obs.SetLevel(level)
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "YAML config file (default $NOTESYNC_CONFIG)")
	flags.StringVar(&opts.apiURL, "api-url", "", "notes API origin (overrides NOTESYNC_API_URL)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "state directory (overrides NOTESYNC_DATA_DIR)")
	flags.StringVar(&opts.profile, "profile", "", "state profile (overrides NOTESYNC_PROFILE)")
	flags.StringVar(&opts.store, "store", "", "state store: sqlite or s3 (overrides NOTESYNC_STORE)")
	flags.BoolVar(&opts.offline, "offline", false, "work offline: queue every write and skip the network")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&opts.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newListCmd(opts),
		newShowCmd(opts),
		newCreateCmd(opts),
		newUpdateCmd(opts),
		newDeleteCmd(opts),
		newSyncCmd(opts),
		newPendingCmd(opts),
		newStatusCmd(opts),
		newWatchCmd(opts),
		newRotateKeyCmd(opts),
	)
	return root
}
