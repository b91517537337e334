package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tandem/internal/appversion"
	"tandem/pkg/config"
	"tandem/pkg/eventlog"
	"tandem/pkg/lock"
	"tandem/pkg/session"
	"tandem/pkg/sink"
	"tandem/pkg/store"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	json    bool
	verbose bool

	// logFormat overrides the configured log format.
	logFormat string
}

// newRootCmd creates the root tandem command with all subcommands attached.
func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "tandem",
		Short:         "Isolated work sessions for a coding agent",
		Long:          "tandem runs a coding agent in per-session git worktrees and merges\nthe results back through a resumable squash/rebase/fast-forward workflow.",
		Version:       fmt.Sprintf("tandem %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&o.json, "json", false, "print results as JSON")
	cmd.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "log at the configured level instead of warnings only")

	cmd.AddCommand(
		newCreateCmd(o),
		newListCmd(o),
		newGetCmd(o),
		newIterateCmd(o),
		newDiffCmd(o),
		newCleanupCmd(o),
		newPreflightCmd(o),
		newSquashCmd(o),
		newRebaseCmd(o),
		newContinueCmd(o),
		newAbortCmd(o),
		newFastForwardCmd(o),
		newExportPatchCmd(o),
		newStatusCmd(o),
		newStepCmd(o),
		newBatchCmd(o),
		newLocksCmd(o),
		newReconcileCmd(o),
		newEventsCmd(o),
		newWatchCmd(o),
		newServeCmd(o),
		newConfigCmd(),
		newVersionCmd(),
	)
	return cmd
}

// app is the wired object graph behind one command invocation.
type app struct {
	cfg    config.Config
	db     *sql.DB
	store  *store.Store
	mgr    *session.Manager
	events *eventlog.Reader
	logger *slog.Logger
}

// openApp loads configuration and opens the state database. logOut
// receives slog output; nil selects the command's stderr.
func openApp(cmd *cobra.Command, o *rootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if !o.verbose && cfg.Log.Level != "debug" {
		cfg.Log.Level = "warn"
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if logOut == nil {
		logOut = cmd.ErrOrStderr()
	}
	logger := cfg.NewLogger(logOut)

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	dbSink := sink.NewDB(db)
	notifiers := sink.Notifiers{dbSink, sink.Log{Logger: logger}}
	if cfg.Notify.Desktop {
		notifiers = append(notifiers, sink.NewDesktop())
	}
	emitter := sink.NewEmitter(notifiers, sink.Recorders{dbSink, sink.Log{Logger: logger}}, logger)

	st := store.New(db)
	mgr := session.NewManager(cfg, session.Deps{
		Store:   st,
		Locks:   lock.NewManager(db, cfg.LockTTL.Duration),
		Emitter: emitter,
		Logger:  logger,
	})
	return &app{
		cfg:    cfg,
		db:     db,
		store:  st,
		mgr:    mgr,
		events: eventlog.NewReaderDB(db),
		logger: logger,
	}, nil
}

func (a *app) Close() error { return a.db.Close() }

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(cmd *cobra.Command, o *rootOptions, fn func(a *app) error) error {
	a, err := openApp(cmd, o, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# home: %s\n%s", cfg.Home, out)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tandem version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tandem %s\n", appversion.String())
		},
	}
}

// stdinIsTerminal is replaced in tests.
var stdinIsTerminal = func() bool { return isTerminal(os.Stdin) } //nolint:gochecknoglobals // test seam
