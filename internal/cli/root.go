// Package cli implements the observer-state CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/observer-state/internal/config"
	"github.com/rcliao/observer-state/internal/logging"
	"github.com/rcliao/observer-state/internal/session"
	"github.com/rcliao/observer-state/internal/store"
)

var (
	configPath  string
	dbPath      string
	dataDir     string
	backendFlag string
	logLevel    string
	formatFlag  string

	cfg config.Config
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "observer-state",
	Short: "Observer state for social-deduction game rooms",
	Long: "Tracks privileged observer events per game room, merges reconnect snapshots, " +
		"and keeps a bounded copy on disk. SQLite-backed by default, single binary.",
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
}

func init() {
	f := RootCmd.PersistentFlags()
	f.StringVarP(&configPath, "config", "c", "", "Config file (default: ~/.observer-state/config.yaml if present)")
	f.StringVarP(&dbPath, "db", "d", "", "SQLite database path (default: $OBSERVER_DB or ~/.observer-state/observer.db)")
	f.StringVar(&dataDir, "data-dir", "", "Snapshot directory for the file backend")
	f.StringVarP(&backendFlag, "backend", "b", "", "Storage backend: sqlite, file or memory")
	f.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		loaded.DBPath = dbPath
	}
	if dataDir != "" {
		loaded.DataDir = dataDir
	}
	if backendFlag != "" {
		loaded.Backend = backendFlag
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded
	logging.Configure(cfg.Log, os.Stderr)
	return nil
}

func openStore() (store.Store, error) {
	opts := []store.Option{
		store.WithPersistCap(cfg.PersistedMaxEvents),
		store.WithLogger(logging.NewLogger("store")),
	}
	switch cfg.Backend {
	case config.BackendFile:
		return store.NewFileStore(cfg.DataDir, opts...), nil
	case config.BackendMemory:
		return store.NewMemoryStore(opts...), nil
	default:
		return store.NewSQLiteStore(cfg.DBPath, opts...)
	}
}

// openSQLite is for commands that query SQL directly.
func openSQLite() (*store.SQLiteStore, error) {
	if cfg.Backend != config.BackendSQLite {
		return nil, fmt.Errorf("requires the sqlite backend, configured backend is %q", cfg.Backend)
	}
	return store.NewSQLiteStore(cfg.DBPath,
		store.WithPersistCap(cfg.PersistedMaxEvents),
		store.WithLogger(logging.NewLogger("store")))
}

func newSession(st store.Store) *session.Session {
	return session.New(st, cfg.Session(), logging.NewLogger("session"))
}

func printJSON(cmd *cobra.Command, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
