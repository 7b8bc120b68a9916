package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/observer-state/internal/gc"
	"github.com/rcliao/observer-state/internal/logging"
)

func init() {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete snapshots not updated within the retention window",
		Run:   runGC,
	}

	cmd.Flags().Duration("retention", 0, "Retention window (default: config retention, 24h)")

	RootCmd.AddCommand(cmd)
}

func runGC(cmd *cobra.Command, args []string) {
	retention, _ := cmd.Flags().GetDuration("retention")

	st, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	gcCfg := cfg.GC()
	if retention > 0 {
		gcCfg.Retention = retention
	}

	rep, err := gc.New(st, gcCfg, logging.NewLogger("gc")).Run(cmd.Context())
	if err != nil {
		exitErr("gc", err)
	}
	printJSON(cmd, rep)
}
