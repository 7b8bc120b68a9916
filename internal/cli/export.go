package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/observer-state/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored snapshots as JSON",
		Long:  "Export stored snapshots as a JSON array. Filter to one room with -r.",
		Run:   runExport,
	}

	cmd.Flags().StringP("room", "r", "", "Only export this room")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	room, _ := cmd.Flags().GetString("room")

	st, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	snaps, err := store.ExportAll(cmd.Context(), st, room)
	if err != nil {
		exitErr("export", err)
	}
	printJSON(cmd, snaps)
}
