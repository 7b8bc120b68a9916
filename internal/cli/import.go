package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/observer-state/internal/model"
	"github.com/rcliao/observer-state/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import snapshots from JSON",
		Long: "Import snapshots from JSON on stdin, in the format produced by export. " +
			"Each snapshot is merged with what is already stored for its room.",
		Run: runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}

	var snaps []model.Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		exitErr("parse json", err)
	}

	st, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	imported, err := store.Import(cmd.Context(), st, snaps, cfg.MergeOptions())
	if err != nil {
		exitErr("import", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"imported":%d}`+"\n", imported)
}
