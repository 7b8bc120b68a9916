package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/observer-state/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms with stored snapshots",
		Run:   runRooms,
	}

	cmd.Flags().Bool("codes-only", false, "Only output room codes")

	RootCmd.AddCommand(cmd)
}

type roomRow struct {
	RoomCode      string    `json:"room_code"`
	Events        int       `json:"events"`
	Phases        int       `json:"phases"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

func runRooms(cmd *cobra.Command, args []string) {
	codesOnly, _ := cmd.Flags().GetBool("codes-only")

	st, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	codes, err := st.ListRoomCodes(cmd.Context())
	if err != nil {
		exitErr("list rooms", err)
	}

	if codesOnly {
		for _, c := range codes {
			fmt.Fprintln(cmd.OutOrStdout(), c)
		}
		return
	}

	rows := []roomRow{}
	for _, c := range codes {
		snap, err := st.Read(cmd.Context(), c)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			exitErr("read room", err)
		}
		rows = append(rows, roomRow{
			RoomCode:      c,
			Events:        len(snap.Events),
			Phases:        len(snap.PhaseHistory),
			LastUpdatedAt: snap.LastUpdatedAt,
		})
	}
	printJSON(cmd, rows)
}
