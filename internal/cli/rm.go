package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Leave a room and delete its stored snapshot",
		Run:   runRm,
	}

	cmd.Flags().StringP("room", "r", "", "Room code (required)")

	cmd.MarkFlagRequired("room")

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	room, _ := cmd.Flags().GetString("room")

	st, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	sess := newSession(st)
	if err := sess.EnterRoom(cmd.Context(), room); err != nil {
		exitErr("enter room", err)
	}
	if err := sess.LeaveRoom(cmd.Context()); err != nil {
		exitErr("rm", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"room":%q}`+"\n", room)
}
