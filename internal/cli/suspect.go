package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "suspect",
		Short: "Set an observer's suspicion score for a subject",
		Run:   runSuspect,
	}

	cmd.Flags().StringP("room", "r", "", "Room code (required)")
	cmd.Flags().StringP("observer", "o", "", "Observer id (required)")
	cmd.Flags().StringP("subject", "s", "", "Subject id (required)")
	cmd.Flags().Float64("score", 5, "Score from 0 (trusted) to 10 (suspected)")

	cmd.MarkFlagRequired("room")
	cmd.MarkFlagRequired("observer")
	cmd.MarkFlagRequired("subject")

	RootCmd.AddCommand(cmd)
}

func runSuspect(cmd *cobra.Command, args []string) {
	room, _ := cmd.Flags().GetString("room")
	observer, _ := cmd.Flags().GetString("observer")
	subject, _ := cmd.Flags().GetString("subject")
	score, _ := cmd.Flags().GetFloat64("score")

	st, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	sess := newSession(st)
	if err := sess.EnterRoom(cmd.Context(), room); err != nil {
		exitErr("enter room", err)
	}
	sess.EnableObserverMode()

	if err := sess.UpdateSuspicion(observer, subject, score); err != nil {
		exitErr("suspect", err)
	}
	if err := sess.Close(cmd.Context()); err != nil {
		exitErr("persist", err)
	}

	printJSON(cmd, map[string]any{
		"room":      room,
		"subject":   subject,
		"suspicion": sess.SuspicionLevel(subject),
		"trust":     sess.TrustLevel(subject),
	})
}
