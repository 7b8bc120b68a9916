package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/observer-state/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "phase [name]",
		Short: "Record a phase transition",
		Args:  cobra.ExactArgs(1),
		Run:   runPhase,
	}

	cmd.Flags().StringP("room", "r", "", "Room code (required)")
	cmd.Flags().Int("round", 0, "Round number")
	cmd.Flags().String("at", "", "Phase start, RFC3339 (default: now)")
	cmd.Flags().Duration("duration", 0, "Phase duration, if known")
	cmd.Flags().Int("actions", -1, "Actions taken during the phase, if known")

	cmd.MarkFlagRequired("room")

	RootCmd.AddCommand(cmd)
}

func runPhase(cmd *cobra.Command, args []string) {
	room, _ := cmd.Flags().GetString("room")
	round, _ := cmd.Flags().GetInt("round")
	at, _ := cmd.Flags().GetString("at")
	duration, _ := cmd.Flags().GetDuration("duration")
	actions, _ := cmd.Flags().GetInt("actions")

	rec := model.PhaseRecord{Phase: args[0], Round: round, StartedAt: time.Now().UTC()}
	if at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			exitErr("phase", fmt.Errorf("invalid --at: %w", err))
		}
		rec.StartedAt = t.UTC()
	}
	if duration > 0 {
		secs := int64(duration.Seconds())
		rec.DurationSeconds = &secs
	}
	if actions >= 0 {
		rec.ActionCount = &actions
	}

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

	if err := sess.RecordPhase(rec); err != nil {
		exitErr("phase", err)
	}
	if err := sess.Close(cmd.Context()); err != nil {
		exitErr("persist", err)
	}

	printJSON(cmd, sess.PhaseHistory())
}
