package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/observer-state/internal/model"
	"github.com/rcliao/observer-state/internal/session"
)

func init() {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a room's observer state",
		Long: "Show derived views of a stored room. Views: events (default), counts, " +
			"suspicion, stats, analytics, phases, snapshot.",
		Run: runShow,
	}

	cmd.Flags().StringP("room", "r", "", "Room code (required)")
	cmd.Flags().String("view", "events", "View to print")
	cmd.Flags().IntP("latest", "l", 20, "Max events, newest first (0 = all)")
	cmd.Flags().StringP("kind", "k", "", "Filter events by kind")
	cmd.Flags().StringP("phase", "p", "", "Filter events by phase")
	cmd.Flags().StringP("subject", "s", "", "Filter events by subject, or pick the subject for the suspicion view")

	cmd.MarkFlagRequired("room")

	RootCmd.AddCommand(cmd)
}

type subjectScore struct {
	SubjectID string  `json:"subject_id"`
	Suspicion float64 `json:"suspicion"`
	Trust     float64 `json:"trust"`
}

func runShow(cmd *cobra.Command, args []string) {
	room, _ := cmd.Flags().GetString("room")
	view, _ := cmd.Flags().GetString("view")
	latest, _ := cmd.Flags().GetInt("latest")
	kind, _ := cmd.Flags().GetString("kind")
	phase, _ := cmd.Flags().GetString("phase")
	subject, _ := cmd.Flags().GetString("subject")

	st, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	sess := newSession(st)
	if err := sess.EnterRoom(cmd.Context(), room); err != nil {
		exitErr("enter room", err)
	}

	switch view {
	case "events":
		events := sess.Latest(latest, session.Filter{
			Kind:      model.EventKind(kind),
			Phase:     phase,
			SubjectID: subject,
		})
		if formatFlag == "text" {
			for _, e := range events {
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(e))
			}
			return
		}
		printJSON(cmd, events)
	case "counts":
		printJSON(cmd, sess.CountsByKind())
	case "suspicion":
		printJSON(cmd, scores(sess, subject))
	case "stats":
		printJSON(cmd, sess.Stats())
	case "analytics":
		printJSON(cmd, sess.Analytics())
	case "phases":
		printJSON(cmd, sess.PhaseHistory())
	case "snapshot":
		printJSON(cmd, sess.Snapshot())
	default:
		exitErr("show", fmt.Errorf("unknown view %q", view))
	}
}

// scores lists every subject seen in events or the suspicion matrix, or just
// subject when given.
func scores(sess *session.Session, subject string) []subjectScore {
	var ids []string
	if subject != "" {
		ids = []string{subject}
	} else {
		seen := make(map[string]bool)
		snap := sess.Snapshot()
		for _, e := range snap.Events {
			seen[e.SubjectID] = true
		}
		for _, row := range snap.Suspicion {
			for id := range row {
				seen[id] = true
			}
		}
		for id := range seen {
			if id != "" {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
	}

	out := make([]subjectScore, 0, len(ids))
	for _, id := range ids {
		out = append(out, subjectScore{
			SubjectID: id,
			Suspicion: sess.SuspicionLevel(id),
			Trust:     sess.TrustLevel(id),
		})
	}
	return out
}

func formatEvent(e model.Event) string {
	var b strings.Builder
	b.WriteString(e.OccurredAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, " [%s]", e.Kind)
	if e.Phase != "" {
		fmt.Fprintf(&b, " (%s", e.Phase)
		if e.Round != nil {
			fmt.Fprintf(&b, " r%d", *e.Round)
		}
		b.WriteString(")")
	}
	name := e.SubjectID
	if e.SubjectName != "" {
		name = fmt.Sprintf("%s/%s", e.SubjectName, e.SubjectID)
	}
	fmt.Fprintf(&b, " %s: %s", name, e.Content)
	return b.String()
}
