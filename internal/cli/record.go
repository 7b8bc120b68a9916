package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rcliao/observer-state/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "record [content]",
		Short: "Record an observer event",
		Long:  "Record one observer event for a room. Content can be a positional arg or piped via stdin.",
		Run:   runRecord,
	}

	cmd.Flags().StringP("room", "r", "", "Room code (required)")
	addEventFlags(cmd.Flags())

	cmd.MarkFlagRequired("room")
	cmd.MarkFlagRequired("kind")
	cmd.MarkFlagRequired("subject")

	RootCmd.AddCommand(cmd)
}

func runRecord(cmd *cobra.Command, args []string) {
	room, _ := cmd.Flags().GetString("room")

	// Get content: positional arg first, then check stdin
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}

	e, err := eventFromFlags(cmd.Flags(), strings.TrimSpace(content), time.Now())
	if err != nil {
		exitErr("record", err)
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

	recorded := sess.RecordEvent(e)
	if err := sess.Close(cmd.Context()); err != nil {
		exitErr("persist", err)
	}

	printJSON(cmd, map[string]any{
		"ok":       true,
		"room":     room,
		"recorded": recorded,
		"events":   len(sess.Snapshot().Events),
	})
}

func addEventFlags(f *pflag.FlagSet) {
	f.StringP("kind", "k", "", "Event kind, e.g. private-action, private-reasoning (required)")
	f.StringP("subject", "s", "", "Subject id (required)")
	f.String("subject-name", "", "Subject display name")
	f.String("subject-kind", "", "Subject kind: human or automated")
	f.String("subject-role", "", "Subject role")
	f.String("subject-model", "", "Model behind an automated subject")
	f.StringP("phase", "p", "", "Game phase")
	f.Int("round", -1, "Round number")
	f.String("at", "", "Event time, RFC3339 (default: now)")
	f.String("context", "", "JSON object with extra context")
}

func eventFromFlags(flags *pflag.FlagSet, content string, now time.Time) (model.Event, error) {
	kind, _ := flags.GetString("kind")
	subject, _ := flags.GetString("subject")
	subjectName, _ := flags.GetString("subject-name")
	subjectKind, _ := flags.GetString("subject-kind")
	subjectRole, _ := flags.GetString("subject-role")
	subjectModel, _ := flags.GetString("subject-model")
	phase, _ := flags.GetString("phase")
	round, _ := flags.GetInt("round")
	at, _ := flags.GetString("at")
	ctxJSON, _ := flags.GetString("context")

	e := model.Event{
		Kind:         model.EventKind(kind),
		Content:      content,
		SubjectID:    subject,
		SubjectName:  subjectName,
		SubjectKind:  model.SubjectKind(subjectKind),
		SubjectRole:  subjectRole,
		SubjectModel: subjectModel,
		Phase:        phase,
		OccurredAt:   now.UTC(),
	}

	switch e.SubjectKind {
	case "", model.SubjectHuman, model.SubjectAutomated:
	default:
		return e, fmt.Errorf("invalid subject kind %q (want human or automated)", subjectKind)
	}
	if round >= 0 {
		e.Round = &round
	}
	if at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return e, fmt.Errorf("invalid --at: %w", err)
		}
		e.OccurredAt = t.UTC()
	}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
			return e, fmt.Errorf("invalid --context JSON: %w", err)
		}
	}
	return e, nil
}
