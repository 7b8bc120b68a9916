// Package feed reads the transport's observer push channel over a websocket
// and hands each payload to a Sink.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/observer-state/internal/metrics"
	"github.com/rcliao/observer-state/internal/model"
)

// Envelope types sent by the transport.
const (
	TypeUpdate   = "observer_update"
	TypeUpdates  = "observer_updates"
	TypeSnapshot = "observer_snapshot"
)

var (
	ErrUnknownType  = errors.New("unknown envelope type")
	ErrInvalidEvent = errors.New("event is missing kind, subject or timestamp")
)

// Sink receives decoded payloads. *session.Session satisfies it.
type Sink interface {
	RecordEvent(e model.Event) bool
	ApplyExternalSnapshot(snap model.Snapshot) error
}

// Envelope is one message on the push channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client consumes one feed URL.
type Client struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Log    *logrus.Entry

	// MaxBackoff caps the wait between reconnects in Serve.
	MaxBackoff time.Duration
}

func (c *Client) logger() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Run connects once and dispatches messages until the connection closes or
// ctx is done. Bad envelopes are logged and skipped.
func (c *Client) Run(ctx context.Context, sink Sink) error {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := c.logger().WithField("url", c.URL)

	conn, _, err := dialer.DialContext(ctx, c.URL, c.Header)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()
	log.Info("Connected to observer feed")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("Observer feed closed")
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}
		if err := Dispatch(sink, data); err != nil {
			log.WithError(err).Warn("Skipping feed message")
		}
	}
}

// Serve runs the client until ctx is done, reconnecting with exponential
// backoff after every disconnect.
func (c *Client) Serve(ctx context.Context, sink Sink) error {
	maxBackoff := c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	backoff := 500 * time.Millisecond

	for {
		start := time.Now()
		err := c.Run(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > maxBackoff {
			backoff = 500 * time.Millisecond
		}
		c.logger().WithError(err).WithField("retry_in", backoff).Warn("Observer feed disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Dispatch decodes one envelope and delivers it to sink.
func Dispatch(sink Sink, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.FeedMessages.WithLabelValues("malformed").Inc()
		return fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeUpdate:
		metrics.FeedMessages.WithLabelValues(env.Type).Inc()
		var e model.Event
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := validate(e); err != nil {
			return err
		}
		sink.RecordEvent(e)
		return nil

	case TypeUpdates:
		metrics.FeedMessages.WithLabelValues(env.Type).Inc()
		var events []model.Event
		if err := json.Unmarshal(env.Data, &events); err != nil {
			return fmt.Errorf("decode events: %w", err)
		}
		var errs []error
		for i, e := range events {
			if err := validate(e); err != nil {
				errs = append(errs, fmt.Errorf("event %d: %w", i, err))
				continue
			}
			sink.RecordEvent(e)
		}
		return errors.Join(errs...)

	case TypeSnapshot:
		metrics.FeedMessages.WithLabelValues(env.Type).Inc()
		var snap model.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		// Invalid events are dropped and reported; the rest still applies.
		var errs []error
		valid := make([]model.Event, 0, len(snap.Events))
		for i, e := range snap.Events {
			if err := validate(e); err != nil {
				errs = append(errs, fmt.Errorf("snapshot event %d: %w", i, err))
				continue
			}
			valid = append(valid, e)
		}
		snap.Events = valid
		return errors.Join(append(errs, sink.ApplyExternalSnapshot(snap))...)

	default:
		metrics.FeedMessages.WithLabelValues("unknown").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func validate(e model.Event) error {
	if e.Kind == "" || e.SubjectID == "" || e.OccurredAt.IsZero() {
		return ErrInvalidEvent
	}
	return nil
}
