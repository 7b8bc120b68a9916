package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/observer-state/internal/feed"
	"github.com/rcliao/observer-state/internal/gc"
	"github.com/rcliao/observer-state/internal/logging"
	"github.com/rcliao/observer-state/internal/metrics"
)

func init() {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Observe a room from the push feed",
		Long: "Enter a room in observer mode and merge events from the transport's websocket " +
			"feed until interrupted. Stored snapshots past retention are collected on start " +
			"and then periodically.",
		Run: runWatch,
	}

	cmd.Flags().StringP("room", "r", "", "Room code (required)")
	cmd.Flags().String("feed", "", "Feed websocket URL (default: $OBSERVER_FEED_URL)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	cmd.MarkFlagRequired("room")

	RootCmd.AddCommand(cmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	room, _ := cmd.Flags().GetString("room")
	feedURL, _ := cmd.Flags().GetString("feed")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if feedURL == "" {
		feedURL = cfg.FeedURL
	}
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}
	if feedURL == "" {
		exitErr("watch", errors.New("feed URL is required (--feed or OBSERVER_FEED_URL)"))
	}

	log := logging.NewLogger("watch")
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	collector := gc.New(st, cfg.GC(), logging.NewLogger("gc"))
	if _, err := collector.Run(ctx); err != nil {
		log.WithError(err).Warn("Startup garbage collection failed")
	}
	go collector.RunEvery(ctx, cfg.GCInterval, nil)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		defer srv.Shutdown(context.Background())
		log.WithField("addr", metricsAddr).Info("Serving metrics")
	}

	sess := newSession(st)
	if err := sess.EnterRoom(ctx, room); err != nil {
		exitErr("enter room", err)
	}
	sess.EnableObserverMode()

	client := &feed.Client{URL: feedURL, Log: logging.NewLogger("feed")}
	err = client.Serve(ctx, sess)

	// Flush with a fresh context; ctx is already cancelled on interrupt.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := sess.Close(flushCtx); cerr != nil {
		log.WithError(cerr).Warn("Final flush failed")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		exitErr("watch", fmt.Errorf("feed: %w", err))
	}
	printJSON(cmd, sess.Stats())
}
