package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentdesk/dashsync"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and log live conversation events",
	Long: `Opens the push channel for the selected organisation, keeps the first
page of chats cached and reconciled, and logs every event as JSON.
The chat list is also re-polled on the configured poll_interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		log, err := dashsync.NewLogger(valueOrDefault(a.cfg.Default.LogLevel, "info"))
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer log.Sync()

		interval := dashsync.DefaultPollInterval
		if a.cfg.Default.PollInterval != "" {
			if interval, err = time.ParseDuration(a.cfg.Default.PollInterval); err != nil {
				return fmt.Errorf("invalid poll_interval %q: %w", a.cfg.Default.PollInterval, err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store := dashsync.NewStore(dashsync.WithStoreLogger(log))
		defer store.Close()

		sessions := dashsync.NewSessions(a.client, store, dashsync.WithSessionsLogger(log))
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		session, err := sessions.Open(connectCtx, a.org.Slug(), a.cfg.Auth.UserID)
		cancel()
		if err != nil {
			return err
		}
		defer session.Close()

		pager := dashsync.NewPager(store, dashsync.EntityChats, a.org.ChatPages(), dashsync.ChatID, dashsync.WithPagerLogger(log))
		defer pager.Close()
		pager.Reset(a.org.Slug(), dashsync.Filter{})
		if _, err := pager.LoadNext(ctx); err != nil {
			return err
		}
		log.Info("chat list loaded", zap.Int("chats", len(pager.Items())), zap.Bool("has_next", pager.HasNext()))

		unsub := session.OnEvent(func(ev dashsync.Event) {
			log.Info("event",
				zap.String("name", ev.Name()),
				zap.String("chat_id", ev.ConversationID()),
				zap.Int("cached_chats", len(pager.Items())))
		})
		defer unsub()

		go dashsync.NewPoller(store, a.org.Slug(), interval, log).Run(ctx)

		var server *http.Server
		if watchMetricsAddr != "" {
			server = &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           watchRouter(session, pager),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				log.Info("metrics listening", zap.String("addr", watchMetricsAddr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", zap.Error(err))
				}
			}()
		}

		fmt.Fprintf(os.Stderr, "Watching %s. Press Ctrl+C to stop.\n", a.org.Slug())
		<-ctx.Done()
		log.Info("shutting down")

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error("metrics server forced to shutdown", zap.Error(err))
			}
		}
		return nil
	},
}

// watchRouter serves Prometheus metrics and a health probe reporting the
// push channel state.
func watchRouter(session *dashsync.Session, pager *dashsync.Pager[dashsync.Chat]) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := session.State()
		status := http.StatusOK
		if state != dashsync.StateConnected {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"organisation": session.Organisation(),
			"push":         state,
			"list":         pager.State().String(),
			"chats":        len(pager.Items()),
		})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address, e.g. :9090")
	rootCmd.AddCommand(watchCmd)
}
