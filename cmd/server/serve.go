package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"roomcast/internal/fanout"
	"roomcast/internal/handler"
	"roomcast/internal/ids"
	"roomcast/internal/jobs"
	"roomcast/internal/realtime"
	"roomcast/internal/service"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.log

	// Realtime: every instance keeps its own hub; with Redis, envelopes are
	// published once and relayed into each hub.
	hub := realtime.NewHub(logger)
	var broker realtime.Broker = hub
	var relayDone <-chan struct{}
	if cfg.RealtimeBroker == "redis" {
		rb, err := realtime.NewRedisBroker(ctx, cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer rb.Close()
		if relayDone, err = rb.Relay(ctx, hub); err != nil {
			return err
		}
		broker = rb
	}

	dispatcher := fanout.NewDispatcher(broker, cfg.FanoutWorkers, logger)
	defer dispatcher.Close()

	deps := service.Deps{Repo: a.store, Publisher: dispatcher, Log: logger, IDs: ids.NewGenerator()}
	unread := service.NewUnreadService(deps)

	var scheduler service.UnreadScheduler
	switch cfg.JobsBackend {
	case "asynq":
		client, err := jobs.NewClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		scheduler = jobs.NewAsynqScheduler(client)

		srv, mux, err := jobs.NewServer(cfg.RedisURL, cfg.FanoutWorkers, jobs.NewUnreadPushHandler(unread, logger), logger)
		if err != nil {
			return err
		}
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("start asynq server: %w", err)
		}
		defer srv.Shutdown()
	default:
		scheduler = jobs.NewInlineScheduler(dispatcher, unread, logger)
	}

	h := handler.New(cfg, logger, a.store, hub, handler.Services{
		Conversations: service.NewConversationService(deps),
		Messages:      service.NewMessageService(deps, scheduler),
		Reactions:     service.NewReactionService(deps),
		Unread:        unread,
		Search:        service.NewSearchService(deps),
	})
	router := h.SetupRouter()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-User-ID", "X-User-Signature"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(a)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🚀 Server started successfully", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if relayDone != nil {
		<-relayDone
	}
	return nil
}

func printBanner(a *app) {
	cfg := a.cfg
	fmt.Println("========================================")
	fmt.Println("  Roomcast Messaging Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	if cfg.DBDriver == "mysql" {
		fmt.Printf("  Database: mysql %s@%s:%s/%s\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	} else {
		fmt.Printf("  Database: sqlite %s\n", cfg.SQLitePath)
	}
	fmt.Printf("  Realtime: %s  Jobs: %s  Fanout workers: %d\n", cfg.RealtimeBroker, cfg.JobsBackend, cfg.FanoutWorkers)
	fmt.Printf("  Max body: %s\n", humanize.IBytes(uint64(cfg.MaxBodyBytes)))
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")
}
