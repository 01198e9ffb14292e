// Command bridged runs the Teams/Jira bridge: it serves the webhook
// endpoints, maintains both OAuth tokens, and keeps the Graph change
// notification subscription alive.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/bridgeops/teamsjira/internal/bridge"
	"github.com/bridgeops/teamsjira/internal/config"
	"github.com/bridgeops/teamsjira/internal/deadletter"
	"github.com/bridgeops/teamsjira/internal/graph"
	"github.com/bridgeops/teamsjira/internal/jira"
	"github.com/bridgeops/teamsjira/internal/usercache"
	"github.com/bridgeops/teamsjira/internal/webhook"
)

const version = "1.0.0"

// subscriptionInitDelay gives the HTTP listener time to come up before
// Graph validates the notification URL during subscription creation.
const subscriptionInitDelay = 10 * time.Second

// subscriptionRenewSchedule is a safety net behind the lifecycle
// notifications, which Graph does not guarantee to deliver.
const subscriptionRenewSchedule = "@every 1h"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "bridged",
		Short:        "Bridge between Microsoft Teams channels and Jira issues",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Println("bridged version " + version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	users, cleanup, err := buildUserCache(cfg.Cache)
	if err != nil {
		return err
	}
	defer cleanup()

	graphClient := graph.NewClient(cfg.Graph, graph.WithLogger(logger))
	jiraClient := jira.NewClient(cfg.Jira,
		jira.WithLogger(logger),
		jira.WithUserCache(users),
	)

	engine := bridge.NewEngine(graphClient, jiraClient,
		bridge.WithEngineLogger(logger),
		bridge.WithConfirmationStatus(cfg.Jira.ConfirmationStatus),
	)

	queue, err := deadletter.Open(cfg.DeadLetter.Path, cfg.DeadLetter.MaxAttempts)
	if err != nil {
		return err
	}
	defer queue.Close()

	dispatcher := webhook.NewDispatcher(engine, graphClient, jiraClient,
		cfg.Jira.WebhookSecret, cfg.Graph.ConsentRecipient,
		webhook.WithDeadLetter(queue),
		webhook.WithDispatcherLogger(logger),
	)
	server := webhook.NewServer(cfg.Server.Addr, dispatcher, logger)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.DeadLetter.Schedule, func() {
		if err := queue.Redeliver(ctx, 50, dispatcher.Process); err != nil {
			logger.Error("dead letter redelivery failed", "error", err)
		}
		if n, err := queue.Pending(ctx); err == nil && n > 0 {
			logger.Info("dead letter queue not empty", "pending", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule dead letter redelivery: %w", err)
	}
	if _, err := scheduler.AddFunc(subscriptionRenewSchedule, func() {
		renewSubscription(ctx, graphClient, logger)
	}); err != nil {
		return fmt.Errorf("schedule subscription renewal: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// The delegated token refresh loop runs for the process lifetime. It
	// idles until the interactive consent flow seeds the first token.
	go func() {
		if err := graphClient.Delegated.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("delegated token renewal stopped", "error", err)
		}
	}()

	// Subscription creation makes Graph call back on the notification URL,
	// so it has to wait until the listener is up.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(subscriptionInitDelay):
		}
		initSubscription(ctx, graphClient, logger)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildUserCache(cfg config.CacheConfig) (usercache.Cache, func(), error) {
	switch cfg.Backend {
	case "redis":
		r := usercache.NewRedis(cfg.RedisAddr, cfg.TTL)
		return r, func() { r.Close() }, nil
	case "memory", "":
		return usercache.NewMemory(cfg.TTL, cfg.MaxEntries), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func initSubscription(ctx context.Context, g *graph.Client, logger *slog.Logger) {
	g.Subscription.Lock()
	defer g.Subscription.Unlock()

	token, err := g.ServiceTokens.TokenOrRenew(ctx)
	if err != nil {
		logger.Error("could not get service token for subscription init", "error", err)
		return
	}
	if err := g.Subscription.Init(ctx, token, false); err != nil {
		logger.Error("subscription init failed", "error", err)
		return
	}
	logger.Info("subscription active", "id", g.Subscription.ID())
}

func renewSubscription(ctx context.Context, g *graph.Client, logger *slog.Logger) {
	g.Subscription.Lock()
	defer g.Subscription.Unlock()

	id := g.Subscription.ID()
	if id == "" {
		return
	}
	token, err := g.ServiceTokens.TokenOrRenew(ctx)
	if err != nil {
		logger.Error("could not get service token for subscription renewal", "error", err)
		return
	}
	if err := g.Subscription.Renew(ctx, token, id); err != nil {
		logger.Warn("scheduled subscription renewal failed", "error", err)
	}
}
