// Command billingkit-demo wires the billing engine against a remote billing
// service and prints lifecycle events. It exists to exercise the full stack
// end to end; applications embed the library instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/billingkit/application"
	"github.com/felixgeelhaar/billingkit/domain"
	"github.com/felixgeelhaar/billingkit/eventbus"
	"github.com/felixgeelhaar/billingkit/infrastructure/persistence"
	"github.com/felixgeelhaar/billingkit/infrastructure/remote"
	"github.com/felixgeelhaar/billingkit/pkg/config"
	"github.com/felixgeelhaar/billingkit/pkg/observability"
)

type loggingHandler struct {
	logger *slog.Logger
}

func (h *loggingHandler) OnPurchased(productID string, record *domain.PurchaseRecord) {
	if record == nil {
		// Already-owned reconciliation can confirm ownership without a
		// cached record to hand over.
		h.logger.Info("purchased", "product_id", productID)
		return
	}
	h.logger.Info("purchased",
		"product_id", productID,
		"order_id", record.OrderID,
		"acknowledged", record.Acknowledged,
	)
}

func (h *loggingHandler) OnHistoryRestored() {
	h.logger.Info("purchase history restored")
}

func (h *loggingHandler) OnBillingError(code int, err error) {
	h.logger.Error("billing error", "code", code, "error", err)
}

func (h *loggingHandler) OnInitialized() {
	h.logger.Info("billing engine ready")
}

func main() {
	logger := observability.LoggerFromEnv()

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store backend %q: %w", cfg.StoreBackend, err)
	}

	svc, err := remote.NewClient(remote.Config{
		BaseURL:      cfg.RemoteBaseURL,
		AppID:        cfg.AppID,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		TokenURL:     cfg.OAuthTokenURL,
		Timeout:      cfg.RemoteTimeout,
		RetryCount:   cfg.RemoteRetryCount,
		PollInterval: cfg.CheckoutPollInterval,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build billing client: %w", err)
	}

	var publisher eventbus.Publisher
	if cfg.EventsEnabled && cfg.RabbitMQURL != "" {
		publisher, err = eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer publisher.Close()
	}

	processor, err := application.NewProcessor(svc, &loggingHandler{logger: logger}, application.Options{
		PublicKey:    cfg.PublicKey,
		MerchantID:   cfg.MerchantID,
		Store:        store,
		BaseKey:      cfg.AppID,
		Publisher:    publisher,
		BackoffFloor: cfg.BackoffFloor,
		BackoffCap:   cfg.BackoffCap,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build processor: %w", err)
	}
	defer processor.Release()

	processor.Initialize(ctx)
	logger.Info("billing engine started",
		"app_id", cfg.AppID,
		"store", cfg.StoreBackend,
		"remote", cfg.RemoteBaseURL,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newStore(ctx context.Context, cfg *config.Config) (persistence.KeyValueStore, error) {
	switch cfg.StoreBackend {
	case "memory":
		return persistence.NewMemoryStore(), nil
	case "file":
		return persistence.NewFileStore(cfg.StorePath), nil
	case "redis":
		return persistence.NewRedisStore(ctx, cfg.RedisURL)
	case "sqlite":
		return persistence.NewSQLiteStore(ctx, cfg.SQLitePath)
	case "postgres":
		return persistence.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
