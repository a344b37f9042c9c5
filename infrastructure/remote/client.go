// Package remote implements the billing service boundary over HTTP, with
// OAuth2 client-credentials auth and a circuit breaker around every call.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/felixgeelhaar/billingkit/domain"
)

// CheckoutUIHost is an optional extension of domain.UIHost for hosts that can
// open the hosted checkout page themselves. Hosts that do not implement it
// still work; the checkout URL is then only logged.
type CheckoutUIHost interface {
	domain.UIHost
	OpenCheckout(ctx context.Context, url string) error
}

// Config configures a Client.
type Config struct {
	// BaseURL is the billing API root, e.g. "https://billing.example.com".
	BaseURL string

	// AppID identifies the application to the billing service.
	AppID string

	// ClientID, ClientSecret and TokenURL enable OAuth2 client-credentials
	// auth. Leaving them empty disables auth entirely (local development).
	ClientID     string
	ClientSecret string
	TokenURL     string

	// Timeout bounds every HTTP call. Defaults to 10s.
	Timeout time.Duration

	// RetryCount is the number of transport-level retries per call. Zero
	// disables retries.
	RetryCount int

	// PollInterval is the checkout status polling cadence. Defaults to 2s.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Client talks to the remote billing service. It satisfies
// domain.BillingService; construct it once and share it.
type Client struct {
	http         *resty.Client
	breaker      *gobreaker.CircuitBreaker[*resty.Response]
	appID        string
	pollInterval time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	connected bool
	onLost    func()
	lostOnce  *sync.Once
}

// NewClient builds a client from config. No network traffic happens until
// Connect.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	var httpClient *resty.Client
	if cfg.ClientID != "" && cfg.TokenURL != "" {
		oauthCfg := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = resty.NewWithClient(oauthCfg.Client(context.Background()))
	} else {
		httpClient = resty.New()
	}
	httpClient.SetBaseURL(cfg.BaseURL)
	httpClient.SetTimeout(timeout)
	httpClient.SetHeader("X-App-ID", cfg.AppID)
	if cfg.RetryCount > 0 {
		httpClient.SetRetryCount(cfg.RetryCount)
	}

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "billing-remote",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		http:         httpClient,
		breaker:      breaker,
		appID:        cfg.AppID,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

// Connect verifies the service is reachable and registers the
// connection-lost callback. The callback fires at most once per established
// connection, when a later call observes a transport failure.
func (c *Client) Connect(ctx context.Context, onConnectionLost func()) error {
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).Get("/v1/ping")
	})
	if err != nil {
		return fmt.Errorf("billing service unreachable: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("billing service ping returned %d", resp.StatusCode())
	}

	c.mu.Lock()
	c.connected = true
	c.onLost = onConnectionLost
	c.lostOnce = &sync.Once{}
	c.mu.Unlock()

	c.logger.Debug("billing service connected", "app_id", c.appID)
	return nil
}

// Disconnect drops the connection state. Safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.onLost = nil
	c.lostOnce = nil
	c.mu.Unlock()
	return nil
}

type purchasesResponse struct {
	Purchases []struct {
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	} `json:"purchases"`
}

// QueryPurchases returns all currently-owned purchases of the given kind.
func (c *Client) QueryPurchases(ctx context.Context, kind domain.ProductKind) ([]domain.SignedPayload, error) {
	var body purchasesResponse
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("kind", string(kind)).
			SetResult(&body).
			Get("/v1/purchases")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("query purchases returned %d", resp.StatusCode())
	}

	payloads := make([]domain.SignedPayload, 0, len(body.Purchases))
	for _, p := range body.Purchases {
		payloads = append(payloads, domain.SignedPayload{
			Payload:   p.Payload,
			Signature: p.Signature,
		})
	}
	return payloads, nil
}

type productDetailsResponse struct {
	Products []json.RawMessage `json:"products"`
}

// QueryProductDetails resolves listing metadata for the given product ids.
func (c *Client) QueryProductDetails(ctx context.Context, kind domain.ProductKind, productIDs []string) ([]domain.Product, error) {
	var body productDetailsResponse
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(map[string]any{
				"kind":        kind,
				"product_ids": productIDs,
			}).
			SetResult(&body).
			Post("/v1/products/query")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("query product details returned %d", resp.StatusCode())
	}

	products := make([]domain.Product, 0, len(body.Products))
	for _, raw := range body.Products {
		product, err := domain.ParseProduct(string(raw))
		if err != nil {
			c.logger.Warn("skipping unparseable product listing", "error", err)
			continue
		}
		products = append(products, product)
	}
	return products, nil
}

type checkoutSession struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

type checkoutStatus struct {
	Status       string `json:"status"`
	ResponseCode int    `json:"response_code"`
	Payload      string `json:"payload"`
	Signature    string `json:"signature"`
}

// LaunchPurchaseFlow creates a hosted checkout session, hands its URL to the
// host if it can open one, and polls the session until it reaches a terminal
// state. Exactly one outcome is delivered on the returned channel unless the
// host or context goes away first.
func (c *Client) LaunchPurchaseFlow(ctx context.Context, host domain.UIHost, req domain.PurchaseRequest) (<-chan domain.PurchaseOutcome, error) {
	var session checkoutSession
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(map[string]any{
				"product_id":              req.Product.ProductID,
				"kind":                    req.Product.Kind,
				"correlation_payload":     req.CorrelationPayload,
				"replaced_purchase_token": req.ReplacedPurchaseToken,
			}).
			SetResult(&session).
			Post("/v1/checkout")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("create checkout session returned %d", resp.StatusCode())
	}
	if session.SessionID == "" {
		return nil, fmt.Errorf("create checkout session returned no session id")
	}

	if opener, ok := host.(CheckoutUIHost); ok {
		if err := opener.OpenCheckout(ctx, session.CheckoutURL); err != nil {
			return nil, fmt.Errorf("failed to open checkout: %w", err)
		}
	} else {
		c.logger.Info("checkout session created",
			"session_id", session.SessionID,
			"checkout_url", session.CheckoutURL,
		)
	}

	outcomes := make(chan domain.PurchaseOutcome, 1)
	go c.pollCheckout(ctx, host, session.SessionID, outcomes)
	return outcomes, nil
}

func (c *Client) pollCheckout(ctx context.Context, host domain.UIHost, sessionID string, outcomes chan<- domain.PurchaseOutcome) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-host.Done():
			return
		case <-ticker.C:
		}

		var status checkoutStatus
		resp, err := c.do(ctx, func() (*resty.Response, error) {
			return c.http.R().
				SetContext(ctx).
				SetResult(&status).
				Get("/v1/checkout/" + sessionID)
		})
		if err != nil {
			outcomes <- domain.PurchaseOutcome{Response: domain.ResponseServiceUnavailable, Err: err}
			return
		}
		if resp.StatusCode() != http.StatusOK {
			outcomes <- domain.PurchaseOutcome{
				Response: domain.ResponseError,
				Err:      fmt.Errorf("checkout status returned %d", resp.StatusCode()),
			}
			return
		}

		switch status.Status {
		case "pending":
			continue
		case "complete":
			outcomes <- domain.PurchaseOutcome{
				Response:  domain.ResponseOK,
				Payload:   status.Payload,
				Signature: status.Signature,
			}
			return
		case "canceled":
			outcomes <- domain.PurchaseOutcome{Response: domain.ResponseUserCanceled}
			return
		default:
			outcomes <- domain.PurchaseOutcome{
				Response: domain.ResponseCode(status.ResponseCode),
				Err:      fmt.Errorf("checkout failed with status %q", status.Status),
			}
			return
		}
	}
}

type responseCodeBody struct {
	ResponseCode int `json:"response_code"`
}

// Consume marks a one-time purchase as used up.
func (c *Client) Consume(ctx context.Context, purchaseToken string) (domain.ResponseCode, error) {
	return c.postToken(ctx, "/v1/purchases/consume", purchaseToken)
}

// Acknowledge confirms receipt of a purchase.
func (c *Client) Acknowledge(ctx context.Context, purchaseToken string) (domain.ResponseCode, error) {
	return c.postToken(ctx, "/v1/purchases/acknowledge", purchaseToken)
}

func (c *Client) postToken(ctx context.Context, path, purchaseToken string) (domain.ResponseCode, error) {
	var body responseCodeBody
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"purchase_token": purchaseToken}).
			SetResult(&body).
			Post(path)
	})
	if err != nil {
		return domain.ResponseServiceUnavailable, err
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.ResponseError, fmt.Errorf("%s returned %d", path, resp.StatusCode())
	}
	return domain.ResponseCode(body.ResponseCode), nil
}

// IsFeatureSupported asks the service whether it supports a feature.
func (c *Client) IsFeatureSupported(ctx context.Context, feature domain.Feature) (domain.ResponseCode, error) {
	var body responseCodeBody
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&body).
			Get("/v1/features/" + string(feature))
	})
	if err != nil {
		return domain.ResponseServiceUnavailable, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.ResponseBillingUnavailable, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.ResponseError, fmt.Errorf("feature query returned %d", resp.StatusCode())
	}
	return domain.ResponseCode(body.ResponseCode), nil
}

// do runs an HTTP call through the circuit breaker. Transport failures mark
// the connection as lost.
func (c *Client) do(ctx context.Context, fn func() (*resty.Response, error)) (*resty.Response, error) {
	resp, err := c.breaker.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("billing service temporarily unavailable: %w", err)
		}
		if ctx.Err() == nil {
			c.markConnectionLost()
		}
		return nil, err
	}
	return resp, nil
}

// markConnectionLost fires the registered connection-lost callback at most
// once per established connection.
func (c *Client) markConnectionLost() {
	c.mu.Lock()
	once := c.lostOnce
	onLost := c.onLost
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if !wasConnected || once == nil || onLost == nil {
		return
	}
	once.Do(func() {
		c.logger.Warn("billing service connection lost")
		onLost()
	})
}

var _ domain.BillingService = (*Client)(nil)
