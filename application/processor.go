// Package application drives the purchase lifecycle: initiating purchase
// flows, verifying and committing results, syncing entitlement history, and
// completing granted entitlements via consume and acknowledge.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/billingkit/domain"
	"github.com/felixgeelhaar/billingkit/eventbus"
	"github.com/felixgeelhaar/billingkit/infrastructure/connection"
	"github.com/felixgeelhaar/billingkit/infrastructure/crypto"
	"github.com/felixgeelhaar/billingkit/infrastructure/persistence"
	"github.com/felixgeelhaar/billingkit/pkg/observability"
)

// settingsVersion namespaces all persisted entries so a future serialization
// format change does not collide with old data. Bump it whenever the entry
// format changes.
const settingsVersion = ".v1"

const (
	restoreKey            = ".products.restored" + settingsVersion
	productsCacheKey      = ".products.cache" + settingsVersion
	subscriptionsCacheKey = ".subscriptions.cache" + settingsVersion
	pendingPurchaseKey    = ".purchase.last" + settingsVersion
)

// Handler receives billing events. All callbacks are delivered on the
// processor's executor, one at a time, in FIFO order.
type Handler interface {
	// OnPurchased reports a verified, committed purchase. The record is nil
	// when an already-owned purchase is reconciled and no cached record
	// exists for the product; ownership of productID is still confirmed.
	OnPurchased(productID string, record *domain.PurchaseRecord)

	// OnHistoryRestored reports completion of the one-time entitlement sync.
	OnHistoryRestored()

	// OnBillingError reports a failure with a code from the taxonomy in the
	// domain package or a raw service response code. Treat unknown codes as
	// generic failures.
	OnBillingError(code int, err error)

	// OnInitialized reports that the connection is ready for purchases.
	OnInitialized()
}

// Options configures a Processor.
type Options struct {
	// PublicKey is the base64-encoded RSA public key used to verify purchase
	// signatures. Leaving it empty disables signature verification entirely;
	// payloads are then treated as valid.
	PublicKey string

	// MerchantID enables the order-id merchant heuristic when set.
	MerchantID string

	// Store is the persistence primitive for caches and correlation state.
	Store persistence.KeyValueStore

	// BaseKey namespaces all persisted entries, typically the application id.
	BaseKey string

	// Executor receives all handler callbacks. Defaults to a serial executor
	// owned (and closed) by the processor.
	Executor Executor

	// Publisher receives billing domain events. Defaults to a no-op.
	Publisher eventbus.Publisher

	// BackoffFloor and BackoffCap tune the reconnect policy. Zero values use
	// the production defaults (1s floor, 15min cap).
	BackoffFloor time.Duration
	BackoffCap   time.Duration

	Logger *slog.Logger
}

// Processor is the purchase flow orchestrator. Construct one per
// application, keep it for the process lifetime, and Release it when done;
// there is deliberately no package-level instance.
type Processor struct {
	svc       domain.BillingService
	handler   Handler
	verifier  *crypto.Verifier
	merchant  string
	store     persistence.KeyValueStore
	baseKey   string
	exec      Executor
	ownExec   *SerialExecutor
	publisher eventbus.Publisher
	logger    *slog.Logger

	products      *persistence.Cache
	subscriptions *persistence.Cache
	conn          *connection.Manager

	released atomic.Bool

	featureMu sync.Mutex
	features  map[domain.Feature]bool
}

// NewProcessor builds a processor around the given billing service and
// handler. Call Initialize afterwards to connect.
func NewProcessor(svc domain.BillingService, handler Handler, opts Options) (*Processor, error) {
	if svc == nil {
		return nil, fmt.Errorf("billing service is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("key-value store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var verifier *crypto.Verifier
	if opts.PublicKey != "" {
		v, err := crypto.NewVerifier(opts.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		verifier = v
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher = eventbus.NewNoopPublisher(logger)
	}

	p := &Processor{
		svc:       svc,
		handler:   handler,
		verifier:  verifier,
		merchant:  opts.MerchantID,
		store:     opts.Store,
		baseKey:   opts.BaseKey,
		publisher: publisher,
		logger:    logger,
		features:  make(map[domain.Feature]bool),
	}

	if opts.Executor != nil {
		p.exec = opts.Executor
	} else {
		p.ownExec = NewSerialExecutor()
		p.exec = p.ownExec
	}

	ctx := context.Background()
	p.products = persistence.NewCache(ctx, opts.Store, opts.BaseKey, productsCacheKey, logger)
	p.subscriptions = persistence.NewCache(ctx, opts.Store, opts.BaseKey, subscriptionsCacheKey, logger)

	p.conn = connection.NewManager(connection.Config{
		Service:      svc,
		OnReady:      p.onServiceReady,
		OnError:      p.reportError,
		BackoffFloor: opts.BackoffFloor,
		BackoffCap:   opts.BackoffCap,
		Logger:       logger,
	})

	return p, nil
}

// Initialize starts connecting to the billing service. The handler is
// notified via OnInitialized once the connection is ready and, on the first
// ever connection, after entitlement history has been synced.
func (p *Processor) Initialize(ctx context.Context) {
	p.conn.Connect(ctx)
}

// IsInitialized reports whether the service connection is ready.
func (p *Processor) IsInitialized() bool {
	return p.conn.IsReady()
}

// ConnectionState returns the current connection state.
func (p *Processor) ConnectionState() connection.State {
	return p.conn.State()
}

// Release tears everything down. Idempotent; no handler callback is
// delivered after Release returns.
func (p *Processor) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	p.conn.Release()
	if p.ownExec != nil {
		p.ownExec.Close()
	}
}

// onServiceReady runs after every successful connection. The first ever
// connection additionally pulls all existing entitlements into the caches
// before signaling initialization.
func (p *Processor) onServiceReady() {
	ctx := context.Background()

	if !p.isHistoryRestored(ctx) {
		if err := p.LoadOwnedPurchases(ctx); err != nil {
			p.logger.Warn("initial entitlement sync failed", "error", err)
		} else {
			p.setHistoryRestored(ctx)
			p.publish(ctx, domain.NewHistoryRestored(
				p.products.List(ctx), p.subscriptions.List(ctx)))
			p.dispatch(func() { p.handler.OnHistoryRestored() })
		}
	}

	p.dispatch(func() { p.handler.OnInitialized() })
}

// IsPurchased reports whether a one-time product entitlement is cached.
func (p *Processor) IsPurchased(ctx context.Context, productID string) bool {
	return p.products.Includes(ctx, productID)
}

// IsSubscribed reports whether a subscription entitlement is cached.
func (p *Processor) IsSubscribed(ctx context.Context, productID string) bool {
	return p.subscriptions.Includes(ctx, productID)
}

// ListOwnedProducts returns the ids of all cached one-time entitlements.
func (p *Processor) ListOwnedProducts(ctx context.Context) []string {
	return p.products.List(ctx)
}

// ListOwnedSubscriptions returns the ids of all cached subscription
// entitlements.
func (p *Processor) ListOwnedSubscriptions(ctx context.Context) []string {
	return p.subscriptions.List(ctx)
}

// GetPurchaseRecord returns the cached record for a one-time product, or nil.
func (p *Processor) GetPurchaseRecord(ctx context.Context, productID string) *domain.PurchaseRecord {
	return p.products.Get(ctx, productID)
}

// GetSubscriptionRecord returns the cached record for a subscription, or nil.
func (p *Processor) GetSubscriptionRecord(ctx context.Context, productID string) *domain.PurchaseRecord {
	return p.subscriptions.Get(ctx, productID)
}

// GetProductDetails resolves listing metadata for the given product ids.
func (p *Processor) GetProductDetails(ctx context.Context, kind domain.ProductKind, productIDs []string) ([]domain.Product, error) {
	if !p.conn.IsReady() {
		return nil, domain.NewBillingError(domain.ErrorNotReady, domain.ErrNotReady)
	}
	products, err := p.svc.QueryProductDetails(ctx, kind, productIDs)
	if err != nil {
		p.reportError(domain.ErrorProductDetailsFailed, err)
		return nil, domain.NewBillingError(domain.ErrorProductDetailsFailed, err)
	}
	return products, nil
}

// LoadOwnedPurchases pulls all currently-owned entitlements of both kinds
// from the service, replacing the cache contents. This is the history sync.
func (p *Processor) LoadOwnedPurchases(ctx context.Context) error {
	if !p.conn.IsReady() {
		return domain.NewBillingError(domain.ErrorNotReady, domain.ErrNotReady)
	}
	defer observability.LogDuration(p.logger, "load_owned_purchases", time.Now())
	if err := p.loadPurchasesByKind(ctx, domain.KindOneTime, p.products); err != nil {
		p.reportError(domain.ErrorFailedLoadPurchases, err)
		return domain.NewBillingError(domain.ErrorFailedLoadPurchases, err)
	}
	if err := p.loadPurchasesByKind(ctx, domain.KindSubscription, p.subscriptions); err != nil {
		p.reportError(domain.ErrorFailedLoadPurchases, err)
		return domain.NewBillingError(domain.ErrorFailedLoadPurchases, err)
	}
	return nil
}

func (p *Processor) loadPurchasesByKind(ctx context.Context, kind domain.ProductKind, cache *persistence.Cache) error {
	payloads, err := p.svc.QueryPurchases(ctx, kind)
	if err != nil {
		return fmt.Errorf("failed to query %s purchases: %w", kind, err)
	}
	cache.Clear(ctx)
	for _, signed := range payloads {
		record, err := domain.ParsePurchaseRecord(signed.Payload, signed.Signature)
		if err != nil {
			p.logger.Warn("skipping unparseable purchase from history",
				"kind", kind,
				"error", err,
			)
			continue
		}
		cache.Put(ctx, record.ProductID, signed.Payload, signed.Signature)
	}
	return nil
}

// Purchase initiates the flow for a one-time product. The terminal outcome is
// delivered through the handler; the returned error covers only synchronous
// validation failures.
func (p *Processor) Purchase(ctx context.Context, host domain.UIHost, productID, developerPayload string) error {
	return p.initiatePurchase(ctx, host, productID, domain.KindOneTime, developerPayload, nil)
}

// Subscribe initiates the flow for a subscription.
func (p *Processor) Subscribe(ctx context.Context, host domain.UIHost, productID, developerPayload string) error {
	return p.initiatePurchase(ctx, host, productID, domain.KindSubscription, developerPayload, nil)
}

// UpdateSubscription initiates a subscription change. The currently-owned
// replacedProductIDs[0] is handed to the service so it can prorate; passing
// none acts like Subscribe.
func (p *Processor) UpdateSubscription(ctx context.Context, host domain.UIHost, replacedProductIDs []string, productID, developerPayload string) error {
	if len(replacedProductIDs) > 0 && !p.IsFeatureSupported(ctx, domain.FeatureSubscriptionUpdate) {
		err := fmt.Errorf("subscription update is not supported by the billing service")
		p.reportError(domain.ErrorFailedToInitializePurchase, err)
		return domain.NewBillingError(domain.ErrorFailedToInitializePurchase, err)
	}
	return p.initiatePurchase(ctx, host, productID, domain.KindSubscription, developerPayload, replacedProductIDs)
}

func (p *Processor) initiatePurchase(ctx context.Context, host domain.UIHost, productID string, kind domain.ProductKind, developerPayload string, replacedProductIDs []string) error {
	if p.released.Load() {
		return domain.ErrReleased
	}
	if !p.conn.IsReady() {
		p.reportError(domain.ErrorNotReady, domain.ErrNotReady)
		return domain.NewBillingError(domain.ErrorNotReady, domain.ErrNotReady)
	}
	if productID == "" || kind == "" {
		p.reportError(domain.ErrorProductIDNotSpecified, domain.ErrProductIDNotSpecified)
		return domain.NewBillingError(domain.ErrorProductIDNotSpecified, domain.ErrProductIDNotSpecified)
	}

	pending := domain.NewPendingPurchase(kind, productID, developerPayload)
	p.savePendingPurchase(ctx, pending.String())

	go p.runPurchaseFlow(ctx, host, pending, replacedProductIDs)
	return nil
}

// runPurchaseFlow performs the asynchronous part of a purchase: resolving
// product metadata, launching the UI, and handling the terminal outcome.
func (p *Processor) runPurchaseFlow(ctx context.Context, host domain.UIHost, pending domain.PendingPurchase, replacedProductIDs []string) {
	logger := observability.LogOperation(p.logger, "purchase_flow",
		"product_id", pending.ProductID)

	products, err := p.svc.QueryProductDetails(ctx, pending.Kind, []string{pending.ProductID})
	if err != nil {
		p.reportError(domain.ErrorFailedToInitializePurchase, err)
		p.clearPendingPurchase(ctx)
		return
	}
	if len(products) == 0 {
		p.reportError(domain.ErrorFailedToInitializePurchase,
			fmt.Errorf("%w: %s (%s)", domain.ErrProductNotFound, pending.ProductID, pending.Kind))
		p.clearPendingPurchase(ctx)
		return
	}

	req := domain.PurchaseRequest{
		Product:            products[0],
		CorrelationPayload: pending.String(),
	}
	if pending.Kind == domain.KindSubscription && len(replacedProductIDs) > 0 {
		if owned := p.subscriptions.Get(ctx, replacedProductIDs[0]); owned != nil {
			req.ReplacedPurchaseToken = owned.PurchaseToken
		}
	}

	outcomes, err := p.svc.LaunchPurchaseFlow(ctx, host, req)
	if err != nil {
		p.reportError(domain.ErrorFailedToInitializePurchase, err)
		p.clearPendingPurchase(ctx)
		return
	}

	select {
	case outcome := <-outcomes:
		p.handlePurchaseOutcome(ctx, pending, outcome)
	case <-host.Done():
		logger.Debug("purchase flow abandoned, ui host gone")
	case <-ctx.Done():
		logger.Debug("purchase flow abandoned, context done")
	}
}

func (p *Processor) handlePurchaseOutcome(ctx context.Context, pending domain.PendingPurchase, outcome domain.PurchaseOutcome) {
	switch outcome.Response {
	case domain.ResponseOK:
		p.HandlePurchaseResult(ctx, outcome.Payload, outcome.Signature)

	case domain.ResponseUserCanceled:
		// Not a failure. No cache mutation, no error callback.
		p.logger.Debug("purchase canceled by user", "product_id", pending.ProductID)
		p.clearPendingPurchase(ctx)

	case domain.ResponseItemAlreadyOwned:
		p.reconcileAlreadyOwned(ctx, pending.ProductID)
		p.clearPendingPurchase(ctx)

	default:
		// Transient or service error: pass the raw code through. Retrying is
		// the connection manager's job, not the purchase's.
		p.reportError(int(outcome.Response), outcome.Err)
		p.clearPendingPurchase(ctx)
	}
}

// reconcileAlreadyOwned resolves an "already owned" outcome against the
// caches, syncing history first if the product is not mirrored locally yet.
func (p *Processor) reconcileAlreadyOwned(ctx context.Context, productID string) {
	if !p.products.Includes(ctx, productID) && !p.subscriptions.Includes(ctx, productID) {
		if err := p.LoadOwnedPurchases(ctx); err != nil {
			return
		}
	}

	record := p.products.Get(ctx, productID)
	if record == nil {
		record = p.subscriptions.Get(ctx, productID)
	}
	if !domain.IsGenuineMerchant(record, p.merchant) {
		p.logger.Info("invalid or tampered merchant id", "product_id", productID)
		p.reportError(domain.ErrorInvalidMerchantID, domain.ErrInvalidMerchantID)
		return
	}

	p.dispatch(func() { p.handler.OnPurchased(productID, record) })
}

// HandlePurchaseResult runs the verification pipeline for a raw purchase
// payload: parse, verify signature, classify kind, commit to the matching
// cache, notify. It is exported so out-of-band purchase pushes (e.g. promo
// code grants) can be fed through the same path as UI results. The pending
// correlation state is cleared regardless of outcome.
func (p *Processor) HandlePurchaseResult(ctx context.Context, payload, signature string) {
	defer p.clearPendingPurchase(ctx)

	record, err := domain.ParsePurchaseRecord(payload, signature)
	if err != nil {
		p.reportError(domain.ErrorOtherError, err)
		return
	}

	if !p.verifyPurchaseSignature(payload, signature) {
		p.logger.Error("purchase signature does not match", "product_id", record.ProductID)
		p.reportError(domain.ErrorInvalidSignature, domain.ErrInvalidSignature)
		return
	}

	kind := domain.DetectKind(p.loadPendingPurchase(ctx), payload)
	cache := p.cacheFor(kind)
	cache.Put(ctx, record.ProductID, payload, signature)

	p.logger.Debug("purchase committed",
		"product_id", record.ProductID,
		"kind", kind,
	)
	p.publish(ctx, domain.NewPurchaseCompleted(record, kind))
	p.dispatch(func() { p.handler.OnPurchased(record.ProductID, record) })
}

// verifyPurchaseSignature checks the payload signature. With no public key
// configured, verification is skipped and the payload treated as valid; this
// opt-out is part of the engine's contract and must not be dropped.
func (p *Processor) verifyPurchaseSignature(payload, signature string) bool {
	if p.verifier == nil {
		return true
	}
	return p.verifier.Verify(payload, signature)
}

// IsValidPurchaseRecord re-verifies a record on demand: signature plus
// merchant heuristic.
func (p *Processor) IsValidPurchaseRecord(record *domain.PurchaseRecord) bool {
	if record == nil {
		return false
	}
	return p.verifyPurchaseSignature(record.RawPayload, record.Signature) &&
		domain.IsGenuineMerchant(record, p.merchant)
}

// Consume marks a one-time purchase as used up with the service and, on
// success, removes its cache entry so the product can be purchased again.
func (p *Processor) Consume(ctx context.Context, productID string) error {
	if !p.conn.IsReady() {
		p.reportError(domain.ErrorNotReady, domain.ErrNotReady)
		return domain.NewBillingError(domain.ErrorNotReady, domain.ErrNotReady)
	}

	record := p.products.Get(ctx, productID)
	if record == nil || record.PurchaseToken == "" {
		return domain.NewBillingError(domain.ErrorConsumeFailed,
			fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID))
	}

	code, err := p.svc.Consume(ctx, record.PurchaseToken)
	if err != nil {
		p.reportError(domain.ErrorConsumeFailed, err)
		return domain.NewBillingError(domain.ErrorConsumeFailed, err)
	}
	if code != domain.ResponseOK {
		// Remote error codes are passed through untouched.
		p.reportError(int(code), nil)
		return domain.NewBillingError(int(code),
			fmt.Errorf("failed to consume %s", productID))
	}

	p.products.Remove(ctx, productID)
	p.logger.Debug("purchase consumed", "product_id", productID)
	p.publish(ctx, domain.NewPurchaseConsumed(productID))
	return nil
}

// Acknowledge confirms receipt of a granted entitlement with the service.
// The service auto-refunds unacknowledged purchases after a fixed window, so
// a failed acknowledge must not grant the entitlement to the caller: the
// purchased callback fires only after the service has accepted the
// acknowledgment and the record has passed the verification pipeline.
func (p *Processor) Acknowledge(ctx context.Context, record *domain.PurchaseRecord) error {
	if record == nil || record.PurchaseToken == "" {
		return fmt.Errorf("%w: record has no purchase token", domain.ErrMalformedPayload)
	}
	if record.Acknowledged {
		return nil
	}
	if !p.conn.IsReady() {
		p.reportError(domain.ErrorNotReady, domain.ErrNotReady)
		return domain.NewBillingError(domain.ErrorNotReady, domain.ErrNotReady)
	}

	code, err := p.svc.Acknowledge(ctx, record.PurchaseToken)
	if err != nil {
		p.reportError(domain.ErrorAcknowledgeFailed, err)
		return domain.NewBillingError(domain.ErrorAcknowledgeFailed, err)
	}
	if code != domain.ResponseOK {
		failure := fmt.Errorf("failed to acknowledge %s: response %d", record.ProductID, code)
		p.reportError(domain.ErrorAcknowledgeFailed, failure)
		return domain.NewBillingError(domain.ErrorAcknowledgeFailed, failure)
	}

	if !p.verifyPurchaseSignature(record.RawPayload, record.Signature) {
		p.reportError(domain.ErrorInvalidSignature, domain.ErrInvalidSignature)
		return domain.NewBillingError(domain.ErrorInvalidSignature, domain.ErrInvalidSignature)
	}

	acknowledged := *record
	acknowledged.Acknowledged = true

	kind := domain.DetectKind("", record.RawPayload)
	p.cacheFor(kind).Replace(ctx, record.ProductID, record.RawPayload, record.Signature)

	p.logger.Debug("purchase acknowledged", "product_id", record.ProductID)
	p.publish(ctx, domain.NewPurchaseAcknowledged(&acknowledged))
	p.dispatch(func() { p.handler.OnPurchased(acknowledged.ProductID, &acknowledged) })
	return nil
}

// IsFeatureSupported reports whether the billing service supports a feature.
// Positive answers are cached for the processor's lifetime.
func (p *Processor) IsFeatureSupported(ctx context.Context, feature domain.Feature) bool {
	p.featureMu.Lock()
	supported := p.features[feature]
	p.featureMu.Unlock()
	if supported {
		return true
	}

	code, err := p.svc.IsFeatureSupported(ctx, feature)
	if err != nil {
		p.logger.Warn("feature support query failed",
			"feature", feature,
			"error", err,
		)
		return false
	}
	if code != domain.ResponseOK {
		return false
	}

	p.featureMu.Lock()
	p.features[feature] = true
	p.featureMu.Unlock()
	return true
}

func (p *Processor) cacheFor(kind domain.ProductKind) *persistence.Cache {
	if kind == domain.KindSubscription {
		return p.subscriptions
	}
	return p.products
}

func (p *Processor) isHistoryRestored(ctx context.Context) bool {
	value, err := p.store.Get(ctx, p.baseKey+restoreKey)
	if err != nil {
		p.logger.Warn("failed to read history-restored flag", "error", err)
		return false
	}
	return value == "true"
}

func (p *Processor) setHistoryRestored(ctx context.Context) {
	if err := p.store.Set(ctx, p.baseKey+restoreKey, "true"); err != nil {
		p.logger.Warn("failed to persist history-restored flag", "error", err)
	}
}

func (p *Processor) savePendingPurchase(ctx context.Context, serialized string) {
	if err := p.store.Set(ctx, p.baseKey+pendingPurchaseKey, serialized); err != nil {
		p.logger.Warn("failed to persist pending purchase", "error", err)
	}
}

func (p *Processor) loadPendingPurchase(ctx context.Context) string {
	value, err := p.store.Get(ctx, p.baseKey+pendingPurchaseKey)
	if err != nil {
		p.logger.Warn("failed to read pending purchase", "error", err)
		return ""
	}
	return value
}

func (p *Processor) clearPendingPurchase(ctx context.Context) {
	if err := p.store.Delete(ctx, p.baseKey+pendingPurchaseKey); err != nil {
		p.logger.Warn("failed to clear pending purchase", "error", err)
	}
}

func (p *Processor) reportError(code int, err error) {
	p.dispatch(func() { p.handler.OnBillingError(code, err) })
}

func (p *Processor) dispatch(fn func()) {
	if p.released.Load() {
		return
	}
	p.exec.Dispatch(fn)
}

func (p *Processor) publish(ctx context.Context, event domain.DomainEvent) {
	if err := eventbus.PublishDomainEvent(ctx, p.publisher, event); err != nil {
		p.logger.Warn("failed to publish billing event",
			"routing_key", event.RoutingKey(),
			"error", err,
		)
	}
}
