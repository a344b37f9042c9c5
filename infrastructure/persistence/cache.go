package persistence

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/billingkit/domain"
)

// Serialization sentinels. Multi-character sequences that cannot occur inside
// valid JSON, so payloads never collide with the delimiters.
const (
	entryDelimiter = "#####"
	fieldDelimiter = ">>>>>"
	versionSuffix  = ".version"
)

// Cache is a persisted mapping from product id to its signed purchase
// payload. Every mutation re-serializes the full map under the cache key and
// writes a fresh millisecond-timestamp version stamp under the paired version
// key. Every read first compares the in-memory stamp against the persisted
// one and reloads on mismatch, which keeps multiple holders of the same
// store, in-process or across processes, eventually consistent without
// locking the store itself.
//
// Store failures are deliberately swallowed into an empty view: losing the
// local mirror is recoverable via history sync, corrupting it is not.
type Cache struct {
	store      KeyValueStore
	cacheKey   string
	versionKey string
	logger     *slog.Logger

	mu      sync.Mutex
	data    map[string]domain.SignedPayload
	version string
}

// NewCache creates a cache persisted under baseKey+cacheKey and loads its
// current contents from the store.
func NewCache(ctx context.Context, store KeyValueStore, baseKey, cacheKey string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		store:      store,
		cacheKey:   baseKey + cacheKey,
		versionKey: baseKey + cacheKey + versionSuffix,
		logger:     logger,
		data:       make(map[string]domain.SignedPayload),
	}
	c.load(ctx)
	return c
}

// Includes reports whether a record exists for productID.
func (c *Cache) Includes(ctx context.Context, productID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadIfNeeded(ctx)
	_, ok := c.data[productID]
	return ok
}

// Get returns the parsed purchase record for productID, or nil when absent or
// unparseable.
func (c *Cache) Get(ctx context.Context, productID string) *domain.PurchaseRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadIfNeeded(ctx)

	signed, ok := c.data[productID]
	if !ok || signed.Payload == "" {
		return nil
	}
	record, err := domain.ParsePurchaseRecord(signed.Payload, signed.Signature)
	if err != nil {
		c.logger.Error("failed to parse cached purchase record",
			"product_id", productID,
			"error", err,
		)
		return nil
	}
	return record
}

// Put stores a signed payload for productID. It is a no-op when the key
// already exists: the first verified purchase wins and a duplicate
// notification must not clobber it.
func (c *Cache) Put(ctx context.Context, productID, payload, signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadIfNeeded(ctx)

	if _, ok := c.data[productID]; ok {
		return
	}
	c.data[productID] = domain.SignedPayload{Payload: payload, Signature: signature}
	c.flush(ctx)
}

// Replace overwrites the entry for productID. Used only by the acknowledge
// path, which must re-persist an existing entitlement.
func (c *Cache) Replace(ctx context.Context, productID, payload, signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadIfNeeded(ctx)

	c.data[productID] = domain.SignedPayload{Payload: payload, Signature: signature}
	c.flush(ctx)
}

// Remove deletes the entry for productID if present.
func (c *Cache) Remove(ctx context.Context, productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadIfNeeded(ctx)

	if _, ok := c.data[productID]; !ok {
		return
	}
	delete(c.data, productID)
	c.flush(ctx)
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadIfNeeded(ctx)

	c.data = make(map[string]domain.SignedPayload)
	c.flush(ctx)
}

// List returns the product ids of all cached records, sorted.
func (c *Cache) List(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadIfNeeded(ctx)

	ids := make([]string, 0, len(c.data))
	for productID := range c.data {
		ids = append(ids, productID)
	}
	sort.Strings(ids)
	return ids
}

// load reads the serialized map and the persisted version stamp. Callers must
// hold c.mu.
func (c *Cache) load(ctx context.Context) {
	c.data = make(map[string]domain.SignedPayload)

	raw, err := c.store.Get(ctx, c.cacheKey)
	if err != nil {
		c.logger.Warn("failed to load entitlement cache, starting empty",
			"key", c.cacheKey,
			"error", err,
		)
	}
	for _, entry := range strings.Split(raw, entryDelimiter) {
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, fieldDelimiter)
		switch {
		case len(parts) > 2:
			c.data[parts[0]] = domain.SignedPayload{Payload: parts[1], Signature: parts[2]}
		case len(parts) > 1:
			c.data[parts[0]] = domain.SignedPayload{Payload: parts[1]}
		}
	}
	c.version = c.persistedVersion(ctx)
}

// flush re-serializes the full map and bumps the version stamp. Callers must
// hold c.mu.
func (c *Cache) flush(ctx context.Context) {
	entries := make([]string, 0, len(c.data))
	for productID, signed := range c.data {
		entries = append(entries,
			productID+fieldDelimiter+signed.Payload+fieldDelimiter+signed.Signature)
	}
	if err := c.store.Set(ctx, c.cacheKey, strings.Join(entries, entryDelimiter)); err != nil {
		c.logger.Error("failed to persist entitlement cache",
			"key", c.cacheKey,
			"error", err,
		)
	}

	c.version = strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := c.store.Set(ctx, c.versionKey, c.version); err != nil {
		c.logger.Error("failed to persist cache version stamp",
			"key", c.versionKey,
			"error", err,
		)
	}
}

func (c *Cache) persistedVersion(ctx context.Context) string {
	version, err := c.store.Get(ctx, c.versionKey)
	if err != nil {
		c.logger.Warn("failed to read cache version stamp",
			"key", c.versionKey,
			"error", err,
		)
		return "0"
	}
	if version == "" {
		return "0"
	}
	return version
}

// reloadIfNeeded re-reads the store when another holder has flushed a newer
// version. Callers must hold c.mu.
func (c *Cache) reloadIfNeeded(ctx context.Context) {
	if c.version != c.persistedVersion(ctx) {
		c.load(ctx)
	}
}
