// Package expcache is a namespaced key/value cache with a per-entry TTL and a
// soft ceiling on the number of entries, layered over a kvstore.Store.
//
// Entries are stored as JSON {"value": ..., "createdAt": <unix ms>, "ttl": <ms>}
// under "{namespace}_{key}". Eviction is lazy: writes trigger a cleanup pass
// and reads drop the entry they find expired. Nothing runs in the background.
package expcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"sitecache/internal/kvstore"
	"sitecache/internal/logging"
)

const (
	DefaultNamespace  = "app-cache-v1"
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 50
)

// Metrics receives removal counts. See metrics.KVRecorder.
type Metrics interface {
	Expired(n int)
	Evicted(n int)
}

type noopMetrics struct{}

func (noopMetrics) Expired(int) {}
func (noopMetrics) Evicted(int) {}

type Options struct {
	Namespace  string
	DefaultTTL time.Duration
	MaxEntries int
	Clock      func() time.Time
	Logger     logging.Logger
	Metrics    Metrics
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	return o
}

type entry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"createdAt"`
	TTL       int64           `json:"ttl"`
}

func (e entry) expired(nowMs int64) bool {
	return nowMs-e.CreatedAt > e.TTL
}

// Stats is a point-in-time view of the namespace.
type Stats struct {
	TotalItems     int   `json:"totalItems"`
	ValidItems     int   `json:"validItems"`
	ExpiredItems   int   `json:"expiredItems"`
	TotalSizeBytes int64 `json:"totalSizeBytes"`
}

// CleanupReport counts what a Cleanup pass removed.
type CleanupReport struct {
	Expired int `json:"expired"`
	Evicted int `json:"evicted"`
}

type Cache struct {
	store  kvstore.Store
	opts   Options
	prefix string
}

func New(store kvstore.Store, opts Options) *Cache {
	cfg := opts.withDefaults()
	return &Cache{
		store:  store,
		opts:   cfg,
		prefix: cfg.Namespace + "_",
	}
}

func (c *Cache) Namespace() string { return c.opts.Namespace }

func (c *Cache) MaxEntries() int { return c.opts.MaxEntries }

func (c *Cache) storeKey(key string) string {
	return c.prefix + key
}

func (c *Cache) owns(storeKey string) bool {
	return strings.HasPrefix(storeKey, c.prefix)
}

func (c *Cache) nowMs() int64 {
	return c.opts.Clock().UnixMilli()
}

// Set stores value with the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) bool {
	return c.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL stores value for ttl; ttl <= 0 means the default TTL. The TTL is
// fixed here and never renewed by reads. A cleanup pass follows every
// successful write. Failures, including quota errors, are logged and reported
// as false.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		c.opts.Logger.Error("expcache: encode value", "namespace", c.opts.Namespace, "key", key, "error", err)
		return false
	}
	payload, err := json.Marshal(entry{
		Value:     raw,
		CreatedAt: c.nowMs(),
		TTL:       ttl.Milliseconds(),
	})
	if err != nil {
		c.opts.Logger.Error("expcache: encode entry", "namespace", c.opts.Namespace, "key", key, "error", err)
		return false
	}

	if err := c.store.Set(ctx, c.storeKey(key), string(payload)); err != nil {
		c.opts.Logger.Error("expcache: store entry", "namespace", c.opts.Namespace, "key", key, "error", err)
		return false
	}

	if _, err := c.Cleanup(ctx); err != nil {
		c.opts.Logger.Warn("expcache: cleanup after set", "namespace", c.opts.Namespace, "error", err)
	}
	return true
}

// Get decodes the entry for key into out (which may be nil) and reports
// whether a live entry was found.
//
// Get mutates the store: an entry found expired is deleted before Get returns
// false. Use Peek for a read without side effects.
func (c *Cache) Get(ctx context.Context, key string, out any) bool {
	e, ok := c.read(ctx, key)
	if !ok {
		return false
	}

	if e.expired(c.nowMs()) {
		if err := c.store.Delete(ctx, c.storeKey(key)); err != nil {
			c.opts.Logger.Warn("expcache: delete expired", "namespace", c.opts.Namespace, "key", key, "error", err)
		} else {
			c.opts.Metrics.Expired(1)
		}
		return false
	}

	return c.decode(key, e, out)
}

// Peek is Get without read-triggered eviction.
func (c *Cache) Peek(ctx context.Context, key string, out any) bool {
	e, ok := c.read(ctx, key)
	if !ok || e.expired(c.nowMs()) {
		return false
	}
	return c.decode(key, e, out)
}

func (c *Cache) read(ctx context.Context, key string) (entry, bool) {
	raw, err := c.store.Get(ctx, c.storeKey(key))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.opts.Logger.Error("expcache: read entry", "namespace", c.opts.Namespace, "key", key, "error", err)
		}
		return entry{}, false
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.opts.Logger.Error("expcache: corrupt entry", "namespace", c.opts.Namespace, "key", key, "error", err)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) decode(key string, e entry, out any) bool {
	if out == nil {
		return true
	}
	if err := json.Unmarshal(e.Value, out); err != nil {
		c.opts.Logger.Error("expcache: decode value", "namespace", c.opts.Namespace, "key", key, "error", err)
		return false
	}
	return true
}

// Remove deletes key whether or not it is expired. It returns false only on
// a storage fault.
func (c *Cache) Remove(ctx context.Context, key string) bool {
	if err := c.store.Delete(ctx, c.storeKey(key)); err != nil {
		c.opts.Logger.Error("expcache: remove", "namespace", c.opts.Namespace, "key", key, "error", err)
		return false
	}
	return true
}

// Clear deletes every key in the namespace and nothing else.
func (c *Cache) Clear(ctx context.Context) bool {
	keys, err := c.namespacedKeys(ctx)
	if err != nil {
		c.opts.Logger.Error("expcache: clear", "namespace", c.opts.Namespace, "error", err)
		return false
	}

	ok := true
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			c.opts.Logger.Error("expcache: clear entry", "namespace", c.opts.Namespace, "key", k, "error", err)
			ok = false
		}
	}
	return ok
}

type candidate struct {
	key       string
	createdAt int64
}

// Cleanup first drops every expired entry, then evicts the oldest survivors
// by createdAt until at most MaxEntries remain. Entries whose timestamps
// cannot be read count as expired. Ties in createdAt are broken arbitrarily.
func (c *Cache) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	keys, err := c.namespacedKeys(ctx)
	if err != nil {
		return report, fmt.Errorf("list keys: %w", err)
	}

	now := c.nowMs()
	survivors := make([]candidate, 0, len(keys))

	for _, k := range keys {
		raw, err := c.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			return report, fmt.Errorf("read %s: %w", k, err)
		}

		createdAt, ttl, ok := timestamps(raw)
		if ok && now-createdAt <= ttl {
			survivors = append(survivors, candidate{key: k, createdAt: createdAt})
			continue
		}

		if err := c.store.Delete(ctx, k); err != nil {
			return report, fmt.Errorf("delete expired %s: %w", k, err)
		}
		report.Expired++
	}
	c.opts.Metrics.Expired(report.Expired)

	if over := len(survivors) - c.opts.MaxEntries; over > 0 {
		slices.SortFunc(survivors, func(a, b candidate) int {
			switch {
			case a.createdAt < b.createdAt:
				return -1
			case a.createdAt > b.createdAt:
				return 1
			default:
				return 0
			}
		})
		for _, s := range survivors[:over] {
			if err := c.store.Delete(ctx, s.key); err != nil {
				c.opts.Metrics.Evicted(report.Evicted)
				return report, fmt.Errorf("evict %s: %w", s.key, err)
			}
			report.Evicted++
		}
		c.opts.Metrics.Evicted(report.Evicted)
	}

	if report.Expired > 0 || report.Evicted > 0 {
		c.opts.Logger.Debug("expcache: cleanup",
			"namespace", c.opts.Namespace,
			"expired", report.Expired,
			"evicted", report.Evicted,
		)
	}
	return report, nil
}

// Size counts namespaced keys, expired ones included.
func (c *Cache) Size(ctx context.Context) int {
	keys, err := c.namespacedKeys(ctx)
	if err != nil {
		c.opts.Logger.Error("expcache: size", "namespace", c.opts.Namespace, "error", err)
		return 0
	}
	return len(keys)
}

// Stats classifies every namespaced entry against the current time without
// deleting anything. Undecodable entries count as expired.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	keys, err := c.namespacedKeys(ctx)
	if err != nil {
		return st, fmt.Errorf("list keys: %w", err)
	}

	now := c.nowMs()
	for _, k := range keys {
		raw, err := c.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			return st, fmt.Errorf("read %s: %w", k, err)
		}

		st.TotalItems++
		st.TotalSizeBytes += int64(len(raw))

		createdAt, ttl, ok := timestamps(raw)
		if ok && now-createdAt <= ttl {
			st.ValidItems++
		} else {
			st.ExpiredItems++
		}
	}
	return st, nil
}

func (c *Cache) namespacedKeys(ctx context.Context) ([]string, error) {
	all, err := c.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, k := range all {
		if c.owns(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// timestamps pulls createdAt and ttl out of a stored entry without decoding
// the value.
func timestamps(raw string) (createdAt, ttl int64, ok bool) {
	if !gjson.Valid(raw) {
		return 0, 0, false
	}
	res := gjson.GetMany(raw, "createdAt", "ttl")
	if res[0].Type != gjson.Number || res[1].Type != gjson.Number {
		return 0, 0, false
	}
	return res[0].Int(), res[1].Int(), true
}
