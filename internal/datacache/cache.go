// Package datacache provides validated, integrity-checked storage of
// historical bar data with per-key fetch coalescing.
package datacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

var (
	// ErrDataUnavailable is returned when both the cache and the provider
	// failed to produce a dataset.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrCacheCorrupt is returned when a cached dataset failed its
	// integrity check and the recovery refetch also failed.
	ErrCacheCorrupt = errors.New("cached dataset corrupt")

	errStale = errors.New("cached dataset stale")
)

// Provider supplies raw OHLCV bars for a dataset key. Implementations live
// at the system boundary; the cache only sees this interface.
type Provider interface {
	Fetch(ctx context.Context, symbol string, period types.Period, start, end time.Time) ([]types.Bar, error)
}

// Cache is a file-backed bar cache. Every dataset is stored as a data file
// plus an integrity sidecar; both are rewritten atomically on refetch.
type Cache struct {
	logger   *zap.Logger
	provider Provider
	root     string
	clock    func() time.Time
	group    singleflight.Group
	metrics  *cacheMetrics
}

// New creates a cache rooted at cfg.Root, creating the directory if needed.
// reg may be nil to disable metrics registration.
func New(logger *zap.Logger, provider Provider, cfg types.CacheConfig, reg prometheus.Registerer) (*Cache, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("cache root not configured")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		logger:   logger,
		provider: provider,
		root:     cfg.Root,
		clock:    clock,
		metrics:  newCacheMetrics(reg),
	}, nil
}

// Get returns the bars for (symbol, period, start, end). Concurrent calls
// for the same key coalesce into a single load; all callers receive the
// same result.
func (c *Cache) Get(ctx context.Context, symbol string, period types.Period, start, end time.Time) ([]types.Bar, error) {
	key := datasetKey(symbol, period, start, end)
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		return c.load(ctx, key, symbol, period, start, end)
	})
	if shared {
		c.metrics.coalesced.Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.([]types.Bar), nil
}

// load serves one dataset key: validate the cached copy if present,
// otherwise (or on validation failure) refetch exactly once.
func (c *Cache) load(ctx context.Context, key, symbol string, period types.Period, start, end time.Time) ([]types.Bar, error) {
	raw, err := os.ReadFile(c.dataPath(key))
	if err == nil {
		bars, verr := c.validate(raw, key, start, end)
		if verr == nil {
			c.metrics.hits.Inc()
			return bars, nil
		}
		c.logger.Warn("cached dataset rejected",
			zap.String("key", key),
			zap.Error(verr),
		)
		fresh, ferr := c.refetch(ctx, key, symbol, period, start, end)
		if ferr != nil {
			if errors.Is(verr, errStale) {
				return nil, fmt.Errorf("refetch of stale dataset %s failed: %w: %v", key, ErrDataUnavailable, ferr)
			}
			return nil, fmt.Errorf("refetch of dataset %s failed: %w: %v", key, ErrCacheCorrupt, ferr)
		}
		return fresh, nil
	}

	c.metrics.misses.Inc()
	bars, ferr := c.refetch(ctx, key, symbol, period, start, end)
	if ferr != nil {
		return nil, fmt.Errorf("fetch dataset %s: %w: %v", key, ErrDataUnavailable, ferr)
	}
	return bars, nil
}

// validate checks the cached bytes against the sidecar: content hash, row
// count, calendar plausibility, and staleness, in that order.
func (c *Cache) validate(raw []byte, key string, start, end time.Time) ([]types.Bar, error) {
	metaRaw, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return nil, fmt.Errorf("sidecar unreadable: %v", err)
	}
	var handle types.DatasetHandle
	if err := json.Unmarshal(metaRaw, &handle); err != nil {
		return nil, fmt.Errorf("sidecar invalid: %v", err)
	}

	sum := sha256.Sum256(raw)
	if got := hex.EncodeToString(sum[:]); got != handle.ContentHash {
		return nil, fmt.Errorf("content hash mismatch: stored %s, recomputed %s", handle.ContentHash, got)
	}

	var bars []types.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("data file invalid: %v", err)
	}
	if len(bars) != handle.RowCount {
		return nil, fmt.Errorf("row count mismatch: stored %d, have %d", handle.RowCount, len(bars))
	}
	if max := tradingDays(start, end); len(bars) > max {
		return nil, fmt.Errorf("row count %d exceeds calendar span of %d trading days", len(bars), max)
	}

	expected := expectedLatestBar(end, c.clock())
	if expected.Before(dateOnly(start)) {
		return bars, nil
	}
	if len(bars) == 0 || dateOnly(bars[len(bars)-1].Date).Before(expected) {
		return nil, fmt.Errorf("%w: latest bar predates expected trading day %s", errStale, expected.Format("2006-01-02"))
	}
	return bars, nil
}

// refetch asks the provider for fresh bars, validates them, and atomically
// replaces the cached dataset.
func (c *Cache) refetch(ctx context.Context, key, symbol string, period types.Period, start, end time.Time) ([]types.Bar, error) {
	c.metrics.refetches.Inc()

	bars, err := c.provider.Fetch(ctx, symbol, period, start, end)
	if err != nil {
		return nil, fmt.Errorf("provider fetch: %w", err)
	}
	if err := checkBars(bars); err != nil {
		return nil, fmt.Errorf("provider returned invalid bars: %w", err)
	}
	if err := c.persist(key, symbol, period, start, end, bars); err != nil {
		return nil, err
	}

	c.logger.Info("dataset fetched",
		zap.String("symbol", symbol),
		zap.String("period", string(period)),
		zap.Int("bars", len(bars)),
	)
	return bars, nil
}

// persist writes the data file and its sidecar via temp-then-rename so a
// crash mid-write can never leave a pair that passes validation.
func (c *Cache) persist(key, symbol string, period types.Period, start, end time.Time, bars []types.Bar) error {
	raw, err := json.Marshal(bars)
	if err != nil {
		return fmt.Errorf("encode bars: %w", err)
	}
	sum := sha256.Sum256(raw)
	handle := types.DatasetHandle{
		Symbol:      symbol,
		Period:      period,
		Start:       start,
		End:         end,
		ContentHash: hex.EncodeToString(sum[:]),
		RowCount:    len(bars),
		FetchedAt:   c.clock(),
	}
	metaRaw, err := json.Marshal(handle)
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}

	if err := writeAtomic(c.dataPath(key), raw); err != nil {
		return fmt.Errorf("write data file: %w", err)
	}
	if err := writeAtomic(c.metaPath(key), metaRaw); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// checkBars rejects provider output that is out of order, duplicated, or
// numerically impossible.
func checkBars(bars []types.Bar) error {
	for i, b := range bars {
		if i > 0 && !bars[i-1].Date.Before(b.Date) {
			return fmt.Errorf("bars out of order at index %d", i)
		}
		if b.Close.Sign() <= 0 || b.Open.Sign() <= 0 {
			return fmt.Errorf("non-positive price at index %d", i)
		}
		if b.High.LessThan(b.Low) {
			return fmt.Errorf("high below low at index %d", i)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func datasetKey(symbol string, period types.Period, start, end time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s", symbol, period,
		start.Format("20060102"), end.Format("20060102"))
}

func (c *Cache) dataPath(key string) string { return filepath.Join(c.root, key+".json") }
func (c *Cache) metaPath(key string) string { return filepath.Join(c.root, key+".meta.json") }

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	refetches prometheus.Counter
	coalesced prometheus.Counter
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest", Subsystem: "datacache", Name: "hits_total",
			Help: "Datasets served from a validated cache file.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest", Subsystem: "datacache", Name: "misses_total",
			Help: "Requests with no cache file present.",
		}),
		refetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest", Subsystem: "datacache", Name: "refetches_total",
			Help: "Provider fetches, including integrity-recovery refetches.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest", Subsystem: "datacache", Name: "coalesced_total",
			Help: "Requests that piggybacked on an in-flight fetch for the same key.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.refetches, m.coalesced)
	}
	return m
}
