package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/logging"
	"github.com/mimisupply/synccore/internal/models"
)

const (
	// DefaultTTL applies when neither the caller nor the category sets one.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultLimit is the per-category size cap.
	DefaultLimit int64 = 100 << 20

	// DefaultImageLimit is the size cap for the images category.
	DefaultImageLimit int64 = 50 << 20

	defaultHotEntries = 512
	batchConcurrency  = 8
)

// Eviction reasons reported to the Observer.
const (
	ReasonExpired    = "expired"
	ReasonCapacity   = "capacity"
	ReasonCorruption = "corruption"
)

// DefaultLimits returns the default size cap for every category.
func DefaultLimits() map[models.CacheCategory]int64 {
	limits := make(map[models.CacheCategory]int64)
	for _, c := range models.Categories() {
		limits[c] = DefaultLimit
	}
	limits[models.CategoryImages] = DefaultImageLimit
	return limits
}

// Options configures a Store.
type Options struct {
	DefaultTTL  time.Duration
	CategoryTTL map[models.CacheCategory]time.Duration
	// Limits caps the bytes per category; missing categories use DefaultLimits.
	Limits map[models.CacheCategory]int64
	// Compress snappy-compresses every payload except images.
	Compress bool
	// HotEntries sizes the in-memory record layer; negative disables it.
	HotEntries int
	Clock      func() time.Time
	Logger     *zap.Logger
	Observer   Observer
}

// Store is a bounded, categorized TTL cache over a persistent Backend.
// All access goes through its methods; callers never hold record internals.
type Store struct {
	backend  Backend
	opts     Options
	limits   map[models.CacheCategory]int64
	hot      *lru.Cache[string, models.CacheRecord]
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	// mu guards index and serializes backend writes so the size index never
	// drifts from what the backend holds.
	mu    sync.Mutex
	index map[models.CacheCategory]map[string]models.CacheMeta
	bytes map[models.CacheCategory]int64
	// writes counts mutations of the backend; a cold read only fills the hot
	// layer when no write happened while it was reading.
	writes uint64

	statsMu sync.Mutex
	stats   map[models.CacheCategory]*counters
}

type counters struct {
	hits, misses, evictions, expirations, corruptions int64
}

// NewStore creates a Store. Call Load to index records persisted by an earlier run.
func NewStore(backend Backend, opts Options) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("cache store: nil backend")
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	limits := DefaultLimits()
	for c, n := range opts.Limits {
		if n > 0 {
			limits[c] = n
		}
	}

	s := &Store{
		backend:  backend,
		opts:     opts,
		limits:   limits,
		logger:   logging.Or(opts.Logger, "cache"),
		observer: opts.Observer,
		now:      opts.Clock,
		index:    make(map[models.CacheCategory]map[string]models.CacheMeta),
		bytes:    make(map[models.CacheCategory]int64),
		stats:    make(map[models.CacheCategory]*counters),
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	for _, c := range models.Categories() {
		s.index[c] = make(map[string]models.CacheMeta)
		s.stats[c] = &counters{}
	}

	if opts.HotEntries >= 0 {
		size := opts.HotEntries
		if size == 0 {
			size = defaultHotEntries
		}
		hot, err := lru.New[string, models.CacheRecord](size)
		if err != nil {
			return nil, fmt.Errorf("cache store: hot layer: %w", err)
		}
		s.hot = hot
	}
	return s, nil
}

func hotKey(category models.CacheCategory, key string) string {
	return string(category) + "\x00" + key
}

func checkCategory(category models.CacheCategory) error {
	if !category.Valid() {
		return apperrors.New(apperrors.ErrCacheUnknownCategory, fmt.Sprintf("unknown cache category %q", category))
	}
	return nil
}

// TTL returns the lifetime a write to category gets when the caller sets none.
func (s *Store) TTL(category models.CacheCategory) time.Duration {
	if ttl, ok := s.opts.CategoryTTL[category]; ok && ttl > 0 {
		return ttl
	}
	return s.opts.DefaultTTL
}

// Limit returns the size cap of category.
func (s *Store) Limit(category models.CacheCategory) int64 {
	return s.limits[category]
}

// ===== Load =====

// Load rebuilds the size index from the backend.
func (s *Store) Load(ctx context.Context) error {
	metas, err := s.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("cache load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.index {
		s.index[c] = make(map[string]models.CacheMeta)
		s.bytes[c] = 0
	}
	for _, meta := range metas {
		idx, ok := s.index[meta.Category]
		if !ok {
			continue
		}
		idx[meta.Key] = meta
		s.bytes[meta.Category] += meta.Size
	}
	for c, idx := range s.index {
		s.observer.CacheSize(c, len(idx), s.bytes[c])
	}
	s.logger.Info("cache index loaded", zap.Int("records", len(metas)))
	return nil
}

// ===== Writes =====

// Put stores payload under key. []byte payloads are stored as-is, anything
// else as JSON. An optional ttl overrides the category lifetime.
func (s *Store) Put(ctx context.Context, key string, category models.CacheCategory, payload any, ttl ...time.Duration) error {
	if err := checkCategory(category); err != nil {
		return err
	}
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, "cache key is empty")
	}

	data, encoding, err := encodePayload(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode cache payload "+key, err)
	}
	if s.opts.Compress && category != models.CategoryImages {
		data = snappy.Encode(nil, data)
		encoding = encoding.WithCompression()
	}

	lifetime := s.TTL(category)
	if len(ttl) > 0 && ttl[0] > 0 {
		lifetime = ttl[0]
	}
	now := s.now()
	rec := models.CacheRecord{
		Key:       key,
		Category:  category,
		Payload:   data,
		Encoding:  encoding,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Write(ctx, rec); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "cache write "+key, err)
	}
	s.indexLocked(rec.Meta())
	s.writes++
	if s.hot != nil {
		s.hot.Add(hotKey(category, key), rec)
	}

	if s.bytes[category] > s.limits[category] {
		// Capacity overflow is handled here and never reaches the caller.
		s.logger.Debug("cache category over capacity",
			zap.String("category", string(category)),
			zap.Int64("bytes", s.bytes[category]),
			zap.Int64("limit", s.limits[category]))
		if _, err := s.evictOldestLocked(ctx, category); err != nil {
			s.logger.Warn("cache capacity eviction failed", zap.String("category", string(category)), zap.Error(err))
		}
	}
	s.observer.CacheSize(category, len(s.index[category]), s.bytes[category])
	return nil
}

func encodePayload(payload any) ([]byte, models.PayloadEncoding, error) {
	if raw, ok := payload.([]byte); ok {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, models.EncodingRaw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return data, models.EncodingJSON, nil
}

// PutBatch stores every item under category with the same ttl (zero means
// the category lifetime). All items are attempted; failures are combined.
func (s *Store) PutBatch(ctx context.Context, category models.CacheCategory, items map[string]any, ttl time.Duration) error {
	var err error
	for key, payload := range items {
		err = multierr.Append(err, s.Put(ctx, key, category, payload, ttl))
	}
	return err
}

func (s *Store) indexLocked(meta models.CacheMeta) {
	idx := s.index[meta.Category]
	if old, ok := idx[meta.Key]; ok {
		s.bytes[meta.Category] -= old.Size
	}
	idx[meta.Key] = meta
	s.bytes[meta.Category] += meta.Size
}

func (s *Store) removeLocked(ctx context.Context, category models.CacheCategory, key string) error {
	if err := s.backend.Delete(ctx, category, key); err != nil {
		return err
	}
	s.writes++
	if old, ok := s.index[category][key]; ok {
		s.bytes[category] -= old.Size
		delete(s.index[category], key)
	}
	if s.hot != nil {
		s.hot.Remove(hotKey(category, key))
	}
	return nil
}

// Delete removes key from category.
func (s *Store) Delete(ctx context.Context, key string, category models.CacheCategory) error {
	if err := checkCategory(category); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.removeLocked(ctx, category, key); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "cache delete "+key, err)
	}
	s.observer.CacheSize(category, len(s.index[category]), s.bytes[category])
	return nil
}

// purge drops an unusable record found by a read. The record is only removed
// if it is still the one that was read; a concurrent Put wins.
func (s *Store) purge(ctx context.Context, rec models.CacheRecord, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.index[rec.Category][rec.Key]; ok && !rec.CreatedAt.IsZero() && !cur.CreatedAt.Equal(rec.CreatedAt) {
		return
	}
	if err := s.removeLocked(ctx, rec.Category, rec.Key); err != nil {
		s.logger.Warn("cache purge failed", zap.String("key", rec.Key), zap.Error(err))
		return
	}
	s.count(rec.Category, func(c *counters) {
		if reason == ReasonExpired {
			c.expirations++
		} else {
			c.corruptions++
		}
	})
	s.observer.CacheEvicted(rec.Category, reason, 1)
	s.observer.CacheSize(rec.Category, len(s.index[rec.Category]), s.bytes[rec.Category])
}

// ===== Reads =====

// GetBytes returns the stored payload bytes (JSON text for structured
// payloads). Expired or corrupt records are purged and reported as misses.
func (s *Store) GetBytes(ctx context.Context, key string, category models.CacheCategory) ([]byte, bool) {
	rec, ok := s.lookup(ctx, key, category)
	if !ok {
		return nil, false
	}
	data, err := s.payload(rec)
	if err != nil {
		s.logger.Warn("cache record corrupt", zap.String("key", key), zap.String("category", string(category)), zap.Error(err))
		s.purge(ctx, rec, ReasonCorruption)
		s.miss(category)
		return nil, false
	}
	s.hit(category)
	return data, true
}

// Get returns the payload stored under key decoded as T. Raw payloads can be
// read back as []byte. Expired or undecodable records are purged and reported
// as misses.
func Get[T any](ctx context.Context, s *Store, key string, category models.CacheCategory) (T, bool) {
	var zero T
	rec, ok := s.lookup(ctx, key, category)
	if !ok {
		return zero, false
	}

	v, err := decode[T](s, rec)
	if err != nil {
		s.logger.Warn("cache record corrupt", zap.String("key", key), zap.String("category", string(category)), zap.Error(err))
		s.purge(ctx, rec, ReasonCorruption)
		s.miss(category)
		return zero, false
	}
	s.hit(category)
	return v, true
}

func decode[T any](s *Store, rec models.CacheRecord) (T, error) {
	var v T
	data, err := s.payload(rec)
	if err != nil {
		return v, err
	}
	if rec.Encoding.Base() == models.EncodingRaw {
		if p, ok := any(&v).(*[]byte); ok {
			*p = data
			return v, nil
		}
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

func (s *Store) payload(rec models.CacheRecord) ([]byte, error) {
	if !rec.Encoding.Compressed() {
		out := make([]byte, len(rec.Payload))
		copy(out, rec.Payload)
		return out, nil
	}
	data, err := snappy.Decode(nil, rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return data, nil
}

// lookup finds a live record, purging it when expired or unreadable.
func (s *Store) lookup(ctx context.Context, key string, category models.CacheCategory) (models.CacheRecord, bool) {
	if !category.Valid() {
		return models.CacheRecord{}, false
	}

	var (
		rec   models.CacheRecord
		found bool
	)
	if s.hot != nil {
		rec, found = s.hot.Get(hotKey(category, key))
	}
	if !found {
		s.mu.Lock()
		seen := s.writes
		s.mu.Unlock()

		var err error
		rec, found, err = s.backend.Read(ctx, category, key)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrCacheCorruption) {
				s.logger.Warn("cache record corrupt", zap.String("key", key), zap.String("category", string(category)), zap.Error(err))
				s.purge(ctx, models.CacheRecord{Key: key, Category: category}, ReasonCorruption)
			} else {
				s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
			}
			s.miss(category)
			return models.CacheRecord{}, false
		}
		if !found {
			s.miss(category)
			return models.CacheRecord{}, false
		}
		s.fillHot(rec, seen)
	}

	if rec.Expired(s.now()) {
		s.purge(ctx, rec, ReasonExpired)
		s.miss(category)
		return models.CacheRecord{}, false
	}
	return rec, true
}

// fillHot caches a record read from the backend unless a write landed after
// the read began, in which case rec may already be stale.
func (s *Store) fillHot(rec models.CacheRecord, seen uint64) {
	if s.hot == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes != seen {
		return
	}
	if _, ok := s.index[rec.Category][rec.Key]; !ok {
		return
	}
	s.hot.Add(hotKey(rec.Category, rec.Key), rec)
}

// GetBatch reads keys concurrently and returns the hits. Missing, expired and
// corrupt keys are absent from the result.
func GetBatch[T any](ctx context.Context, s *Store, keys []string, category models.CacheCategory) map[string]T {
	out := make(map[string]T, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			v, ok := Get[T](gctx, s, key, category)
			if ok {
				mu.Lock()
				out[key] = v
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ===== Maintenance =====

// EvictExpired removes every expired record and returns how many were removed.
func (s *Store) EvictExpired(ctx context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		evicted int
		errs    error
	)
	for category, idx := range s.index {
		n := 0
		for key, meta := range idx {
			if !now.Before(meta.ExpiresAt) {
				if err := s.removeLocked(ctx, category, key); err != nil {
					errs = multierr.Append(errs, err)
					continue
				}
				n++
			}
		}
		if n > 0 {
			evicted += n
			s.count(category, func(c *counters) { c.expirations += int64(n) })
			s.observer.CacheEvicted(category, ReasonExpired, n)
			s.observer.CacheSize(category, len(idx), s.bytes[category])
		}
	}
	if evicted > 0 {
		s.logger.Debug("expired cache records evicted", zap.Int("count", evicted))
	}
	return evicted, errs
}

// EnforceSizeLimits evicts oldest records from every category over its cap.
func (s *Store) EnforceSizeLimits(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		evicted int
		errs    error
	)
	for _, category := range models.Categories() {
		if s.bytes[category] <= s.limits[category] {
			continue
		}
		n, err := s.evictOldestLocked(ctx, category)
		evicted += n
		errs = multierr.Append(errs, err)
	}
	return evicted, errs
}

// evictOldestLocked removes records oldest-first until category is under its cap.
func (s *Store) evictOldestLocked(ctx context.Context, category models.CacheCategory) (int, error) {
	idx := s.index[category]
	metas := make([]models.CacheMeta, 0, len(idx))
	for _, meta := range idx {
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].Key < metas[j].Key
		}
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})

	n := 0
	for _, meta := range metas {
		if s.bytes[category] <= s.limits[category] {
			break
		}
		if err := s.removeLocked(ctx, category, meta.Key); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.count(category, func(c *counters) { c.evictions += int64(n) })
		s.observer.CacheEvicted(category, ReasonCapacity, n)
		s.observer.CacheSize(category, len(idx), s.bytes[category])
		s.logger.Info("cache capacity eviction",
			zap.String("category", string(category)),
			zap.Int("evicted", n),
			zap.Int64("bytes", s.bytes[category]))
	}
	return n, nil
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Clear(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "cache clear", err)
	}
	s.writes++
	for c := range s.index {
		s.index[c] = make(map[string]models.CacheMeta)
		s.bytes[c] = 0
		s.observer.CacheSize(c, 0, 0)
	}
	if s.hot != nil {
		s.hot.Purge()
	}
	return nil
}

// ===== Statistics =====

// CategoryStats describes one category.
type CategoryStats struct {
	Entries     int     `json:"entries"`
	Bytes       int64   `json:"bytes"`
	Limit       int64   `json:"limit"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Corruptions int64   `json:"corruptions"`
	HitRate     float64 `json:"hit_rate"`
}

// Statistics is a point-in-time view of the whole store.
type Statistics struct {
	Categories   map[models.CacheCategory]CategoryStats `json:"categories"`
	TotalEntries int                                    `json:"total_entries"`
	TotalBytes   int64                                  `json:"total_bytes"`
	HitRate      float64                                `json:"hit_rate"`
}

// Statistics returns current sizes and access counters.
func (s *Store) Statistics() Statistics {
	st := Statistics{Categories: make(map[models.CacheCategory]CategoryStats)}

	s.mu.Lock()
	for c, idx := range s.index {
		st.Categories[c] = CategoryStats{Entries: len(idx), Bytes: s.bytes[c], Limit: s.limits[c]}
		st.TotalEntries += len(idx)
		st.TotalBytes += s.bytes[c]
	}
	s.mu.Unlock()

	var hits, lookups int64
	s.statsMu.Lock()
	for c, cnt := range s.stats {
		cs := st.Categories[c]
		cs.Hits = cnt.hits
		cs.Misses = cnt.misses
		cs.Evictions = cnt.evictions
		cs.Expirations = cnt.expirations
		cs.Corruptions = cnt.corruptions
		cs.HitRate = ratio(cnt.hits, cnt.hits+cnt.misses)
		st.Categories[c] = cs
		hits += cnt.hits
		lookups += cnt.hits + cnt.misses
	}
	s.statsMu.Unlock()

	st.HitRate = ratio(hits, lookups)
	return st
}

func ratio(a, b int64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func (s *Store) count(category models.CacheCategory, f func(*counters)) {
	s.statsMu.Lock()
	if c, ok := s.stats[category]; ok {
		f(c)
	}
	s.statsMu.Unlock()
}

func (s *Store) hit(category models.CacheCategory) {
	s.count(category, func(c *counters) { c.hits++ })
	s.observer.CacheAccess(category, true)
}

func (s *Store) miss(category models.CacheCategory) {
	s.count(category, func(c *counters) { c.misses++ })
	s.observer.CacheAccess(category, false)
}
