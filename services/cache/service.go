// Package cache is the content-addressed response cache with TTL
// expiration and LRU eviction. Entries are indexed in memory and written
// through to the embedded store so the cache survives restarts; a failing
// store degrades the cache to memory-only instead of blocking requests.
//
// Keys are model-scoped: responses are not interchangeable across models,
// so the model id participates in the hash.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/store"
)

// entry is a single cache entry with TTL and LRU bookkeeping.
type entry struct {
	key        string
	response   models.ModelResponse
	insertedAt time.Time
	expiresAt  time.Time
	lastAccess time.Time
	hitCount   int
	element    *list.Element
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Service is the cache manager.
type Service struct {
	mu         sync.Mutex
	entries    map[string]*entry
	lruList    *list.List // front = most recently used
	maxEntries int
	defaultTTL time.Duration
	hits       uint64
	misses     uint64

	store     *store.Store
	storeDown bool

	logger *zap.Logger
}

// New creates a cache manager. store may be nil for a memory-only cache.
func New(st *store.Store, maxEntries int, defaultTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		entries:    make(map[string]*entry),
		lruList:    list.New(),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		store:      st,
		logger:     logger,
	}
}

// GenerateCacheKey produces a deterministic sha256 key over the normalized
// request fields plus the target model id.
func GenerateCacheKey(modelID string, req *models.ModelRequest) string {
	normalized := struct {
		ModelID     string  `json:"model_id"`
		Prompt      string  `json:"prompt"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
	}{
		ModelID:     modelID,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	// Struct field order fixes the serialization, so the hash is stable
	data, _ := json.Marshal(normalized)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WarmStart loads unexpired persisted entries into the in-memory index.
func (s *Service) WarmStart(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	rows, err := s.store.LoadCachedResponses(ctx, time.Now())
	if err != nil {
		s.markStoreFailure(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Rows arrive ordered by last access ascending, so pushing each to the
	// front rebuilds the recency order
	for _, row := range rows {
		var resp models.ModelResponse
		if err := json.Unmarshal([]byte(row.ResponseData), &resp); err != nil {
			continue
		}
		e := &entry{
			key:        row.CacheKey,
			response:   resp,
			insertedAt: row.CachedAt,
			expiresAt:  row.ExpiresAt,
			lastAccess: row.LastAccess,
			hitCount:   row.HitCount,
		}
		e.element = s.lruList.PushFront(row.CacheKey)
		s.entries[row.CacheKey] = e
	}

	s.logger.Info("cache warm start complete", zap.Int("entries", len(rows)))
	return nil
}

// Get returns the cached response for key when present and unexpired.
// Expired entries are evicted lazily here.
func (s *Service) Get(ctx context.Context, key string) (*models.CachedResponse, bool) {
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.misses++
		s.mu.Unlock()
		return nil, false
	}

	if !now.Before(e.expiresAt) {
		s.misses++
		s.removeLocked(key)
		s.mu.Unlock()
		s.deleteStored(ctx, key)
		return nil, false
	}

	e.lastAccess = now
	e.hitCount++
	s.lruList.MoveToFront(e.element)
	s.hits++

	out := &models.CachedResponse{
		CacheKey:   e.key,
		Response:   e.response,
		CachedAt:   e.insertedAt,
		ExpiresAt:  e.expiresAt,
		LastAccess: e.lastAccess,
		HitCount:   e.hitCount,
	}
	out.Response.FromCache = true
	s.mu.Unlock()

	s.touchStored(ctx, key, now)
	return out, true
}

// Set inserts or overwrites the entry for key. The last successful write
// for a key stands. Exceeding capacity evicts the least-recently-used
// entry; among never-accessed entries the list order falls back to
// insertion order, so the oldest insertion goes first.
func (s *Service) Set(ctx context.Context, key string, resp models.ModelResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now()
	expires := now.Add(ttl)

	s.mu.Lock()
	var evicted []string
	if e, exists := s.entries[key]; exists {
		e.response = resp
		e.insertedAt = now
		e.expiresAt = expires
		e.lastAccess = now
		s.lruList.MoveToFront(e.element)
	} else {
		for s.lruList.Len() >= s.maxEntries {
			if k, ok := s.evictLRULocked(); ok {
				evicted = append(evicted, k)
			} else {
				break
			}
		}
		e := &entry{
			key:        key,
			response:   resp,
			insertedAt: now,
			expiresAt:  expires,
			lastAccess: now,
		}
		e.element = s.lruList.PushFront(key)
		s.entries[key] = e
	}
	s.mu.Unlock()

	for _, k := range evicted {
		s.deleteStored(ctx, k)
	}
	s.persist(ctx, key, resp, now, expires)
}

// Invalidate drops one entry.
func (s *Service) Invalidate(ctx context.Context, key string) {
	s.mu.Lock()
	s.removeLocked(key)
	s.mu.Unlock()
	s.deleteStored(ctx, key)
}

// EvictExpired removes all expired entries and returns how many went.
func (s *Service) EvictExpired(ctx context.Context) int {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		s.removeLocked(key)
	}
	s.mu.Unlock()

	for _, key := range expired {
		s.deleteStored(ctx, key)
	}

	if len(expired) > 0 {
		s.logger.Debug("evicted expired cache entries", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps expired entries periodically until ctx is cancelled.
func (s *Service) Run(ctx context.Context, sweepPeriod time.Duration) {
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.EvictExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns hit/miss counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Size:    s.lruList.Len(),
		MaxSize: s.maxEntries,
		Hits:    s.hits,
		Misses:  s.misses,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

// removeLocked removes an entry from the index. Caller holds s.mu.
func (s *Service) removeLocked(key string) {
	if e, exists := s.entries[key]; exists {
		s.lruList.Remove(e.element)
		delete(s.entries, key)
	}
}

// evictLRULocked removes the back-of-list entry. Caller holds s.mu.
func (s *Service) evictLRULocked() (string, bool) {
	back := s.lruList.Back()
	if back == nil {
		return "", false
	}
	key := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, key)
	return key, true
}

// persist writes through to the store; a failure flips the cache into
// memory-only mode until the next successful write.
func (s *Service) persist(ctx context.Context, key string, resp models.ModelResponse, now, expires time.Time) {
	if s.store == nil {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to serialize cached response", zap.Error(err))
		return
	}

	if err := s.store.UpsertCachedResponse(ctx, key, resp.ModelID, string(data), now, expires, now); err != nil {
		s.markStoreFailure(err)
		return
	}
	s.markStoreRecovery()
}

func (s *Service) touchStored(ctx context.Context, key string, now time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.TouchCachedResponse(ctx, key, now); err != nil {
		s.markStoreFailure(err)
	}
}

func (s *Service) deleteStored(ctx context.Context, key string) {
	if s.store == nil {
		return
	}
	if err := s.store.DeleteCachedResponse(ctx, key); err != nil {
		s.markStoreFailure(err)
	}
}

func (s *Service) markStoreFailure(err error) {
	s.mu.Lock()
	wasDown := s.storeDown
	s.storeDown = true
	s.mu.Unlock()

	if !wasDown {
		s.logger.Warn("cache store unavailable, continuing memory-only",
			zap.Error(fmt.Errorf("cache persistence: %w", err)))
	}
}

func (s *Service) markStoreRecovery() {
	s.mu.Lock()
	wasDown := s.storeDown
	s.storeDown = false
	s.mu.Unlock()

	if wasDown {
		s.logger.Info("cache store recovered")
	}
}
