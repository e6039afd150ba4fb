// Package idempotency caches HTTP responses by caller-supplied key so a
// retried submission does not double-dispatch a task. Backed by Redis
// when available (shared across API replicas), an in-memory map
// otherwise.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Response is the cached outcome of a previously-answered request.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend is the slice of the Redis store this package needs.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

const (
	redisTTL  = 24 * time.Hour
	memoryTTL = time.Hour
	keyPrefix = "agentflux:idempotency:"
)

// Store caches responses under the shared backend, with a bounded
// per-process fallback when no backend is configured.
type Store struct {
	backend Backend

	mu    sync.Mutex
	cache map[string]entry
}

type entry struct {
	Resp     Response
	StoredAt time.Time
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		cache:   make(map[string]entry),
	}
}

// Get returns the cached response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, keyPrefix+key)
		if err != nil {
			log.Printf("Idempotency: backend get %s failed: %v", key, err)
			return Response{}, false
		}
		if val == "" {
			return Response{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Response{}, false
		}
		return e.Resp, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return Response{}, false
	}
	if time.Since(e.StoredAt) > memoryTTL {
		delete(s.cache, key)
		return Response{}, false
	}
	return e.Resp, true
}

// Set caches resp under key. Backend failures are logged, never
// propagated: idempotency is best effort.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, StoredAt: time.Now()}

	if s.backend != nil {
		data, _ := json.Marshal(e)
		if err := s.backend.Set(ctx, keyPrefix+key, string(data), redisTTL); err != nil {
			log.Printf("Idempotency: backend set %s failed: %v", key, err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Opportunistic sweep keeps the fallback bounded without a janitor.
	if len(s.cache) > 4096 {
		for k, e := range s.cache {
			if time.Since(e.StoredAt) > memoryTTL {
				delete(s.cache, k)
			}
		}
	}
	s.cache[key] = e
}
