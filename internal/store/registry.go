package store

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Registry loads the transaction bodies into Redis once per process and
// caches their EVALSHA handles. The handle table is the only mutable state
// shared across sessions, so all writes to it happen under one mutex; the
// loaded flag is re-checked after acquisition so a herd of connecting
// sessions results in a single load.
//
// When Redis reports a handle as unknown (NOSCRIPT, e.g. after a SCRIPT FLUSH
// or failover), Exec reloads all bodies and retries the failed call exactly
// once before surfacing the error.
type Registry struct {
	rdb *redis.Client

	mu      sync.Mutex
	loaded  bool
	handles map[string]string // transaction name -> sha1 handle
}

// NewRegistry creates a Registry over the given store client. No scripts are
// loaded until the first Exec.
func NewRegistry(client *Client) *Registry {
	return &Registry{
		rdb:     client.Redis(),
		handles: make(map[string]string, len(scriptBodies)),
	}
}

// Exec runs the named transaction with the given keys and arguments,
// returning the raw script result. An empty result (script returned false)
// comes back as nil with no error.
func (r *Registry) Exec(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	sha, err := r.handle(ctx, name)
	if err != nil {
		return nil, err
	}

	res, err := r.rdb.EvalSha(ctx, sha, keys, args...).Result()
	if err == nil || err == redis.Nil {
		return res, nil
	}
	if !redis.HasErrorPrefix(err, "NOSCRIPT") {
		return nil, fmt.Errorf("store: exec %s: %w", name, err)
	}

	// Handle evicted — reload everything and retry this one call once.
	log.Printf("store: script handle for %s evicted, reloading", name)
	sha, err = r.reload(ctx, name)
	if err != nil {
		return nil, err
	}
	res, err = r.rdb.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("store: exec %s after reload: %w", name, err)
	}
	return res, nil
}

// handle returns the cached sha for a transaction, loading all bodies first
// on the process's first use.
func (r *Registry) handle(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		if err := r.loadAll(ctx); err != nil {
			return "", err
		}
		r.loaded = true
	}

	sha, ok := r.handles[name]
	if !ok {
		return "", fmt.Errorf("store: unknown transaction %q", name)
	}
	return sha, nil
}

// reload repopulates the handle table after a detected eviction and returns
// the fresh handle for the named transaction.
func (r *Registry) reload(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadAll(ctx); err != nil {
		return "", err
	}
	sha, ok := r.handles[name]
	if !ok {
		return "", fmt.Errorf("store: unknown transaction %q", name)
	}
	return sha, nil
}

// loadAll registers every transaction body with SCRIPT LOAD. Caller must
// hold r.mu.
func (r *Registry) loadAll(ctx context.Context) error {
	for name, body := range scriptBodies {
		sha, err := r.rdb.ScriptLoad(ctx, body).Result()
		if err != nil {
			return fmt.Errorf("store: load script %s: %w", name, err)
		}
		r.handles[name] = sha
	}
	log.Printf("store: loaded %d transaction scripts", len(scriptBodies))
	return nil
}
