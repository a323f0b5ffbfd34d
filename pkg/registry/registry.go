// Package registry resolves thread types to handler bindings. Bindings are
// persisted in the store and served from an in-process cache so the hot turn
// path never pays a storage read for a warm type.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

const bindingPrefix = "binding:"

// ErrBindingNotFound is returned when no handler is configured for a
// thread type.
var ErrBindingNotFound = errors.New("handler binding not found")

type cacheEntry struct {
	binding  models.HandlerBinding
	loadedAt time.Time
	dirty    bool
}

// Registry is a read-mostly binding cache over the store.
type Registry struct {
	mu    sync.RWMutex
	cache map[string]*cacheEntry
	ttl   time.Duration
}

// New returns a Registry caching bindings for ttl.
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{cache: map[string]*cacheEntry{}, ttl: ttl}
}

// Resolve returns the binding for a thread type, consulting the cache first.
func (r *Registry) Resolve(threadType string) (models.HandlerBinding, error) {
	r.mu.RLock()
	e, ok := r.cache[threadType]
	if ok && !e.dirty && time.Since(e.loadedAt) < r.ttl {
		b := e.binding
		r.mu.RUnlock()
		return b, nil
	}
	r.mu.RUnlock()
	return r.load(threadType)
}

func (r *Registry) load(threadType string) (models.HandlerBinding, error) {
	var b models.HandlerBinding
	v, err := store.GetKey(bindingPrefix + threadType)
	if err != nil {
		return b, fmt.Errorf("%w: %s", ErrBindingNotFound, threadType)
	}
	if err := json.Unmarshal(v, &b); err != nil {
		return b, fmt.Errorf("invalid stored binding for %s: %w", threadType, err)
	}
	b.ClampTimeout()
	r.mu.Lock()
	r.cache[threadType] = &cacheEntry{binding: b, loadedAt: time.Now()}
	r.mu.Unlock()
	return b, nil
}

// Save persists a binding and marks any cached copy dirty so the next
// Resolve rereads it.
func (r *Registry) Save(b models.HandlerBinding) error {
	b.ThreadType = strings.TrimSpace(b.ThreadType)
	if b.ThreadType == "" {
		return fmt.Errorf("binding thread_type required")
	}
	if strings.TrimSpace(b.Endpoint) == "" {
		return fmt.Errorf("binding endpoint required")
	}
	b.ClampTimeout()
	b.UpdatedTS = time.Now().UTC().UnixNano()
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := store.SaveKey(bindingPrefix+b.ThreadType, data); err != nil {
		return err
	}
	r.Invalidate(b.ThreadType)
	logger.Info("binding_saved", "thread_type", b.ThreadType, "endpoint", b.Endpoint, "timeout_secs", b.TimeoutSecs)
	return nil
}

// Delete removes a binding and its cache entry.
func (r *Registry) Delete(threadType string) error {
	if err := store.DeleteKey(bindingPrefix + threadType); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, threadType)
	r.mu.Unlock()
	logger.Info("binding_deleted", "thread_type", threadType)
	return nil
}

// Invalidate marks the cached binding dirty for hot updates without waiting
// out the TTL.
func (r *Registry) Invalidate(threadType string) {
	r.mu.Lock()
	if e, ok := r.cache[threadType]; ok {
		e.dirty = true
	}
	r.mu.Unlock()
}

// SetCapabilities records the capability set a handler reported on first
// contact.
func (r *Registry) SetCapabilities(threadType string, caps []string) error {
	b, err := r.load(threadType)
	if err != nil {
		return err
	}
	b.Capabilities = caps
	return r.Save(b)
}

// List returns all persisted bindings.
func (r *Registry) List() ([]models.HandlerBinding, error) {
	keys, err := store.ListKeys(bindingPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.HandlerBinding, 0, len(keys))
	for _, k := range keys {
		b, err := r.load(strings.TrimPrefix(k, bindingPrefix))
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
