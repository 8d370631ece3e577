// Package cache implements the content cache: a fingerprint-keyed
// bundle store with single-flight generation, TTL + LRU eviction, and
// admin invalidation.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/contentforge/jobserver/pkg/metrics"
	"github.com/contentforge/jobserver/pkg/models"
)

// Bundle maps an artifact type to its generated artifact payload for a
// single fingerprint.
type Bundle map[models.ContentType]*models.Artifact

// LookupResult is the tri-state outcome of a lookup.
type LookupResult int

// LookupResult values.
const (
	Miss LookupResult = iota
	Hit
	InFlightResult
)

// BeginResult is the outcome of beginning a build: exactly one concurrent
// caller per fingerprint becomes the leader.
type BeginResult int

// BeginResult values.
const (
	BecameLeader BeginResult = iota
	BecameFollower
)

// inflight is the latch+slot for a fingerprint whose bundle is being built:
// a map from fingerprint to a latch+slot, where followers await the latch
// and then read the slot.
type inflight struct {
	token  string
	userID string
	done   chan struct{} // closed by publish or abort
	bundle Bundle        // valid once done is closed, if err == nil
	err    error
}

// entry is a published, non-owning cache entry.
type entry struct {
	fingerprint string
	userID      string
	bundle      Bundle
	expiresAt   time.Time
	elem        *list.Element
}

// Cache is the content cache. All exported methods are safe for concurrent
// use; critical sections run in O(1), except InvalidateUser, which scans
// every entry.
type Cache struct {
	maxEntries int

	mu        sync.Mutex
	entries   map[string]*entry
	inflights map[string]*inflight
	lru       *list.List // front = most recently used
}

// New creates a Cache bounded to maxEntries, a soft LRU cap.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Cache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
		inflights:  make(map[string]*inflight),
		lru:        list.New(),
	}
}

// Lookup returns the current state of a fingerprint: a non-expired bundle, a
// miss, or an in-flight build.
func (c *Cache) Lookup(fingerprint string) (Bundle, LookupResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fingerprint]; ok {
		if time.Now().Before(e.expiresAt) {
			c.lru.MoveToFront(e.elem)
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return e.bundle, Hit
		}
		c.removeEntryLocked(e)
	}

	if _, ok := c.inflights[fingerprint]; ok {
		metrics.CacheLookups.WithLabelValues("inflight").Inc()
		return nil, InFlightResult
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return nil, Miss
}

// Begin atomically registers a build attempt for fingerprint. The first
// caller becomes the leader and receives a token to pass to Publish/Abort;
// every concurrent caller after it becomes a follower and must call Wait
// with the same token to observe the leader's outcome.
func (c *Cache) Begin(fingerprint, userID, token string) (BeginResult, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.inflights[fingerprint]; ok {
		return BecameFollower, f.token
	}

	c.inflights[fingerprint] = &inflight{
		token:  token,
		userID: userID,
		done:   make(chan struct{}),
	}
	return BecameLeader, token
}

// Waiter lets a follower block on a leader's outcome and then read it.
// Holding the *inflight slot directly (rather than re-keying by
// fingerprint) means Result still sees the leader's bundle/err after
// Publish or Abort has removed the fingerprint from the inflights map.
type Waiter struct {
	c           *Cache
	fingerprint string
	f           *inflight // nil if the leader had already finished by Wait time
	done        chan struct{}
}

// Done returns the channel that closes once the leader publishes or aborts.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Result reads the leader's outcome. Only valid after Done has closed.
func (w *Waiter) Result() (Bundle, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.f != nil {
		return w.f.bundle, w.f.err
	}
	// The leader finished between Begin and Wait; fall back to whatever it
	// published, if anything.
	if e, ok := w.c.entries[w.fingerprint]; ok {
		return e.bundle, nil
	}
	return nil, nil
}

// Wait returns a Waiter for the build in progress on fingerprint. Followers
// call this after Begin returns BecameFollower; leaders never call it.
func (c *Cache) Wait(fingerprint string) *Waiter {
	c.mu.Lock()
	f, ok := c.inflights[fingerprint]
	c.mu.Unlock()
	if !ok {
		// The leader already finished between Begin and Wait; treat as a
		// fresh lookup so the follower doesn't block forever.
		ch := make(chan struct{})
		close(ch)
		return &Waiter{c: c, fingerprint: fingerprint, done: ch}
	}
	return &Waiter{c: c, fingerprint: fingerprint, f: f, done: f.done}
}

// Publish stores the bundle for fingerprint and releases any followers. Only
// the leader holding token may publish; a bundle is never partially stored.
func (c *Cache) Publish(fingerprint, token string, bundle Bundle, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.inflights[fingerprint]
	if !ok || f.token != token {
		return
	}

	f.bundle = bundle
	close(f.done)
	delete(c.inflights, fingerprint)

	if old, exists := c.entries[fingerprint]; exists {
		c.removeEntryLocked(old)
	}

	e := &entry{
		fingerprint: fingerprint,
		userID:      f.userID,
		bundle:      bundle,
		expiresAt:   time.Now().Add(ttl),
	}
	e.elem = c.lru.PushFront(fingerprint)
	c.entries[fingerprint] = e

	c.evictOverflowLocked()
}

// Abort releases any followers with err and discards the in-flight entry
// without storing anything, propagating one error to all followers.
func (c *Cache) Abort(fingerprint, token string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.inflights[fingerprint]
	if !ok || f.token != token {
		return
	}
	f.err = err
	close(f.done)
	delete(c.inflights, fingerprint)
}

// InvalidateFingerprint removes a single cached entry.
func (c *Cache) InvalidateFingerprint(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fingerprint]; ok {
		c.removeEntryLocked(e)
	}
}

// InvalidateUser removes every cached entry originally produced for userID.
// This requires each entry to record its originating user even though the
// fingerprint itself is user-independent — see DESIGN.md's Open Question
// resolution.
func (c *Cache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, e := range c.entries {
		if e.userID == userID {
			c.removeEntryLocked(c.entries[fp])
		}
	}
}

// InvalidateAll clears every cached entry without touching in-flight builds.
// A moderation-version bump causes global invalidation without calling this
// at all — next lookups just miss, because the version participates in the
// fingerprint itself; InvalidateAll is the harder admin-triggered form.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru = list.New()
}

// Len returns the number of currently cached (non-expired-by-sweep) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeEntryLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.fingerprint)
}

func (c *Cache) evictOverflowLocked() {
	for len(c.entries) > c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			return
		}
		fp := back.Value.(string)
		if e, ok := c.entries[fp]; ok {
			c.removeEntryLocked(e)
		} else {
			c.lru.Remove(back)
		}
	}
}
