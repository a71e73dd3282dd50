// Package cache deduplicates identical completion requests.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"companion/internal/infra/metrics"
)

// DefaultSize bounds the number of cached responses.
const DefaultSize = 100

// Message is the role/content pair that takes part in a fingerprint.
// Timestamps are excluded so replays of the same dialogue hash alike.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Key identifies a completion request.
type Key struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

// Fingerprint returns the hex SHA-256 of the key's canonical JSON.
func (k Key) Fingerprint() string {
	// json.Marshal on this struct cannot fail
	b, _ := json.Marshal(k)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Entry is an immutable cached response.
type Entry struct {
	Fingerprint    string
	Content        string
	TokensUsed     int
	ProcessingTime time.Duration
	Model          string
	CreatedAt      time.Time
}

// Stats reports cache effectiveness.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is a bounded map with oldest-insertion eviction.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]Entry
	order   []string
	hits    uint64
	misses  uint64
}

// New returns a cache holding at most maxSize entries.
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	return &Cache{maxSize: maxSize, entries: make(map[string]Entry, maxSize)}
}

// Get looks up a fingerprint.
func (c *Cache) Get(fingerprint string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if ok {
		c.hits++
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		c.misses++
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}
	return e, ok
}

// Put stores e unless its fingerprint is already present.
func (c *Cache) Put(e Entry) {
	if e.Fingerprint == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[e.Fingerprint]; exists {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	c.entries[e.Fingerprint] = e
	c.order = append(c.order, e.Fingerprint)
	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Size: len(c.entries), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Clear drops every entry and resets the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry, c.maxSize)
	c.order = nil
	c.hits, c.misses = 0, 0
}
