// Package triagecache holds recently triaged emails in memory. Entries expire
// after a fixed TTL and, once the cache is full, the oldest insertion is evicted
// first regardless of how often it has been read.
package triagecache

import (
	"container/list"
	"sync"
	"time"

	"casework-pipeline/internal/models"
	"casework-pipeline/internal/telemetry"
)

const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 1000
)

type key struct {
	office models.OfficeID
	email  models.ExternalID
}

type entry struct {
	key        key
	result     models.TriageResult
	insertedAt time.Time
}

// Cache is safe for concurrent use. Results are returned by value so callers
// cannot mutate cached state.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	metrics *telemetry.Metrics
	order   *list.List
	items   map[key]*list.Element
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:   DefaultTTL,
		max:   DefaultMaxEntries,
		now:   time.Now,
		order: list.New(),
		items: make(map[key]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a fresh result. An expired entry is removed and reported as a miss.
func (c *Cache) Get(office models.OfficeID, email models.ExternalID) (models.TriageResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key{office, email}]
	if !ok {
		c.metrics.CacheLookup(false)
		return models.TriageResult{}, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.insertedAt.Add(c.ttl)) {
		c.removeLocked(el)
		c.metrics.CacheLookup(false)
		return models.TriageResult{}, false
	}
	c.metrics.CacheLookup(true)
	return cloneResult(e.result), true
}

// Has reports whether a fresh entry exists without counting as a lookup.
func (c *Cache) Has(office models.OfficeID, email models.ExternalID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key{office, email}]
	return ok && c.now().Before(el.Value.(*entry).insertedAt.Add(c.ttl))
}

// Set stores a result under its office and email id. Replacing an entry counts
// as a new insertion.
func (c *Cache) Set(result models.TriageResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{result.OfficeID, result.EmailID}
	if el, ok := c.items[k]; ok {
		c.removeLocked(el)
	}
	for c.order.Len() >= c.max {
		c.removeLocked(c.order.Front())
		c.metrics.CacheEvicted()
	}
	c.items[k] = c.order.PushBack(&entry{key: k, result: cloneResult(result), insertedAt: c.now()})
}

// Delete drops an entry, reporting whether one was present.
func (c *Cache) Delete(office models.OfficeID, email models.ExternalID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key{office, email}]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

// PruneExpired removes every expired entry and returns how many went.
func (c *Cache) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.ttl)
	n := 0
	// insertion order is also age order
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if e.insertedAt.After(cutoff) {
			break
		}
		next := el.Next()
		c.removeLocked(el)
		n++
		el = next
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

func cloneResult(r models.TriageResult) models.TriageResult {
	if r.MatchedCases != nil {
		r.MatchedCases = append([]models.CaseSummary(nil), r.MatchedCases...)
	}
	if r.MatchedConstituent != nil {
		m := *r.MatchedConstituent
		r.MatchedConstituent = &m
	}
	if r.Suggestion != nil {
		s := *r.Suggestion
		r.Suggestion = &s
	}
	return r
}
