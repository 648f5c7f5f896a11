package syncclient

import (
	"sort"
	"sync"

	"github.com/siftapp/sift/internal/sift"
)

// Cache is a client-side replica of the item set, keyed by canonical id.
// Pages merge into it by identity: records already present are overwritten,
// new ones added, and nothing is ever implicitly deleted. Deletions only
// happen when the server stops returning a record because it was archived,
// and even then the stale copy stays until Forget is called.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]sift.ItemRecord
	serverTime string
}

func NewCache() *Cache {
	return &Cache{items: make(map[string]sift.ItemRecord)}
}

// Upsert merges records into the cache by canonical id.
func (c *Cache) Upsert(records ...sift.ItemRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range records {
		if record.CanonicalID == "" {
			continue
		}
		c.items[record.CanonicalID] = record
	}
}

// ApplyLocal applies an optimistic field-level patch to a cached record so the
// UI reflects a mutation before the server round-trip completes. The next
// Upsert of the server's copy wins.
func (c *Cache) ApplyLocal(canonicalID string, patch []sift.Property) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.items[canonicalID]
	if !ok {
		return sift.ErrNotFound
	}
	merged, err := sift.MergeBag(record.Payload.AdditionalProperty, patch)
	if err != nil {
		return err
	}
	record.Payload.AdditionalProperty = merged
	c.items[canonicalID] = record
	return nil
}

func (c *Cache) Get(canonicalID string) (sift.ItemRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.items[canonicalID]
	return record, ok
}

func (c *Cache) Forget(canonicalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, canonicalID)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// ServerTime reports the server clock as of the last successful page.
func (c *Cache) ServerTime() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverTime
}

func (c *Cache) setServerTime(t string) {
	if t == "" {
		return
	}
	c.mu.Lock()
	c.serverTime = t
	c.mu.Unlock()
}

// Filter is a read-time view predicate. Bucket membership and focus are
// derived from the property bag on every read rather than cached, so a local
// ApplyLocal immediately moves the record between views.
type Filter struct {
	Bucket      sift.Bucket
	FocusedOnly bool
}

// List returns cached records matching the filter, ordered by creation time
// then canonical id for a stable presentation order.
func (c *Cache) List(filter Filter) []sift.ItemRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]sift.ItemRecord, 0, len(c.items))
	for _, record := range c.items {
		if filter.Bucket != "" {
			bucket, ok := sift.BucketOf(record.Payload)
			if !ok || bucket != filter.Bucket {
				continue
			}
		}
		if filter.FocusedOnly && !sift.Focused(record.Payload) {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].CanonicalID < out[j].CanonicalID
	})
	return out
}
