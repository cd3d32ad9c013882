package discovery

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	circlesPrefix = "discovery:circles:"
	metaPrefix    = "discovery:meta:"
)

// Entry is one user's cached discovery result.
type Entry struct {
	User             string    `json:"user"`
	Circles          []string  `json:"circles"`
	LastScannedBlock uint64    `json:"lastScannedBlock"`
	CachedAt         time.Time `json:"cachedAt"`
	BlockHeight      uint64    `json:"blockHeight"`
}

// CircleMeta is cached per-circle metadata.
type CircleMeta struct {
	Name        string    `json:"name"`
	MemberCount int       `json:"memberCount"`
	CachedAt    time.Time `json:"cachedAt"`
}

type Stats struct {
	Entries int64 `json:"entries"`
	Circles int64 `json:"circles"`
}

// Cache is the persistent discovery cache, keyed by lowercased user address.
// Entries never expire in redis; validity is decided by Valid so that an
// invalid entry still provides the resume block for rediscovery.
type Cache struct {
	rdb      *redis.Client
	ttl      time.Duration
	maxDrift uint64
}

func NewCache(rdb *redis.Client, ttl time.Duration, maxDrift uint64) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, maxDrift: maxDrift}
}

// Get returns the cached entry for user, or nil when absent. A corrupt
// entry is dropped and treated as a miss.
func (c *Cache) Get(ctx context.Context, user string) (*Entry, error) {
	key := circlesPrefix + strings.ToLower(user)
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Printf("discovery cache: dropping corrupt entry for %s: %v", user, err)
		_ = c.rdb.Del(ctx, key).Err()
		return nil, nil
	}
	return &entry, nil
}

func (c *Cache) Put(ctx context.Context, entry *Entry) error {
	entry.User = strings.ToLower(entry.User)
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, circlesPrefix+entry.User, raw, 0).Err()
}

// Valid reports whether entry may be served without rediscovery: its age
// must be under the TTL and the chain must not have advanced past the drift
// threshold. Both bounds are exclusive: age == TTL or drift == maxDrift is
// already stale.
func (c *Cache) Valid(entry *Entry, now time.Time, currentHeight uint64) bool {
	if entry == nil {
		return false
	}
	if now.Sub(entry.CachedAt) >= c.ttl {
		return false
	}
	if currentHeight >= entry.BlockHeight && currentHeight-entry.BlockHeight >= c.maxDrift {
		return false
	}
	return true
}

func (c *Cache) PutMeta(ctx context.Context, circle string, meta *CircleMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, metaPrefix+strings.ToLower(circle), raw, 0).Err()
}

func (c *Cache) GetMeta(ctx context.Context, circle string) (*CircleMeta, error) {
	raw, err := c.rdb.Get(ctx, metaPrefix+strings.ToLower(circle)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta CircleMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, nil
	}
	return &meta, nil
}

// InvalidateAll wipes both namespaces. It is the only repair path for a
// cache suspected stale; there is no selective invalidation.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	for _, prefix := range []string{circlesPrefix, metaPrefix} {
		iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		prefix string
		dst    *int64
	}{
		{circlesPrefix, &stats.Entries},
		{metaPrefix, &stats.Circles},
	}
	for _, cnt := range counts {
		iter := c.rdb.Scan(ctx, 0, cnt.prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			*cnt.dst++
		}
		if err := iter.Err(); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}
