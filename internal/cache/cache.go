package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

const DefaultCost int64 = 1
const DefaultTTL time.Duration = time.Minute

// Cache is a namespaced TTL cache. Entries are advisory; callers must
// tolerate a miss at any time.
type Cache struct {
	c *ristretto.Cache
}

func New() (*Cache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,     // number of keys to track frequency of (1M).
		MaxCost:     1 << 26, // maximum cost of cache (64MB).
		BufferItems: 64,      // number of keys per Get buffer.
	})
	if err != nil {
		return nil, errors.WithMessage(err, "NewCache")
	}

	return &Cache{c: cache}, nil
}

func (c *Cache) Get(namespace, key string) (interface{}, bool) {
	return c.c.Get(fmt.Sprintf("%s:%s", namespace, key))
}

func (c *Cache) Set(namespace, key string, v interface{}) {
	c.SetTTL(namespace, key, v, DefaultTTL)
}

func (c *Cache) SetTTL(namespace, key string, v interface{}, ttl time.Duration) {
	c.c.SetWithTTL(fmt.Sprintf("%s:%s", namespace, key), v, DefaultCost, ttl)
}

func (c *Cache) Del(namespace, key string) {
	c.c.Del(fmt.Sprintf("%s:%s", namespace, key))
}

// Wait blocks until pending writes are visible to Get. Only tests
// should need it.
func (c *Cache) Wait() {
	c.c.Wait()
}
