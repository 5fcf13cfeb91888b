package history

import (
	"container/list"
	"errors"
	"sync"

	"github.com/aristath/pricehub/internal/database"
)

type cachedTable struct {
	key Key
	db  *database.DB
}

// tableCache keeps a bounded set of open live tables, least recently used first out
type tableCache struct {
	mu    sync.Mutex
	limit int
	order *list.List // front = most recently used
	items map[Key]*list.Element
}

func newTableCache(limit int) *tableCache {
	return &tableCache{
		limit: limit,
		order: list.New(),
		items: make(map[Key]*list.Element),
	}
}

func (c *tableCache) get(key Key) *database.DB {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil
	}
	c.order.MoveToFront(el)
	return el.Value.(*cachedTable).db
}

// put caches db and evicts idle tables beyond the limit.
// tryLock must succeed for a table before it is closed; busy tables stay open.
func (c *tableCache) put(key Key, db *database.DB, tryLock func(Key) (func(), bool)) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		old := el.Value.(*cachedTable)
		if old.db != db {
			_ = old.db.Close()
		}
		old.db = db
		c.order.MoveToFront(el)
	} else {
		c.items[key] = c.order.PushFront(&cachedTable{key: key, db: db})
	}

	var evicted []Key
	for el := c.order.Back(); el != nil && c.order.Len() > c.limit; {
		prev := el.Prev()
		entry := el.Value.(*cachedTable)
		if unlock, ok := tryLock(entry.key); ok {
			_ = entry.db.Close()
			c.order.Remove(el)
			delete(c.items, entry.key)
			evicted = append(evicted, entry.key)
			unlock()
		}
		el = prev
	}
	return evicted
}

func (c *tableCache) remove(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil
	}
	c.order.Remove(el)
	delete(c.items, key)
	return el.Value.(*cachedTable).db.Close()
}

func (c *tableCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *tableCache) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for el := c.order.Front(); el != nil; el = el.Next() {
		if err := el.Value.(*cachedTable).db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.order.Init()
	c.items = make(map[Key]*list.Element)
	return errors.Join(errs...)
}
