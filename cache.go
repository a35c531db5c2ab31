// Cache maintains the map of keys to SGX sessions that this server
// currently possesses. Currently, we only have LRU policy
// implemented, with an optional idle timeout.
package sgx_ra

import (
	"container/list"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

type Cache interface {
	// Store the session under key. A session already stored under
	// key is closed.
	Set(key string, session *Session)

	// Get fetches the session corresponding to key, and returns
	// (session, true) if it exists and has not timed out.
	// Otherwise, Get returns (nil, false).
	Get(key string) (*Session, bool)

	// Delete closes and removes the entry if the key exists.
	Delete(key string)

	// Len returns the number of stored sessions, expired or not.
	Len() int

	// Expire closes and removes every timed out session, and
	// returns how many were removed.
	Expire() int
}

type entry struct {
	key      string
	session  *Session
	lastUsed time.Time
}

type cache struct {
	sync.Mutex

	capacity int
	timeout  time.Duration
	clock    clock.PassiveClock
	queue    *list.List // back of the queue is the oldest
	items    map[string]*list.Element
}

// NewCache returns an LRU session cache. A capacity of -1 is unbounded
// and a timeout <= 0 never expires sessions. Removed sessions are
// closed after the cache lock is released, so callers must not hold a
// session lock while calling into the cache.
func NewCache(capacity int, timeout time.Duration, clk clock.PassiveClock) Cache {
	return &cache{
		capacity: capacity,
		timeout:  timeout,
		clock:    clk,
		queue:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func closeAll(sessions []*Session) {
	for _, s := range sessions {
		s.Close()
	}
}

func (c *cache) remove(elem *list.Element) *Session {
	e := c.queue.Remove(elem).(*entry)
	delete(c.items, e.key)
	return e.session
}

func (c *cache) expired(e *entry, now time.Time) bool {
	return c.timeout > 0 && now.Sub(e.lastUsed) > c.timeout
}

func (c *cache) Set(key string, session *Session) {
	var evicted []*Session
	defer func() { closeAll(evicted) }()

	c.Lock()
	defer c.Unlock()

	if elem, ok := c.items[key]; ok {
		if old := c.remove(elem); old != session {
			evicted = append(evicted, old)
		}
	}
	elem := c.queue.PushFront(&entry{key: key, session: session, lastUsed: c.clock.Now()})
	c.items[key] = elem

	// -1 indicates infinite capacity
	for c.capacity != -1 && c.queue.Len() > c.capacity {
		oldest := c.queue.Back()
		if oldest == nil {
			break
		}
		evicted = append(evicted, c.remove(oldest))
	}
}

func (c *cache) Get(key string) (*Session, bool) {
	var evicted []*Session
	defer func() { closeAll(evicted) }()

	// MoveToFront mutates the queue, so this takes the write lock.
	c.Lock()
	defer c.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	now := c.clock.Now()
	if c.expired(e, now) {
		evicted = append(evicted, c.remove(elem))
		return nil, false
	}
	e.lastUsed = now
	c.queue.MoveToFront(elem)
	return e.session, true
}

func (c *cache) Delete(key string) {
	var evicted []*Session
	defer func() { closeAll(evicted) }()

	c.Lock()
	defer c.Unlock()

	elem, ok := c.items[key]
	if !ok { // if key's not in the cache, no problem
		return
	}
	evicted = append(evicted, c.remove(elem))
}

func (c *cache) Len() int {
	c.Lock()
	defer c.Unlock()
	return c.queue.Len()
}

func (c *cache) Expire() int {
	var evicted []*Session
	defer func() { closeAll(evicted) }()

	c.Lock()
	defer c.Unlock()

	now := c.clock.Now()
	// the queue is ordered by last use, so stop at the first live entry
	for elem := c.queue.Back(); elem != nil; elem = c.queue.Back() {
		if !c.expired(elem.Value.(*entry), now) {
			break
		}
		evicted = append(evicted, c.remove(elem))
	}
	return len(evicted)
}
