package cache

import (
	"container/list"
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/zeebo/xxh3"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-dtw/internal/dtw"
)

// Key identifies a (backend, source, target) request by content.
type Key xxh3.Uint128

// KeyOf hashes the backend name, both set shapes and every sequence value.
func KeyOf(backend string, source, target *dtw.Set) Key {
	h := xxh3.New()
	_, _ = h.WriteString(backend)
	for _, s := range []*dtw.Set{source, target} {
		var hdr [16]byte
		binary.LittleEndian.PutUint64(hdr[:8], uint64(s.Len()))
		binary.LittleEndian.PutUint64(hdr[8:], uint64(s.SeqLen()))
		_, _ = h.Write(hdr[:])
		for i := 0; i < s.Len(); i++ {
			row := s.Row(i)
			_, _ = h.Write(unsafe.Slice((*byte)(unsafe.Pointer(&row[0])), len(row)*4))
		}
	}
	return Key(h.Sum128())
}

// MatrixCache is a bounded LRU of distance matrices.
type MatrixCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent
	items    map[Key]*list.Element
}

type entry struct {
	key Key
	m   *mat.Dense
}

func NewMatrixCache(capacity int) *MatrixCache {
	return &MatrixCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[Key]*list.Element),
	}
}

// Get returns a copy of the cached matrix.
func (c *MatrixCache) Get(k Key) (*mat.Dense, bool) {
	if c == nil || c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[k]
	if !ok {
		cacheMisses.Inc()
		return nil, false
	}
	c.order.MoveToFront(el)
	cacheHits.Inc()
	return mat.DenseCopyOf(el.Value.(*entry).m), true
}

// Put stores a copy of m, evicting the least recently used entry when full.
func (c *MatrixCache) Put(k Key, m *mat.Dense) {
	if c == nil || c.capacity <= 0 || m == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[k]; ok {
		el.Value.(*entry).m = mat.DenseCopyOf(m)
		c.order.MoveToFront(el)
		return
	}
	c.items[k] = c.order.PushFront(&entry{key: k, m: mat.DenseCopyOf(m)})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
		cacheEvictions.Inc()
	}
	cacheEntries.Set(float64(c.order.Len()))
}

// Size returns the number of cached matrices.
func (c *MatrixCache) Size() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
