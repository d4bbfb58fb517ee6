package cache

import (
	"context"
	"sync"
)

type entry struct {
	key  string
	resp *Response
	prev *entry
	next *entry
}

// memoryPartition is an LRU bounded by maxEntries unless pinned.
type memoryPartition struct {
	name       string
	mu         sync.Mutex
	items      map[string]*entry
	head       *entry
	tail       *entry
	maxEntries int
	pinned     bool
}

func newMemoryPartition(name string, maxEntries int) *memoryPartition {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &memoryPartition{
		name:       name,
		items:      make(map[string]*entry),
		maxEntries: maxEntries,
	}
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Match(ctx context.Context, key string) (*Response, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.items[key]
	if !ok {
		return nil, false, nil
	}
	p.moveToFront(e)
	return e.resp.Clone(), true, nil
}

func (p *memoryPartition) Put(ctx context.Context, key string, resp *Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.items[key]; ok {
		e.resp = resp.Clone()
		p.moveToFront(e)
		return nil
	}

	e := &entry{
		key:  key,
		resp: resp.Clone(),
	}
	p.items[key] = e
	p.addToFront(e)

	if !p.pinned && len(p.items) > p.maxEntries {
		p.evictOldest()
	}
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.items[key]
	if !ok {
		return false, nil
	}
	p.remove(e)
	delete(p.items, key)
	return true, nil
}

// Keys lists keys from most to least recently used.
func (p *memoryPartition) Keys(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.items))
	for e := p.head; e != nil; e = e.next {
		out = append(out, e.key)
	}
	return out, nil
}

func (p *memoryPartition) addToFront(e *entry) {
	e.prev = nil
	e.next = p.head
	if p.head != nil {
		p.head.prev = e
	}
	p.head = e
	if p.tail == nil {
		p.tail = e
	}
}

func (p *memoryPartition) moveToFront(e *entry) {
	if p.head == e {
		return
	}
	p.remove(e)
	p.addToFront(e)
}

func (p *memoryPartition) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		p.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		p.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (p *memoryPartition) evictOldest() {
	if p.tail == nil {
		return
	}
	oldest := p.tail
	p.remove(oldest)
	delete(p.items, oldest.key)
}

// MemoryStorage keeps partitions in process memory; they are lost on restart.
type MemoryStorage struct {
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
	order      []string
	maxEntries int
	pinned     map[string]bool
}

// NewMemoryStorage bounds every partition to maxEntries (1024 when <= 0).
func NewMemoryStorage(maxEntries int) *MemoryStorage {
	return &MemoryStorage{
		partitions: make(map[string]*memoryPartition),
		maxEntries: maxEntries,
		pinned:     make(map[string]bool),
	}
}

// Pin exempts the named partitions from the LRU bound. Their entries stay
// until the partition is deleted.
func (s *MemoryStorage) Pin(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range names {
		s.pinned[name] = true
		if p, ok := s.partitions[name]; ok {
			p.mu.Lock()
			p.pinned = true
			p.mu.Unlock()
		}
	}
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[name]; ok {
		return p, nil
	}
	p := newMemoryPartition(name, s.maxEntries)
	p.pinned = s.pinned[name]
	s.partitions[name] = p
	s.order = append(s.order, name)
	return p, nil
}

func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partitions[name]; !ok {
		return false, nil
	}
	delete(s.partitions, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *MemoryStorage) Match(ctx context.Context, key string) (*Response, bool, error) {
	s.mu.RLock()
	parts := make([]*memoryPartition, 0, len(s.order))
	for _, n := range s.order {
		parts = append(parts, s.partitions[n])
	}
	s.mu.RUnlock()

	for _, p := range parts {
		if resp, ok, _ := p.Match(ctx, key); ok {
			return resp, true, nil
		}
	}
	return nil, false, nil
}
