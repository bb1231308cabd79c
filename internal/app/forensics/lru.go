package forensics

import "container/list"

// lruSet tracks recently seen trade ids with O(1) membership checks and
// oldest-first eviction once the capacity is reached.
type lruSet struct {
	capacity int
	order    *list.List
	items    map[int64]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	if capacity < 1 {
		capacity = 1
	}
	return &lruSet{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[int64]*list.Element),
	}
}

// Seen reports membership, refreshing the id's recency on a hit.
func (s *lruSet) Seen(id int64) bool {
	el, ok := s.items[id]
	if !ok {
		return false
	}
	s.order.MoveToFront(el)
	return true
}

// Add inserts an id, evicting the least recently seen one past capacity.
func (s *lruSet) Add(id int64) {
	if el, ok := s.items[id]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.items[id] = s.order.PushFront(id)
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(int64))
	}
}

func (s *lruSet) Len() int { return s.order.Len() }
