package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SeenSet records accepted request ids. It only grows.
type SeenSet struct {
	ids sync.Map
	n   atomic.Int64
}

// Insert adds id and reports whether it was absent. Check and insert are one
// atomic step, so concurrent callers with the same id get exactly one true.
func (s *SeenSet) Insert(id uuid.UUID) bool {
	if _, loaded := s.ids.LoadOrStore(id, struct{}{}); loaded {
		return false
	}
	s.n.Add(1)
	return true
}

// Contains reports whether id was accepted.
func (s *SeenSet) Contains(id uuid.UUID) bool {
	_, ok := s.ids.Load(id)
	return ok
}

// Len returns the number of accepted ids.
func (s *SeenSet) Len() int64 {
	return s.n.Load()
}
