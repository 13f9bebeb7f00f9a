package service

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"
)

// inflightSet tracks the cancel func of every running submission attempt.
type inflightSet struct {
	mu sync.Mutex
	m  map[uuid.UUID]inflightAttempt
}

type inflightAttempt struct {
	n      int
	cancel context.CancelFunc
}

func newInflightSet() *inflightSet {
	return &inflightSet{m: make(map[uuid.UUID]inflightAttempt)}
}

func (s *inflightSet) add(id uuid.UUID, n int, cancel context.CancelFunc) {
	s.mu.Lock()
	s.m[id] = inflightAttempt{n: n, cancel: cancel}
	s.mu.Unlock()
}

// remove forgets attempt n of id. A newer attempt is left alone.
func (s *inflightSet) remove(id uuid.UUID, n int) {
	s.mu.Lock()
	if a, ok := s.m[id]; ok && a.n == n {
		delete(s.m, id)
	}
	s.mu.Unlock()
}

// cancel aborts the running attempt of id, if any.
func (s *inflightSet) cancel(id uuid.UUID) bool {
	s.mu.Lock()
	a, ok := s.m[id]
	delete(s.m, id)
	s.mu.Unlock()
	if ok {
		a.cancel()
	}
	return ok
}

func (s *inflightSet) has(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[id]
	return ok
}

func (s *inflightSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
