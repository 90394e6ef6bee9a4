package objlist

import (
	"fmt"
	"sync"
)

// Sequencer feeds completions that may arrive in any order to a Writer in
// input order. Index i is appended only after 0..i-1 have been appended; a
// failed index is never filled, so nothing after it is written either.
type Sequencer struct {
	w       *Writer
	mu      sync.Mutex
	next    int
	pending map[int]string
	err     error
}

func NewSequencer(w *Writer) *Sequencer {
	return &Sequencer{w: w, pending: make(map[int]string)}
}

// Done reports that module index produced obj. It flushes every entry that
// is now contiguous with what was already written.
func (s *Sequencer) Done(index int, obj string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if index < s.next {
		return fmt.Errorf("module index %d completed twice", index)
	}
	if _, dup := s.pending[index]; dup {
		return fmt.Errorf("module index %d completed twice", index)
	}
	s.pending[index] = obj

	for {
		obj, ok := s.pending[s.next]
		if !ok {
			return nil
		}
		delete(s.pending, s.next)
		if err := s.w.Append(obj); err != nil {
			s.err = err
			return err
		}
		s.next++
	}
}

// Written returns how many entries reached the manifest.
func (s *Sequencer) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Pending returns how many completions are waiting on an earlier index.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
