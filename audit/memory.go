package audit

import (
	"context"
	"sync"
)

// MemorySink collects entries in memory. Used in tests; FailWith makes
// every subsequent emit fail, which is how fail-closed behavior gets
// exercised.
type MemorySink struct {
	mu      sync.Mutex
	lines   [][]byte
	failErr error
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Name returns an identifier for logging.
func (s *MemorySink) Name() string {
	return "memory"
}

// Emit records one line, or fails if FailWith was set.
func (s *MemorySink) Emit(ctx context.Context, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	stored := make([]byte, len(line))
	copy(stored, line)
	s.lines = append(s.lines, stored)
	return nil
}

// FailWith makes every subsequent Emit return err. Pass nil to recover.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Lines returns a copy of everything recorded so far.
func (s *MemorySink) Lines() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.lines))
	copy(out, s.lines)
	return out
}
