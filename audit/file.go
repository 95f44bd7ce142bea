package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends entries to a JSONL file, one entry per line. The file
// is opened lazily on first emit and kept open; each line is flushed to
// the kernel before Emit returns.
type FileSink struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileSink creates a file sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Name returns an identifier for logging.
func (s *FileSink) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.path))
}

// Emit appends one line to the file.
func (s *FileSink) Emit(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
		s.file = f
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
