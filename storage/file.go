package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/strongroom/strongroom/interfaces"
)

// FileBackend implements a storage backend using the local file system.
// Keys map directly onto the directory tree under the base directory.
type FileBackend struct {
	baseDir string
	log     *slog.Logger
}

// NewFileBackend creates a new file storage backend using the specified
// base directory, creating it if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: failed to create base directory: %v", interfaces.ErrStorage, err)
	}

	return &FileBackend{
		baseDir: baseDir,
		log:     log,
	}, nil
}

// Get retrieves a value by key. Returns ErrNotFound if the file doesn't exist.
func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}
	filePath, err := b.filePath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read file: %v", interfaces.ErrStorage, err)
	}

	b.log.Debug("Fetched entry from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Put stores a value at key, replacing any existing file. The write goes
// through a temp file and rename so readers never observe a partial value.
func (b *FileBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	filePath, err := b.filePath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return fmt.Errorf("%w: failed to create directory: %v", interfaces.ErrStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".put-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", interfaces.ErrStorage, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to write file: %v", interfaces.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to close file: %v", interfaces.ErrStorage, err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to rename file: %v", interfaces.ErrStorage, err)
	}

	b.log.Debug("Stored entry in file",
		slog.String("path", filePath),
		slog.Int("size", len(value)))

	return nil
}

// Delete removes the file at key. Deleting an absent key is not an error.
func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	filePath, err := b.filePath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to remove file: %v", interfaces.ErrStorage, err)
	}
	return nil
}

// List returns all keys with the given prefix, sorted ascending.
func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}

	var keys []string
	err := filepath.WalkDir(b.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), "_") {
			return nil
		}
		rel, err := filepath.Rel(b.baseDir, path)
		if err != nil {
			return err
		}
		key := unescapeKey(filepath.ToSlash(rel))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to walk directory: %v", interfaces.ErrStorage, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// filePath maps a storage key onto the directory tree. The leaf segment
// gets an underscore prefix so a key and a longer key it prefixes can
// coexist (one as a file, one as a directory). Keys are validated so they
// cannot escape the base directory.
func (b *FileBackend) filePath(key string) (string, error) {
	if !interfaces.ValidStorageKey(key) {
		return "", fmt.Errorf("%w: invalid storage key %q", interfaces.ErrValidation, key)
	}
	dir, name := "", key
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		dir, name = key[:i], key[i+1:]
	}
	return filepath.Join(b.baseDir, filepath.FromSlash(dir), "_"+name), nil
}

// unescapeKey reverses the leaf underscore prefix applied by filePath.
func unescapeKey(rel string) string {
	dir, name := "", rel
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		dir, name = rel[:i+1], rel[i+1:]
	}
	return dir + strings.TrimPrefix(name, "_")
}
