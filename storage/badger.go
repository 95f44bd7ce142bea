package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/strongroom/strongroom/interfaces"
)

// BadgerBackend implements a storage backend using an embedded Badger
// database. Suited for single-node deployments where everything lives in
// one directory.
type BadgerBackend struct {
	db  *badger.DB
	dir string
	log *slog.Logger
}

// NewBadgerBackend opens (or creates) a Badger database at the given
// directory.
func NewBadgerBackend(dir string, log *slog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database: %v", interfaces.ErrStorage, err)
	}

	return &BadgerBackend{
		db:  db,
		dir: dir,
		log: log,
	}, nil
}

// Get retrieves a value by key. Returns ErrNotFound if the key doesn't exist.
func (b *BadgerBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get key: %v", interfaces.ErrStorage, err)
	}
	return value, nil
}

// Put stores a value at key, replacing any existing value.
func (b *BadgerBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to put key: %v", interfaces.ErrStorage, err)
	}
	return nil
}

// Delete removes the value at key. Deleting an absent key is not an error.
func (b *BadgerBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete key: %v", interfaces.ErrStorage, err)
	}
	return nil
}

// List returns all keys with the given prefix, sorted ascending.
func (b *BadgerBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().Key())
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list keys: %v", interfaces.ErrStorage, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Close flushes and closes the underlying database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// Name returns a unique identifier for this storage backend.
func (b *BadgerBackend) Name() string {
	return fmt.Sprintf("badger-%s", b.dir)
}
