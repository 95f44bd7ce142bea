package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ByteStore is an abstract key-value store of opaque byte blobs addressed
// by string paths. It is the only persistence surface the vault touches,
// and it only ever receives ciphertext (or non-sensitive bootstrap records
// written before the barrier is available).
//
// All methods honor the caller's context deadline; exceeding it surfaces
// as ErrStorage, never as a hang.
type ByteStore interface {
	// Get retrieves the blob stored at key. Returns ErrNotFound if the key
	// does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a blob at key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the blob at key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)

	// Name returns an identifier for logging.
	Name() string
}

// StoreLocation represents a URI for a storage backend.
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
}

// NewStoreLocation creates a new storage location from a URI string with validation.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "memory", "file", "badger", "s3", "vault":
		// Valid scheme
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// ValidStorageKey reports whether key is acceptable as a ByteStore path:
// non-empty slash-separated segments over a restricted character set.
func ValidStorageKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '-' || r == '_' || r == '.':
			default:
				return false
			}
		}
	}
	return true
}

// ErrInvalidLocationURI is returned when a storage location URI is malformed
// or names an unsupported scheme.
var ErrInvalidLocationURI = errors.New("invalid storage location URI")
