package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/strongroom/strongroom/interfaces"
)

// BackendFactory creates ByteStore backends from URI strings.
type BackendFactory struct {
	log *slog.Logger
}

// NewBackendFactory creates a new factory instance.
func NewBackendFactory(logger *slog.Logger) *BackendFactory {
	return &BackendFactory{log: logger}
}

// BackendFor creates a storage backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - In-memory storage (tests, development)
//   - file:// - Local filesystem storage
//   - badger:// - Embedded Badger database
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - Upstream HashiCorp Vault KV mount
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *BackendFactory) BackendFor(location interfaces.StoreLocation) (interfaces.ByteStore, error) {
	u, err := url.Parse(location.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryBackend(), nil
	case "file":
		return sf.createFileBackend(u)
	case "badger":
		return sf.createBadgerBackend(u)
	case "s3":
		return sf.createS3Backend(u)
	case "vault":
		return sf.createVaultBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/
func (sf *BackendFactory) createFileBackend(u *url.URL) (interfaces.ByteStore, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, u.String())
	}

	return NewFileBackend(path, sf.log)
}

// createBadgerBackend creates an embedded Badger storage backend.
// URI format: badger:///var/lib/strongroom
func (sf *BackendFactory) createBadgerBackend(u *url.URL) (interfaces.ByteStore, error) {
	sf.log.Debug("Creating badger backend", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in badger URI: %s", interfaces.ErrInvalidLocationURI, u.String())
	}

	return NewBadgerBackend(path, sf.log)
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=custom.s3.com
func (sf *BackendFactory) createS3Backend(u *url.URL) (interfaces.ByteStore, error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", u.Redacted()))

	bucketName := u.Host
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, sf.log)
}

// createVaultBackend creates an upstream Vault storage backend.
// URI format: vault://host:8200/mount/prefix?token=...&tls=true
func (sf *BackendFactory) createVaultBackend(u *url.URL) (interfaces.ByteStore, error) {
	sf.log.Debug("Creating vault backend", slog.String("uri", u.Redacted()))

	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: vault URI must include a mount path: %s", interfaces.ErrInvalidLocationURI, u.Redacted())
	}
	mountPath := parts[0]
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	return NewVaultBackend(address, mountPath, dataPath, u.Query().Get("token"), sf.log)
}
