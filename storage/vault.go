package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/strongroom/strongroom/interfaces"
)

// VaultBackend implements a storage backend on top of an upstream
// HashiCorp Vault KV v2 mount. Useful for migrations: blobs written here
// are already ciphertext, the upstream Vault only provides placement.
type VaultBackend struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultBackend creates a new Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path prefix within the mount (e.g. "strongroom")
//   - token: Vault token
//   - log: structured logger
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Vault client: %v", interfaces.ErrStorage, err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:    client,
		mountPath: mountPath,
		dataPath:  dataPath,
		log:       log,
	}, nil
}

// Get retrieves a blob by key. Returns ErrNotFound if the entry doesn't exist.
func (b *VaultBackend) Get(ctx context.Context, key string) ([]byte, error) {
	path := b.entryPath("data", key)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: failed to read from Vault: %v", interfaces.ErrStorage, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid data format in Vault response", interfaces.ErrStorage)
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: content key not found in Vault data", interfaces.ErrStorage)
	}

	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode Vault content: %v", interfaces.ErrStorage, err)
	}
	return raw, nil
}

// Put stores a blob at key, replacing any existing entry.
func (b *VaultBackend) Put(ctx context.Context, key string, value []byte) error {
	path := b.entryPath("data", key)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(value),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: failed to write to Vault: %v", interfaces.ErrStorage, err)
	}
	return nil
}

// Delete removes the entry at key, including all KV v2 version history.
func (b *VaultBackend) Delete(ctx context.Context, key string) error {
	path := b.entryPath("metadata", key)

	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("%w: failed to delete from Vault: %v", interfaces.ErrStorage, err)
	}
	return nil
}

// List returns all keys with the given prefix, sorted ascending. The KV v2
// metadata listing is per directory level, so this walks recursively.
func (b *VaultBackend) List(ctx context.Context, prefix string) ([]string, error) {
	// Listing works on directories; split the prefix into its directory
	// part and a leaf filter.
	dir, leaf := "", prefix
	if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
		dir, leaf = prefix[:i+1], prefix[i+1:]
	}

	var keys []string
	if err := b.walk(ctx, dir, &keys); err != nil {
		return nil, err
	}

	filtered := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, dir+leaf) {
			filtered = append(filtered, k)
		}
	}
	sort.Strings(filtered)
	return filtered, nil
}

func (b *VaultBackend) walk(ctx context.Context, dir string, out *[]string) error {
	path := b.entryPath("metadata", dir)

	secret, err := b.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: failed to list Vault path: %v", interfaces.ErrStorage, err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}
	entries, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil
	}

	for _, e := range entries {
		name, ok := e.(string)
		if !ok {
			continue
		}
		if strings.HasSuffix(name, "/") {
			if err := b.walk(ctx, dir+name, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, dir+name)
	}
	return nil
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// entryPath builds the KV v2 API path ({mount}/{op}/{prefix}/{key}).
func (b *VaultBackend) entryPath(op, key string) string {
	parts := []string{b.mountPath, op}
	if b.dataPath != "" {
		parts = append(parts, b.dataPath)
	}
	if key != "" {
		parts = append(parts, strings.TrimSuffix(key, "/"))
	}
	return strings.Join(parts, "/")
}
