// Package transit implements encryption as a service: named versioned
// keys that encrypt and decrypt caller payloads without the plaintext key
// ever leaving the vault. Ciphertexts are self-describing
// ("strongroom:v<N>:<base64>"), so old versions keep decrypting after a
// rotation and Rewrap can move data to the newest key.
package transit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/strongroom/strongroom/barrier"
	"github.com/strongroom/strongroom/interfaces"
)

const (
	// keyPrefix locates transit key records in storage.
	keyPrefix = "transit/keys/"

	// ciphertextPrefix marks vault-produced ciphertexts.
	ciphertextPrefix = "strongroom"

	keyLen = 32
)

// keyRecord is the persisted form of a named key with all of its
// versions.
type keyRecord struct {
	Name          string            `json:"name"`
	ActiveVersion uint32            `json:"active_version"`
	Versions      map[uint32][]byte `json:"versions"`
	CreatedAt     time.Time         `json:"created_at"`
}

// KeyInfo describes a named key without exposing key material.
type KeyInfo struct {
	Name          string    `json:"name"`
	ActiveVersion uint32    `json:"active_version"`
	MinVersion    uint32    `json:"min_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Engine is the transit secrets engine.
type Engine struct {
	barrier *barrier.Barrier
	log     *slog.Logger
	now     func() time.Time
}

// NewEngine creates a transit engine over the given barrier.
func NewEngine(b *barrier.Barrier, log *slog.Logger) *Engine {
	return &Engine{
		barrier: b,
		log:     log,
		now:     time.Now,
	}
}

// CreateKey creates a named key at version 1. Creating an existing key is
// an error.
func (e *Engine) CreateKey(ctx context.Context, name string) (*KeyInfo, error) {
	if err := validateKeyName(name); err != nil {
		return nil, err
	}

	_, err := e.load(ctx, name)
	if err == nil {
		return nil, fmt.Errorf("%w: transit key %q already exists", interfaces.ErrValidation, name)
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}

	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate transit key: %w", err)
	}

	record := &keyRecord{
		Name:          name,
		ActiveVersion: 1,
		Versions:      map[uint32][]byte{1: key},
		CreatedAt:     e.now().UTC(),
	}
	if err := e.store(ctx, record); err != nil {
		return nil, err
	}

	e.log.Info("Transit key created", slog.String("key", name))
	return record.info(), nil
}

// KeyInfo returns metadata for a named key.
func (e *Engine) KeyInfo(ctx context.Context, name string) (*KeyInfo, error) {
	if err := validateKeyName(name); err != nil {
		return nil, err
	}
	record, err := e.load(ctx, name)
	if err != nil {
		return nil, err
	}
	return record.info(), nil
}

// ListKeys returns all key names, sorted.
func (e *Engine) ListKeys(ctx context.Context) ([]string, error) {
	keys, err := e.barrier.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, keyPrefix))
	}
	sort.Strings(names)
	return names, nil
}

// Rotate adds a fresh key version and makes it active. Existing
// ciphertexts stay decryptable under their recorded versions.
func (e *Engine) Rotate(ctx context.Context, name string) (*KeyInfo, error) {
	if err := validateKeyName(name); err != nil {
		return nil, err
	}
	record, err := e.load(ctx, name)
	if err != nil {
		return nil, err
	}

	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate transit key: %w", err)
	}
	record.ActiveVersion++
	record.Versions[record.ActiveVersion] = key

	if err := e.store(ctx, record); err != nil {
		return nil, err
	}

	e.log.Info("Transit key rotated",
		slog.String("key", name),
		slog.Uint64("version", uint64(record.ActiveVersion)))
	return record.info(), nil
}

// Encrypt seals plaintext under the key's active version.
func (e *Engine) Encrypt(ctx context.Context, name string, plaintext []byte) (string, error) {
	if err := validateKeyName(name); err != nil {
		return "", err
	}
	record, err := e.load(ctx, name)
	if err != nil {
		return "", err
	}
	return sealPayload(record, record.ActiveVersion, plaintext)
}

// Decrypt opens a vault-produced ciphertext with whichever key version it
// names. Tampering or an unknown version yields ErrAuthenticationTag.
func (e *Engine) Decrypt(ctx context.Context, name string, ciphertext string) ([]byte, error) {
	if err := validateKeyName(name); err != nil {
		return nil, err
	}
	record, err := e.load(ctx, name)
	if err != nil {
		return nil, err
	}
	plaintext, _, err := openPayload(record, ciphertext)
	return plaintext, err
}

// Rewrap re-encrypts an existing ciphertext under the active key version
// without returning the plaintext to the caller.
func (e *Engine) Rewrap(ctx context.Context, name string, ciphertext string) (string, error) {
	if err := validateKeyName(name); err != nil {
		return "", err
	}
	record, err := e.load(ctx, name)
	if err != nil {
		return "", err
	}

	plaintext, _, err := openPayload(record, ciphertext)
	if err != nil {
		return "", err
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()

	return sealPayload(record, record.ActiveVersion, plaintext)
}

func sealPayload(record *keyRecord, version uint32, plaintext []byte) (string, error) {
	gcm, err := gcmFor(record, version)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(record.Name))

	return fmt.Sprintf("%s:v%d:%s", ciphertextPrefix, version,
		base64.StdEncoding.EncodeToString(sealed)), nil
}

func openPayload(record *keyRecord, ciphertext string) ([]byte, uint32, error) {
	parts := strings.SplitN(ciphertext, ":", 3)
	if len(parts) != 3 || parts[0] != ciphertextPrefix || !strings.HasPrefix(parts[1], "v") {
		return nil, 0, fmt.Errorf("%w: malformed ciphertext", interfaces.ErrValidation)
	}
	v, err := strconv.ParseUint(parts[1][1:], 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: malformed ciphertext version", interfaces.ErrValidation)
	}
	version := uint32(v)

	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: ciphertext is not valid base64", interfaces.ErrValidation)
	}

	gcm, err := gcmFor(record, version)
	if err != nil {
		return nil, 0, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, 0, fmt.Errorf("%w: ciphertext too short", interfaces.ErrAuthenticationTag)
	}

	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], []byte(record.Name))
	if err != nil {
		return nil, 0, interfaces.ErrAuthenticationTag
	}
	return plaintext, version, nil
}

func gcmFor(record *keyRecord, version uint32) (cipher.AEAD, error) {
	key, ok := record.Versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: no key version %d", interfaces.ErrAuthenticationTag, version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (e *Engine) load(ctx context.Context, name string) (*keyRecord, error) {
	data, err := e.barrier.Get(ctx, keyPrefix+name)
	if err != nil {
		return nil, err
	}
	var record keyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode transit key %q: %w", name, err)
	}
	return &record, nil
}

func (e *Engine) store(ctx context.Context, record *keyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode transit key %q: %w", record.Name, err)
	}
	return e.barrier.Put(ctx, keyPrefix+record.Name, data)
}

func (r *keyRecord) info() *KeyInfo {
	min := uint32(0)
	for v := range r.Versions {
		if min == 0 || v < min {
			min = v
		}
	}
	return &KeyInfo{
		Name:          r.Name,
		ActiveVersion: r.ActiveVersion,
		MinVersion:    min,
		CreatedAt:     r.CreatedAt,
	}
}

func validateKeyName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: transit key name must not be empty", interfaces.ErrValidation)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("%w: invalid transit key name %q", interfaces.ErrValidation, name)
		}
	}
	return nil
}
