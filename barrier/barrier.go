// Package barrier implements the encryption layer between the vault and
// its storage backend. Every value written through the barrier is sealed
// with AES-256-GCM under the active keyring term; paths stay in plaintext
// so listing works without decryption.
//
// Blob layout: [1B format version][4B big-endian key term][12B nonce]
// [ciphertext || 16B tag]. The term prefix lets old blobs decrypt after
// key rotation without rewriting them.
package barrier

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	uberatomic "go.uber.org/atomic"

	"github.com/strongroom/strongroom/interfaces"
)

const (
	// keyringPath is where the wrapped keyring lives in storage.
	keyringPath = "core/keyring"

	// blobVersion is the on-disk format version.
	blobVersion = 1

	// blobOverhead is version + term + nonce + GCM tag.
	blobOverhead = 1 + 4 + 12 + 16

	// rootTerm marks blobs wrapped directly by the root key (the keyring
	// itself). Regular data terms start at 1.
	rootTerm = 0
)

// Barrier encrypts and decrypts all vault data on its way to and from the
// storage backend. It starts sealed; Initialize or Unseal transitions it
// to operational.
type Barrier struct {
	store interfaces.ByteStore
	log   *slog.Logger

	// sealed is the hot-path flag checked on every operation without
	// taking the keyring lock.
	sealed uberatomic.Bool

	mu      sync.RWMutex
	keyring *keyring
	// rootKey holds the keyring wrap key, only opened when the keyring
	// must be re-persisted (initialize, rotate).
	rootKey *memguard.Enclave
}

// New creates a sealed barrier over the given storage backend.
func New(store interfaces.ByteStore, log *slog.Logger) *Barrier {
	b := &Barrier{
		store: store,
		log:   log,
	}
	b.sealed.Store(true)
	return b
}

// Initialized reports whether a keyring exists in storage.
func (b *Barrier) Initialized(ctx context.Context) (bool, error) {
	_, err := b.store.Get(ctx, keyringPath)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Initialize generates a fresh keyring, persists it wrapped by rootKey,
// and leaves the barrier unsealed. Returns ErrAlreadyInitialized if a
// keyring already exists.
func (b *Barrier) Initialize(ctx context.Context, rootKey []byte) error {
	if len(rootKey) != keyLen {
		return fmt.Errorf("%w: root key must be %d bytes", interfaces.ErrValidation, keyLen)
	}

	initialized, err := b.Initialized(ctx)
	if err != nil {
		return err
	}
	if initialized {
		return interfaces.ErrAlreadyInitialized
	}

	kr, err := newKeyring()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// NewEnclave wipes its input; hand it a copy so the caller's buffer
	// stays intact for share splitting.
	b.keyring = kr
	b.rootKey = memguard.NewEnclave(append([]byte(nil), rootKey...))

	if err := b.persistKeyringLocked(ctx); err != nil {
		b.keyring.zeroize()
		b.keyring = nil
		b.rootKey = nil
		return err
	}

	b.sealed.Store(false)
	b.log.Info("Barrier initialized", slog.Uint64("active_term", uint64(kr.ActiveTerm)))
	return nil
}

// Unseal loads the keyring from storage and unwraps it with rootKey. A
// wrong root key surfaces as ErrAuthenticationTag. Unsealing an unsealed
// barrier is a no-op.
func (b *Barrier) Unseal(ctx context.Context, rootKey []byte) error {
	if !b.sealed.Load() {
		return nil
	}

	wrapped, err := b.store.Get(ctx, keyringPath)
	if err != nil {
		if isNotFound(err) {
			return interfaces.ErrNotInitialized
		}
		return err
	}

	plain, term, err := decrypt(rootKey, keyringPath, wrapped)
	if err != nil {
		return err
	}
	defer wipeBytes(plain)
	if term != rootTerm {
		return fmt.Errorf("%w: keyring blob has unexpected term %d", interfaces.ErrAuthenticationTag, term)
	}

	kr, err := deserializeKeyring(plain)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrAuthenticationTag, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.keyring = kr
	b.rootKey = memguard.NewEnclave(append([]byte(nil), rootKey...))
	b.sealed.Store(false)

	b.log.Info("Barrier unsealed", slog.Uint64("active_term", uint64(kr.ActiveTerm)))
	return nil
}

// Seal zeroizes all in-memory key material and stops serving encrypted
// operations. Idempotent.
func (b *Barrier) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sealed.Store(true)
	if b.keyring != nil {
		b.keyring.zeroize()
		b.keyring = nil
	}
	b.rootKey = nil
	b.log.Info("Barrier sealed")
}

// Sealed reports whether the barrier is sealed. Lock-free.
func (b *Barrier) Sealed() bool {
	return b.sealed.Load()
}

// Rotate installs a fresh encryption key as the new active term and
// re-persists the wrapped keyring. Old terms remain decryptable.
func (b *Barrier) Rotate(ctx context.Context) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed.Load() || b.keyring == nil {
		return 0, interfaces.ErrSealed
	}

	term, err := b.keyring.rotate()
	if err != nil {
		return 0, err
	}
	if err := b.persistKeyringLocked(ctx); err != nil {
		// Roll back so in-memory state matches storage.
		wipeBytes(b.keyring.Keys[term])
		delete(b.keyring.Keys, term)
		b.keyring.ActiveTerm = term - 1
		return 0, err
	}

	b.log.Info("Barrier encryption key rotated", slog.Uint64("active_term", uint64(term)))
	return term, nil
}

// ActiveTerm returns the current encryption term.
func (b *Barrier) ActiveTerm() (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.sealed.Load() || b.keyring == nil {
		return 0, interfaces.ErrSealed
	}
	return b.keyring.ActiveTerm, nil
}

// Put encrypts value under the active term and stores it at key.
func (b *Barrier) Put(ctx context.Context, key string, value []byte) error {
	term, encKey, err := b.activeKeyCopy()
	if err != nil {
		return err
	}
	defer wipeBytes(encKey)

	blob, err := encrypt(encKey, term, key, value)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, key, blob)
}

// Get retrieves and decrypts the value at key.
func (b *Barrier) Get(ctx context.Context, key string) ([]byte, error) {
	if b.sealed.Load() {
		return nil, interfaces.ErrSealed
	}

	blob, err := b.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	term, err := blobTerm(blob)
	if err != nil {
		return nil, err
	}
	decKey, err := b.termKeyCopy(term)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(decKey)

	plain, _, err := decrypt(decKey, key, blob)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// Delete removes the value at key.
func (b *Barrier) Delete(ctx context.Context, key string) error {
	if b.sealed.Load() {
		return interfaces.ErrSealed
	}
	return b.store.Delete(ctx, key)
}

// List returns all keys with the given prefix. Paths are plaintext, but
// listing still requires an unsealed barrier.
func (b *Barrier) List(ctx context.Context, prefix string) ([]string, error) {
	if b.sealed.Load() {
		return nil, interfaces.ErrSealed
	}
	return b.store.List(ctx, prefix)
}

// Exists reports whether key is present, without decrypting it.
func (b *Barrier) Exists(ctx context.Context, key string) (bool, error) {
	if b.sealed.Load() {
		return false, interfaces.ErrSealed
	}
	_, err := b.store.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// PutRaw stores a plaintext value, bypassing encryption. Only for
// bootstrap records that must be readable before unseal (seal
// configuration); never for secret material.
func (b *Barrier) PutRaw(ctx context.Context, key string, value []byte) error {
	return b.store.Put(ctx, key, value)
}

// GetRaw retrieves a plaintext value, bypassing decryption.
func (b *Barrier) GetRaw(ctx context.Context, key string) ([]byte, error) {
	return b.store.Get(ctx, key)
}

// persistKeyringLocked wraps the keyring with the root key and writes it
// to storage. Caller holds b.mu.
func (b *Barrier) persistKeyringLocked(ctx context.Context) error {
	plain, err := b.keyring.serialize()
	if err != nil {
		return err
	}
	defer wipeBytes(plain)

	rootBuf, err := b.rootKey.Open()
	if err != nil {
		return fmt.Errorf("failed to open root key enclave: %w", err)
	}
	defer rootBuf.Destroy()

	wrapped, err := encrypt(rootBuf.Bytes(), rootTerm, keyringPath, plain)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, keyringPath, wrapped)
}

// activeKeyCopy returns the active term and a copy of its key. The copy
// lets encryption run without holding the lock.
func (b *Barrier) activeKeyCopy() (uint32, []byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.sealed.Load() || b.keyring == nil {
		return 0, nil, interfaces.ErrSealed
	}
	key := b.keyring.activeKey()
	return b.keyring.ActiveTerm, append([]byte(nil), key...), nil
}

// termKeyCopy returns a copy of the key for the given term.
func (b *Barrier) termKeyCopy(term uint32) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.sealed.Load() || b.keyring == nil {
		return nil, interfaces.ErrSealed
	}
	key, ok := b.keyring.Keys[term]
	if !ok {
		return nil, fmt.Errorf("%w: no key for term %d", interfaces.ErrAuthenticationTag, term)
	}
	return append([]byte(nil), key...), nil
}

// encrypt seals value into the blob format. The storage path binds the
// ciphertext to its location as GCM additional data, so blobs cannot be
// swapped between keys undetected.
func encrypt(key []byte, term uint32, path string, value []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	blob := make([]byte, 5+gcm.NonceSize(), 5+gcm.NonceSize()+len(value)+gcm.Overhead())
	blob[0] = blobVersion
	binary.BigEndian.PutUint32(blob[1:5], term)
	nonce := blob[5 : 5+gcm.NonceSize()]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(blob, nonce, value, []byte(path)), nil
}

// decrypt opens a blob and returns the plaintext and the term it was
// written under. Any tampering or a wrong key yields ErrAuthenticationTag.
func decrypt(key []byte, path string, blob []byte) ([]byte, uint32, error) {
	if len(blob) < blobOverhead {
		return nil, 0, fmt.Errorf("%w: blob too short", interfaces.ErrAuthenticationTag)
	}
	if blob[0] != blobVersion {
		return nil, 0, fmt.Errorf("%w: unknown blob version %d", interfaces.ErrAuthenticationTag, blob[0])
	}
	term := binary.BigEndian.Uint32(blob[1:5])

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := blob[5 : 5+gcm.NonceSize()]
	ciphertext := blob[5+gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, []byte(path))
	if err != nil {
		return nil, 0, interfaces.ErrAuthenticationTag
	}
	return plain, term, nil
}

func blobTerm(blob []byte) (uint32, error) {
	if len(blob) < blobOverhead {
		return 0, fmt.Errorf("%w: blob too short", interfaces.ErrAuthenticationTag)
	}
	return binary.BigEndian.Uint32(blob[1:5]), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, interfaces.ErrNotFound)
}
