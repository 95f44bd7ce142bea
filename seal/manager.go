// Package seal manages the vault lifecycle: initialization with Shamir
// share generation, share collection during unseal, and sealing. The root
// key exists in plaintext only between a successful share reconstruction
// and the moment it is handed to the barrier and wiped.
package seal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/strongroom/strongroom/barrier"
	"github.com/strongroom/strongroom/interfaces"
	"github.com/strongroom/strongroom/shamir"
)

const (
	// configPath holds the seal configuration. Stored raw so status is
	// readable while sealed; it contains no secret material.
	configPath = "sys/config"

	// MaxShares bounds the share count at initialization.
	MaxShares = 10

	rootKeyLen = 32
)

// Config is the persisted seal configuration.
type Config struct {
	Shares    int `json:"shares"`
	Threshold int `json:"threshold"`
	// RootKeyHash is the SHA-256 of the root key, used to verify a
	// reconstruction before unsealing the barrier.
	RootKeyHash []byte `json:"root_key_hash"`
}

// Status reports the seal state of the vault.
type Status struct {
	Initialized bool `json:"initialized"`
	Sealed      bool `json:"sealed"`
	Shares      int  `json:"shares"`
	Threshold   int  `json:"threshold"`
	// Progress counts distinct shares submitted so far in the current
	// unseal attempt.
	Progress int `json:"progress"`
}

// InitResult is returned exactly once, at initialization. Neither the
// shares nor the root token are ever persisted or shown again.
type InitResult struct {
	Shares    []string `json:"shares"`
	RootToken string   `json:"root_token"`
}

// BootstrapFunc runs during initialization while the barrier is
// temporarily unsealed. It creates the root token and built-in records
// and returns the root token string.
type BootstrapFunc func(ctx context.Context) (string, error)

// Manager drives the seal lifecycle around a barrier.
type Manager struct {
	barrier *barrier.Barrier
	log     *slog.Logger

	bootstrap BootstrapFunc
	// onUnseal runs with the plaintext root key right after the barrier
	// unseals (audit key derivation). onSeal runs after the barrier seals.
	onUnseal func(ctx context.Context, rootKey []byte) error
	onSeal   func()

	mu sync.Mutex
	// pending maps share fingerprints to share bytes for the current
	// unseal attempt. Duplicates never advance progress.
	pending map[[sha256.Size]byte][]byte
}

// Options carries the hooks wired in by the owner of the manager.
type Options struct {
	Bootstrap BootstrapFunc
	OnUnseal  func(ctx context.Context, rootKey []byte) error
	OnSeal    func()
}

// NewManager creates a seal manager over the given barrier.
func NewManager(b *barrier.Barrier, opts Options, log *slog.Logger) *Manager {
	return &Manager{
		barrier:   b,
		log:       log,
		bootstrap: opts.Bootstrap,
		onUnseal:  opts.OnUnseal,
		onSeal:    opts.OnSeal,
		pending:   make(map[[sha256.Size]byte][]byte),
	}
}

// Initialized reports whether a seal configuration exists.
func (m *Manager) Initialized(ctx context.Context) (bool, error) {
	_, err := m.loadConfig(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, interfaces.ErrNotInitialized) {
		return false, nil
	}
	return false, err
}

// Sealed reports the barrier seal state. Lock-free.
func (m *Manager) Sealed() bool {
	return m.barrier.Sealed()
}

// Initialize creates the vault: generates a root key, initializes the
// barrier, runs the bootstrap while unsealed, persists the seal
// configuration, then seals. Share count and threshold must satisfy
// 1 <= threshold <= shares <= 10.
func (m *Manager) Initialize(ctx context.Context, shares, threshold int) (*InitResult, error) {
	if shares < 1 || shares > MaxShares {
		return nil, fmt.Errorf("%w: shares must be in [1,%d], got %d", interfaces.ErrValidation, MaxShares, shares)
	}
	if threshold < 1 || threshold > shares {
		return nil, fmt.Errorf("%w: threshold must be in [1,%d], got %d", interfaces.ErrValidation, shares, threshold)
	}

	initialized, err := m.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if initialized {
		return nil, interfaces.ErrAlreadyInitialized
	}

	rootKey := make([]byte, rootKeyLen)
	if _, err := rand.Read(rootKey); err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}
	defer wipeBytes(rootKey)

	if err := m.barrier.Initialize(ctx, rootKey); err != nil {
		return nil, err
	}

	// The barrier is live only for the duration of the bootstrap; the
	// vault always leaves initialization sealed.
	defer m.sealInternal()

	if m.onUnseal != nil {
		if err := m.onUnseal(ctx, rootKey); err != nil {
			return nil, fmt.Errorf("unseal hook failed during initialization: %w", err)
		}
	}

	rootToken := ""
	if m.bootstrap != nil {
		rootToken, err = m.bootstrap(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap failed during initialization: %w", err)
		}
	}

	hash := sha256.Sum256(rootKey)
	cfg := Config{Shares: shares, Threshold: threshold, RootKeyHash: hash[:]}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode seal config: %w", err)
	}
	if err := m.barrier.PutRaw(ctx, configPath, cfgJSON); err != nil {
		return nil, fmt.Errorf("failed to persist seal config: %w", err)
	}

	rawShares, err := shamir.Split(rootKey, shares, threshold)
	if err != nil {
		return nil, err
	}
	encoded := make([]string, len(rawShares))
	for i, s := range rawShares {
		encoded[i] = base64.StdEncoding.EncodeToString(s)
		wipeBytes(s)
	}

	m.log.Info("Vault initialized",
		slog.Int("shares", shares),
		slog.Int("threshold", threshold))

	return &InitResult{Shares: encoded, RootToken: rootToken}, nil
}

// SubmitShare records one unseal share. Distinct shares accumulate until
// the threshold is reached, at which point the root key is reconstructed,
// verified, and used to unseal the barrier. Submitting a share to an
// already-unsealed vault is a no-op. A reconstruction that fails
// verification resets progress to zero.
func (m *Manager) SubmitShare(ctx context.Context, shareB64 string) (*Status, error) {
	cfg, err := m.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	if !m.barrier.Sealed() {
		return m.buildStatus(cfg, 0, false), nil
	}

	share, err := base64.StdEncoding.DecodeString(shareB64)
	if err != nil {
		return nil, fmt.Errorf("%w: share is not valid base64", interfaces.ErrValidation)
	}
	if len(share) < 2 {
		return nil, fmt.Errorf("%w: share is too short", interfaces.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fp := sha256.Sum256(share)
	if _, dup := m.pending[fp]; !dup {
		m.pending[fp] = share
	}
	progress := len(m.pending)

	m.log.Debug("Unseal share received",
		slog.Int("progress", progress),
		slog.Int("threshold", cfg.Threshold))

	if progress < cfg.Threshold {
		return m.buildStatus(cfg, progress, true), nil
	}

	// Threshold reached: reconstruct and verify.
	collected := make([][]byte, 0, progress)
	for _, s := range m.pending {
		collected = append(collected, s)
	}

	rootKey, err := shamir.Combine(collected)
	if err != nil {
		m.resetPendingLocked()
		return nil, fmt.Errorf("%w: share reconstruction failed: %v", interfaces.ErrValidation, err)
	}
	defer wipeBytes(rootKey)

	hash := sha256.Sum256(rootKey)
	if subtle.ConstantTimeCompare(hash[:], cfg.RootKeyHash) != 1 {
		m.resetPendingLocked()
		m.log.Warn("Unseal failed: reconstructed key did not verify")
		return nil, fmt.Errorf("%w: reconstructed root key failed verification", interfaces.ErrAuthenticationTag)
	}

	if err := m.barrier.Unseal(ctx, rootKey); err != nil {
		m.resetPendingLocked()
		return nil, err
	}

	if m.onUnseal != nil {
		if err := m.onUnseal(ctx, rootKey); err != nil {
			m.barrier.Seal()
			m.resetPendingLocked()
			return nil, fmt.Errorf("unseal hook failed: %w", err)
		}
	}

	m.resetPendingLocked()
	m.log.Info("Vault unsealed")
	return m.buildStatus(cfg, 0, false), nil
}

// Seal transitions the vault to sealed, wiping key material and clearing
// any partial unseal progress. Idempotent.
func (m *Manager) Seal(ctx context.Context) error {
	initialized, err := m.Initialized(ctx)
	if err != nil {
		return err
	}
	if !initialized {
		return interfaces.ErrNotInitialized
	}
	m.sealInternal()
	return nil
}

func (m *Manager) sealInternal() {
	m.mu.Lock()
	m.resetPendingLocked()
	m.mu.Unlock()

	m.barrier.Seal()
	if m.onSeal != nil {
		m.onSeal()
	}
}

// Status returns the current seal status. Available in every state.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	cfg, err := m.loadConfig(ctx)
	if errors.Is(err, interfaces.ErrNotInitialized) {
		return &Status{Initialized: false, Sealed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	progress := len(m.pending)
	m.mu.Unlock()

	return m.buildStatus(cfg, progress, m.barrier.Sealed()), nil
}

func (m *Manager) buildStatus(cfg *Config, progress int, sealed bool) *Status {
	return &Status{
		Initialized: true,
		Sealed:      sealed,
		Shares:      cfg.Shares,
		Threshold:   cfg.Threshold,
		Progress:    progress,
	}
}

func (m *Manager) resetPendingLocked() {
	for fp, s := range m.pending {
		wipeBytes(s)
		delete(m.pending, fp)
	}
}

func (m *Manager) loadConfig(ctx context.Context) (*Config, error) {
	raw, err := m.barrier.GetRaw(ctx, configPath)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, interfaces.ErrNotInitialized
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode seal config: %w", err)
	}
	return &cfg, nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
