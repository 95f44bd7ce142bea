// Package token implements token-based authentication. Tokens look like
// sr.<id>.<secret>; only a salted hash of the secret is persisted, so a
// storage compromise reveals no usable credentials.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strongroom/strongroom/barrier"
	"github.com/strongroom/strongroom/interfaces"
)

const (
	// prefix namespaces vault tokens so they are recognizable in configs
	// and redaction rules.
	prefix = "sr"

	// storagePrefix is where token records live, keyed by the SHA-256 of
	// the token id so record paths do not leak ids.
	storagePrefix = "sys/tokens/"

	secretLen = 24
	saltLen   = 16
)

// Record is the persisted form of a token. The secret itself never
// appears here.
type Record struct {
	ID          string    `json:"id"`
	Accessor    string    `json:"accessor"`
	Salt        []byte    `json:"salt"`
	SecretHash  []byte    `json:"secret_hash"`
	Policies    []string  `json:"policies"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	// ExpiresAt zero means the token never expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Renewable bool      `json:"renewable"`
	// MaxTTL caps renewals measured from CreatedAt. Zero means uncapped.
	MaxTTL time.Duration `json:"max_ttl,omitempty"`
}

// TTL returns the remaining lifetime, or zero if the token never expires.
func (r *Record) TTL(now time.Time) time.Duration {
	if r.ExpiresAt.IsZero() {
		return 0
	}
	ttl := r.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// CreateOptions parameterize a new token.
type CreateOptions struct {
	Policies    []string
	DisplayName string
	// TTL zero means the token never expires.
	TTL       time.Duration
	MaxTTL    time.Duration
	Renewable bool
}

// Store creates, authenticates, renews, and revokes tokens. All records
// pass through the barrier, so the store only works while unsealed.
type Store struct {
	barrier *barrier.Barrier
	log     *slog.Logger
	// now is swappable for expiry tests.
	now func() time.Time
}

// NewStore creates a token store over the given barrier.
func NewStore(b *barrier.Barrier, log *slog.Logger) *Store {
	return &Store{
		barrier: b,
		log:     log,
		now:     time.Now,
	}
}

// Create mints a new token and returns the raw token string. The secret
// is shown exactly once; afterwards only its salted hash exists.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (string, *Record, error) {
	if opts.MaxTTL > 0 && opts.TTL > opts.MaxTTL {
		return "", nil, fmt.Errorf("%w: ttl exceeds max ttl", interfaces.ErrValidation)
	}

	id := uuid.Must(uuid.NewRandom()).String()

	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, fmt.Errorf("failed to generate token salt: %w", err)
	}

	now := s.now().UTC()
	record := &Record{
		ID:          id,
		Accessor:    uuid.Must(uuid.NewRandom()).String(),
		Salt:        salt,
		SecretHash:  hashSecret(salt, secret),
		Policies:    normalizePolicies(opts.Policies),
		DisplayName: opts.DisplayName,
		CreatedAt:   now,
		Renewable:   opts.Renewable,
		MaxTTL:      opts.MaxTTL,
	}
	if opts.TTL > 0 {
		record.ExpiresAt = now.Add(opts.TTL)
	}

	if err := s.put(ctx, record); err != nil {
		return "", nil, err
	}

	raw := fmt.Sprintf("%s.%s.%s", prefix, id, base64.RawURLEncoding.EncodeToString(secret))

	s.log.Info("Token created",
		slog.String("accessor", record.Accessor),
		slog.String("display_name", record.DisplayName),
		slog.Any("policies", record.Policies))

	return raw, record, nil
}

// Authenticate verifies a raw token and returns its record. Every failure
// mode (malformed token, unknown id, wrong secret, expired) collapses to
// ErrAuthentication so callers cannot enumerate tokens.
func (s *Store) Authenticate(ctx context.Context, raw string) (*Record, error) {
	id, secret, err := parseToken(raw)
	if err != nil {
		return nil, interfaces.ErrAuthentication
	}

	record, err := s.get(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, interfaces.ErrAuthentication
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare(hashSecret(record.Salt, secret), record.SecretHash) != 1 {
		return nil, interfaces.ErrAuthentication
	}

	if !record.ExpiresAt.IsZero() && !s.now().Before(record.ExpiresAt) {
		return nil, interfaces.ErrAuthentication
	}

	return record, nil
}

// Renew extends a token's lifetime by increment, clamped so the expiry
// never passes CreatedAt+MaxTTL. The token must authenticate first.
func (s *Store) Renew(ctx context.Context, raw string, increment time.Duration) (*Record, error) {
	record, err := s.Authenticate(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !record.Renewable {
		return nil, fmt.Errorf("%w: token is not renewable", interfaces.ErrValidation)
	}
	if increment <= 0 {
		return nil, fmt.Errorf("%w: renew increment must be positive", interfaces.ErrValidation)
	}
	if record.ExpiresAt.IsZero() {
		// Nothing to renew on a non-expiring token.
		return record, nil
	}

	expires := s.now().UTC().Add(increment)
	if record.MaxTTL > 0 {
		if ceiling := record.CreatedAt.Add(record.MaxTTL); expires.After(ceiling) {
			expires = ceiling
		}
	}
	record.ExpiresAt = expires

	if err := s.put(ctx, record); err != nil {
		return nil, err
	}

	s.log.Debug("Token renewed", slog.String("accessor", record.Accessor))
	return record, nil
}

// Revoke removes a token record by raw token. Revoking an unknown or
// malformed token returns ErrAuthentication, same as any bad credential.
func (s *Store) Revoke(ctx context.Context, raw string) error {
	record, err := s.Authenticate(ctx, raw)
	if err != nil {
		return err
	}
	return s.RevokeID(ctx, record.ID)
}

// RevokeID removes a token record by id. Used by operators holding the
// accessor-to-id mapping; idempotent.
func (s *Store) RevokeID(ctx context.Context, id string) error {
	if err := s.barrier.Delete(ctx, recordPath(id)); err != nil {
		return err
	}
	s.log.Info("Token revoked")
	return nil
}

func (s *Store) put(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}
	return s.barrier.Put(ctx, recordPath(record.ID), data)
}

func (s *Store) get(ctx context.Context, id string) (*Record, error) {
	data, err := s.barrier.Get(ctx, recordPath(id))
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode token record: %w", err)
	}
	return &record, nil
}

// parseToken splits sr.<id>.<secret> and decodes the secret.
func parseToken(raw string) (id string, secret []byte, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] != prefix || parts[1] == "" {
		return "", nil, fmt.Errorf("malformed token")
	}
	secret, err = base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, fmt.Errorf("malformed token secret")
	}
	return parts[1], secret, nil
}

func hashSecret(salt, secret []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(secret)
	return h.Sum(nil)
}

func recordPath(id string) string {
	sum := sha256.Sum256([]byte(id))
	return storagePrefix + hex.EncodeToString(sum[:])
}

func normalizePolicies(policies []string) []string {
	seen := make(map[string]bool, len(policies))
	out := make([]string, 0, len(policies))
	for _, p := range policies {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		out = append(out, "default")
	}
	return out
}
