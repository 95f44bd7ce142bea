// Package audit implements the fail-closed audit log. Every request
// produces exactly one entry; if no sink durably records it, the request
// fails regardless of whether the operation itself succeeded.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/strongroom/strongroom/interfaces"
)

// auditKeyInfo is the HKDF info string separating the audit HMAC key from
// every other key derived from the root key.
const auditKeyInfo = "strongroom-audit-v1"

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Entry is one audit record. TokenHMAC is the keyed hash of the token id;
// raw token material never appears. HMAC covers the canonical JSON of all
// other fields, making tampering detectable with the audit key.
type Entry struct {
	Time       time.Time `json:"time"`
	RequestID  string    `json:"request_id"`
	TokenHMAC  string    `json:"token_hmac,omitempty"`
	Path       string    `json:"path"`
	Capability string    `json:"capability"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	HMAC       string    `json:"hmac,omitempty"`
}

// Sink receives serialized audit entries. Emit must be durable before it
// returns nil.
type Sink interface {
	Name() string
	Emit(ctx context.Context, line []byte) error
}

// Log fans audit entries out to its sinks. A single writer mutex keeps
// entries ordered across concurrent requests.
type Log struct {
	log            *slog.Logger
	allowUnaudited bool

	mu    sync.Mutex
	sinks []Sink
	key   []byte
}

// NewLog creates an audit log. With allowUnaudited set, a log with zero
// sinks accepts requests without recording them; production
// configurations should always carry at least one sink.
func NewLog(sinks []Sink, allowUnaudited bool, log *slog.Logger) *Log {
	return &Log{
		log:            log,
		allowUnaudited: allowUnaudited,
		sinks:          sinks,
	}
}

// DeriveKey derives the audit HMAC key from the root key. Called at
// unseal; the root key itself never reaches this package's state.
func DeriveKey(rootKey []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, rootKey, nil, []byte(auditKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive audit key: %w", err)
	}
	return key, nil
}

// SetKey installs the HMAC key.
func (l *Log) SetKey(key []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.key = append([]byte(nil), key...)
}

// ClearKey wipes the HMAC key. Called at seal.
func (l *Log) ClearKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.key {
		l.key[i] = 0
	}
	l.key = nil
}

// HMACToken returns the keyed hash of a token id for inclusion in
// entries. Returns empty when no key is installed.
func (l *Log) HMACToken(tokenID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.key == nil || tokenID == "" {
		return ""
	}
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(tokenID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Record seals the entry with the audit HMAC and emits it. It returns
// ErrAuditWrite when not a single sink accepted the entry; callers must
// then discard the operation's result.
func (l *Log) Record(ctx context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.sinks) == 0 {
		if l.allowUnaudited {
			return nil
		}
		return fmt.Errorf("%w: no audit sinks configured", interfaces.ErrAuditWrite)
	}

	if l.key != nil {
		canonical, err := json.Marshal(withoutHMAC(entry))
		if err != nil {
			return fmt.Errorf("%w: failed to encode entry: %v", interfaces.ErrAuditWrite, err)
		}
		mac := hmac.New(sha256.New, l.key)
		mac.Write(canonical)
		entry.HMAC = hex.EncodeToString(mac.Sum(nil))
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: failed to encode entry: %v", interfaces.ErrAuditWrite, err)
	}

	recorded := false
	for _, sink := range l.sinks {
		if err := sink.Emit(ctx, line); err != nil {
			l.log.Error("Audit sink failed",
				slog.String("sink", sink.Name()),
				"err", err)
			continue
		}
		recorded = true
	}
	if !recorded {
		return fmt.Errorf("%w: all sinks failed", interfaces.ErrAuditWrite)
	}
	return nil
}

// Verify checks an entry's HMAC against the installed key.
func (l *Log) Verify(entry Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.key == nil || entry.HMAC == "" {
		return false
	}

	canonical, err := json.Marshal(withoutHMAC(entry))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, l.key)
	mac.Write(canonical)

	expected, err := hex.DecodeString(entry.HMAC)
	if err != nil {
		return false
	}
	return hmac.Equal(mac.Sum(nil), expected)
}

func withoutHMAC(entry Entry) Entry {
	entry.HMAC = ""
	return entry
}
