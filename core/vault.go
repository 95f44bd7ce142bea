// Package core owns the request pipeline. Every authenticated operation
// flows through Vault.Handle: authenticate, authorize, dispatch to the
// owning engine, audit, confirm. The audit step is fail-closed; a result
// whose audit entry could not be recorded is discarded.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strongroom/strongroom/audit"
	"github.com/strongroom/strongroom/barrier"
	"github.com/strongroom/strongroom/interfaces"
	"github.com/strongroom/strongroom/kv"
	"github.com/strongroom/strongroom/metrics"
	"github.com/strongroom/strongroom/policy"
	"github.com/strongroom/strongroom/seal"
	"github.com/strongroom/strongroom/token"
	"github.com/strongroom/strongroom/transit"
)

// Operation is the request verb.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
	OpList   Operation = "list"
)

// TokenCreateParams parameterize auth/token/create requests.
type TokenCreateParams struct {
	Policies    []string      `json:"policies"`
	DisplayName string        `json:"display_name,omitempty"`
	TTL         time.Duration `json:"ttl,omitempty"`
	MaxTTL      time.Duration `json:"max_ttl,omitempty"`
	Renewable   bool          `json:"renewable,omitempty"`
}

// TokenInfo is the caller-visible view of a token.
type TokenInfo struct {
	Token       string        `json:"token,omitempty"`
	Accessor    string        `json:"accessor"`
	Policies    []string      `json:"policies"`
	DisplayName string        `json:"display_name,omitempty"`
	TTL         time.Duration `json:"ttl"`
	Renewable   bool          `json:"renewable"`
}

// Request is one operation against the vault.
type Request struct {
	// ID is assigned when empty and echoed into the audit log.
	ID    string
	Token string
	Op    Operation
	Path  string

	// Data carries string fields for writes (KV payloads, transit
	// payloads, renew increments).
	Data map[string]string
	// Version selects a KV read version; zero means current.
	Version uint64
	// Versions selects KV versions for delete/undelete/destroy.
	Versions []uint64
	// PolicyDoc carries the document for sys/policies writes.
	PolicyDoc *policy.Policy
	// TokenParams carries parameters for auth/token/create.
	TokenParams *TokenCreateParams
}

// Response is the union of what the mounts can return; exactly the
// fields relevant to the request are set.
type Response struct {
	Secret      *kv.Secret          `json:"secret,omitempty"`
	Written     *kv.VersionMetadata `json:"written,omitempty"`
	Metadata    *kv.Metadata        `json:"metadata,omitempty"`
	Keys        []string            `json:"keys,omitempty"`
	Policy      *policy.Policy      `json:"policy,omitempty"`
	TokenInfo   *TokenInfo          `json:"token_info,omitempty"`
	Ciphertext  string              `json:"ciphertext,omitempty"`
	Plaintext   []byte              `json:"plaintext,omitempty"`
	TransitKey  *transit.KeyInfo    `json:"transit_key,omitempty"`
	RotatedTerm uint32              `json:"rotated_term,omitempty"`
}

// Config carries the vault's construction parameters.
type Config struct {
	Store interfaces.ByteStore
	// AuditSinks receive every request's audit entry. Empty is only
	// legal with AllowUnaudited.
	AuditSinks     []audit.Sink
	AllowUnaudited bool
	Metrics        *metrics.Metrics
	Log            *slog.Logger
}

// Vault wires the barrier, engines, and stores into one request pipeline.
type Vault struct {
	barrier  *barrier.Barrier
	sealMgr  *seal.Manager
	tokens   *token.Store
	policies *policy.Store
	auditLog *audit.Log
	kv       *kv.Engine
	transit  *transit.Engine
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// New constructs a vault over the given storage backend. The vault starts
// sealed (or uninitialized on fresh storage).
func New(cfg Config) *Vault {
	log := cfg.Log
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	b := barrier.New(cfg.Store, log)
	v := &Vault{
		barrier:  b,
		tokens:   token.NewStore(b, log),
		policies: policy.NewStore(b, log),
		auditLog: audit.NewLog(cfg.AuditSinks, cfg.AllowUnaudited, log),
		kv:       kv.NewEngine(b, log),
		transit:  transit.NewEngine(b, log),
		metrics:  m,
		log:      log,
	}

	v.sealMgr = seal.NewManager(b, seal.Options{
		Bootstrap: v.bootstrap,
		OnUnseal: func(ctx context.Context, rootKey []byte) error {
			key, err := audit.DeriveKey(rootKey)
			if err != nil {
				return err
			}
			v.auditLog.SetKey(key)
			m.Sealed.Set(0)
			return nil
		},
		OnSeal: func() {
			v.auditLog.ClearKey()
			v.policies.InvalidateCache()
			m.Sealed.Set(1)
		},
	}, log)
	m.Sealed.Set(1)

	return v
}

// bootstrap runs during initialization while the barrier is briefly
// unsealed; it mints the root token.
func (v *Vault) bootstrap(ctx context.Context) (string, error) {
	rootToken, _, err := v.tokens.Create(ctx, token.CreateOptions{
		Policies:    []string{policy.RootPolicy},
		DisplayName: "root",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create root token: %w", err)
	}
	return rootToken, nil
}

// Initialize sets up a fresh vault and returns the unseal shares and root
// token, exactly once.
func (v *Vault) Initialize(ctx context.Context, shares, threshold int) (*seal.InitResult, error) {
	return v.sealMgr.Initialize(ctx, shares, threshold)
}

// SubmitUnsealShare feeds one share into the unseal process.
func (v *Vault) SubmitUnsealShare(ctx context.Context, share string) (*seal.Status, error) {
	status, err := v.sealMgr.SubmitShare(ctx, share)
	if err == nil {
		v.metrics.UnsealProgress.Set(float64(status.Progress))
	}
	return status, err
}

// SealStatus reports the seal state; available in every lifecycle state.
func (v *Vault) SealStatus(ctx context.Context) (*seal.Status, error) {
	return v.sealMgr.Status(ctx)
}

// Sealed is the lock-free hot-path check.
func (v *Vault) Sealed() bool {
	return v.sealMgr.Sealed()
}

// Handle runs one request through the pipeline. All failures propagate as
// wrapped sentinel errors from the interfaces package.
func (v *Vault) Handle(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.Must(uuid.NewRandom()).String()
	}

	resp, err := v.handle(ctx, req)

	outcome := "success"
	switch {
	case errors.Is(err, interfaces.ErrAuthentication), errors.Is(err, interfaces.ErrAuthorization):
		outcome = "denied"
	case err != nil:
		outcome = "error"
	}
	v.metrics.RequestsTotal.WithLabelValues(string(req.Op), outcome).Inc()
	v.metrics.RequestDuration.WithLabelValues(string(req.Op)).Observe(time.Since(start).Seconds())

	return resp, err
}

func (v *Vault) handle(ctx context.Context, req *Request) (*Response, error) {
	if req.Op == "" || req.Path == "" {
		return nil, fmt.Errorf("%w: request needs an operation and a path", interfaces.ErrValidation)
	}
	if v.sealMgr.Sealed() {
		return nil, interfaces.ErrSealed
	}

	record, err := v.tokens.Authenticate(ctx, req.Token)
	if err != nil {
		v.auditDenied(ctx, req, "", "authentication failed")
		return nil, err
	}

	capability := capabilityFor(req.Op, req.Path)
	policies, err := v.policies.Resolve(ctx, record.Policies)
	if err != nil {
		return nil, err
	}
	if !policy.Authorize(policies, req.Path, capability) {
		v.auditDenied(ctx, req, record.ID, "authorization failed")
		return nil, interfaces.ErrAuthorization
	}

	// Sealing tears down the audit key, so its entry is recorded before
	// the operation instead of after; a failed audit then leaves the
	// vault unsealed, which still satisfies fail-closed.
	if req.Path == "sys/seal" {
		if err := v.auditOutcome(ctx, req, record.ID, capability, audit.OutcomeSuccess, ""); err != nil {
			v.metrics.AuditFailures.Inc()
			return nil, err
		}
		return nil, v.sealMgr.Seal(ctx)
	}

	resp, opErr := v.dispatch(ctx, req, record)

	outcome := audit.OutcomeSuccess
	errStr := ""
	if opErr != nil {
		outcome = audit.OutcomeError
		errStr = opErr.Error()
	}
	if auditErr := v.auditOutcome(ctx, req, record.ID, capability, outcome, errStr); auditErr != nil {
		// Fail closed: the operation may have applied, but the caller
		// must treat it as failed.
		v.metrics.AuditFailures.Inc()
		v.log.Error("Discarding result after audit failure",
			slog.String("request_id", req.ID),
			slog.String("path", req.Path),
			"err", auditErr)
		return nil, auditErr
	}
	return resp, opErr
}

func (v *Vault) auditOutcome(ctx context.Context, req *Request, tokenID string, capability policy.Capability, outcome audit.Outcome, errStr string) error {
	return v.auditLog.Record(ctx, audit.Entry{
		Time:       time.Now().UTC(),
		RequestID:  req.ID,
		TokenHMAC:  v.auditLog.HMACToken(tokenID),
		Path:       req.Path,
		Capability: string(capability),
		Outcome:    outcome,
		Error:      errStr,
	})
}

// auditDenied records an authentication or authorization denial. Best
// effort: the request already fails, a sink failure cannot make it fail
// harder.
func (v *Vault) auditDenied(ctx context.Context, req *Request, tokenID, reason string) {
	entry := audit.Entry{
		Time:       time.Now().UTC(),
		RequestID:  req.ID,
		TokenHMAC:  v.auditLog.HMACToken(tokenID),
		Path:       req.Path,
		Capability: string(capabilityFor(req.Op, req.Path)),
		Outcome:    audit.OutcomeDenied,
		Error:      reason,
	}
	if err := v.auditLog.Record(ctx, entry); err != nil {
		v.log.Error("Failed to audit denial", slog.String("request_id", req.ID), "err", err)
	}
}

// capabilityFor maps a verb and path to the capability the caller's
// policies must grant. Administrative surfaces require sudo; token
// self-management follows the built-in default policy's shape.
func capabilityFor(op Operation, path string) policy.Capability {
	switch {
	case path == "sys/seal" || path == "sys/rotate":
		return policy.CapabilitySudo
	case path == "sys/policies" || strings.HasPrefix(path, "sys/policies/"):
		return policy.CapabilitySudo
	case path == "auth/token/lookup-self":
		return policy.CapabilityRead
	case path == "auth/token/renew-self" || path == "auth/token/revoke-self":
		return policy.CapabilityUpdate
	}

	switch op {
	case OpRead:
		return policy.CapabilityRead
	case OpDelete:
		return policy.CapabilityDelete
	case OpList:
		return policy.CapabilityList
	default:
		// Writes authorize as create; update is folded into it.
		return policy.CapabilityCreate
	}
}
