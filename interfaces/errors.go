package interfaces

import "errors"

// Error kinds surfaced by the vault kernel. All of them propagate to the
// caller; none are silently swallowed. Callers classify with errors.Is.
var (
	// ErrNotInitialized is returned when an operation requires an
	// initialized vault and no seal configuration exists yet.
	ErrNotInitialized = errors.New("vault is not initialized")

	// ErrAlreadyInitialized is returned when initialization is attempted
	// on a vault that already has a seal configuration.
	ErrAlreadyInitialized = errors.New("vault is already initialized")

	// ErrSealed is returned when an operation requires the root key and
	// the vault is sealed.
	ErrSealed = errors.New("vault is sealed")

	// ErrAuthentication is returned for a bad, expired, or unknown token.
	// The message is deliberately generic to prevent enumeration.
	ErrAuthentication = errors.New("permission denied")

	// ErrAuthorization is returned when the token's policies do not grant
	// the requested capability. Indistinguishable from ErrAuthentication
	// at the HTTP surface, distinct internally for metrics and audit.
	ErrAuthorization = errors.New("permission denied")

	// ErrNotFound is returned when a requested entry, secret version, or
	// storage key does not exist (or is soft-deleted).
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed paths, oversized values,
	// bad share counts, and other input the kernel refuses to process.
	ErrValidation = errors.New("validation failed")

	// ErrAuthenticationTag is returned when ciphertext fails AEAD
	// authentication, indicating corruption or tampering.
	ErrAuthenticationTag = errors.New("ciphertext authentication failed")

	// ErrAuditWrite is returned when no audit sink durably recorded the
	// request. Fail-closed: the operation's result is discarded and the
	// request is reported as failed regardless of underlying success.
	ErrAuditWrite = errors.New("audit write failed")

	// ErrStorage wraps failures propagated from the ByteStore. The kernel
	// does not retry storage errors internally.
	ErrStorage = errors.New("storage backend error")
)
