package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strongroom/strongroom/core"
	"github.com/strongroom/strongroom/interfaces"
	"github.com/strongroom/strongroom/policy"
)

const (
	// TokenHeader carries the client token on authenticated requests.
	TokenHeader = "X-Vault-Token"

	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024
)

// Handler translates HTTP requests into vault operations. All
// authenticated routes funnel through the same pipeline; the handler
// only shapes bodies and status codes.
type Handler struct {
	vault *core.Vault
	log   *slog.Logger
}

// NewHandler creates an HTTP request handler over the given vault.
func NewHandler(vault *core.Vault, log *slog.Logger) *Handler {
	return &Handler{vault: vault, log: log}
}

type initRequest struct {
	Shares    int `json:"shares"`
	Threshold int `json:"threshold"`
}

type unsealRequest struct {
	Share string `json:"share"`
}

type secretWriteRequest struct {
	Data map[string]string `json:"data"`
}

type versionsRequest struct {
	Versions []uint64 `json:"versions"`
}

type metadataUpdateRequest struct {
	MaxVersions int `json:"max_versions"`
}

type tokenCreateRequest struct {
	Policies    []string `json:"policies"`
	DisplayName string   `json:"display_name,omitempty"`
	TTL         string   `json:"ttl,omitempty"`
	MaxTTL      string   `json:"max_ttl,omitempty"`
	Renewable   bool     `json:"renewable,omitempty"`
}

type renewRequest struct {
	Increment string `json:"increment"`
}

type transitRequest struct {
	Plaintext  string `json:"plaintext,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
}

type errorResponse struct {
	Errors []string `json:"errors"`
}

// HandleInit initializes a fresh vault and returns the unseal shares and
// root token. This is the only time either is visible.
func (h *Handler) HandleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.vault.Initialize(r.Context(), req.Shares, req.Threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleUnseal feeds one share into the unseal process and returns the
// seal status.
func (h *Handler) HandleUnseal(w http.ResponseWriter, r *http.Request) {
	var req unsealRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := h.vault.SubmitUnsealShare(r.Context(), req.Share)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// HandleSealStatus reports the seal state without authentication.
func (h *Handler) HandleSealStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.vault.SealStatus(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// HandleHealth maps the lifecycle state onto status codes so load
// balancers can route around sealed nodes: 200 unsealed, 503 sealed,
// 501 not initialized.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := h.vault.SealStatus(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	switch {
	case !status.Initialized:
		code = http.StatusNotImplemented
	case status.Sealed:
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, status)
}

// HandleSeal seals the vault. Requires sudo.
func (h *Handler) HandleSeal(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, &core.Request{Op: core.OpWrite, Path: "sys/seal"})
}

// HandleRotate rotates the barrier encryption key. Requires sudo.
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, &core.Request{Op: core.OpWrite, Path: "sys/rotate"})
}

// HandleSecretData serves GET, POST, and DELETE on secret/data paths.
func (h *Handler) HandleSecretData(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	req := &core.Request{Path: "secret/data/" + rel}

	switch r.Method {
	case http.MethodGet:
		req.Op = core.OpRead
		if raw := r.URL.Query().Get("version"); raw != "" {
			version, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				h.writeError(w, r, fmt.Errorf("%w: invalid version %q", interfaces.ErrValidation, raw))
				return
			}
			req.Version = version
		}
	case http.MethodPost, http.MethodPut:
		var body secretWriteRequest
		if !h.decode(w, r, &body) {
			return
		}
		req.Op = core.OpWrite
		req.Data = body.Data
	case http.MethodDelete:
		req.Op = core.OpDelete
		// An empty or absent body soft-deletes the current version.
		var body versionsRequest
		if r.ContentLength > 0 {
			if !h.decode(w, r, &body) {
				return
			}
		}
		req.Versions = body.Versions
	}

	h.dispatch(w, r, req)
}

// HandleSecretList lists the immediate children under a KV path.
func (h *Handler) HandleSecretList(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	h.dispatch(w, r, &core.Request{Op: core.OpList, Path: "secret/data/" + rel})
}

// HandleSecretMetadata serves version metadata reads and max_versions
// updates.
func (h *Handler) HandleSecretMetadata(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	req := &core.Request{Path: "secret/metadata/" + rel}

	switch r.Method {
	case http.MethodGet:
		req.Op = core.OpRead
	case http.MethodPost, http.MethodPut:
		var body metadataUpdateRequest
		if !h.decode(w, r, &body) {
			return
		}
		req.Op = core.OpWrite
		req.Data = map[string]string{"max_versions": strconv.Itoa(body.MaxVersions)}
	}

	h.dispatch(w, r, req)
}

// HandleSecretUndelete restores soft-deleted versions.
func (h *Handler) HandleSecretUndelete(w http.ResponseWriter, r *http.Request) {
	h.handleVersionAction(w, r, "secret/undelete/")
}

// HandleSecretDestroy permanently removes version payloads.
func (h *Handler) HandleSecretDestroy(w http.ResponseWriter, r *http.Request) {
	h.handleVersionAction(w, r, "secret/destroy/")
}

func (h *Handler) handleVersionAction(w http.ResponseWriter, r *http.Request, prefix string) {
	rel := chi.URLParam(r, "*")
	var body versionsRequest
	if !h.decode(w, r, &body) {
		return
	}
	h.dispatch(w, r, &core.Request{
		Op:       core.OpWrite,
		Path:     prefix + rel,
		Versions: body.Versions,
	})
}

// HandlePolicyList lists policy names, built-ins included.
func (h *Handler) HandlePolicyList(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, &core.Request{Op: core.OpList, Path: "sys/policies"})
}

// HandlePolicy serves GET, PUT, and DELETE on a named policy.
func (h *Handler) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	req := &core.Request{Path: "sys/policies/" + name}

	switch r.Method {
	case http.MethodGet:
		req.Op = core.OpRead
	case http.MethodPost, http.MethodPut:
		var doc policy.Policy
		if !h.decode(w, r, &doc) {
			return
		}
		doc.Name = name
		req.Op = core.OpWrite
		req.PolicyDoc = &doc
	case http.MethodDelete:
		req.Op = core.OpDelete
	}

	h.dispatch(w, r, req)
}

// HandleTokenCreate mints a child token.
func (h *Handler) HandleTokenCreate(w http.ResponseWriter, r *http.Request) {
	var body tokenCreateRequest
	if !h.decode(w, r, &body) {
		return
	}
	ttl, err := optionalDuration(body.TTL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	maxTTL, err := optionalDuration(body.MaxTTL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.dispatch(w, r, &core.Request{
		Op:   core.OpWrite,
		Path: "auth/token/create",
		TokenParams: &core.TokenCreateParams{
			Policies:    body.Policies,
			DisplayName: body.DisplayName,
			TTL:         ttl,
			MaxTTL:      maxTTL,
			Renewable:   body.Renewable,
		},
	})
}

// HandleTokenLookupSelf returns the caller's own token record.
func (h *Handler) HandleTokenLookupSelf(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, &core.Request{Op: core.OpRead, Path: "auth/token/lookup-self"})
}

// HandleTokenRenewSelf extends the caller's token lease.
func (h *Handler) HandleTokenRenewSelf(w http.ResponseWriter, r *http.Request) {
	var body renewRequest
	if !h.decode(w, r, &body) {
		return
	}
	h.dispatch(w, r, &core.Request{
		Op:   core.OpWrite,
		Path: "auth/token/renew-self",
		Data: map[string]string{"increment": body.Increment},
	})
}

// HandleTokenRevokeSelf revokes the caller's own token.
func (h *Handler) HandleTokenRevokeSelf(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, &core.Request{Op: core.OpWrite, Path: "auth/token/revoke-self"})
}

// HandleTransitKeys serves key creation, key info, and the key list.
func (h *Handler) HandleTransitKeys(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.dispatch(w, r, &core.Request{Op: core.OpList, Path: "transit/keys"})
		return
	}
	op := core.OpRead
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		op = core.OpWrite
	}
	h.dispatch(w, r, &core.Request{Op: op, Path: "transit/keys/" + name})
}

// HandleTransitRotate rotates a named transit key.
func (h *Handler) HandleTransitRotate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.dispatch(w, r, &core.Request{Op: core.OpWrite, Path: "transit/rotate/" + name})
}

// HandleTransitEncrypt encrypts base64 plaintext under a named key.
func (h *Handler) HandleTransitEncrypt(w http.ResponseWriter, r *http.Request) {
	h.handleTransitPayload(w, r, "transit/encrypt/")
}

// HandleTransitDecrypt decrypts a ciphertext token under a named key.
func (h *Handler) HandleTransitDecrypt(w http.ResponseWriter, r *http.Request) {
	h.handleTransitPayload(w, r, "transit/decrypt/")
}

// HandleTransitRewrap re-encrypts a ciphertext under the active key
// version without exposing the plaintext.
func (h *Handler) HandleTransitRewrap(w http.ResponseWriter, r *http.Request) {
	h.handleTransitPayload(w, r, "transit/rewrap/")
}

func (h *Handler) handleTransitPayload(w http.ResponseWriter, r *http.Request, prefix string) {
	name := chi.URLParam(r, "name")
	var body transitRequest
	if !h.decode(w, r, &body) {
		return
	}
	data := map[string]string{}
	if body.Plaintext != "" {
		data["plaintext"] = body.Plaintext
	}
	if body.Ciphertext != "" {
		data["ciphertext"] = body.Ciphertext
	}
	h.dispatch(w, r, &core.Request{Op: core.OpWrite, Path: prefix + name, Data: data})
}

// dispatch runs one request through the vault pipeline and writes the
// result.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, req *core.Request) {
	req.Token = r.Header.Get(TokenHeader)
	resp, err := h.vault.Handle(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body, capped at maxBodySize. A false return means
// the response was already written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(into); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body: %s", interfaces.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// writeError maps pipeline errors onto HTTP status codes. Authentication
// and authorization failures share one code and one message so the
// response never reveals which check failed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrSealed), errors.Is(err, interfaces.ErrNotInitialized):
		code = http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrAuthentication), errors.Is(err, interfaces.ErrAuthorization):
		code = http.StatusForbidden
	case errors.Is(err, interfaces.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, interfaces.ErrValidation), errors.Is(err, interfaces.ErrAlreadyInitialized),
		errors.Is(err, interfaces.ErrAuthenticationTag):
		code = http.StatusBadRequest
	}

	msg := err.Error()
	if code == http.StatusForbidden {
		msg = "permission denied"
	}
	if code == http.StatusInternalServerError {
		h.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}

	h.writeJSON(w, code, errorResponse{Errors: []string{msg}})
}

func optionalDuration(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid duration %q", interfaces.ErrValidation, raw)
	}
	return d, nil
}
