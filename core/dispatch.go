package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/strongroom/strongroom/interfaces"
	"github.com/strongroom/strongroom/token"
)

// dispatch routes an authorized request to its mount. The mount table is
// closed: secret/ (KV), transit/, sys/, and auth/token/.
func (v *Vault) dispatch(ctx context.Context, req *Request, record *token.Record) (*Response, error) {
	path := req.Path
	switch {
	case strings.HasPrefix(path, "secret/"):
		return v.dispatchKV(ctx, req)
	case strings.HasPrefix(path, "transit/"):
		return v.dispatchTransit(ctx, req)
	case path == "sys/policies" || strings.HasPrefix(path, "sys/policies/"):
		return v.dispatchPolicies(ctx, req)
	case strings.HasPrefix(path, "auth/token/"):
		return v.dispatchToken(ctx, req, record)
	case path == "sys/rotate":
		if req.Op != OpWrite {
			return nil, fmt.Errorf("%w: sys/rotate only supports write", interfaces.ErrValidation)
		}
		term, err := v.barrier.Rotate(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{RotatedTerm: term}, nil
	default:
		return nil, fmt.Errorf("%w: no handler for path %q", interfaces.ErrNotFound, path)
	}
}

func (v *Vault) dispatchKV(ctx context.Context, req *Request) (*Response, error) {
	switch {
	case strings.HasPrefix(req.Path, "secret/data/"):
		rel := strings.TrimPrefix(req.Path, "secret/data/")
		switch req.Op {
		case OpRead:
			secret, err := v.kv.Read(ctx, rel, req.Version)
			if err != nil {
				return nil, err
			}
			return &Response{Secret: secret}, nil
		case OpWrite:
			written, err := v.kv.Write(ctx, rel, req.Data)
			if err != nil {
				return nil, err
			}
			return &Response{Written: written}, nil
		case OpDelete:
			return nil, v.kv.Delete(ctx, rel, req.Versions)
		case OpList:
			keys, err := v.kv.List(ctx, rel)
			if err != nil {
				return nil, err
			}
			return &Response{Keys: keys}, nil
		}

	case strings.HasPrefix(req.Path, "secret/metadata/"):
		rel := strings.TrimPrefix(req.Path, "secret/metadata/")
		switch req.Op {
		case OpRead:
			meta, err := v.kv.Metadata(ctx, rel)
			if err != nil {
				return nil, err
			}
			return &Response{Metadata: meta}, nil
		case OpWrite:
			maxVersions, err := intField(req.Data, "max_versions")
			if err != nil {
				return nil, err
			}
			return nil, v.kv.SetMaxVersions(ctx, rel, maxVersions)
		case OpList:
			keys, err := v.kv.List(ctx, rel)
			if err != nil {
				return nil, err
			}
			return &Response{Keys: keys}, nil
		}

	case strings.HasPrefix(req.Path, "secret/list"):
		rel := strings.TrimPrefix(strings.TrimPrefix(req.Path, "secret/list"), "/")
		keys, err := v.kv.List(ctx, rel)
		if err != nil {
			return nil, err
		}
		return &Response{Keys: keys}, nil

	case strings.HasPrefix(req.Path, "secret/undelete/") && req.Op == OpWrite:
		rel := strings.TrimPrefix(req.Path, "secret/undelete/")
		return nil, v.kv.Undelete(ctx, rel, req.Versions)

	case strings.HasPrefix(req.Path, "secret/destroy/") && req.Op == OpWrite:
		rel := strings.TrimPrefix(req.Path, "secret/destroy/")
		return nil, v.kv.Destroy(ctx, rel, req.Versions)
	}

	return nil, fmt.Errorf("%w: unsupported operation %q on %q", interfaces.ErrValidation, req.Op, req.Path)
}

func (v *Vault) dispatchTransit(ctx context.Context, req *Request) (*Response, error) {
	switch {
	case req.Path == "transit/keys" && req.Op == OpList:
		names, err := v.transit.ListKeys(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Keys: names}, nil

	case strings.HasPrefix(req.Path, "transit/keys/"):
		name := strings.TrimPrefix(req.Path, "transit/keys/")
		switch req.Op {
		case OpWrite:
			info, err := v.transit.CreateKey(ctx, name)
			if err != nil {
				return nil, err
			}
			return &Response{TransitKey: info}, nil
		case OpRead:
			info, err := v.transit.KeyInfo(ctx, name)
			if err != nil {
				return nil, err
			}
			return &Response{TransitKey: info}, nil
		}

	case strings.HasPrefix(req.Path, "transit/rotate/") && req.Op == OpWrite:
		info, err := v.transit.Rotate(ctx, strings.TrimPrefix(req.Path, "transit/rotate/"))
		if err != nil {
			return nil, err
		}
		return &Response{TransitKey: info}, nil

	case strings.HasPrefix(req.Path, "transit/encrypt/") && req.Op == OpWrite:
		name := strings.TrimPrefix(req.Path, "transit/encrypt/")
		plaintext, err := base64Field(req.Data, "plaintext")
		if err != nil {
			return nil, err
		}
		ct, err := v.transit.Encrypt(ctx, name, plaintext)
		if err != nil {
			return nil, err
		}
		return &Response{Ciphertext: ct}, nil

	case strings.HasPrefix(req.Path, "transit/decrypt/") && req.Op == OpWrite:
		name := strings.TrimPrefix(req.Path, "transit/decrypt/")
		ct, ok := req.Data["ciphertext"]
		if !ok {
			return nil, fmt.Errorf("%w: missing ciphertext field", interfaces.ErrValidation)
		}
		pt, err := v.transit.Decrypt(ctx, name, ct)
		if err != nil {
			return nil, err
		}
		return &Response{Plaintext: pt}, nil

	case strings.HasPrefix(req.Path, "transit/rewrap/") && req.Op == OpWrite:
		name := strings.TrimPrefix(req.Path, "transit/rewrap/")
		ct, ok := req.Data["ciphertext"]
		if !ok {
			return nil, fmt.Errorf("%w: missing ciphertext field", interfaces.ErrValidation)
		}
		rewrapped, err := v.transit.Rewrap(ctx, name, ct)
		if err != nil {
			return nil, err
		}
		return &Response{Ciphertext: rewrapped}, nil
	}

	return nil, fmt.Errorf("%w: unsupported operation %q on %q", interfaces.ErrValidation, req.Op, req.Path)
}

func (v *Vault) dispatchPolicies(ctx context.Context, req *Request) (*Response, error) {
	if req.Path == "sys/policies" {
		if req.Op != OpList {
			return nil, fmt.Errorf("%w: sys/policies only supports list", interfaces.ErrValidation)
		}
		names, err := v.policies.List(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Keys: names}, nil
	}

	name := strings.TrimPrefix(req.Path, "sys/policies/")
	switch req.Op {
	case OpRead:
		p, err := v.policies.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		return &Response{Policy: p}, nil
	case OpWrite:
		if req.PolicyDoc == nil {
			return nil, fmt.Errorf("%w: missing policy document", interfaces.ErrValidation)
		}
		if req.PolicyDoc.Name != name {
			return nil, fmt.Errorf("%w: policy name %q does not match path", interfaces.ErrValidation, req.PolicyDoc.Name)
		}
		return nil, v.policies.Set(ctx, req.PolicyDoc)
	case OpDelete:
		return nil, v.policies.Delete(ctx, name)
	}

	return nil, fmt.Errorf("%w: unsupported operation %q on %q", interfaces.ErrValidation, req.Op, req.Path)
}

func (v *Vault) dispatchToken(ctx context.Context, req *Request, record *token.Record) (*Response, error) {
	switch req.Path {
	case "auth/token/create":
		if req.Op != OpWrite {
			break
		}
		params := req.TokenParams
		if params == nil {
			return nil, fmt.Errorf("%w: missing token parameters", interfaces.ErrValidation)
		}
		raw, created, err := v.tokens.Create(ctx, token.CreateOptions{
			Policies:    params.Policies,
			DisplayName: params.DisplayName,
			TTL:         params.TTL,
			MaxTTL:      params.MaxTTL,
			Renewable:   params.Renewable,
		})
		if err != nil {
			return nil, err
		}
		return &Response{TokenInfo: tokenInfo(raw, created)}, nil

	case "auth/token/lookup-self":
		if req.Op != OpRead {
			break
		}
		return &Response{TokenInfo: tokenInfo("", record)}, nil

	case "auth/token/renew-self":
		if req.Op != OpWrite {
			break
		}
		increment, err := durationField(req.Data, "increment")
		if err != nil {
			return nil, err
		}
		renewed, err := v.tokens.Renew(ctx, req.Token, increment)
		if err != nil {
			return nil, err
		}
		return &Response{TokenInfo: tokenInfo("", renewed)}, nil

	case "auth/token/revoke-self":
		if req.Op != OpWrite {
			break
		}
		return nil, v.tokens.Revoke(ctx, req.Token)
	}

	return nil, fmt.Errorf("%w: unsupported operation %q on %q", interfaces.ErrValidation, req.Op, req.Path)
}

func tokenInfo(raw string, record *token.Record) *TokenInfo {
	return &TokenInfo{
		Token:       raw,
		Accessor:    record.Accessor,
		Policies:    record.Policies,
		DisplayName: record.DisplayName,
		TTL:         record.TTL(time.Now()),
		Renewable:   record.Renewable,
	}
}

func intField(data map[string]string, field string) (int, error) {
	raw, ok := data[field]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s field", interfaces.ErrValidation, field)
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("%w: invalid %s value %q", interfaces.ErrValidation, field, raw)
	}
	return n, nil
}

func durationField(data map[string]string, field string) (time.Duration, error) {
	raw, ok := data[field]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s field", interfaces.ErrValidation, field)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s value %q", interfaces.ErrValidation, field, raw)
	}
	return d, nil
}

func base64Field(data map[string]string, field string) ([]byte, error) {
	raw, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s field", interfaces.ErrValidation, field)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64", interfaces.ErrValidation, field)
	}
	return decoded, nil
}

