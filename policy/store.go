package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/strongroom/strongroom/barrier"
	"github.com/strongroom/strongroom/interfaces"
)

// storagePrefix is where policy documents live behind the barrier.
const storagePrefix = "sys/policies/"

// RootPolicy grants every capability on every path. DefaultPolicy covers
// token self-management. Both are built in: always present, never
// writable or deletable.
const (
	RootPolicy    = "root"
	DefaultPolicy = "default"
)

var builtinPolicies = map[string]*Policy{
	RootPolicy: {
		Name: RootPolicy,
		Rules: []Rule{
			{Path: "*", Capabilities: []Capability{
				CapabilityCreate, CapabilityRead, CapabilityUpdate,
				CapabilityDelete, CapabilityList, CapabilitySudo,
			}},
		},
	},
	DefaultPolicy: {
		Name: DefaultPolicy,
		Rules: []Rule{
			{Path: "auth/token/lookup-self", Capabilities: []Capability{CapabilityRead}},
			{Path: "auth/token/renew-self", Capabilities: []Capability{CapabilityUpdate}},
			{Path: "auth/token/revoke-self", Capabilities: []Capability{CapabilityUpdate}},
		},
	},
}

// Store persists policy documents behind the barrier with a read-mostly
// cache. The cache holds complete documents only; a delete removes the
// entry before returning, so staleness can widen a grant window but never
// turn a deny into an allow for paths no policy covered.
type Store struct {
	barrier *barrier.Barrier
	log     *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Policy
}

// NewStore creates a policy store over the given barrier.
func NewStore(b *barrier.Barrier, log *slog.Logger) *Store {
	return &Store{
		barrier: b,
		log:     log,
		cache:   make(map[string]*Policy),
	}
}

// Get returns the named policy. Built-ins resolve without storage access.
func (s *Store) Get(ctx context.Context, name string) (*Policy, error) {
	if p, ok := builtinPolicies[name]; ok {
		return p, nil
	}

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := s.barrier.Get(ctx, storagePrefix+name)
	if err != nil {
		return nil, err
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode policy %q: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = &p
	s.mu.Unlock()
	return &p, nil
}

// Set validates and persists a policy. Built-in names are protected.
func (s *Store) Set(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, builtin := builtinPolicies[p.Name]; builtin {
		return fmt.Errorf("%w: policy %q is built in and cannot be modified", interfaces.ErrValidation, p.Name)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode policy %q: %w", p.Name, err)
	}
	if err := s.barrier.Put(ctx, storagePrefix+p.Name, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[p.Name] = p
	s.mu.Unlock()

	s.log.Info("Policy written", slog.String("policy", p.Name))
	return nil
}

// Delete removes a policy. Built-in names are protected. The cache entry
// goes away before the call returns.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, builtin := builtinPolicies[name]; builtin {
		return fmt.Errorf("%w: policy %q is built in and cannot be deleted", interfaces.ErrValidation, name)
	}

	// Drop the cache entry first so no reader resolves a deleted policy.
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()

	if err := s.barrier.Delete(ctx, storagePrefix+name); err != nil {
		return err
	}

	s.log.Info("Policy deleted", slog.String("policy", name))
	return nil
}

// List returns all policy names, built-ins included, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.barrier.List(ctx, storagePrefix)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(keys)+len(builtinPolicies))
	for name := range builtinPolicies {
		names = append(names, name)
	}
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, storagePrefix))
	}
	sort.Strings(names)
	return names, nil
}

// Resolve loads all named policies, skipping ones that no longer exist.
// A token referencing a deleted policy simply loses those grants.
func (s *Store) Resolve(ctx context.Context, names []string) ([]*Policy, error) {
	policies := make([]*Policy, 0, len(names))
	for _, name := range names {
		p, err := s.Get(ctx, name)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// InvalidateCache drops all cached documents. Called on seal.
func (s *Store) InvalidateCache() {
	s.mu.Lock()
	s.cache = make(map[string]*Policy)
	s.mu.Unlock()
}

func isNotFound(err error) bool {
	return errors.Is(err, interfaces.ErrNotFound)
}
