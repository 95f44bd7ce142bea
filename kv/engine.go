// Package kv implements the versioned key-value secrets engine. Every
// logical path maps to a single encrypted blob holding all of its
// versions, so a write is exactly one barrier put and a cancelled request
// either fully lands or leaves no trace.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/strongroom/strongroom/barrier"
	"github.com/strongroom/strongroom/interfaces"
)

const (
	// dataPrefix locates secret blobs in storage under the engine mount.
	dataPrefix = "secret/data/"

	// MaxValueSize caps the serialized payload of one write.
	MaxValueSize = 1 << 20

	// MaxPathSegments caps the depth of a secret path.
	MaxPathSegments = 16

	// DefaultMaxVersions is the per-path version retention when none is
	// configured. Zero means unlimited.
	DefaultMaxVersions = 10
)

// Version is one immutable snapshot of a secret's data.
type Version struct {
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
	Destroyed bool              `json:"destroyed,omitempty"`
}

// secretRecord is the single persisted blob for a path.
type secretRecord struct {
	CurrentVersion uint64              `json:"current_version"`
	MaxVersions    int                 `json:"max_versions"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	Versions       map[uint64]*Version `json:"versions"`
}

// VersionMetadata describes one version without its data.
type VersionMetadata struct {
	Version   uint64     `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Destroyed bool       `json:"destroyed"`
}

// Metadata describes a path's version history without any secret data.
type Metadata struct {
	CurrentVersion uint64            `json:"current_version"`
	OldestVersion  uint64            `json:"oldest_version"`
	MaxVersions    int               `json:"max_versions"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Versions       []VersionMetadata `json:"versions"`
}

// Secret is a read result: one version's data plus its position in the
// history.
type Secret struct {
	Data      map[string]string `json:"data"`
	Version   uint64            `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
}

// Engine is the KV v2 secrets engine.
type Engine struct {
	barrier *barrier.Barrier
	log     *slog.Logger
	now     func() time.Time
}

// NewEngine creates a KV engine over the given barrier.
func NewEngine(b *barrier.Barrier, log *slog.Logger) *Engine {
	return &Engine{
		barrier: b,
		log:     log,
		now:     time.Now,
	}
}

// Write stores a new version at path and returns its metadata. The whole
// update is one storage put.
func (e *Engine) Write(ctx context.Context, path string, data map[string]string) (*VersionMetadata, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: secret data must not be empty", interfaces.ErrValidation)
	}
	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode secret data", interfaces.ErrValidation)
	}
	if len(serialized) > MaxValueSize {
		return nil, fmt.Errorf("%w: secret payload exceeds %d bytes", interfaces.ErrValidation, MaxValueSize)
	}

	record, err := e.load(ctx, path)
	if errors.Is(err, interfaces.ErrNotFound) {
		record = &secretRecord{
			MaxVersions: DefaultMaxVersions,
			CreatedAt:   e.now().UTC(),
			Versions:    make(map[uint64]*Version),
		}
	} else if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	record.CurrentVersion++
	record.UpdatedAt = now
	record.Versions[record.CurrentVersion] = &Version{
		Data:      copyData(data),
		CreatedAt: now,
	}
	record.prune()

	if err := e.store(ctx, path, record); err != nil {
		return nil, err
	}

	e.log.Debug("Secret written",
		slog.String("path", path),
		slog.Uint64("version", record.CurrentVersion))

	return &VersionMetadata{
		Version:   record.CurrentVersion,
		CreatedAt: now,
	}, nil
}

// Read returns one version's data. Version 0 means the newest version
// that is neither deleted nor destroyed. Deleted, destroyed, pruned, and
// absent versions all surface as ErrNotFound.
func (e *Engine) Read(ctx context.Context, path string, version uint64) (*Secret, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	record, err := e.load(ctx, path)
	if err != nil {
		return nil, err
	}

	if version == 0 {
		version = record.newestLive()
		if version == 0 {
			return nil, interfaces.ErrNotFound
		}
	}

	v, ok := record.Versions[version]
	if !ok || v.Destroyed || v.DeletedAt != nil {
		return nil, interfaces.ErrNotFound
	}

	return &Secret{
		Data:      copyData(v.Data),
		Version:   version,
		CreatedAt: v.CreatedAt,
	}, nil
}

// Delete soft-deletes the given versions (the current version when none
// are given). Deleted versions stay recoverable via Undelete.
func (e *Engine) Delete(ctx context.Context, path string, versions []uint64) error {
	return e.mutateVersions(ctx, path, versions, func(v *Version) {
		if v.DeletedAt == nil {
			now := e.now().UTC()
			v.DeletedAt = &now
		}
	})
}

// Undelete restores soft-deleted versions. Destroyed versions stay gone.
func (e *Engine) Undelete(ctx context.Context, path string, versions []uint64) error {
	if len(versions) == 0 {
		return fmt.Errorf("%w: undelete requires explicit versions", interfaces.ErrValidation)
	}
	return e.mutateVersions(ctx, path, versions, func(v *Version) {
		if !v.Destroyed {
			v.DeletedAt = nil
		}
	})
}

// Destroy irrecoverably removes the data of the given versions. The
// version numbers remain visible in metadata.
func (e *Engine) Destroy(ctx context.Context, path string, versions []uint64) error {
	if len(versions) == 0 {
		return fmt.Errorf("%w: destroy requires explicit versions", interfaces.ErrValidation)
	}
	return e.mutateVersions(ctx, path, versions, func(v *Version) {
		v.Data = nil
		v.Destroyed = true
	})
}

// List returns the immediate children under prefix, directories marked
// with a trailing slash, sorted and deduplicated.
func (e *Engine) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" {
		if err := ValidatePath(strings.TrimSuffix(prefix, "/")); err != nil {
			return nil, err
		}
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	keys, err := e.barrier.List(ctx, dataPrefix+prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var children []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, dataPrefix+prefix)
		if rest == "" {
			continue
		}
		child := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			child = rest[:i+1]
		}
		if !seen[child] {
			seen[child] = true
			children = append(children, child)
		}
	}
	sort.Strings(children)
	return children, nil
}

// Metadata returns the version history of a path without secret data.
func (e *Engine) Metadata(ctx context.Context, path string) (*Metadata, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	record, err := e.load(ctx, path)
	if err != nil {
		return nil, err
	}

	versions := make([]VersionMetadata, 0, len(record.Versions))
	oldest := uint64(0)
	for num, v := range record.Versions {
		if oldest == 0 || num < oldest {
			oldest = num
		}
		versions = append(versions, VersionMetadata{
			Version:   num,
			CreatedAt: v.CreatedAt,
			DeletedAt: v.DeletedAt,
			Destroyed: v.Destroyed,
		})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })

	return &Metadata{
		CurrentVersion: record.CurrentVersion,
		OldestVersion:  oldest,
		MaxVersions:    record.MaxVersions,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
		Versions:       versions,
	}, nil
}

// SetMaxVersions reconfigures the retention for a path and prunes
// immediately if the new limit is tighter.
func (e *Engine) SetMaxVersions(ctx context.Context, path string, maxVersions int) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if maxVersions < 0 {
		return fmt.Errorf("%w: max versions must not be negative", interfaces.ErrValidation)
	}
	record, err := e.load(ctx, path)
	if err != nil {
		return err
	}
	record.MaxVersions = maxVersions
	record.UpdatedAt = e.now().UTC()
	record.prune()
	return e.store(ctx, path, record)
}

// mutateVersions applies fn to the selected versions and persists the
// record with a single put. Unknown version numbers are ignored.
func (e *Engine) mutateVersions(ctx context.Context, path string, versions []uint64, fn func(*Version)) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	record, err := e.load(ctx, path)
	if err != nil {
		return err
	}

	if len(versions) == 0 {
		current := record.newestLive()
		if current == 0 {
			return interfaces.ErrNotFound
		}
		versions = []uint64{current}
	}

	for _, num := range versions {
		if v, ok := record.Versions[num]; ok {
			fn(v)
		}
	}
	record.UpdatedAt = e.now().UTC()
	return e.store(ctx, path, record)
}

func (e *Engine) load(ctx context.Context, path string) (*secretRecord, error) {
	data, err := e.barrier.Get(ctx, dataPrefix+path)
	if err != nil {
		return nil, err
	}
	var record secretRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode secret record at %q: %w", path, err)
	}
	if record.Versions == nil {
		record.Versions = make(map[uint64]*Version)
	}
	return &record, nil
}

func (e *Engine) store(ctx context.Context, path string, record *secretRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode secret record at %q: %w", path, err)
	}
	return e.barrier.Put(ctx, dataPrefix+path, data)
}

// newestLive returns the highest version that is neither deleted nor
// destroyed, or 0 if none qualifies.
func (r *secretRecord) newestLive() uint64 {
	best := uint64(0)
	for num, v := range r.Versions {
		if v.Destroyed || v.DeletedAt != nil {
			continue
		}
		if num > best {
			best = num
		}
	}
	return best
}

// prune drops the oldest versions beyond MaxVersions. Zero retains
// everything.
func (r *secretRecord) prune() {
	if r.MaxVersions <= 0 || len(r.Versions) <= r.MaxVersions {
		return
	}
	nums := make([]uint64, 0, len(r.Versions))
	for num := range r.Versions {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	for _, num := range nums[:len(nums)-r.MaxVersions] {
		delete(r.Versions, num)
	}
}

// ValidatePath checks a secret path: slash-separated non-empty segments
// over [a-zA-Z0-9._-], at most MaxPathSegments deep.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: secret path must not be empty", interfaces.ErrValidation)
	}
	if !interfaces.ValidStorageKey(path) {
		return fmt.Errorf("%w: invalid secret path %q", interfaces.ErrValidation, path)
	}
	if strings.Count(path, "/")+1 > MaxPathSegments {
		return fmt.Errorf("%w: secret path exceeds %d segments", interfaces.ErrValidation, MaxPathSegments)
	}
	return nil
}

func copyData(data map[string]string) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
