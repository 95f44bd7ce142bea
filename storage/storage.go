// Package storage provides ByteStore backends and a URI-scheme factory.
//
// Supported schemes:
//
//	memory://                      in-memory (tests, development)
//	file:///var/lib/strongroom     local filesystem
//	badger:///var/lib/strongroom   embedded Badger database
//	s3://bucket/prefix?region=...  Amazon S3 or compatible
//	vault://host:8200/kvmount      upstream Vault KV as raw blob storage
//
// Every backend stores opaque bytes only; encryption happens above this
// layer, in the barrier.
package storage

import (
	"fmt"

	"github.com/strongroom/strongroom/interfaces"
)

// ctxErr maps a context cancellation or deadline into the storage error
// kind so callers see a single failure class for backend trouble.
func ctxErr(err error) error {
	return fmt.Errorf("%w: %v", interfaces.ErrStorage, err)
}
