// Package interfaces defines the contracts shared across the vault:
// the ByteStore persistence abstraction, storage location URIs, and the
// sentinel error kinds every layer reports through.
//
// Keeping these in one dependency-free package lets the storage
// backends, the barrier, and the engines evolve independently while
// callers match errors with errors.Is against a single vocabulary.
package interfaces
