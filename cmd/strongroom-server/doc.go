// Package main (cmd/strongroom-server) implements the strongroom vault
// server.
//
// The server exposes the vault API over HTTP: seal lifecycle management,
// versioned key-value secrets, encryption as a service (transit), token
// authentication, and path-based policies. All persisted data passes
// through an AES-GCM encryption barrier whose root key is reconstructed
// from Shamir shares at unseal time and never written to storage.
//
// Storage is pluggable through a URI flag. Supported schemes:
//
//   - memory:// for tests and throwaway instances
//   - file:// for single-node deployments on a local disk
//   - badger:// for an embedded transactional store
//   - s3:// for object storage
//   - vault:// to nest under an upstream KV mount
//
// Every request is written to the audit log before its result is
// released; if no sink accepts the entry the request fails. Running
// without any sink requires the explicit --allow-unaudited escape hatch.
//
// Configuration is handled through command-line flags, optionally
// seeded from a YAML file. The server implements graceful shutdown on
// SIGINT/SIGTERM and serves health checks and Prometheus metrics.
//
// Example usage:
//
//	strongroom-server --listen-addr=0.0.0.0:8200 \
//	    --storage=badger:///var/lib/strongroom \
//	    --audit-log=/var/log/strongroom/audit.jsonl \
//	    --metrics-addr=127.0.0.1:8290
package main
