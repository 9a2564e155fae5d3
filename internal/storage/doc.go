// Package storage persists broadcast jobs, recipient groups and recipients.
//
// Two drivers are available:
//   - "sqlite": modernc.org/sqlite database file (default)
//   - "bolt":   go.etcd.io/bbolt key/value file
//
// The scheduler only needs the narrow JobStore and RecipientResolver views;
// operator tooling (CLI, status endpoint) uses the full Store.
package storage
