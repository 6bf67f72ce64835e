// Package kvstore provides the origin-scoped persistent key-value store that token
// slots and the security event log live in.
//
// Supports several backends with different deployment tradeoffs:
//   - File: a single JSON document on the local filesystem, written atomically with 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, Secret Service)
//   - Bolt: an embedded bbolt database with a single bucket
//   - SQLite: a `kv` table in a local SQLite database
//   - Memory: process-local map, used by tests and ephemeral sessions
//
// Values are opaque strings. Backends never interpret them; encryption happens in tokenstore.
package kvstore
