// Package identity provides the session/identity lifecycle core for a
// client-portal dashboard: one [Store] holding the authenticated session,
// the backend user record, and the application profile as a single
// atomically-replaced snapshot, plus role-gated access decisions over that
// snapshot through [Gate].
//
// The package is designed for concurrent server workloads: Store and Gate
// methods are safe to call from multiple goroutines after initialization
// through [Builder.Build] and one call to [Store.Initialize].
//
// # Architecture boundaries
//
// identity is the public surface. It exposes [Store], [Gate], [Builder],
// [Config], and value types (Snapshot, Decision, MetricsSnapshot, etc.).
// Backend access goes exclusively through the [provider.Provider] contract;
// this package never talks to a transport directly.
//
// # State ownership
//
//   - The Store is the only writer of identity state. Gates, watchers, and
//     HTTP middleware are read-only consumers of [Snapshot].
//   - A populated snapshot always carries Session, User, and Profile
//     together. A session whose profile cannot be read is torn down, never
//     held half-populated.
//   - Concurrent state-replacing operations resolve last-write-wins; stale
//     results are discarded, not merged.
package identity
