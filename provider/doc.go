// Package provider defines the boundary between the identity core and the
// hosted backend that actually owns authentication and profile storage.
//
// The interface mirrors the backend's own surface: a one-shot persisted
// session fetch, a push-based auth event stream, password sign-in/sign-up,
// sign-out, and profile reads/writes scoped by user id. The core never
// reaches past this boundary; swapping the hosted service for the bundled
// Redis-backed reference implementation (or a test fake) must not change
// core behavior.
package provider
