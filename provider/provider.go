package provider

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is returned by SignInWithPassword when the
	// email/password pair is rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailTaken is returned by SignUpWithPassword when the email
	// already has an account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrProfileNotFound is returned by FetchProfileByID when no profile
	// row exists for the user id.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrUnavailable wraps transport-level backend failures.
	ErrUnavailable = errors.New("identity backend unavailable")
)

// EventKind identifies the class of an auth event pushed by the backend.
type EventKind string

const (
	// EventSignedIn is delivered after a successful password sign-in or an
	// auto-confirmed sign-up.
	EventSignedIn EventKind = "signed_in"
	// EventSignedOut is delivered after the backend invalidates the current
	// session, whether by request or server-side.
	EventSignedOut EventKind = "signed_out"
	// EventTokenRefreshed is delivered when the backend silently replaces
	// the session credential. The session payload carries the same user.
	EventTokenRefreshed EventKind = "token_refreshed"
)

// User is the backend-level identity record. It is read-only from the
// application's perspective.
type User struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// Session is the opaque credential issued by the backend together with the
// user it authenticates. A nil *Session means "no active session".
//
// Sessions are replaced wholesale on every auth event; no component other
// than the session store may hold one.
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
	User        *User
}

// Profile is the application-level record keyed by user id. Role is one of
// "client" or "admin"; the unauthenticated "visitor" state has no row.
type Profile struct {
	ID        string
	Email     string
	FullName  string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileUpdate carries the mutable profile fields for UpdateProfile.
// Nil pointers are left untouched by the backend.
type ProfileUpdate struct {
	FullName *string
	Email    *string
}

// SignInResult is the provider's answer to a credential operation. A nil
// Session with a nil error means the operation succeeded but the session
// will arrive asynchronously (e.g. sign-up pending email confirmation).
type SignInResult struct {
	Session *Session
	User    *User
}

// EventHandler receives every auth event pushed by the backend, in delivery
// order. The session argument is nil for sign-out events.
type EventHandler func(kind EventKind, session *Session)

// Unsubscribe releases an auth event subscription. It must be safe to call
// exactly once; implementations may tolerate repeated calls.
type Unsubscribe func()

// Provider is the contract the identity core consumes. Implementations are
// the hosted backend client, the Redis-backed reference provider, or a test
// fake; all calls may block and must honor ctx cancellation.
type Provider interface {
	// GetCurrentSession returns the persisted session, or nil when no
	// session is active.
	GetCurrentSession(ctx context.Context) (*Session, error)

	// SubscribeAuthEvents registers a handler for subsequent auth events.
	// Events are delivered sequentially per subscription.
	SubscribeAuthEvents(handler EventHandler) Unsubscribe

	// SignInWithPassword authenticates with email and password. A
	// successful call is followed by an EventSignedIn on the event stream.
	SignInWithPassword(ctx context.Context, email, password string) (*SignInResult, error)

	// SignUpWithPassword creates an account, attaching metadata as initial
	// profile fields (the "full_name" key seeds the profile display name).
	SignUpWithPassword(ctx context.Context, email, password string, metadata map[string]string) (*SignInResult, error)

	// SignOut invalidates the current session. Implementations emit
	// EventSignedOut even when the invalidation partially fails.
	SignOut(ctx context.Context) error

	// FetchProfileByID returns the profile row for a user id, or an error
	// when the row is missing or the backend is unreachable.
	FetchProfileByID(ctx context.Context, userID string) (*Profile, error)

	// UpdateProfile applies a partial update scoped to userID and returns
	// the server-confirmed record, including server-maintained timestamps.
	UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*Profile, error)
}
