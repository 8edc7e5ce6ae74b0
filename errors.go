package identity

import "errors"

var (
	// ErrNoCurrentUser is returned by profile mutations attempted while no
	// user is signed in.
	ErrNoCurrentUser = errors.New("no current user")
	// ErrStoreClosed is returned by operations invoked after Close.
	ErrStoreClosed = errors.New("identity store closed")
	// ErrStoreNotReady is returned when an operation runs before Build
	// completed the store's wiring.
	ErrStoreNotReady = errors.New("identity store not initialized")
	// ErrProfileUnavailable marks a profile fetch failure for an otherwise
	// valid session. It is fatal to the session: the store signs out.
	ErrProfileUnavailable = errors.New("profile unavailable")
)
