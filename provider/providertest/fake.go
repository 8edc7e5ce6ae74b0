// Package providertest holds an in-memory, scriptable [provider.Provider]
// for exercising the identity core without a backend. Tests seed accounts
// and profiles, inject failures per call site, and drive the auth event
// stream by hand.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-sites/identity/provider"
)

var _ provider.Provider = (*Fake)(nil)

// Fake is a thread-safe in-memory Provider. The zero value is not usable;
// construct with [New].
//
// Failure injection fields take precedence over seeded data: a non-nil
// SessionErr makes GetCurrentSession fail regardless of the stored session.
// Set them directly between calls; Fake guards all fields with one mutex.
type Fake struct {
	mu sync.Mutex

	session  *provider.Session
	accounts map[string]account // keyed by email
	profiles map[string]*provider.Profile

	handlers  map[uint64]provider.EventHandler
	handlerID uint64

	// Per-operation failure injection. Errors are returned as-is.
	SessionErr  error
	SignInErr   error
	SignUpErr   error
	SignOutErr  error
	ProfileErr  error
	UpdateErr   error
	ProfileLag  time.Duration // simulated FetchProfileByID latency
	Calls       map[string]int
	confirmless bool
}

type account struct {
	userID   string
	password string
}

// Option adjusts Fake construction.
type Option func(*Fake)

// WithManualConfirmation makes SignUpWithPassword create the account
// without a session or signed-in event, mirroring backends that require
// email confirmation before the first login.
func WithManualConfirmation() Option {
	return func(f *Fake) { f.confirmless = true }
}

func New(opts ...Option) *Fake {
	f := &Fake{
		accounts: make(map[string]account),
		profiles: make(map[string]*provider.Profile),
		handlers: make(map[uint64]provider.EventHandler),
		Calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SeedUser registers an account with a profile and returns the user id.
func (f *Fake) SeedUser(email, password, fullName, role string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.New().String()
	f.accounts[email] = account{userID: id, password: password}
	now := time.Now().UTC()
	f.profiles[id] = &provider.Profile{
		ID:        id,
		Email:     email,
		FullName:  fullName,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id
}

// SetSession installs sess as the persisted session without emitting any
// event, as if it survived from a previous process run.
func (f *Fake) SetSession(sess *provider.Session) {
	f.mu.Lock()
	f.session = sess
	f.mu.Unlock()
}

// DropProfile removes the profile row for a user id, so the next fetch
// fails with [provider.ErrProfileNotFound].
func (f *Fake) DropProfile(userID string) {
	f.mu.Lock()
	delete(f.profiles, userID)
	f.mu.Unlock()
}

// EmitEvent delivers an auth event synchronously to every subscribed
// handler. Tests use it to simulate token refreshes or sign-ins performed
// in another tab.
func (f *Fake) EmitEvent(kind provider.EventKind, sess *provider.Session) {
	f.mu.Lock()
	if kind == provider.EventSignedOut {
		f.session = nil
	} else if sess != nil {
		f.session = sess
	}
	handlers := make([]provider.EventHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(kind, sess)
	}
}

// SubscriberCount reports how many handlers are currently registered.
func (f *Fake) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *Fake) countCall(name string) {
	f.Calls[name]++
}

func (f *Fake) GetCurrentSession(ctx context.Context) (*provider.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCall("GetCurrentSession")
	if f.SessionErr != nil {
		return nil, f.SessionErr
	}
	return f.session, nil
}

func (f *Fake) SubscribeAuthEvents(handler provider.EventHandler) provider.Unsubscribe {
	f.mu.Lock()
	id := f.handlerID
	f.handlerID++
	f.handlers[id] = handler
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *Fake) SignInWithPassword(ctx context.Context, email, password string) (*provider.SignInResult, error) {
	f.mu.Lock()
	f.countCall("SignInWithPassword")
	if err := f.SignInErr; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	acct, ok := f.accounts[email]
	if !ok || acct.password != password {
		f.mu.Unlock()
		return nil, provider.ErrInvalidCredentials
	}
	sess := f.newSessionLocked(acct.userID, email)
	f.session = sess
	f.mu.Unlock()

	f.EmitEvent(provider.EventSignedIn, sess)
	return &provider.SignInResult{Session: sess, User: sess.User}, nil
}

func (f *Fake) SignUpWithPassword(ctx context.Context, email, password string, metadata map[string]string) (*provider.SignInResult, error) {
	f.mu.Lock()
	f.countCall("SignUpWithPassword")
	if err := f.SignUpErr; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if _, exists := f.accounts[email]; exists {
		f.mu.Unlock()
		return nil, provider.ErrEmailTaken
	}

	id := uuid.New().String()
	f.accounts[email] = account{userID: id, password: password}
	now := time.Now().UTC()
	f.profiles[id] = &provider.Profile{
		ID:        id,
		Email:     email,
		FullName:  metadata["full_name"],
		Role:      "client",
		CreatedAt: now,
		UpdatedAt: now,
	}

	if f.confirmless {
		user := &provider.User{ID: id, Email: email, Metadata: metadata}
		f.mu.Unlock()
		return &provider.SignInResult{User: user}, nil
	}

	sess := f.newSessionLocked(id, email)
	sess.User.Metadata = metadata
	f.session = sess
	f.mu.Unlock()

	f.EmitEvent(provider.EventSignedIn, sess)
	return &provider.SignInResult{Session: sess, User: sess.User}, nil
}

func (f *Fake) SignOut(ctx context.Context) error {
	f.mu.Lock()
	f.countCall("SignOut")
	err := f.SignOutErr
	f.session = nil
	f.mu.Unlock()

	f.EmitEvent(provider.EventSignedOut, nil)
	return err
}

func (f *Fake) FetchProfileByID(ctx context.Context, userID string) (*provider.Profile, error) {
	f.mu.Lock()
	f.countCall("FetchProfileByID")
	lag := f.ProfileLag
	err := f.ProfileErr
	prof, ok := f.profiles[userID]
	f.mu.Unlock()

	if lag > 0 {
		select {
		case <-time.After(lag):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, provider.ErrProfileNotFound
	}
	cp := *prof
	return &cp, nil
}

func (f *Fake) UpdateProfile(ctx context.Context, userID string, update provider.ProfileUpdate) (*provider.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCall("UpdateProfile")
	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}
	prof, ok := f.profiles[userID]
	if !ok {
		return nil, provider.ErrProfileNotFound
	}
	if update.FullName != nil {
		prof.FullName = *update.FullName
	}
	if update.Email != nil {
		prof.Email = *update.Email
	}
	prof.UpdatedAt = time.Now().UTC()
	cp := *prof
	return &cp, nil
}

func (f *Fake) newSessionLocked(userID, email string) *provider.Session {
	return &provider.Session{
		AccessToken: uuid.New().String(),
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        &provider.User{ID: userID, Email: email},
	}
}
