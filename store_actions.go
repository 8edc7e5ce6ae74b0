package identity

import (
	"context"

	"github.com/atelier-sites/identity/provider"
)

// SignIn authenticates with the backend. Loading is held for the duration
// of the provider call; the resulting state refresh arrives through the
// auth event stream, not through this call's return value. The provider
// result is returned verbatim so the caller can drive user-visible error
// display. A failed attempt leaves existing identity state untouched.
func (s *Store) SignIn(ctx context.Context, email, password string) (*provider.SignInResult, error) {
	if s == nil || s.prov == nil {
		return nil, ErrStoreNotReady
	}
	if err := s.beginPendingOp(); err != nil {
		return nil, err
	}
	defer s.endPendingOp()

	res, err := s.prov.SignInWithPassword(ctx, email, password)
	if err != nil {
		s.metricInc(MetricSignInFailure)
		s.emitAudit(ctx, auditEventSignInFailure, false, "", email, err, nil)
		return res, err
	}

	s.metricInc(MetricSignInSuccess)
	s.emitAudit(ctx, auditEventSignInSuccess, true, resultUserID(res), email, nil, nil)
	return res, nil
}

// SignUp creates an account, seeding the profile display name through the
// provider's metadata channel. Like SignIn, the session (when the backend
// auto-confirms) arrives via the event stream.
func (s *Store) SignUp(ctx context.Context, email, password, fullName string) (*provider.SignInResult, error) {
	if s == nil || s.prov == nil {
		return nil, ErrStoreNotReady
	}
	if err := s.beginPendingOp(); err != nil {
		return nil, err
	}
	defer s.endPendingOp()

	metadata := map[string]string{"full_name": fullName}
	res, err := s.prov.SignUpWithPassword(ctx, email, password, metadata)
	if err != nil {
		s.metricInc(MetricSignUpFailure)
		s.emitAudit(ctx, auditEventSignUpFailure, false, "", email, err, nil)
		return res, err
	}

	s.metricInc(MetricSignUpSuccess)
	s.emitAudit(ctx, auditEventSignUpSuccess, true, resultUserID(res), email, nil, nil)
	return res, nil
}

// SignOut invalidates the backend session and then clears local identity
// state unconditionally, whether or not the provider call succeeded:
// keeping stale identity around is the worse failure. The provider error,
// when any, is returned for diagnostic display only.
//
// SignOut is idempotent; calling it while already signed out leaves the
// empty state in place and returns whatever the provider reported.
func (s *Store) SignOut(ctx context.Context) error {
	if s == nil || s.prov == nil {
		return ErrStoreNotReady
	}
	if err := s.beginPendingOp(); err != nil {
		return err
	}
	defer s.endPendingOp()

	prevID := ""
	s.mu.Lock()
	if s.user != nil {
		prevID = s.user.ID
	}
	s.mu.Unlock()

	err := s.prov.SignOut(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("provider sign-out failed, clearing local state anyway")
	}

	s.forceClear()
	s.metricInc(MetricSignOut)
	s.metricInc(MetricSessionCleared)
	s.emitAudit(ctx, auditEventSignOut, err == nil, prevID, "", err, nil)
	return err
}

// UpdateProfile persists a partial profile update scoped to the current
// user and, on success, replaces the in-memory profile with the
// server-confirmed record. No optimistic merge happens locally: the server
// owns defaults, triggers, and timestamps, and the local copy must not
// drift from it.
//
// Returns [ErrNoCurrentUser] when no user is signed in. A failed update
// leaves the prior profile intact.
func (s *Store) UpdateProfile(ctx context.Context, update provider.ProfileUpdate) (*provider.Profile, error) {
	if s == nil || s.prov == nil {
		return nil, ErrStoreNotReady
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if s.user == nil {
		s.mu.Unlock()
		return nil, ErrNoCurrentUser
	}
	userID := s.user.ID
	s.pending++
	s.unlockAndNotify()

	prof, err := s.prov.UpdateProfile(ctx, userID, update)

	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	applied := err == nil && prof != nil && !s.closed && s.user != nil && s.user.ID == userID
	if applied {
		s.profile = prof
	}
	s.unlockAndNotify()

	if err != nil {
		s.metricInc(MetricProfileUpdateFailure)
		s.emitAudit(ctx, auditEventProfileUpdateFailure, false, userID, "", err, nil)
		return nil, err
	}

	s.metricInc(MetricProfileUpdateSuccess)
	s.emitAudit(ctx, auditEventProfileUpdateSuccess, true, userID, prof.Email, nil, nil)
	if !applied {
		// The user changed or signed out while the update was in flight;
		// the confirmed record is returned but not installed.
		s.discardStale(ctx, userID, "update_profile")
	}
	return prof, nil
}

func resultUserID(res *provider.SignInResult) string {
	if res == nil || res.User == nil {
		return ""
	}
	return res.User.ID
}
