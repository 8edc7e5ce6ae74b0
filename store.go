package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atelier-sites/identity/provider"
)

// Store owns the single source of truth for "who is the current user". It
// holds the session, the backend user record, and the application profile
// as one atomically-replaced snapshot, keeps that snapshot consistent
// across the provider's auth event stream and explicit actions, and exposes
// the derived read model through [Store.Snapshot] and [Store.Watch].
//
// All state mutation goes through the store; gates and views are read-only
// consumers. Store methods are safe for concurrent use after
// [Builder.Build].
type Store struct {
	config  Config
	prov    provider.Provider
	audit   *auditDispatcher
	metrics *Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	session *provider.Session
	user    *provider.User
	profile *provider.Profile

	// epoch orders state-replacing operations: each one captures the value
	// at start and may only commit while it is still current. Whichever
	// operation started last owns the visible state.
	epoch uint64
	// pending counts in-flight identity operations; Loading reads true
	// while any are outstanding.
	pending     int
	initialized bool
	closed      bool

	watchers  map[uint64]func(Snapshot)
	watcherID uint64
	// notifyMu serializes watcher delivery. It is acquired while mu is
	// still held, so snapshots reach watchers in commit order and a stale
	// snapshot can never be observed after a newer one.
	notifyMu sync.Mutex

	baseCtx   context.Context
	cancel    context.CancelFunc
	unsub     provider.Unsubscribe
	closeOnce sync.Once
}

// Config returns the configuration the store was built with.
func (s *Store) Config() Config {
	return cloneConfig(s.config)
}

// Snapshot returns the current read model. The returned value is a
// self-contained copy; it never changes after being returned.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Session: s.session,
		User:    s.user,
		Profile: s.profile,
		Loading: s.pending > 0 || !s.initialized,
	}
}

// Watch registers fn to be called with a fresh [Snapshot] after every state
// change, including loading flips. Snapshots are delivered in commit order:
// a watcher never observes an older snapshot after a newer one, even when
// mutations overlap. The returned cancel function releases the registration;
// callers must invoke it when their scope ends.
//
// fn runs on the mutating goroutine and must not call back into mutating
// Store methods.
func (s *Store) Watch(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.watcherID
	s.watcherID++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// notifyTargetsLocked snapshots the watcher list and read model for
// invocation after the lock is released.
func (s *Store) notifyTargetsLocked() (Snapshot, []func(Snapshot)) {
	snap := s.snapshotLocked()
	if len(s.watchers) == 0 {
		return snap, nil
	}
	fns := make([]func(Snapshot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	return snap, fns
}

// unlockAndNotify releases mu and delivers the current snapshot to all
// watchers. notifyMu is taken before mu is dropped, so concurrent commits
// deliver in the order they committed. Callers must hold mu.
func (s *Store) unlockAndNotify() {
	snap, fns := s.notifyTargetsLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
	s.notifyMu.Unlock()
}

// Initialize hydrates identity state from the provider's persisted session.
// It runs the full populate-or-clear sequence before loading drops: a found
// session pulls the matching profile, an absent session or any failure
// collapses to the empty state (fail closed, never fail open).
//
// Initialize is called once at application start, after Build.
func (s *Store) Initialize(ctx context.Context) error {
	gen, err := s.beginIdentityOp()
	if err != nil {
		return err
	}

	sess, fetchErr := s.prov.GetCurrentSession(ctx)
	if fetchErr != nil {
		s.commitClear(gen)
		s.emitAudit(ctx, auditEventSessionCleared, false, "", "", fetchErr, func() map[string]string {
			return map[string]string{"origin": "initialize"}
		})
		return fmt.Errorf("%w: %v", provider.ErrUnavailable, fetchErr)
	}

	return s.applySession(ctx, gen, sess, "initialize")
}

// handleAuthEvent is the provider event stream handler registered at Build.
// Every login, logout, and token refresh funnels through the same
// populate-or-clear logic as Initialize, ordered by the epoch counter.
func (s *Store) handleAuthEvent(kind provider.EventKind, sess *provider.Session) {
	gen, err := s.beginIdentityOp()
	if err != nil {
		// Store closed; the subscription is being torn down.
		return
	}

	s.metricInc(MetricAuthEventApplied)

	ctx := s.baseCtx
	applyErr := s.applySession(ctx, gen, sess, string(kind))
	s.emitAudit(ctx, auditEventAuthEventApplied, applyErr == nil, userIDOf(sess), "", applyErr, func() map[string]string {
		return map[string]string{"kind": string(kind)}
	})
}

// applySession installs the state derived from sess: populated when a user
// is present and the profile fetch succeeds, empty otherwise. A profile
// fetch failure with a user present is fatal to the session and triggers an
// implicit sign-out.
func (s *Store) applySession(ctx context.Context, gen uint64, sess *provider.Session, origin string) error {
	if sess == nil || sess.User == nil {
		if s.commitClear(gen) {
			s.metricInc(MetricSessionCleared)
		}
		return nil
	}

	start := time.Now()
	prof, err := s.prov.FetchProfileByID(ctx, sess.User.ID)
	s.metrics.Observe(MetricProfileFetchLatency, time.Since(start))
	if err != nil || prof == nil {
		if err == nil {
			err = provider.ErrProfileNotFound
		}
		return s.implicitSignOut(ctx, gen, sess.User, origin, err)
	}

	if !s.commitState(gen, sess, sess.User, prof) {
		s.discardStale(ctx, sess.User.ID, origin)
		return nil
	}

	s.metricInc(MetricSessionHydrated)
	s.emitAudit(ctx, auditEventSessionHydrated, true, sess.User.ID, sess.User.Email, nil, func() map[string]string {
		return map[string]string{"origin": origin, "role": prof.Role}
	})
	return nil
}

// implicitSignOut tears the session down after a profile fetch failure.
// The store must never hold a User without a Profile: role is required for
// every access decision, so a session whose profile cannot be read is
// treated as invalid end to end.
func (s *Store) implicitSignOut(ctx context.Context, gen uint64, user *provider.User, origin string, cause error) error {
	s.metricInc(MetricProfileFetchFailure)
	s.emitAudit(ctx, auditEventProfileFetchFailure, false, user.ID, user.Email, cause, func() map[string]string {
		return map[string]string{"origin": origin}
	})

	if !s.isCurrent(gen) {
		// Superseded: release the pending slot, leave state to the newer
		// operation.
		s.endPendingOp()
		s.discardStale(ctx, user.ID, origin)
		return nil
	}

	// Best effort: invalidate the remote session too, so the broken
	// session does not resurface on the next hydration.
	if err := s.prov.SignOut(ctx); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID).
			Msg("remote sign-out failed during implicit teardown")
	}

	s.commitClear(gen)
	s.metricInc(MetricImplicitSignOut)
	s.metricInc(MetricSessionCleared)
	s.emitAudit(ctx, auditEventImplicitSignOut, true, user.ID, user.Email, cause, nil)
	s.logger.Warn().Err(cause).Str("user_id", user.ID).
		Msg("profile fetch failed, session torn down")

	return fmt.Errorf("%w: %v", ErrProfileUnavailable, cause)
}

func (s *Store) discardStale(ctx context.Context, userID, origin string) {
	s.metricInc(MetricStaleResultDiscarded)
	s.emitAudit(ctx, auditEventStaleResultDiscarded, true, userID, "", nil, func() map[string]string {
		return map[string]string{"origin": origin}
	})
}

/*
====================================
OPERATION BOOKKEEPING
====================================
*/

// beginIdentityOp claims a new epoch for a state-replacing operation and
// raises the loading flag. The returned generation must be passed to
// exactly one commit call.
func (s *Store) beginIdentityOp() (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStoreClosed
	}
	s.epoch++
	gen := s.epoch
	s.pending++
	s.unlockAndNotify()
	return gen, nil
}

// beginPendingOp raises loading without claiming an epoch. Used by actions
// whose state refresh arrives via the event stream (sign-in, sign-up) or
// that mutate only the profile field (updateProfile).
func (s *Store) beginPendingOp() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.pending++
	s.unlockAndNotify()
	return nil
}

func (s *Store) endPendingOp() {
	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	s.unlockAndNotify()
}

// commitState installs a populated snapshot if gen is still the newest
// operation and the store is open. It reports whether the write landed.
func (s *Store) commitState(gen uint64, sess *provider.Session, user *provider.User, prof *provider.Profile) bool {
	s.mu.Lock()
	committed := !s.closed && gen == s.epoch
	if committed {
		s.session = sess
		s.user = user
		s.profile = prof
	}
	s.initialized = true
	if s.pending > 0 {
		s.pending--
	}
	s.unlockAndNotify()
	return committed
}

// commitClear installs the empty snapshot under the same race rules as
// commitState.
func (s *Store) commitClear(gen uint64) bool {
	return s.commitState(gen, nil, nil, nil)
}

// forceClear installs the empty snapshot unconditionally and claims a new
// epoch so that every in-flight older operation becomes stale. Sign-out
// uses it: leaving stale identity state behind is the worse failure.
func (s *Store) forceClear() {
	s.mu.Lock()
	s.epoch++
	s.session = nil
	s.user = nil
	s.profile = nil
	s.initialized = true
	s.unlockAndNotify()
}

func (s *Store) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && gen == s.epoch
}

func (s *Store) metricInc(id MetricID) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.Inc(id)
}

// MetricsSnapshot returns a copy of all counters and histograms.
func (s *Store) MetricsSnapshot() MetricsSnapshot {
	if s == nil || s.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return s.metrics.Snapshot()
}

// AuditDropped reports how many audit events were discarded because the
// dispatcher buffer was full.
func (s *Store) AuditDropped() uint64 {
	if s == nil || s.audit == nil {
		return 0
	}
	return s.audit.Dropped()
}

// Close releases the auth event subscription exactly once, cancels the
// store's base context so in-flight fetches are discarded, and drains the
// audit pipeline. After Close every operation returns [ErrStoreClosed];
// results of operations still in flight are dropped, never written.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		if s.unsub != nil {
			s.unsub()
		}
		if s.audit != nil {
			s.audit.Close()
		}
	})
}

func userIDOf(sess *provider.Session) string {
	if sess == nil || sess.User == nil {
		return ""
	}
	return sess.User.ID
}
