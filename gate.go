package identity

import (
	"sync"
	"time"
)

// Decision is the outcome of evaluating an access gate against the current
// identity snapshot. Exactly one decision is produced per evaluation.
type Decision int

const (
	// DecisionLoading means identity state is still resolving. Render
	// nothing user-visible yet; do not redirect. Loading dominates every
	// other decision so that a half-resolved session is never mistaken
	// for a signed-out one.
	DecisionLoading Decision = iota

	// DecisionTransition means the user just signed in and the gate's
	// post-login interstitial should be shown once before admitting.
	DecisionTransition

	// DecisionRedirectToLogin means no user is signed in; send them to
	// the login route.
	DecisionRedirectToLogin

	// DecisionForbidden means the user is signed in but lacks the role
	// the gate requires.
	DecisionForbidden

	// DecisionAdmit means the protected content may be shown.
	DecisionAdmit
)

func (d Decision) String() string {
	switch d {
	case DecisionLoading:
		return "loading"
	case DecisionTransition:
		return "transition"
	case DecisionRedirectToLogin:
		return "redirect_to_login"
	case DecisionForbidden:
		return "forbidden"
	case DecisionAdmit:
		return "admit"
	default:
		return "unknown"
	}
}

// Decide maps one identity snapshot to a gate decision. It is pure: the
// one-shot transition bookkeeping lives in [Gate], which passes
// transitionPending accordingly.
//
// Precedence: Loading, then Transition, then authentication, then role.
func Decide(snap Snapshot, requireAdmin, transitionPending bool) Decision {
	if snap.Loading {
		return DecisionLoading
	}
	if !snap.IsAuthenticated() {
		return DecisionRedirectToLogin
	}
	if transitionPending {
		return DecisionTransition
	}
	if requireAdmin && !snap.IsAdmin() {
		return DecisionForbidden
	}
	return DecisionAdmit
}

// Gate is a stateful route guard bound to one Store. It adds one-shot
// post-login transition tracking on top of [Decide]: the transition fires
// at most once over the gate's lifetime, on the first time this gate
// observes the store move from a resolved unauthenticated state to an
// authenticated one. It never fires for a user who was already signed in
// when the gate was created, and once consumed it stays consumed — later
// sign-out/sign-in cycles through the same gate go straight to the role
// check.
type Gate struct {
	store        *Store
	requireAdmin bool

	mu                sync.Mutex
	seenResolved      bool
	lastAuthenticated bool
	transitionArmed   bool
	transitionDone    bool
}

// NewGate builds a gate over the store. requireAdmin additionally demands
// the admin role; without it any authenticated user is admitted.
func NewGate(store *Store, requireAdmin bool) *Gate {
	return &Gate{store: store, requireAdmin: requireAdmin}
}

// Evaluate reads the store's current snapshot and returns the decision
// alongside the snapshot it was derived from, so callers can render role
// labels or redirect targets without a second (possibly torn) read.
func (g *Gate) Evaluate() (Decision, Snapshot) {
	snap := g.store.Snapshot()
	d := g.decide(snap)

	switch d {
	case DecisionAdmit:
		g.store.metricInc(MetricGateAdmitted)
	case DecisionRedirectToLogin:
		g.store.metricInc(MetricGateRedirected)
	case DecisionForbidden:
		g.store.metricInc(MetricGateForbidden)
	}
	return d, snap
}

func (g *Gate) decide(snap Snapshot) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !snap.Loading {
		authed := snap.IsAuthenticated()
		if g.seenResolved && !g.lastAuthenticated && authed &&
			!g.transitionArmed && !g.transitionDone && g.transitionEnabled() {
			g.transitionArmed = true
			// Counted on the arming edge, not per evaluation: one
			// interstitial, one count.
			g.store.metricInc(MetricGateTransition)
		}
		g.seenResolved = true
		g.lastAuthenticated = authed
	}

	return Decide(snap, g.requireAdmin, g.transitionArmed)
}

func (g *Gate) transitionEnabled() bool {
	return g.store != nil && g.store.config.Transition.Enabled
}

// CompleteTransition consumes the pending post-login transition, if any.
// The next Evaluate after this proceeds to the role check, and the
// transition never re-arms for this gate. Calling it with no transition
// pending is a no-op.
func (g *Gate) CompleteTransition() {
	g.mu.Lock()
	if g.transitionArmed {
		g.transitionArmed = false
		g.transitionDone = true
	}
	g.mu.Unlock()
}

// TransitionDuration reports how long the post-login interstitial should
// be displayed before the caller invokes CompleteTransition.
func (g *Gate) TransitionDuration() time.Duration {
	return g.store.config.Transition.Duration
}
