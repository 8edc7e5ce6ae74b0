package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atelier-sites/identity/provider"
	"github.com/atelier-sites/identity/provider/providertest"
)

func newTestStore(t *testing.T, fake *providertest.Fake, mutate func(*Config)) *Store {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := New().
		WithConfig(cfg).
		WithProvider(fake).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func seedSession(fake *providertest.Fake, userID, email string) *provider.Session {
	sess := &provider.Session{
		AccessToken: "tok-" + userID,
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        &provider.User{ID: userID, Email: email},
	}
	fake.SetSession(sess)
	return sess
}

func TestInitializeHydratesPersistedSession(t *testing.T) {
	fake := providertest.New()
	uid := fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	seedSession(fake, uid, "marie@client.test")

	store := newTestStore(t, fake, nil)

	if snap := store.Snapshot(); !snap.Loading {
		t.Fatal("expected Loading before Initialize")
	}

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	snap := store.Snapshot()
	if snap.Loading {
		t.Fatal("expected resolved state after Initialize")
	}
	if !snap.IsAuthenticated() {
		t.Fatal("expected authenticated snapshot")
	}
	if snap.Profile == nil || snap.Profile.FullName != "Marie Laurent" {
		t.Fatalf("unexpected profile: %+v", snap.Profile)
	}
	if got := store.MetricsSnapshot().Counters[MetricSessionHydrated]; got != 1 {
		t.Fatalf("MetricSessionHydrated = %d, want 1", got)
	}
}

func TestInitializeWithoutSessionResolvesEmpty(t *testing.T) {
	fake := providertest.New()
	store := newTestStore(t, fake, nil)

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	snap := store.Snapshot()
	if snap.Loading || snap.IsAuthenticated() {
		t.Fatalf("expected resolved empty state, got %+v", snap)
	}
}

func TestInitializeBackendFailureFailsClosed(t *testing.T) {
	fake := providertest.New()
	fake.SessionErr = errors.New("connection refused")
	store := newTestStore(t, fake, nil)

	err := store.Initialize(context.Background())
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	snap := store.Snapshot()
	if snap.Loading || snap.IsAuthenticated() {
		t.Fatalf("expected resolved empty state, got %+v", snap)
	}
}

// A session whose profile cannot be read must never surface half-populated:
// the store tears it down, including the remote session.
func TestProfileFetchFailureTriggersImplicitSignOut(t *testing.T) {
	fake := providertest.New()
	uid := fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	seedSession(fake, uid, "marie@client.test")
	fake.DropProfile(uid)

	store := newTestStore(t, fake, nil)

	err := store.Initialize(context.Background())
	if !errors.Is(err, ErrProfileUnavailable) {
		t.Fatalf("expected ErrProfileUnavailable, got %v", err)
	}

	snap := store.Snapshot()
	if snap.Loading || snap.IsAuthenticated() {
		t.Fatalf("expected empty resolved state, got %+v", snap)
	}
	if fake.Calls["SignOut"] == 0 {
		t.Fatal("expected remote sign-out during implicit teardown")
	}
	counters := store.MetricsSnapshot().Counters
	if counters[MetricImplicitSignOut] != 1 {
		t.Fatalf("MetricImplicitSignOut = %d, want 1", counters[MetricImplicitSignOut])
	}
}

func TestSignInPopulatesStateViaEventStream(t *testing.T) {
	fake := providertest.New()
	fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	res, err := store.SignIn(context.Background(), "marie@client.test", "s3cret-pass")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res == nil || res.User == nil {
		t.Fatal("expected sign-in result with user")
	}

	snap := store.Snapshot()
	if !snap.IsAuthenticated() || snap.Loading {
		t.Fatalf("expected authenticated resolved state, got %+v", snap)
	}
	if snap.Profile.Role != "client" {
		t.Fatalf("role = %q, want client", snap.Profile.Role)
	}
}

func TestSignInFailureLeavesStateUntouched(t *testing.T) {
	fake := providertest.New()
	uid := fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	seedSession(fake, uid, "marie@client.test")
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := store.SignIn(context.Background(), "marie@client.test", "wrong-pass!")
	if !errors.Is(err, provider.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	snap := store.Snapshot()
	if !snap.IsAuthenticated() || snap.Loading {
		t.Fatalf("failed sign-in must not disturb existing state: %+v", snap)
	}
	if got := store.MetricsSnapshot().Counters[MetricSignInFailure]; got != 1 {
		t.Fatalf("MetricSignInFailure = %d, want 1", got)
	}
}

func TestSignUpSeedsProfileName(t *testing.T) {
	fake := providertest.New()
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := store.SignUp(context.Background(), "paul@client.test", "s3cret-pass", "Paul Mercier"); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	snap := store.Snapshot()
	if snap.Profile == nil || snap.Profile.FullName != "Paul Mercier" {
		t.Fatalf("expected seeded profile name, got %+v", snap.Profile)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	fake := providertest.New()
	fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := store.SignUp(context.Background(), "marie@client.test", "other-pass99", "Other")
	if !errors.Is(err, provider.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

// Local state must clear even when the backend rejects the sign-out.
func TestSignOutClearsLocallyOnProviderFailure(t *testing.T) {
	fake := providertest.New()
	fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := store.SignIn(context.Background(), "marie@client.test", "s3cret-pass"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	fake.SignOutErr = errors.New("backend down")
	err := store.SignOut(context.Background())
	if err == nil {
		t.Fatal("expected provider error to surface")
	}

	snap := store.Snapshot()
	if snap.IsAuthenticated() || snap.Loading {
		t.Fatalf("expected cleared resolved state, got %+v", snap)
	}
}

func TestSignOutIdempotent(t *testing.T) {
	fake := providertest.New()
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := store.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if err := store.SignOut(context.Background()); err != nil {
		t.Fatalf("second SignOut: %v", err)
	}
	if snap := store.Snapshot(); snap.IsAuthenticated() {
		t.Fatal("expected signed-out state")
	}
}

func TestUpdateProfileRequiresUser(t *testing.T) {
	fake := providertest.New()
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	name := "New Name"
	_, err := store.UpdateProfile(context.Background(), provider.ProfileUpdate{FullName: &name})
	if !errors.Is(err, ErrNoCurrentUser) {
		t.Fatalf("expected ErrNoCurrentUser, got %v", err)
	}
}

func TestUpdateProfileInstallsServerRecord(t *testing.T) {
	fake := providertest.New()
	fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := store.SignIn(context.Background(), "marie@client.test", "s3cret-pass"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	name := "Marie Laurent-Dubois"
	prof, err := store.UpdateProfile(context.Background(), provider.ProfileUpdate{FullName: &name})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if prof.FullName != name {
		t.Fatalf("returned profile name = %q", prof.FullName)
	}

	snap := store.Snapshot()
	if snap.Profile.FullName != name {
		t.Fatalf("snapshot profile name = %q, want %q", snap.Profile.FullName, name)
	}
	if snap.Loading {
		t.Fatal("expected resolved state after update")
	}
}

func TestUpdateProfileFailureKeepsPriorProfile(t *testing.T) {
	fake := providertest.New()
	fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := store.SignIn(context.Background(), "marie@client.test", "s3cret-pass"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	fake.UpdateErr = errors.New("constraint violation")
	name := "Broken"
	if _, err := store.UpdateProfile(context.Background(), provider.ProfileUpdate{FullName: &name}); err == nil {
		t.Fatal("expected update error")
	}

	if snap := store.Snapshot(); snap.Profile.FullName != "Marie Laurent" {
		t.Fatalf("profile must be unchanged, got %q", snap.Profile.FullName)
	}
}

// A slow hydration that loses the race to a sign-out must be discarded, not
// committed over the newer empty state.
func TestStaleHydrationDiscardedAfterSignOut(t *testing.T) {
	fake := providertest.New()
	uid := fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	fake.ProfileLag = 100 * time.Millisecond
	sess := &provider.Session{
		AccessToken: "tok-slow",
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        &provider.User{ID: uid, Email: "marie@client.test"},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fake.EmitEvent(provider.EventSignedIn, sess)
	}()

	time.Sleep(20 * time.Millisecond) // let the profile fetch start
	if err := store.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	wg.Wait()

	snap := store.Snapshot()
	if snap.IsAuthenticated() {
		t.Fatalf("stale hydration must not win over sign-out: %+v", snap)
	}
	if snap.Loading {
		t.Fatal("expected resolved state after both operations settled")
	}
	if got := store.MetricsSnapshot().Counters[MetricStaleResultDiscarded]; got == 0 {
		t.Fatal("expected stale result to be recorded as discarded")
	}
}

// A slow Initialize that resolves after a newer auth event must not
// overwrite the event's state: the event claimed a newer epoch, so the
// late hydration is discarded.
func TestInitializeSupersededByAuthEvent(t *testing.T) {
	fake := providertest.New()
	uidA := fake.SeedUser("a@client.test", "s3cret-pass", "User A", "client")
	uidB := fake.SeedUser("b@client.test", "s3cret-pass", "User B", "admin")
	seedSession(fake, uidA, "a@client.test")
	fake.ProfileLag = 80 * time.Millisecond

	store := newTestStore(t, fake, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := store.Initialize(context.Background()); err != nil {
			t.Errorf("Initialize: %v", err)
		}
	}()

	time.Sleep(20 * time.Millisecond) // let Initialize start its profile fetch
	fake.EmitEvent(provider.EventSignedIn, &provider.Session{
		AccessToken: "tok-" + uidB,
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        &provider.User{ID: uidB, Email: "b@client.test"},
	})
	wg.Wait()

	snap := store.Snapshot()
	if snap.Loading {
		t.Fatal("expected resolved state after both operations settled")
	}
	if snap.User == nil || snap.User.ID != uidB {
		t.Fatalf("expected the event's user to win, got %+v", snap.User)
	}
	if snap.Profile == nil || snap.Profile.Role != "admin" {
		t.Fatalf("expected the event's profile, got %+v", snap.Profile)
	}
	if got := store.MetricsSnapshot().Counters[MetricStaleResultDiscarded]; got == 0 {
		t.Fatal("expected the late hydration to be recorded as discarded")
	}
}

// Watcher deliveries arrive in commit order: when a sign-in event races a
// sign-out, the last snapshot a watcher sees matches the store's settled
// state. A stale authenticated snapshot delivered after the clear would be
// an ordering violation.
func TestWatchDeliveryOrderUnderConcurrentMutations(t *testing.T) {
	fake := providertest.New()
	uid := fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	fake.ProfileLag = 2 * time.Millisecond
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var mu sync.Mutex
	var last Snapshot
	cancel := store.Watch(func(snap Snapshot) {
		mu.Lock()
		last = snap
		mu.Unlock()
	})
	defer cancel()

	sess := &provider.Session{
		AccessToken: "tok-" + uid,
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        &provider.User{ID: uid, Email: "marie@client.test"},
	}

	for round := 0; round < 25; round++ {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			fake.EmitEvent(provider.EventSignedIn, sess)
		}()
		if err := store.SignOut(context.Background()); err != nil {
			t.Fatalf("SignOut: %v", err)
		}
		wg.Wait()

		settled := store.Snapshot()
		mu.Lock()
		delivered := last
		mu.Unlock()
		if delivered.IsAuthenticated() != settled.IsAuthenticated() {
			t.Fatalf("round %d: last delivered authenticated=%v, store authenticated=%v",
				round, delivered.IsAuthenticated(), settled.IsAuthenticated())
		}
	}
}

func TestLastEventWinsUnderRapidSuccession(t *testing.T) {
	fake := providertest.New()
	uidA := fake.SeedUser("a@client.test", "s3cret-pass", "User A", "client")
	uidB := fake.SeedUser("b@client.test", "s3cret-pass", "User B", "admin")
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	mk := func(uid, email string) *provider.Session {
		return &provider.Session{
			AccessToken: "tok-" + uid,
			ExpiresAt:   time.Now().Add(time.Hour),
			User:        &provider.User{ID: uid, Email: email},
		}
	}
	fake.EmitEvent(provider.EventSignedIn, mk(uidA, "a@client.test"))
	fake.EmitEvent(provider.EventSignedIn, mk(uidB, "b@client.test"))

	snap := store.Snapshot()
	if snap.User == nil || snap.User.ID != uidB {
		t.Fatalf("expected last event's user, got %+v", snap.User)
	}
	if snap.Profile.Role != "admin" {
		t.Fatalf("expected last event's profile, got %+v", snap.Profile)
	}
}

func TestWatchNotifiesAndCancelStops(t *testing.T) {
	fake := providertest.New()
	fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	store := newTestStore(t, fake, nil)

	var mu sync.Mutex
	var seen []Snapshot
	cancel := store.Watch(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n == 0 {
		t.Fatal("expected notifications during Initialize")
	}

	cancel()
	cancel() // idempotent

	if _, err := store.SignIn(context.Background(), "marie@client.test", "s3cret-pass"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	mu.Lock()
	after := len(seen)
	mu.Unlock()
	if after != n {
		t.Fatalf("watcher fired after cancel: %d -> %d", n, after)
	}
}

func TestWatchObservesLoadingFlips(t *testing.T) {
	fake := providertest.New()
	uid := fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	seedSession(fake, uid, "marie@client.test")
	store := newTestStore(t, fake, nil)

	var mu sync.Mutex
	var loadingSeq []bool
	cancel := store.Watch(func(snap Snapshot) {
		mu.Lock()
		loadingSeq = append(loadingSeq, snap.Loading)
		mu.Unlock()
	})
	defer cancel()

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(loadingSeq) < 2 {
		t.Fatalf("expected at least begin+commit notifications, got %v", loadingSeq)
	}
	if !loadingSeq[0] {
		t.Fatal("first notification should still be loading")
	}
	if loadingSeq[len(loadingSeq)-1] {
		t.Fatal("final notification should be resolved")
	}
}

func TestCloseTearsDownExactlyOnce(t *testing.T) {
	fake := providertest.New()
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if fake.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", fake.SubscriberCount())
	}

	store.Close()
	store.Close() // idempotent

	if fake.SubscriberCount() != 0 {
		t.Fatalf("subscription not released, count = %d", fake.SubscriberCount())
	}
	if err := store.Initialize(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := store.SignIn(context.Background(), "a@b.test", "whatever-pass"); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed from SignIn, got %v", err)
	}
}

func TestEventsAfterCloseAreIgnored(t *testing.T) {
	fake := providertest.New()
	uid := fake.SeedUser("marie@client.test", "s3cret-pass", "Marie Laurent", "client")
	store := newTestStore(t, fake, nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	store.Close()

	// Delivery through a handler captured before Close must be dropped.
	store.handleAuthEvent(provider.EventSignedIn, &provider.Session{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        &provider.User{ID: uid},
	})

	if snap := store.Snapshot(); snap.IsAuthenticated() {
		t.Fatal("event applied after Close")
	}
}

func TestBuilderValidation(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected error without provider")
	}

	cfg := DefaultConfig()
	cfg.Routes.LoginPath = "login" // not absolute
	if _, err := New().WithConfig(cfg).WithProvider(providertest.New()).Build(); err == nil {
		t.Fatal("expected config validation error")
	}

	b := New().WithProvider(providertest.New())
	store, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(store.Close)
	if _, err := b.Build(); err == nil {
		t.Fatal("expected reuse rejection")
	}
}
