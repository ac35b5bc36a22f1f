package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/cache/cachetest"
	"github.com/lehigh-university-libraries/shelfscanner/internal/consistency"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
)

// flakyStore fails session activity writes on demand.
type flakyStore struct {
	storage.Store
	failSaves bool
	saves     int
}

func (f *flakyStore) TouchSession(ctx context.Context, s *models.Session) error {
	f.saves++
	if f.failSaves {
		return apperr.E(apperr.StoreUnavailable, "storage.touch_session", errors.New("connection refused"))
	}
	return f.Store.TouchSession(ctx, s)
}

type fixture struct {
	svc   *Service
	store *flakyStore
	cache *cachetest.Fake
	now   time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &flakyStore{Store: storage.NewMemory()},
		cache: cachetest.New(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.cache.Now = func() time.Time { return f.now }
	policy := consistency.New(f.cache, time.Second)
	f.svc = New(f.store, policy, Config{TTL: 24 * time.Hour, RenewalFraction: 0.2, PurgeAfter: 30 * 24 * time.Hour},
		WithClock(func() time.Time { return f.now }))
	return f
}

func TestResolveCreatesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, created, err := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1", UserAgent: "test"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created {
		t.Error("Expected a new session")
	}
	if len(sess.Token) != tokenLength {
		t.Errorf("Expected %d char token, got %q", tokenLength, sess.Token)
	}
	if !sess.IsActive || !sess.ExpiresAt.Equal(f.now.Add(24*time.Hour)) {
		t.Errorf("Unexpected session state %+v", sess)
	}
	if !f.cache.Has(sessionKey(sess.Token)) {
		t.Error("Expected session to be cached")
	}
	if _, err := f.store.GetSessionByToken(ctx, sess.Token); err != nil {
		t.Errorf("Expected session in store, got %v", err)
	}
}

func TestResolveIsIdempotentWithinTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	f.advance(time.Hour)
	second, created, err := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1", Token: first.Token})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if created {
		t.Error("Expected the existing session to be reused")
	}
	if second.ID != first.ID {
		t.Errorf("Expected session %s, got %s", first.ID, second.ID)
	}
	if !second.LastActivity.Equal(f.now) {
		t.Errorf("Expected last activity to slide to %s, got %s", f.now, second.LastActivity)
	}
}

func TestResolveExpiredTokenIssuesNewSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	f.advance(25 * time.Hour)

	fresh, created, err := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1", Token: old.Token})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created || fresh.ID == old.ID || fresh.Token == old.Token {
		t.Errorf("Expected a brand new session, got %+v", fresh)
	}
}

func TestResolveLoggedOutTokenIsNotReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	if err := f.svc.Expire(ctx, old.Token); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}

	fresh, created, err := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1", Token: old.Token})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created || fresh.ID == old.ID {
		t.Error("Expected a new session after logout")
	}
}

func TestResolveDifferentDeviceIssuesNewSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	other, created, err := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "tablet-9", Token: old.Token})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created || other.ID == old.ID {
		t.Error("Expected token from another device to get its own session")
	}
}

func TestResolveRepairsEvictedCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1", Name: "Reader"})
	f.cache.Drop(sessionKey(sess.Token))

	got, _, err := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1", Token: sess.Token})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.ID != sess.ID || got.Name != "Reader" || got.DeviceID != "phone-1" {
		t.Errorf("Expected repaired fields, got %+v", got)
	}
	if !f.cache.Has(sessionKey(sess.Token)) {
		t.Error("Expected cache entry to be repopulated")
	}
}

func TestRenewalWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})

	f.advance(10 * time.Hour)
	got, err := f.svc.Get(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RenewalCount != 0 || got.State(f.now) != models.StateActive {
		t.Errorf("Expected no renewal with 14h left, got %+v", got)
	}

	f.advance(10 * time.Hour)
	got, err = f.svc.Get(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RenewalCount != 1 || !got.ExpiresAt.Equal(f.now.Add(24*time.Hour)) {
		t.Errorf("Expected renewal with 4h left, got %+v", got)
	}
	if got.State(f.now) != models.StateExtendedActive {
		t.Errorf("Expected extended state, got %s", got.State(f.now))
	}

	stored, _ := f.store.GetSessionByToken(ctx, sess.Token)
	if !stored.ExpiresAt.Equal(got.ExpiresAt) {
		t.Errorf("Expected renewal in store, got %s", stored.ExpiresAt)
	}
	if ttl := f.cache.TTL(sessionKey(sess.Token)); ttl > 24*time.Hour || ttl <= 20*time.Hour {
		t.Errorf("Expected cache TTL to follow the renewed expiry, got %s", ttl)
	}
}

func TestCacheNeverOutlivesExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	if ttl := f.cache.TTL(sessionKey(sess.Token)); ttl > sess.ExpiresAt.Sub(f.now) {
		t.Errorf("Cache TTL %s exceeds session lifetime", ttl)
	}

	f.advance(24*time.Hour + time.Second)
	if f.cache.Has(sessionKey(sess.Token)) {
		t.Error("Expected cache entry to be gone once the session expired")
	}
}

func TestTouchStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	setsBefore := f.cache.Sets
	f.store.failSaves = true

	_, err := f.svc.Get(ctx, sess.Token)
	if !apperr.Is(err, apperr.StoreUnavailable) {
		t.Fatalf("Expected StoreUnavailable, got %v", err)
	}
	if f.cache.Sets != setsBefore {
		t.Error("Expected no cache write after a failed store write")
	}
}

func TestTouchCacheFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	f.cache.SetFailing(true)

	got, err := f.svc.Get(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Expected cache outage to be tolerated, got %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("Expected session %s, got %s", sess.ID, got.ID)
	}
}

func TestGetEndedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	_ = f.svc.Expire(ctx, sess.Token)

	if _, err := f.svc.Get(ctx, sess.Token); !apperr.Is(err, apperr.Expired) {
		t.Errorf("Expected Expired, got %v", err)
	}
	if _, err := f.svc.Get(ctx, "no-such-token"); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestExpireIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	for i := 0; i < 2; i++ {
		if err := f.svc.Expire(ctx, sess.Token); err != nil {
			t.Fatalf("Expire #%d failed: %v", i+1, err)
		}
	}
	cached, ok := consistency.Fetch[models.Session](ctx, f.svc.policy, sessionKey(sess.Token))
	if ok && cached.IsActive {
		t.Error("Expected no active cached copy after logout")
	}
	stored, _ := f.store.GetSessionByToken(ctx, sess.Token)
	if stored.State(f.now) != models.StateLoggedOut {
		t.Errorf("Expected logged out, got %s", stored.State(f.now))
	}
	if err := f.svc.Expire(ctx, "unknown"); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("Expected NotFound for unknown token, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	f.advance(20 * time.Hour)
	fresh, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-2"})
	f.advance(5 * time.Hour)

	n, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired session, got %d", n)
	}

	stored, _ := f.store.GetSessionByToken(ctx, stale.Token)
	if stored.IsActive {
		t.Error("Expected stale session to be inactive")
	}
	if _, err := f.svc.Get(ctx, fresh.Token); err != nil {
		t.Errorf("Expected fresh session to survive, got %v", err)
	}

	f.advance(31 * 24 * time.Hour)
	if _, err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if _, err := f.store.GetSessionByToken(ctx, stale.Token); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("Expected stale session to be purged, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})

	name := "  Sam  "
	got, err := f.svc.Update(ctx, sess.Token, UpdateRequest{Name: &name})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.Name != "Sam" {
		t.Errorf("Expected trimmed name, got %q", got.Name)
	}

	bad := "not-an-email"
	if _, err := f.svc.Update(ctx, sess.Token, UpdateRequest{Email: &bad}); !apperr.Is(err, apperr.InvalidInput) {
		t.Errorf("Expected InvalidInput, got %v", err)
	}

	_ = f.svc.Expire(ctx, sess.Token)
	if _, err := f.svc.Update(ctx, sess.Token, UpdateRequest{Name: &name}); !apperr.Is(err, apperr.Expired) {
		t.Errorf("Expected Expired, got %v", err)
	}
}

func TestSweepHook(t *testing.T) {
	f := newFixture(t)
	var reported []int
	f.svc.swept = func(n int) { reported = append(reported, n) }
	ctx := context.Background()

	if _, _, err := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"}); err != nil {
		t.Fatal(err)
	}
	f.advance(25 * time.Hour)
	if _, err := f.svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if len(reported) != 2 || reported[0] != 1 || reported[1] != 0 {
		t.Errorf("Expected sweep counts [1 0], got %v", reported)
	}
}

func TestLogoutWithFailingCacheDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	f.cache.FailDelete = true

	if err := f.svc.Expire(ctx, sess.Token); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if _, err := f.svc.Get(ctx, sess.Token); !apperr.Is(err, apperr.Expired) {
		t.Errorf("Expected Expired after logout, got %v", err)
	}

	fresh, created, err := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1", Token: sess.Token})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created || fresh.ID == sess.ID {
		t.Error("Expected a new session for a logged out token")
	}

	stored, _ := f.store.GetSessionByToken(ctx, sess.Token)
	if stored.IsActive || stored.EndReason != models.EndReasonLogout {
		t.Errorf("Expected the store to keep the logout, got active=%v reason=%q", stored.IsActive, stored.EndReason)
	}
}

func TestStaleCachedCopyCannotReviveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1"})
	// ended by another replica whose cache write never landed here
	if _, err := f.store.EndSession(ctx, sess.ID, f.now, models.EndReasonLogout); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if !f.cache.Has(sessionKey(sess.Token)) {
		t.Fatal("Expected the active copy to still be cached")
	}

	if _, err := f.svc.Get(ctx, sess.Token); !apperr.Is(err, apperr.Expired) {
		t.Fatalf("Expected Expired, got %v", err)
	}
	stored, _ := f.store.GetSessionByToken(ctx, sess.Token)
	if stored.IsActive {
		t.Error("Expected the session to stay ended in the store")
	}
	cached, ok := consistency.Fetch[models.Session](ctx, f.svc.policy, sessionKey(sess.Token))
	if !ok || cached.IsActive {
		t.Errorf("Expected the cached copy to be replaced by the ended session, got %+v", cached)
	}

	fresh, created, err := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1", Token: sess.Token})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created || fresh.ID == sess.ID {
		t.Error("Expected a new session")
	}
}

func TestTouchKeepsConcurrentProfileEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _, _ := f.svc.Resolve(ctx, ResolveRequest{DeviceID: "phone-1", Name: "Before"})
	edited := *sess
	edited.Name = "After"
	if err := f.store.UpdateSessionProfile(ctx, &edited); err != nil {
		t.Fatalf("UpdateSessionProfile failed: %v", err)
	}

	f.advance(time.Hour)
	if _, err := f.svc.Get(ctx, sess.Token); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	stored, _ := f.store.GetSessionByToken(ctx, sess.Token)
	if stored.Name != "After" {
		t.Errorf("Expected name After to survive the touch, got %q", stored.Name)
	}
	if !stored.LastActivity.Equal(f.now) {
		t.Errorf("Expected last activity %s, got %s", f.now, stored.LastActivity)
	}
}
