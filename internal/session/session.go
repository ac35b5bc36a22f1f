// Package session owns the lifecycle of device-scoped sessions and their
// preferences. The store is authoritative; the cache is kept in step through
// consistency.Policy and never outlives a session's expiry.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/cache"
	"github.com/lehigh-university-libraries/shelfscanner/internal/consistency"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
	"github.com/lehigh-university-libraries/shelfscanner/internal/validation"
)

const (
	tokenLength   = 32
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Config controls session lifetime.
type Config struct {
	TTL             time.Duration
	RenewalFraction float64
	// PurgeAfter deletes ended sessions this long after they ended. Zero
	// keeps them forever.
	PurgeAfter time.Duration
}

// Service resolves, renews and expires sessions.
type Service struct {
	store  storage.Store
	policy *consistency.Policy
	cfg    Config
	now    func() time.Time
	swept  func(n int)
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSweepHook is called with the number of sessions each sweep expired.
func WithSweepHook(fn func(n int)) Option {
	return func(s *Service) { s.swept = fn }
}

func New(store storage.Store, policy *consistency.Policy, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		policy: policy,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveRequest identifies the caller of CreateOrResolveSession.
type ResolveRequest struct {
	DeviceID  string
	Token     string
	UserAgent string
	IPAddress string
	Name      string
	Email     string `validate:"omitempty,email"`
}

// Resolve returns the live session for req.Token or creates a new one.
// Tokens of ended sessions and tokens presented from a different device are
// never reused. created reports whether a new session was made.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (*models.Session, bool, error) {
	if err := validation.Struct(req); err != nil {
		return nil, false, err
	}

	if req.Token != "" {
		sess, err := s.lookup(ctx, req.Token)
		switch {
		case err == nil && sess.Live(s.now()) && sameDevice(sess.DeviceID, req.DeviceID):
			err := s.Touch(ctx, sess)
			if err == nil {
				return sess, false, nil
			}
			if !apperr.Is(err, apperr.Expired) {
				return nil, false, err
			}
			slog.Info("Session ended elsewhere, issuing a new session", "session", sess.ID)
		case err == nil:
			slog.Info("Session token not reusable, issuing a new session", "session", sess.ID, "state", sess.State(s.now()))
		case apperr.Is(err, apperr.NotFound):
			slog.Debug("Unknown session token, issuing a new session")
		default:
			return nil, false, err
		}
	}

	sess, err := s.create(ctx, req)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Get authenticates token and slides the session's activity. Ended sessions
// report apperr.Expired.
func (s *Service) Get(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, apperr.Errorf(apperr.InvalidInput, "session.get", "session token is required")
	}
	sess, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sess.Live(s.now()) {
		return nil, apperr.E(apperr.Expired, "session.get", nil)
	}
	if err := s.Touch(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Touch records activity on sess and extends it when less than the renewal
// fraction of the TTL remains. The store write must succeed; the cache write
// is best-effort. A session the store has already ended is apperr.Expired,
// whatever the cached copy said.
func (s *Service) Touch(ctx context.Context, sess *models.Session) error {
	now := s.now()
	sess.LastActivity = now
	if sess.ExpiresAt.Sub(now) < time.Duration(float64(s.cfg.TTL)*s.cfg.RenewalFraction) {
		sess.ExpiresAt = now.Add(s.cfg.TTL)
		sess.RenewalCount++
		slog.Debug("Renewing session", "session", sess.ID, "renewals", sess.RenewalCount)
	}
	return s.save(ctx, sess, "session.touch", s.store.TouchSession)
}

// UpdateRequest changes display fields. Nil fields are left alone.
type UpdateRequest struct {
	Name  *string `validate:"omitempty,max=255"`
	Email *string `validate:"omitempty,email"`
}

// Update edits the display name or email of a live session.
func (s *Service) Update(ctx context.Context, token string, req UpdateRequest) (*models.Session, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	sess, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		sess.Name = strings.TrimSpace(*req.Name)
	}
	if req.Email != nil {
		sess.Email = strings.TrimSpace(*req.Email)
	}
	if err := s.save(ctx, sess, "session.update", s.store.UpdateSessionProfile); err != nil {
		return nil, err
	}
	return sess, nil
}

// Expire logs the session out. Expiring an already ended session succeeds;
// an unknown token is apperr.NotFound. The cached copy is overwritten with the
// ended one, so a failed cache delete cannot keep the token alive.
func (s *Service) Expire(ctx context.Context, token string) error {
	sess, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		return err
	}

	if sess.IsActive {
		now := s.now()
		ended, err := s.store.EndSession(ctx, sess.ID, now, models.EndReasonLogout)
		if err != nil {
			return err
		}
		if ended {
			slog.Info("Session logged out", "session", sess.ID)
		}
		if sess, err = s.store.GetSessionByToken(ctx, token); err != nil {
			return err
		}
	}

	s.tombstone(ctx, sess)
	return nil
}

// Sweep marks every session past its expiry inactive, evicts them from the
// cache and purges sessions that ended long ago. It returns the number of
// sessions expired by this pass.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ExpireSessions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}

	keys := make([]string, 0, len(expired)*2)
	for i := range expired {
		keys = append(keys, sessionKey(expired[i].Token), preferencesKey(&expired[i]))
	}
	s.policy.Invalidate(ctx, keys...)
	if s.swept != nil {
		s.swept(len(expired))
	}

	if s.cfg.PurgeAfter > 0 {
		purged, err := s.store.PurgeSessions(ctx, now.Add(-s.cfg.PurgeAfter))
		if err != nil {
			return len(expired), fmt.Errorf("failed to purge sessions: %w", err)
		}
		if purged > 0 {
			slog.Info("Purged ended sessions", "count", purged)
		}
	}
	return len(expired), nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Session sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Session sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				slog.Error("Session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("Expired sessions", "count", n)
			}
		}
	}
}

func (s *Service) lookup(ctx context.Context, token string) (*models.Session, error) {
	return consistency.Load(ctx, s.policy, sessionKey(token), s.cacheTTL, func(ctx context.Context) (*models.Session, error) {
		return s.store.GetSessionByToken(ctx, token)
	})
}

func (s *Service) create(ctx context.Context, req ResolveRequest) (*models.Session, error) {
	now := s.now()
	sess := &models.Session{
		DeviceID:     req.DeviceID,
		UserAgent:    req.UserAgent,
		IPAddress:    req.IPAddress,
		Name:         strings.TrimSpace(req.Name),
		Email:        strings.TrimSpace(req.Email),
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.cfg.TTL),
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		sess.Token, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session token: %w", err)
		}
		err = s.store.CreateSession(ctx, sess)
		if !apperr.Is(err, apperr.Conflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.policy.Put(ctx, sessionKey(sess.Token), sess, s.cacheTTL(sess))
	slog.Info("Created session", "session", sess.ID, "device", sess.DeviceID)
	return sess, nil
}

func (s *Service) save(ctx context.Context, sess *models.Session, op string, write func(context.Context, *models.Session) error) error {
	err := s.policy.Write(ctx, sessionKey(sess.Token), sess, s.cacheTTL(sess), func(ctx context.Context) error {
		return write(ctx, sess)
	})
	switch {
	case err == nil:
		return nil
	case apperr.Is(err, apperr.Expired):
		// the cached copy was stale; replace it with the store's
		if stored, lerr := s.store.GetSessionByToken(ctx, sess.Token); lerr == nil {
			s.tombstone(ctx, stored)
		} else {
			s.policy.Invalidate(ctx, sessionKey(sess.Token))
		}
		return apperr.E(apperr.Expired, op, nil)
	case apperr.Is(err, apperr.StoreUnavailable):
		return apperr.E(apperr.StoreUnavailable, op, err)
	default:
		return err
	}
}

// tombstone caches an ended session for a full TTL so that no older, still
// active copy can be served, and drops its preferences.
func (s *Service) tombstone(ctx context.Context, sess *models.Session) {
	s.policy.Put(ctx, sessionKey(sess.Token), sess, s.cfg.TTL)
	s.policy.Invalidate(ctx, preferencesKey(sess))
}

// cacheTTL keeps a cached session from outliving its authoritative expiry.
func (s *Service) cacheTTL(sess *models.Session) time.Duration {
	if !sess.IsActive {
		return 0
	}
	return min(sess.ExpiresAt.Sub(s.now()), s.cfg.TTL)
}

func sameDevice(stored, presented string) bool {
	return stored == "" || presented == "" || stored == presented
}

func sessionKey(token string) string {
	return cache.SessionPrefix + token
}

func preferencesKey(sess *models.Session) string {
	return cache.PreferencesPrefix + sess.ID.String()
}

func generateToken() (string, error) {
	var b strings.Builder
	b.Grow(tokenLength)
	limit := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < tokenLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(tokenAlphabet[n.Int64()])
	}
	return b.String(), nil
}
