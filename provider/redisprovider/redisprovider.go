// Package redisprovider implements [provider.Provider] on Redis: accounts
// and profiles live in hashes, the current session is a signed HS256 token
// persisted under a TTL key so it survives process restarts exactly as
// long as the token itself is valid.
//
// It is the self-hosted reference backend; the portal's hosted backend
// client satisfies the same contract.
package redisprovider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atelier-sites/identity/jwt"
	"github.com/atelier-sites/identity/password"
	"github.com/atelier-sites/identity/provider"
)

const (
	fieldUserID       = "user_id"
	fieldPasswordHash = "password_hash"

	fieldID        = "id"
	fieldEmail     = "email"
	fieldFullName  = "full_name"
	fieldRole      = "role"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// Config tunes the provider. Zero values fall back to the documented
// defaults; TokenSecret is the only required field.
type Config struct {
	// KeyPrefix namespaces every key. Default "idp:".
	KeyPrefix string
	// TokenSecret signs session tokens. At least 32 bytes.
	TokenSecret []byte
	// TokenTTL bounds session lifetime. Default 24h.
	TokenTTL time.Duration
	// Issuer is stamped into tokens. Default "redisprovider".
	Issuer string
	// DefaultRole is assigned to profiles created through sign-up.
	// Default "client".
	DefaultRole string
	// Password overrides the argon2id cost parameters.
	Password password.Policy
}

// Provider is a Redis-backed identity backend. Safe for concurrent use.
type Provider struct {
	client *redis.Client
	prefix string
	role   string

	hasher *password.Hasher
	tokens *jwt.Manager

	mu        sync.Mutex
	handlers  map[uint64]provider.EventHandler
	handlerID uint64
}

var _ provider.Provider = (*Provider)(nil)

func New(client *redis.Client, cfg Config) (*Provider, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "idp:"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "redisprovider"
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "client"
	}
	if (cfg.Password == password.Policy{}) {
		cfg.Password = password.DefaultPolicy()
	}

	hasher, err := password.NewHasher(cfg.Password)
	if err != nil {
		return nil, err
	}
	tokens, err := jwt.NewManager(jwt.Config{
		Secret: cfg.TokenSecret,
		TTL:    cfg.TokenTTL,
		Issuer: cfg.Issuer,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{
		client:   client,
		prefix:   cfg.KeyPrefix,
		role:     cfg.DefaultRole,
		hasher:   hasher,
		tokens:   tokens,
		handlers: make(map[uint64]provider.EventHandler),
	}, nil
}

func (p *Provider) accountKey(email string) string { return p.prefix + "account:" + email }
func (p *Provider) profileKey(userID string) string {
	return p.prefix + "profile:" + userID
}
func (p *Provider) sessionKey() string { return p.prefix + "session:current" }

// GetCurrentSession loads and validates the persisted session token. A
// missing key or an expired/invalid token reads as "no session"; only
// transport failures surface as errors.
func (p *Provider) GetCurrentSession(ctx context.Context) (*provider.Session, error) {
	token, err := p.client.Get(ctx, p.sessionKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}

	claims, err := p.tokens.Parse(token)
	if err != nil {
		// Stale or tampered token: drop it rather than resurface it on
		// every hydration.
		p.client.Del(ctx, p.sessionKey())
		return nil, nil
	}

	return &provider.Session{
		AccessToken: token,
		ExpiresAt:   claims.ExpiresAt.Time,
		User:        &provider.User{ID: claims.UID, Email: claims.Email},
	}, nil
}

func (p *Provider) SubscribeAuthEvents(handler provider.EventHandler) provider.Unsubscribe {
	p.mu.Lock()
	id := p.handlerID
	p.handlerID++
	p.handlers[id] = handler
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

func (p *Provider) emit(kind provider.EventKind, sess *provider.Session) {
	p.mu.Lock()
	handlers := make([]provider.EventHandler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(kind, sess)
	}
}

func (p *Provider) SignInWithPassword(ctx context.Context, email, pass string) (*provider.SignInResult, error) {
	acct, err := p.client.HGetAll(ctx, p.accountKey(email)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(acct) == 0 {
		// Hash anyway so missing and wrong-password accounts cost the
		// same wall time.
		_, _ = p.hasher.Hash("timing-equalizer")
		return nil, provider.ErrInvalidCredentials
	}

	ok, err := p.hasher.Verify(pass, acct[fieldPasswordHash])
	if err != nil || !ok {
		return nil, provider.ErrInvalidCredentials
	}

	userID := acct[fieldUserID]
	role := p.role
	if prof, err := p.FetchProfileByID(ctx, userID); err == nil {
		role = prof.Role
	}

	sess, err := p.storeSession(ctx, userID, email, role)
	if err != nil {
		return nil, err
	}

	p.emit(provider.EventSignedIn, sess)
	return &provider.SignInResult{Session: sess, User: sess.User}, nil
}

func (p *Provider) SignUpWithPassword(ctx context.Context, email, pass string, metadata map[string]string) (*provider.SignInResult, error) {
	exists, err := p.client.Exists(ctx, p.accountKey(email)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if exists > 0 {
		return nil, provider.ErrEmailTaken
	}

	hash, err := p.hasher.Hash(pass)
	if err != nil {
		return nil, err
	}

	userID := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.accountKey(email),
			fieldUserID, userID,
			fieldPasswordHash, hash,
		)
		pipe.HSet(ctx, p.profileKey(userID),
			fieldID, userID,
			fieldEmail, email,
			fieldFullName, metadata["full_name"],
			fieldRole, p.role,
			fieldCreatedAt, now,
			fieldUpdatedAt, now,
		)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	sess, err := p.storeSession(ctx, userID, email, p.role)
	if err != nil {
		return nil, err
	}
	sess.User.Metadata = metadata

	p.emit(provider.EventSignedIn, sess)
	return &provider.SignInResult{Session: sess, User: sess.User}, nil
}

// SignOut deletes the persisted session. The signed-out event fires even
// when the delete fails, so consumers converge on the empty state.
func (p *Provider) SignOut(ctx context.Context) error {
	err := p.client.Del(ctx, p.sessionKey()).Err()
	p.emit(provider.EventSignedOut, nil)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (p *Provider) FetchProfileByID(ctx context.Context, userID string) (*provider.Profile, error) {
	fields, err := p.client.HGetAll(ctx, p.profileKey(userID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, provider.ErrProfileNotFound
	}

	prof := &provider.Profile{
		ID:       fields[fieldID],
		Email:    fields[fieldEmail],
		FullName: fields[fieldFullName],
		Role:     fields[fieldRole],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt]); err == nil {
		prof.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err == nil {
		prof.UpdatedAt = t
	}
	return prof, nil
}

func (p *Provider) UpdateProfile(ctx context.Context, userID string, update provider.ProfileUpdate) (*provider.Profile, error) {
	current, err := p.FetchProfileByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	fields := []interface{}{
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	}
	if update.FullName != nil {
		fields = append(fields, fieldFullName, *update.FullName)
	}
	if update.Email != nil {
		fields = append(fields, fieldEmail, *update.Email)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.profileKey(userID), fields...)
		if update.Email != nil && *update.Email != current.Email {
			// Accounts are keyed by email; move the credential row so the
			// new address signs in.
			pipe.Copy(ctx, p.accountKey(current.Email), p.accountKey(*update.Email), 0, true)
			pipe.Del(ctx, p.accountKey(current.Email))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	return p.FetchProfileByID(ctx, userID)
}

func (p *Provider) storeSession(ctx context.Context, userID, email, role string) (*provider.Session, error) {
	token, expiresAt, err := p.tokens.Mint(userID, email, role)
	if err != nil {
		return nil, err
	}
	if err := p.client.Set(ctx, p.sessionKey(), token, time.Until(expiresAt)).Err(); err != nil {
		return nil, unavailable(err)
	}
	return &provider.Session{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		User:        &provider.User{ID: userID, Email: email},
	}, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
}
