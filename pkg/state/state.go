// Package state issues and consumes the anti-CSRF state tokens that tie a
// provider callback to the login that started it.
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/logging"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/metrics"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/types"
	"go.uber.org/zap"
)

// DefaultTTL is how long a pending state stays valid
const DefaultTTL = 600 * time.Second

// tokenBytes is the entropy of a state token; it is hex encoded to twice this length
const tokenBytes = 16

// MetadataRedirectURI records the redirect URI sent with the authorization
// request; the token exchange must repeat it verbatim.
const MetadataRedirectURI = "redirect_uri"

// ErrInvalidOrExpiredState is returned for unknown, used and expired states alike
var ErrInvalidOrExpiredState = errors.New("invalid or expired state")

type Store interface {
	CreateState(ctx context.Context, state *types.AuthorizationState) error
	ConsumeState(ctx context.Context, token string, now time.Time) (*types.AuthorizationState, error)
	DeleteExpiredStates(ctx context.Context, now time.Time) (int64, error)
}

// AuthURLBuilder builds the provider authorization URL
type AuthURLBuilder interface {
	AuthCodeURL(appID, redirectURI, scope, state string) string
}

// AuthorizationOptions tune a single BeginAuthorization call. Zero values
// fall back to the manager's defaults.
type AuthorizationOptions struct {
	SessionID   string
	Scope       string
	RedirectURI string
	TTL         time.Duration
	Metadata    map[string]any
}

type Manager struct {
	store       Store
	urls        AuthURLBuilder
	callbackURL string
	ttl         time.Duration
	now         func() time.Time
	rand        io.Reader
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

type Option func(*Manager)

// WithCallbackURL sets the absolute redirect URI used when a call does not supply one
func WithCallbackURL(u string) Option {
	return func(m *Manager) { m.callbackURL = u }
}

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand replaces the token entropy source
func WithRand(r io.Reader) Option {
	return func(m *Manager) { m.rand = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(store Store, urls AuthURLBuilder, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		urls:   urls,
		ttl:    DefaultTTL,
		now:    time.Now,
		rand:   rand.Reader,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateToken returns 128 random bits as 32 lowercase hex characters
func (m *Manager) GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.rand, b); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// BeginAuthorization persists a pending state for cfg and returns the URL the
// user agent should be sent to. Scope resolves as opts.Scope, then cfg.Scope,
// then the provider default.
func (m *Manager) BeginAuthorization(ctx context.Context, cfg *types.Configuration, opts AuthorizationOptions) (string, *types.AuthorizationState, error) {
	token, err := m.GenerateToken()
	if err != nil {
		return "", nil, err
	}

	redirectURI := opts.RedirectURI
	if redirectURI == "" {
		redirectURI = m.callbackURL
	}
	if redirectURI == "" {
		return "", nil, fmt.Errorf("no callback URL configured")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}

	metadata := types.JSON{}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	metadata[MetadataRedirectURI] = redirectURI

	state := &types.AuthorizationState{
		Token:           token,
		ConfigurationID: cfg.ID,
		SessionID:       opts.SessionID,
		Metadata:        metadata,
		ExpireTime:      m.now().Add(ttl),
	}
	if err := m.store.CreateState(ctx, state); err != nil {
		return "", nil, fmt.Errorf("failed to store state: %w", err)
	}

	scope := opts.Scope
	if scope == "" {
		scope = cfg.Scope
	}

	m.logger.Debug("authorization started",
		zap.String("configuration_id", cfg.ID),
		zap.String("session_id", opts.SessionID),
		zap.Time("expire_time", state.ExpireTime),
	)

	// The URL builder applies the provider default when scope is still empty.
	return m.urls.AuthCodeURL(cfg.AppID, redirectURI, scope, token), state, nil
}

// ValidateAndConsume marks the state used and returns it. Unknown, used and
// expired tokens all fail with ErrInvalidOrExpiredState.
func (m *Manager) ValidateAndConsume(ctx context.Context, token string) (*types.AuthorizationState, error) {
	if token == "" {
		return nil, ErrInvalidOrExpiredState
	}

	state, err := m.store.ConsumeState(ctx, token, m.now())
	if err != nil {
		return nil, err
	}
	if state == nil {
		m.logger.Info("rejected authorization state", zap.String("state", logging.Truncate(token, 8)))
		return nil, ErrInvalidOrExpiredState
	}
	return state, nil
}

// CleanupExpired deletes every state whose expiry has passed and returns how many went
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredStates(ctx, m.now())
	if err != nil {
		return 0, err
	}
	m.metrics.ObserveStatesCleaned(n)
	if n > 0 {
		m.logger.Info("cleaned up expired states", zap.Int64("count", n))
	}
	return n, nil
}
