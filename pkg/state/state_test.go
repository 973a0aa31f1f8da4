package state

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/qqconnect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/transport"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/types"
)

// memoryStore implements Store with the same consume semantics as the database
type memoryStore struct {
	mu      sync.Mutex
	states  map[string]*types.AuthorizationState
	failErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: map[string]*types.AuthorizationState{}}
}

func (s *memoryStore) CreateState(_ context.Context, state *types.AuthorizationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	cp := *state
	s.states[state.Token] = &cp
	return nil
}

func (s *memoryStore) ConsumeState(_ context.Context, token string, now time.Time) (*types.AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	st, ok := s.states[token]
	if !ok || !st.IsValid(now) {
		return nil, nil
	}
	st.Used = true
	cp := *st
	return &cp, nil
}

func (s *memoryStore) DeleteExpiredStates(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for token, st := range s.states {
		if st.ExpireTime.Before(now) {
			delete(s.states, token)
			n++
		}
	}
	return n, nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var hexToken = regexp.MustCompile(`^[0-9a-f]{32}$`)

func newTestManager(store Store, clock *fakeClock, opts ...Option) *Manager {
	opts = append([]Option{
		WithClock(clock.Now),
		WithCallbackURL("https://example.com/callback"),
	}, opts...)
	return NewManager(store, qqconnect.NewClient(transport.New()), opts...)
}

var testConfig = &types.Configuration{ID: "cfg-1", AppID: "app1", Scope: "get_user_info", Enabled: true}

func TestGenerateToken(t *testing.T) {
	m := newTestManager(newMemoryStore(), &fakeClock{t: time.Now()})

	a, err := m.GenerateToken()
	require.NoError(t, err)
	b, err := m.GenerateToken()
	require.NoError(t, err)

	assert.Regexp(t, hexToken, a)
	assert.Regexp(t, hexToken, b)
	assert.NotEqual(t, a, b)
}

func TestGenerateTokenRandFailure(t *testing.T) {
	m := newTestManager(newMemoryStore(), &fakeClock{t: time.Now()}, WithRand(bytes.NewReader([]byte{1, 2, 3})))

	_, err := m.GenerateToken()
	assert.Error(t, err)
}

func TestBeginAuthorization(t *testing.T) {
	store := newMemoryStore()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	m := newTestManager(store, clock)

	redirect, state, err := m.BeginAuthorization(context.Background(), testConfig, AuthorizationOptions{
		SessionID: "sess-1",
		Metadata:  map[string]any{"return_to": "/home"},
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "app1", q.Get("client_id"))
	assert.Equal(t, "https://example.com/callback", q.Get("redirect_uri"))
	assert.Equal(t, "get_user_info", q.Get("scope"))
	assert.Regexp(t, hexToken, q.Get("state"))
	assert.Equal(t, state.Token, q.Get("state"))

	stored, ok := store.states[state.Token]
	require.True(t, ok)
	assert.Equal(t, "cfg-1", stored.ConfigurationID)
	assert.Equal(t, "sess-1", stored.SessionID)
	assert.False(t, stored.Used)
	assert.Equal(t, clock.t.Add(DefaultTTL), stored.ExpireTime)
	assert.Equal(t, "/home", stored.Metadata.GetString("return_to"))
	assert.Equal(t, "https://example.com/callback", stored.Metadata.GetString(MetadataRedirectURI))
}

func TestBeginAuthorizationScopePrecedence(t *testing.T) {
	m := newTestManager(newMemoryStore(), &fakeClock{t: time.Now()})

	scopeOf := func(cfg *types.Configuration, override string) string {
		redirect, _, err := m.BeginAuthorization(context.Background(), cfg, AuthorizationOptions{Scope: override})
		require.NoError(t, err)
		u, err := url.Parse(redirect)
		require.NoError(t, err)
		return u.Query().Get("scope")
	}

	withScope := &types.Configuration{ID: "c", AppID: "a", Scope: "get_user_info,list_album"}
	noScope := &types.Configuration{ID: "c", AppID: "a"}

	assert.Equal(t, "get_vip_info", scopeOf(withScope, "get_vip_info"))
	assert.Equal(t, "get_user_info,list_album", scopeOf(withScope, ""))
	assert.Equal(t, qqconnect.DefaultScope, scopeOf(noScope, ""))
}

func TestBeginAuthorizationOverrides(t *testing.T) {
	store := newMemoryStore()
	clock := &fakeClock{t: time.Now()}
	m := newTestManager(store, clock, WithTTL(time.Minute))

	redirect, state, err := m.BeginAuthorization(context.Background(), testConfig, AuthorizationOptions{
		RedirectURI: "https://other.example.com/cb",
	})
	require.NoError(t, err)
	assert.Contains(t, redirect, url.QueryEscape("https://other.example.com/cb"))
	assert.Equal(t, clock.t.Add(time.Minute), state.ExpireTime)

	_, state, err = m.BeginAuthorization(context.Background(), testConfig, AuthorizationOptions{TTL: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, clock.t.Add(5*time.Second), state.ExpireTime)
}

func TestBeginAuthorizationFailures(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(store, qqconnect.NewClient(transport.New()))

	_, _, err := m.BeginAuthorization(context.Background(), testConfig, AuthorizationOptions{})
	assert.Error(t, err)

	store.failErr = errors.New("disk full")
	m = newTestManager(store, &fakeClock{t: time.Now()})
	_, _, err = m.BeginAuthorization(context.Background(), testConfig, AuthorizationOptions{})
	assert.ErrorIs(t, err, store.failErr)
}

func TestValidateAndConsume(t *testing.T) {
	store := newMemoryStore()
	clock := &fakeClock{t: time.Now()}
	m := newTestManager(store, clock)

	_, state, err := m.BeginAuthorization(context.Background(), testConfig, AuthorizationOptions{})
	require.NoError(t, err)

	consumed, err := m.ValidateAndConsume(context.Background(), state.Token)
	require.NoError(t, err)
	assert.True(t, consumed.Used)
	assert.Equal(t, "cfg-1", consumed.ConfigurationID)

	_, err = m.ValidateAndConsume(context.Background(), state.Token)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)

	_, err = m.ValidateAndConsume(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)

	_, err = m.ValidateAndConsume(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)
}

func TestValidateAndConsumeExpiry(t *testing.T) {
	store := newMemoryStore()
	clock := &fakeClock{t: time.Now()}
	m := newTestManager(store, clock)

	_, state, err := m.BeginAuthorization(context.Background(), testConfig, AuthorizationOptions{})
	require.NoError(t, err)

	// Exactly at the expiry instant the state is already expired
	clock.Advance(DefaultTTL)
	_, err = m.ValidateAndConsume(context.Background(), state.Token)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)
}

func TestValidateAndConsumeConcurrent(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(store, &fakeClock{t: time.Now()})

	_, state, err := m.BeginAuthorization(context.Background(), testConfig, AuthorizationOptions{})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ValidateAndConsume(context.Background(), state.Token); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
}

func TestCleanupExpired(t *testing.T) {
	store := newMemoryStore()
	clock := &fakeClock{t: time.Now()}
	m := newTestManager(store, clock)
	ctx := context.Background()

	_, used, err := m.BeginAuthorization(ctx, testConfig, AuthorizationOptions{TTL: time.Minute})
	require.NoError(t, err)
	_, err = m.ValidateAndConsume(ctx, used.Token)
	require.NoError(t, err)
	_, _, err = m.BeginAuthorization(ctx, testConfig, AuthorizationOptions{TTL: time.Minute})
	require.NoError(t, err)
	_, _, err = m.BeginAuthorization(ctx, testConfig, AuthorizationOptions{TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	// Created after the clock moved, so it must survive the cleanup
	_, fresh, err := m.BeginAuthorization(ctx, testConfig, AuthorizationOptions{})
	require.NoError(t, err)

	n, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, store.states, 2)
	assert.Contains(t, store.states, fresh.Token)

	n, err = m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
