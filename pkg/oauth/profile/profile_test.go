package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/connect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/qqconnect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/session"
)

type fakeService struct {
	openID string
	force  bool
	err    error
}

func (f *fakeService) GetProfile(_ context.Context, openID string, force bool) (*qqconnect.UserInfo, error) {
	f.openID = openID
	f.force = force
	if f.err != nil {
		return nil, f.err
	}
	return qqconnect.UserInfoFromMap(map[string]any{
		"ret":            float64(0),
		"nickname":       "Bob",
		"gender":         "男",
		"figureurl_qq_2": "http://q/100",
		"is_yellow_vip":  "1",
		"level":          "5",
	})
}

func newHandler(t *testing.T, svc Service) (http.Handler, string) {
	t.Helper()
	sessions, err := session.NewManager([]byte("secret"), time.Hour)
	require.NoError(t, err)
	token, err := sessions.Issue("abc", "")
	require.NoError(t, err)
	return NewHandler(svc, sessions, nil), token
}

func get(h http.Handler, target, token string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestProfile(t *testing.T) {
	svc := &fakeService{}
	h, token := newHandler(t, svc)

	rec := get(h, "/profile", token)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "abc", resp.OpenID)
	assert.Equal(t, "Bob", resp.Nickname)
	assert.Equal(t, "http://q/100", resp.Avatar)
	assert.True(t, resp.VIP)
	assert.Equal(t, 5, resp.Level)
	assert.Equal(t, "abc", svc.openID)
	assert.False(t, svc.force)

	rec = get(h, "/profile?refresh=true", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.force)
}

func TestProfileUnauthorized(t *testing.T) {
	h, _ := newHandler(t, &fakeService{})

	rec := get(h, "/profile", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = get(h, "/profile", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_token")
}

func TestProfileErrors(t *testing.T) {
	h, token := newHandler(t, &fakeService{err: connect.ErrUserNotFound})
	assert.Equal(t, http.StatusNotFound, get(h, "/profile", token).Code)

	h, token = newHandler(t, &fakeService{})
	assert.Equal(t, http.StatusBadRequest, get(h, "/profile?refresh=maybe", token).Code)
}
