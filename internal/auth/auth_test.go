package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCreds struct {
	user, hash string
}

func (c staticCreds) AdminUser() string         { return c.user }
func (c staticCreds) AdminPasswordHash() string { return c.hash }

func TestPasswordAuth(t *testing.T) {
	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)

	pa := NewPasswordAuth(staticCreds{user: "admin", hash: hash})

	user, err := pa.Authenticate("admin", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)
	assert.True(t, user.IsAdmin())

	_, err = pa.Authenticate("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = pa.Authenticate("root", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = NewPasswordAuth(staticCreds{user: "admin"}).Authenticate("admin", "x")
	assert.ErrorIs(t, err, ErrNoPassword)
}

func TestHashPasswordTooShort(t *testing.T) {
	_, err := HashPassword("short")
	assert.ErrorIs(t, err, ErrWeakPassword)
}

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.GenerateToken(&User{Username: "admin", Role: RoleAdmin})
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "tsbridge", claims.Issuer)

	other := NewJWTManager("other-secret", time.Hour)
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTExpired(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	base := time.Now()
	m.now = func() time.Time { return base }

	token, err := m.GenerateTokenWithDuration(&User{Username: "admin", Role: RoleAdmin}, time.Minute)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTRefresh(t *testing.T) {
	m := NewJWTManager("", time.Hour)
	token, err := m.GenerateToken(&User{Username: "admin", Role: Role("viewer")})
	require.NoError(t, err)

	refreshed, err := m.RefreshToken(token)
	require.NoError(t, err)
	claims, err := m.ValidateToken(refreshed)
	require.NoError(t, err)
	assert.Equal(t, Role("viewer"), claims.Role)
}

func TestRequireAuth(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	mw := NewMiddleware(m)
	token, err := m.GenerateToken(&User{Username: "admin", Role: RoleAdmin})
	require.NoError(t, err)

	var seen string
	h := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UsernameFromContext(r.Context())
	}))

	t.Run("no token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "admin", seen)
	})

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("bad cookie is cleared", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: CookieName, Value: "bad"})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("Set-Cookie"), "Max-Age=0")
	})
}

func TestRequireAdmin(t *testing.T) {
	mw := NewMiddleware(NewJWTManager("secret", time.Hour))
	h := mw.RequireAdmin(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(SetUserContext(req.Context(), &User{Username: "viewer", Role: Role("viewer")}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRateLimiter(t *testing.T) {
	rl := NewLoginRateLimiter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		ok, _ := rl.Allow("10.0.0.1")
		require.True(t, ok, "attempt %d", i+1)
	}
	ok, wait := rl.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, 300, wait)

	ok, _ = rl.Allow("10.0.0.2")
	assert.True(t, ok)

	now = now.Add(5*time.Minute + time.Second)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)

	rl.Reset("10.0.0.1")
	now = now.Add(10 * time.Minute)
	rl.Allow("10.0.0.3")
	assert.Equal(t, 1, rl.size())
}

func TestWSTokenStore(t *testing.T) {
	s := NewWSTokenStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	token, err := s.Generate("admin")
	require.NoError(t, err)
	assert.Len(t, token, WSTokenLength*2)

	user, ok := s.Validate(token)
	assert.True(t, ok)
	assert.Equal(t, "admin", user)

	_, ok = s.Validate(token)
	assert.False(t, ok, "tokens are single use")

	stale, err := s.Generate("admin")
	require.NoError(t, err)
	now = now.Add(WSTokenTTL + time.Second)
	_, ok = s.Validate(stale)
	assert.False(t, ok)
}
