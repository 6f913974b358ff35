package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dry1ceD7/AAEConnect/pkg/jwt"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) (*gin.Engine, *jwt.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := jwt.NewManager("s3cret", "aaeconnect", time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", NewAuthMiddleware(m).RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c)+"/"+GetUsername(c))
	})
	return r, m
}

func TestRequireAuthHeader(t *testing.T) {
	r, m := newRouter(t)
	token, _, err := m.Issue("u1", "alice", "", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(AuthHeaderKey, BearerPrefix+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1/alice", w.Body.String())
}

func TestRequireAuthQueryToken(t *testing.T) {
	r, m := newRouter(t)
	token, _, err := m.Issue("u2", "", "", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me?token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u2/u2", w.Body.String(), "username falls back to user id")
}

func TestRequireAuthRejects(t *testing.T) {
	r, _ := newRouter(t)

	for name, header := range map[string]string{
		"missing":   "",
		"no bearer": "Token abc",
		"bad token": BearerPrefix + "abc.def.ghi",
	} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set(AuthHeaderKey, header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}
}

func TestRequireAuthFailureHook(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := jwt.NewManager("s3cret", "aaeconnect", time.Hour)
	require.NoError(t, err)

	var failures []error
	mw := NewAuthMiddleware(m)
	mw.OnFailure(func(_ *gin.Context, err error) { failures = append(failures, err) })

	r := gin.New()
	r.GET("/me", mw.RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(AuthHeaderKey, BearerPrefix+"abc.def.ghi")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	require.Len(t, failures, 2)
	assert.ErrorIs(t, failures[1], jwt.ErrInvalidToken)
}

func TestPublicMessageHidesDetails(t *testing.T) {
	assert.Equal(t, "invalid token", publicMessage(fmt.Errorf("%w: signature is invalid", jwt.ErrInvalidToken)))
	assert.Equal(t, "token has expired", publicMessage(jwt.ErrExpiredToken))
	assert.Equal(t, errMissingCredentials.Error(), publicMessage(errMissingCredentials))
}
