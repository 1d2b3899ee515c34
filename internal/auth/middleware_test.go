package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(mgr *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/open", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetAuthenticatedUser(c)})
	})
	protected := r.Group("")
	protected.Use(RequireAuth(mgr))
	protected.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetAuthenticatedUser(c)})
	})
	owned := r.Group("")
	owned.Use(RequireOwnership(mgr, "owner"))
	owned.GET("/wallets/:owner/secret", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	admin := r.Group("")
	admin.Use(RequireAdmin("topsecret"))
	admin.GET("/admin/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestRequireAuthRejectsAnonymous(t *testing.T) {
	r := setupRouter(NewManager(NewMemoryStore()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuthAcceptsValidKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	rawKey, _, err := mgr.GenerateKey(context.Background(), "usr_alice", "Primary")
	require.NoError(t, err)

	r := setupRouter(mgr)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "usr_alice")
}

func TestRequireOwnershipMatchesParam(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	rawKey, _, err := mgr.GenerateKey(context.Background(), "usr_alice", "Primary")
	require.NoError(t, err)

	r := setupRouter(mgr)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/wallets/usr_alice/secret", nil)
	req.Header.Set("X-API-Key", rawKey)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/wallets/usr_bob/secret", nil)
	req.Header.Set("X-API-Key", rawKey)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdminSecret(t *testing.T) {
	r := setupRouter(NewManager(NewMemoryStore()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("X-Admin-Secret", "topsecret")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAdminDisabledWhenUnset(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequireAdmin(""))
	r.GET("/admin/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("X-Admin-Secret", "")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
