package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(UserIDKey), "name": c.GetString(UsernameKey)})
	})
	router.GET("/me", handlers...)
	return router
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	token, err := IssueToken(testSecret, "u-1", "alice", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	newRouter(AuthMiddleware(testSecret)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"u-1","name":"alice"}`, w.Body.String())
}

func TestAuthMiddlewareRejects(t *testing.T) {
	expired, err := IssueToken(testSecret, "u-1", "alice", -time.Minute)
	require.NoError(t, err)
	forged, err := IssueToken("other-secret", "u-1", "alice", time.Minute)
	require.NoError(t, err)

	cases := map[string]string{
		"missing": "",
		"scheme":  "Basic abc",
		"expired": "Bearer " + expired,
		"forged":  "Bearer " + forged,
		"garbage": "Bearer not-a-jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			newRouter(AuthMiddleware(testSecret)).ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestParseTokenRequiresSubject(t *testing.T) {
	token, err := IssueToken(testSecret, "", "nobody", time.Minute)
	require.NoError(t, err)

	_, err = ParseToken(testSecret, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRateLimitPerUser(t *testing.T) {
	setUser := func(c *gin.Context) {
		c.Set(UserIDKey, c.GetHeader("X-User"))
		c.Next()
	}
	router := newRouter(setUser, RateLimit(0.001, 2))

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusTooManyRequests, do("a"))
	assert.Equal(t, http.StatusOK, do("b"))
}
