package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func setupRouter(a *Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", a.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c), "service": IsServiceCall(c)})
	})
	r.POST("/internal", a.ServiceOnly(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func doRequest(r http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBearerTokenClaims(t *testing.T) {
	r := setupRouter(New(secret, "svc"))

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"userId", jwt.MapClaims{"userId": "u-1"}, "u-1"},
		{"user_id", jwt.MapClaims{"user_id": "u-2"}, "u-2"},
		{"sub", jwt.MapClaims{"sub": "u-3"}, "u-3"},
		{"numeric", jwt.MapClaims{"userId": float64(42)}, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := sign(t, jwt.SigningMethodHS256, []byte(secret), tt.claims)
			w := doRequest(r, http.MethodGet, "/private", map[string]string{"Authorization": "Bearer " + token})
			require.Equal(t, http.StatusOK, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body["user"])
			assert.Equal(t, false, body["service"])
		})
	}
}

func TestRejectedTokens(t *testing.T) {
	r := setupRouter(New(secret, "svc"))

	expired := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
		"userId": "u-1",
		"exp":    time.Now().Add(-time.Hour).Unix(),
	})
	wrongKey := sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"userId": "u-1"})
	wrongAlg := sign(t, jwt.SigningMethodHS384, []byte(secret), jwt.MapClaims{"userId": "u-1"})
	noUser := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"role": "admin"})

	tests := []struct {
		name    string
		headers map[string]string
		message string
	}{
		{"missing", nil, ErrMissingToken.Error()},
		{"not bearer", map[string]string{"Authorization": "Basic abc"}, ErrMissingToken.Error()},
		{"expired", map[string]string{"Authorization": "Bearer " + expired}, ErrExpiredToken.Error()},
		{"wrong key", map[string]string{"Authorization": "Bearer " + wrongKey}, ErrInvalidToken.Error()},
		{"wrong alg", map[string]string{"Authorization": "Bearer " + wrongAlg}, ErrInvalidToken.Error()},
		{"no user claim", map[string]string{"Authorization": "Bearer " + noUser}, ErrInvalidToken.Error()},
		{"bad service token", map[string]string{HeaderServiceToken: "nope"}, ErrServiceToken.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(r, http.MethodGet, "/private", tt.headers)
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.message, body["message"])
		})
	}
}

func TestServiceToken(t *testing.T) {
	r := setupRouter(New(secret, "svc"))

	w := doRequest(r, http.MethodGet, "/private", map[string]string{HeaderServiceToken: "svc"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"service":true`)

	w = doRequest(r, http.MethodPost, "/internal", map[string]string{HeaderServiceToken: "svc"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	token := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"userId": "u-1"})
	w = doRequest(r, http.MethodPost, "/internal", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEmptySecretRejectsBearer(t *testing.T) {
	a := New("", "svc")
	token := sign(t, jwt.SigningMethodHS256, []byte("anything"), jwt.MapClaims{"userId": "u-1"})
	_, err := a.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
