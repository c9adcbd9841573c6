package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderServiceToken = "X-Service-Token"

	ctxUserID  = "auth.user_id"
	ctxService = "auth.service"
)

var (
	ErrMissingToken = errors.New("authorization token is required")
	ErrInvalidToken = errors.New("token is invalid")
	ErrExpiredToken = errors.New("token has expired")
	ErrServiceToken = errors.New("invalid service token")
)

// Authenticator accepts either the shared service token or an HS256 bearer
// token carrying the caller's user id.
type Authenticator struct {
	secret       []byte
	serviceToken string
}

func New(jwtSecret, serviceToken string) *Authenticator {
	return &Authenticator{secret: []byte(jwtSecret), serviceToken: serviceToken}
}

// Verify checks a bearer token and returns the user id it carries.
func (a *Authenticator) Verify(raw string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrInvalidToken
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	for _, name := range []string{"userId", "user_id", "sub"} {
		if id := claimString(claims[name]); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no user id claim", ErrInvalidToken)
}

func claimString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

func (a *Authenticator) checkServiceToken(token string) bool {
	return a.serviceToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.serviceToken)) == 1
}

// Middleware admits service calls and authenticated users.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := c.GetHeader(HeaderServiceToken); token != "" {
			if !a.checkServiceToken(token) {
				unauthorized(c, ErrServiceToken)
				return
			}
			c.Set(ctxService, true)
			c.Next()
			return
		}

		raw, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c, ErrMissingToken)
			return
		}
		userID, err := a.Verify(raw)
		if err != nil {
			if errors.Is(err, ErrExpiredToken) {
				unauthorized(c, ErrExpiredToken)
			} else {
				unauthorized(c, ErrInvalidToken)
			}
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// ServiceOnly admits only callers presenting the service token.
func (a *Authenticator) ServiceOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.checkServiceToken(c.GetHeader(HeaderServiceToken)) {
			unauthorized(c, ErrServiceToken)
			return
		}
		c.Set(ctxService, true)
		c.Next()
	}
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func unauthorized(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"message": err.Error(),
	})
}

// UserID returns the authenticated user, or "" for service calls.
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func IsServiceCall(c *gin.Context) bool {
	return c.GetBool(ctxService)
}
