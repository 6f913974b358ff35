package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Dry1ceD7/AAEConnect/pkg/jwt"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/response"
	"github.com/gin-gonic/gin"
)

const (
	UserIDKey     = log.FieldUserID
	EmailKey      = "email"
	UsernameKey   = log.FieldUsername
	RolesKey      = "roles"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
	TokenQueryKey = "token"
)

var errMissingCredentials = errors.New("missing or malformed credentials")

// TokenValidator validates an access token.
type TokenValidator interface {
	Validate(token string) (*jwt.Claims, error)
}

// FailureHook is called for every rejected request.
type FailureHook func(c *gin.Context, err error)

// AuthMiddleware authenticates requests with a bearer token.
type AuthMiddleware struct {
	validator TokenValidator
	onFailure FailureHook
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// OnFailure installs a hook run before a request is rejected.
func (m *AuthMiddleware) OnFailure(fn FailureHook) {
	m.onFailure = fn
}

func (m *AuthMiddleware) reject(c *gin.Context, err error) {
	if m.onFailure != nil {
		m.onFailure(c, err)
	}
	response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, publicMessage(err))
}

// publicMessage hides parser details from clients.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrExpiredToken):
		return jwt.ErrExpiredToken.Error()
	case errors.Is(err, jwt.ErrInvalidToken):
		return jwt.ErrInvalidToken.Error()
	default:
		return err.Error()
	}
}

// RequireAuth returns a Gin middleware that validates the token from the
// Authorization header or, since browsers cannot set headers on websocket
// upgrades, from the token query parameter.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := tokenFromRequest(c)
		if !ok {
			m.reject(c, errMissingCredentials)
			return
		}

		claims, err := m.validator.Validate(token)
		if err != nil {
			l := log.Ctx(c.Request.Context())
			l.Warn().Err(err).Str(log.FieldPath, c.Request.URL.Path).Msg("authentication failed")
			m.reject(c, err)
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(EmailKey, claims.Email)
		c.Set(UsernameKey, claims.DisplayName())
		c.Set(RolesKey, claims.Roles)

		c.Next()
	}
}

func tokenFromRequest(c *gin.Context) (string, bool) {
	if header := c.GetHeader(AuthHeaderKey); header != "" {
		if !strings.HasPrefix(header, BearerPrefix) {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
		return token, token != ""
	}
	token := c.Query(TokenQueryKey)
	return token, token != ""
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GetUsername extracts username from Gin context.
func GetUsername(c *gin.Context) string {
	return c.GetString(UsernameKey)
}

// GetEmail extracts email from Gin context.
func GetEmail(c *gin.Context) string {
	return c.GetString(EmailKey)
}

// GetRoles extracts roles from Gin context.
func GetRoles(c *gin.Context) []string {
	if roles, exists := c.Get(RolesKey); exists {
		if r, ok := roles.([]string); ok {
			return r
		}
	}
	return nil
}
