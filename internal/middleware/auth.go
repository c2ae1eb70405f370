package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"ictaccess/internal/model"
	"ictaccess/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	actorKey    = "actor"
	userIDKey   = "userID"
	userRoleKey = "userRole"
)

var (
	ErrMissingToken = errors.New("authorization is missing")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are issued by the hospital identity system; this service only reads them.
type Claims struct {
	Role       string   `json:"role"`
	Roles      []string `json:"roles,omitempty"`
	Department string   `json:"department"`
	Phone      string   `json:"phone"`
	jwt.RegisteredClaims
}

// PermissionSource resolves the permission codes granted to a role.
type PermissionSource interface {
	GetPermissionsByRoleName(ctx context.Context, roleName string) ([]string, error)
}

// permCacheEntry stores cached permission codes for a role with TTL
type permCacheEntry struct {
	codes     []string
	expiresAt time.Time
}

// Auth turns bearer tokens into model.ActorContext values and guards routes
// by role or permission.
type Auth struct {
	secret []byte
	perms  PermissionSource
	logger *logrus.Logger

	cache    sync.Map // roleName -> permCacheEntry
	cacheTTL time.Duration
}

func NewAuth(secret []byte, perms PermissionSource, logger *logrus.Logger) *Auth {
	return &Auth{
		secret:   secret,
		perms:    perms,
		logger:   logger,
		cacheTTL: 5 * time.Minute,
	}
}

// ParseToken validates tokenString and returns the actor it names.
func (a *Auth) ParseToken(tokenString string) (model.ActorContext, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return model.ActorContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return model.ActorContext{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	roles := append([]string{claims.Role}, claims.Roles...)
	actor := model.NewActor(id, roles...)
	if len(actor.Roles) == 0 {
		return model.ActorContext{}, fmt.Errorf("%w: role not found in token", ErrInvalidToken)
	}
	actor.Department = claims.Department
	actor.Phone = claims.Phone
	return actor, nil
}

// Authenticate requires a valid token and stores the actor on the context.
func (a *Auth) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := a.authenticate(c); !ok {
			return
		}
		c.Next()
	}
}

// RequireRole lets the request through when the actor holds any of allowedRoles.
func (a *Auth) RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := a.authenticate(c)
		if !ok {
			return
		}
		for _, role := range allowedRoles {
			if actor.HasRole(role) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, response.Error(http.StatusForbidden, "Access denied: insufficient permissions"))
	}
}

// RequirePermission checks that the actor's roles together grant every code in requiredPerms.
func (a *Auth) RequirePermission(requiredPerms ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := a.authenticate(c)
		if !ok {
			return
		}

		permSet := make(map[string]bool)
		for role := range actor.Roles {
			codes, err := a.permissionsForRole(c.Request.Context(), role)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"role":      role,
					"error":     err.Error(),
					"operation": "RequirePermission",
				}).Error("Failed to load role permissions")
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, "Failed to verify permissions"))
				return
			}
			for _, code := range codes {
				permSet[code] = true
			}
		}

		for _, required := range requiredPerms {
			if !permSet[required] {
				c.AbortWithStatusJSON(http.StatusForbidden, response.Error(http.StatusForbidden, "Access denied: missing permission '"+required+"'"))
				return
			}
		}
		c.Next()
	}
}

// ClearPermissionCache removes cached permissions for a specific role (or all roles if empty)
func (a *Auth) ClearPermissionCache(roleName string) {
	if roleName != "" {
		a.cache.Delete(roleName)
		return
	}
	a.cache.Range(func(key, _ interface{}) bool {
		a.cache.Delete(key)
		return true
	})
}

// ActorFrom returns the actor stored by Authenticate, RequireRole or RequirePermission.
func ActorFrom(c *gin.Context) (model.ActorContext, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return model.ActorContext{}, false
	}
	actor, ok := v.(model.ActorContext)
	return actor, ok
}

func (a *Auth) authenticate(c *gin.Context) (model.ActorContext, bool) {
	if actor, ok := ActorFrom(c); ok {
		return actor, true
	}

	tokenString, err := bearerToken(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, err.Error()))
		return model.ActorContext{}, false
	}
	actor, err := a.ParseToken(tokenString)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, err.Error()))
		return model.ActorContext{}, false
	}

	c.Set(actorKey, actor)
	c.Set(userIDKey, actor.ID.String())
	for role := range actor.Roles {
		c.Set(userRoleKey, role)
		break
	}
	return actor, true
}

// bearerToken reads the Authorization header, falling back to the
// access_token cookie set by the identity system's web login.
func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if cookie, err := c.Cookie("access_token"); err == nil && cookie != "" {
			return cookie, nil
		}
		return "", ErrMissingToken
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("%w: expected 'Bearer <token>'", ErrInvalidToken)
	}
	return parts[1], nil
}

// permissionsForRole returns cached or freshly loaded permission codes for a role name
func (a *Auth) permissionsForRole(ctx context.Context, roleName string) ([]string, error) {
	if entry, ok := a.cache.Load(roleName); ok {
		cached := entry.(permCacheEntry)
		if time.Now().Before(cached.expiresAt) {
			return cached.codes, nil
		}
	}
	if a.perms == nil {
		return nil, fmt.Errorf("permission source not configured")
	}

	codes, err := a.perms.GetPermissionsByRoleName(ctx, roleName)
	if err != nil {
		return nil, err
	}
	a.cache.Store(roleName, permCacheEntry{
		codes:     codes,
		expiresAt: time.Now().Add(a.cacheTTL),
	})
	return codes, nil
}
