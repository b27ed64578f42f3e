package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const actorKey contextKey = "actor"

// Claims is the token payload for operators and for the device identity the
// sync client presents upstream.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTConfig configures HMAC token verification. Tokens are signed with the
// device secret; there is no remote key authority to reach offline.
type JWTConfig struct {
	Issuer     string
	SigningKey []byte
}

// JWTMiddleware authenticates a bearer token and stores the actor on the
// request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := context.WithValue(c.Request().Context(), actorKey, Actor{
				ID:    claims.Subject,
				Roles: claims.Roles,
			})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// ActorFromContext returns the authenticated actor, zero if none.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey).(Actor)
	return actor
}

// RequireRead gates a route on a read capability.
func RequireRead(policy Capability, resource string) echo.MiddlewareFunc {
	return requireCapability(policy, resource, false)
}

// RequireWrite gates a route on a write capability.
func RequireWrite(policy Capability, resource string) echo.MiddlewareFunc {
	return requireCapability(policy, resource, true)
}

func requireCapability(policy Capability, resource string, write bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := ActorFromContext(c.Request().Context())
			allowed := policy.CanRead(actor, resource)
			if write {
				allowed = policy.CanWrite(actor, resource)
			}
			if !allowed {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient capability for "+resource)
			}
			return next(c)
		}
	}
}

// MintToken signs an HS256 token for the given subject and roles. The sync
// client mints a fresh device token per cycle; operator tokens are minted at
// enrollment.
func MintToken(key []byte, issuer, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
