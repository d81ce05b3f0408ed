// Package auth authenticates service-to-service calls to the ops API with
// HMAC-signed bearer tokens. Claims carry the caller's roles and the vendor
// keys it may operate on; role checks beyond that are not this service's
// concern. A permissive development mode grants operator access to
// unauthenticated requests.
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

const (
	SubjectKey contextKey = "auth_subject"
	RolesKey   contextKey = "auth_roles"
	VendorsKey contextKey = "auth_vendors"
)

// Auth modes, resolved by config.ResolvedAuthMode.
const (
	ModeDevelopment = "development"
	ModeToken       = "token"
)

// Claims is the service-token payload. Vendors lists the vendor keys the
// caller may run migrations for; an empty list means all vendors.
type Claims struct {
	jwt.RegisteredClaims
	Roles   []string `json:"roles"`
	Vendors []string `json:"vendors,omitempty"`
}

// Config selects the middleware mode and the HMAC secret for token mode.
type Config struct {
	Mode   string
	Secret []byte
}

// Middleware returns the authentication middleware for the configured mode.
// Unknown modes fall back to token mode, never to permissive.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Mode == ModeDevelopment {
		return devMiddleware()
	}
	return tokenMiddleware(cfg.Secret)
}

func tokenMiddleware(secret []byte) echo.MiddlewareFunc {
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
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			bind(c, claims.Subject, claims.Roles, claims.Vendors)
			return next(c)
		}
	}
}

// devMiddleware grants unauthenticated requests operator access across all
// vendors. Config refuses this mode outside development.
func devMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			bind(c, "dev-operator", []string{"admin", "operator"}, nil)
			return next(c)
		}
	}
}

func bind(c echo.Context, subject string, roles, vendors []string) {
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, SubjectKey, subject)
	ctx = context.WithValue(ctx, RolesKey, roles)
	ctx = context.WithValue(ctx, VendorsKey, vendors)
	c.SetRequest(c.Request().WithContext(ctx))
}

// RequireRole returns middleware rejecting callers holding none of the given
// roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, r := range RolesFromContext(c.Request().Context()) {
				if allowed[r] {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}

// VendorAllowed reports whether the caller may operate on the vendor. An
// empty vendors claim means unrestricted.
func VendorAllowed(ctx context.Context, vendor string) bool {
	vendors := VendorsFromContext(ctx)
	if len(vendors) == 0 {
		return true
	}
	for _, v := range vendors {
		if v == vendor {
			return true
		}
	}
	return false
}

// IssueToken signs a service token. Used by deploy tooling and tests.
func IssueToken(secret []byte, subject string, roles, vendors []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:   roles,
		Vendors: vendors,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(SubjectKey).(string)
	return s
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(RolesKey).([]string)
	return roles
}

func VendorsFromContext(ctx context.Context) []string {
	vendors, _ := ctx.Value(VendorsKey).([]string)
	return vendors
}
