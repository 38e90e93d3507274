package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"agora/api"
)

// Service tokens authenticate privileged sibling calls: escrow release/split
// on the bank, the ruled-callback on the board, claim filing on the court and
// asset listing for the court. They are HS256 tokens minted from the shared
// secret with the calling service as subject and a scope claim.

const serviceTokenIssuer = "agora"

type serviceCtxKey struct{}

// ServiceAuth validates service tokens and stores the calling service name on
// the request context.
type ServiceAuth struct {
	secret []byte
}

// NewServiceAuth builds a validator for the shared secret. An empty secret
// disables privileged surfaces entirely.
func NewServiceAuth(secret string) *ServiceAuth {
	return &ServiceAuth{secret: []byte(strings.TrimSpace(secret))}
}

// MintServiceToken issues a short-lived token for sibling calls.
func MintServiceToken(secret, service, scope string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("service token secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   serviceTokenIssuer,
		"sub":   service,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(strings.TrimSpace(secret)))
}

// Middleware requires a valid service token carrying the given scope.
func (a *ServiceAuth) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			service, err := a.validate(r, scope)
			if err != nil {
				api.WriteError(w, http.StatusUnauthorized, api.KindAuth, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), serviceCtxKey{}, service)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Check reports whether the request carries a valid token for scope without
// rejecting it. Used by routes that are public for agents but extended for
// services (e.g. asset listing for the court).
func (a *ServiceAuth) Check(r *http.Request, scope string) (string, bool) {
	service, err := a.validate(r, scope)
	return service, err == nil
}

func (a *ServiceAuth) validate(r *http.Request, scope string) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("service auth disabled")
	}
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(serviceTokenIssuer), jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	granted, _ := claims["scope"].(string)
	if !hasScope(granted, scope) {
		return "", fmt.Errorf("insufficient scope")
	}
	service, _ := claims["sub"].(string)
	if strings.TrimSpace(service) == "" {
		return "", fmt.Errorf("missing subject")
	}
	return service, nil
}

// CallerService returns the authenticated sibling service name, if any.
func CallerService(ctx context.Context) string {
	if v, ok := ctx.Value(serviceCtxKey{}).(string); ok {
		return v
	}
	return ""
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func hasScope(granted, required string) bool {
	if required == "" {
		return true
	}
	for _, s := range strings.Fields(granted) {
		if s == required {
			return true
		}
	}
	return false
}
