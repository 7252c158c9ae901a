package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const principalKey contextKey = "principal"

// Claims is the bearer token payload: sub is the principal id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// FailureFunc renders a rejected request. err always wraps ErrUnauthenticated.
type FailureFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware parses an HMAC-signed bearer token into a Principal.
// With required=false, requests without an Authorization header pass through
// anonymously; a present but invalid token is always rejected.
// A nil fail writes a plain 401 body.
func Middleware(secret string, required bool, fail FailureFunc) func(http.Handler) http.Handler {
	if fail == nil {
		fail = unauthorized
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					fail(w, r, fmt.Errorf("%w: missing authorization header", ErrUnauthenticated))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if !strings.HasPrefix(header, "Bearer ") {
				fail(w, r, fmt.Errorf("%w: malformed authorization header", ErrUnauthenticated))
				return
			}

			p, err := ParseToken(secret, strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				fail(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// ParseToken validates the signature and expiry and returns the principal.
func ParseToken(secret, tokenString string) (Principal, error) {
	if secret == "" {
		return Principal{}, fmt.Errorf("%w: auth disabled, empty secret", ErrUnauthenticated)
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: parse token: %v", ErrUnauthenticated, err)
	}

	role, err := parseRole(claims.Role)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: parse subject: %v", ErrUnauthenticated, err)
	}

	return Principal{Role: role, ID: id}, nil
}

// IssueToken signs a bearer token for p. Used by tooling and tests; real
// deployments receive tokens from the identity provider.
func IssueToken(secret string, p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && !p.IsZero()
}

func unauthorized(w http.ResponseWriter, _ *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthenticated",
		"details": err.Error(),
	})
}
