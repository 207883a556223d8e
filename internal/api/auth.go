package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a bearer token is invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// Caller is the identity carried by a verified bearer token.
type Caller struct {
	Subject string
	Tier    string
}

// TokenVerifier validates HMAC-signed bearer tokens. The subject becomes
// the caller identity; the tier claim, when present, selects the plan.
type TokenVerifier struct {
	secret    []byte
	tierClaim string
}

// NewTokenVerifier creates a verifier. It returns nil when no secret is
// configured, which disables bearer identities.
func NewTokenVerifier(secret, tierClaim string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret), tierClaim: tierClaim}
}

// Verify parses and validates a token.
func (v *TokenVerifier) Verify(tokenString string) (*Caller, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	caller := &Caller{Subject: subject}
	if tier, ok := claims[v.tierClaim].(string); ok {
		caller.Tier = tier
	}
	return caller, nil
}

// AuthMiddleware attaches the bearer identity to the request context.
// Requests without a token pass through anonymously; requests with an
// invalid token are rejected.
func AuthMiddleware(verifier *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if verifier == nil || !ok {
				next.ServeHTTP(w, r)
				return
			}

			caller, err := verifier.Verify(token)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyCaller, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminMiddleware requires the static admin token. With no token configured
// the protected routes are disabled.
func AdminMiddleware(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken == "" {
				WriteError(w, http.StatusForbidden, "Admin routes are disabled")
				return
			}
			token, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
				WriteError(w, http.StatusUnauthorized, "Invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
