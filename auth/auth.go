// Package auth provides bearer token authentication that publishes the
// caller's identity for identity-based rate limiting.
//
//	r.Use(auth.Bearer(secret, auth.Optional()))
//	limiter := ratelimit.New(res, "api", 100, time.Minute, ratelimit.WithKeyFunc(ratelimit.ByIdentity()))
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/nhalm/canonlog"
	"github.com/nhalm/gatekeeper/wrapper"
)

type contextKey string

const subjectKey contextKey = "auth_subject"

var errNoSubject = errors.New("token has no subject")

type bearerConfig struct {
	secret   []byte
	optional bool
	issuer   string
}

// BearerOption configures Bearer middleware.
type BearerOption func(*bearerConfig)

// Optional lets requests without an Authorization header through
// unauthenticated. Requests that present an invalid token are still rejected.
func Optional() BearerOption {
	return func(c *bearerConfig) {
		c.optional = true
	}
}

// WithIssuer requires the token's iss claim to equal issuer.
func WithIssuer(issuer string) BearerOption {
	return func(c *bearerConfig) {
		c.issuer = issuer
	}
}

// Bearer returns middleware that validates HMAC-signed JWT bearer tokens and
// stores the token subject in the request context (see SubjectFromContext).
// Returns 401 if the token is missing (unless Optional), malformed, expired,
// or has no subject.
func Bearer(secret []byte, opts ...BearerOption) func(http.Handler) http.Handler {
	cfg := &bearerConfig{secret: secret}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")

			if header == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				reject(w, r, "Missing authorization header")
				return
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				reject(w, r, "Invalid authorization format")
				return
			}

			raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
			if raw == "" {
				reject(w, r, "Empty bearer token")
				return
			}

			subject, err := cfg.parse(raw)
			if err != nil {
				reject(w, r, "Invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			if _, ok := canonlog.TryGetLogger(ctx); ok {
				canonlog.InfoAdd(ctx, "subject", subject)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (c *bearerConfig) parse(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return "", err
	}
	if c.issuer != "" && !claims.VerifyIssuer(c.issuer, true) {
		return "", fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}

func reject(w http.ResponseWriter, r *http.Request, msg string) {
	if wrapper.HasState(r.Context()) {
		wrapper.SetError(r, wrapper.ErrUnauthorized.With(msg))
		return
	}
	wrapper.WriteError(w, wrapper.ErrUnauthorized.With(msg))
}

// SubjectFromContext returns the authenticated subject stored by Bearer.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey).(string)
	return subject, ok
}
