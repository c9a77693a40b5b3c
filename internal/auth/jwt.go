// Package auth validates caller-provided JWTs for the gateway's own
// REST surface. Validation is optional: with neither a shared secret
// nor a JWKS endpoint configured, every request passes.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/workspace/affine-gateway/internal/errcode"
)

// Claims are the gateway's token claims.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// Validator checks bearer tokens against either an HS256 shared secret
// or a remote JWKS endpoint.
type Validator struct {
	secret   []byte
	jwks     keyfunc.Keyfunc
	audience string
	issuer   string
}

// Config selects the validation mode. Secret and JWKSURL are mutually
// exclusive; both empty means validation is disabled.
type Config struct {
	Secret   string
	JWKSURL  string
	Audience string
	Issuer   string
}

// New creates a validator, fetching JWKS keys when configured.
func New(cfg Config) (*Validator, error) {
	v := &Validator{audience: cfg.Audience, issuer: cfg.Issuer}
	switch {
	case cfg.Secret != "" && cfg.JWKSURL != "":
		return nil, fmt.Errorf("configure either a JWT secret or a JWKS URL, not both")
	case cfg.Secret != "":
		v.secret = []byte(cfg.Secret)
	case cfg.JWKSURL != "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		k, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
		}
		v.jwks = k
	}
	return v, nil
}

// Enabled reports whether validation is configured at all.
func (v *Validator) Enabled() bool {
	return v != nil && (v.secret != nil || v.jwks != nil)
}

func (v *Validator) keyfunc(token *jwt.Token) (interface{}, error) {
	if v.secret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		return v.secret, nil
	}
	return v.jwks.Keyfunc(token)
}

// Validate parses and verifies a bearer token.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeAuthRejected, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errcode.New(errcode.CodeAuthRejected, "invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token. With
// validation disabled it is a pass-through.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	if !v.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err != nil {
			unauthorized(w, err)
			return
		}
		claims, err := v.Validate(token)
		if err != nil {
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errcode.New(errcode.CodeAuthRejected, "missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errcode.New(errcode.CodeAuthRejected, "Authorization header is not a bearer token")
	}
	return token, nil
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, errcode.CodeAuthRejected, err.Error())
}

type claimsKey struct{}

// WithClaims stores validated claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the validated claims, if any.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}
