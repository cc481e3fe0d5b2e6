// Package auth provides the authentication context for API requests.
// Every connection and deployment is scoped to the owner carried here.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// Context Key
// =============================================================================

type contextKey string

const authContextKey contextKey = "auth"

// =============================================================================
// Types
// =============================================================================

// Context represents the authenticated caller of a request.
type Context struct {
	// OwnerID identifies the user that owns connections and deployments.
	OwnerID string

	// Method records how the caller was identified ("header" or "bearer").
	Method string

	// Authenticated indicates whether the request is authenticated
	Authenticated bool
}

// Options controls how credentials are accepted.
type Options struct {
	// TrustUserHeader accepts the X-User-ID header injected by a fronting gateway.
	TrustUserHeader bool

	// SigningKey verifies HMAC-signed bearer tokens. When empty, the token
	// payload is read without verification.
	SigningKey []byte
}

// =============================================================================
// Header Constants
// =============================================================================

const (
	// HeaderUserID is the header containing the authenticated user's ID
	HeaderUserID = "X-User-ID"

	// HeaderAuthorization carries "Bearer <jwt>"
	HeaderAuthorization = "Authorization"
)

const (
	MethodHeader = "header"
	MethodBearer = "bearer"
)

// =============================================================================
// Context Extraction
// =============================================================================

// ExtractFromRequest extracts auth context from HTTP request headers.
func ExtractFromRequest(r *http.Request, opts Options) Context {
	return ExtractFromHeaders(r.Header, opts)
}

// HeaderGetter is an interface for getting header values.
// This allows testing without requiring an http.Request.
type HeaderGetter interface {
	Get(key string) string
}

// ExtractFromHeaders extracts auth context from headers.
//
// Auth sources (checked in order):
//  1. X-User-ID header, when opts.TrustUserHeader is set
//  2. Authorization: Bearer {jwt}, subject claim
func ExtractFromHeaders(headers HeaderGetter, opts Options) Context {
	if opts.TrustUserHeader {
		if id := strings.TrimSpace(headers.Get(HeaderUserID)); id != "" {
			return Context{OwnerID: id, Method: MethodHeader, Authenticated: true}
		}
	}

	sub, err := ParseBearer(headers.Get(HeaderAuthorization), opts.SigningKey)
	if err != nil || sub == "" {
		return Context{Authenticated: false}
	}

	return Context{OwnerID: sub, Method: MethodBearer, Authenticated: true}
}

// ParseBearer returns the subject of a bearer token.
// With a signing key the token must carry a valid HMAC signature and must not
// be expired; without one only the payload is decoded.
func ParseBearer(authHeader string, signingKey []byte) (string, error) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || raw == "" {
		return "", jwt.ErrTokenMalformed
	}

	claims := &jwt.RegisteredClaims{}
	if len(signingKey) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return "", err
		}
	} else {
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			return "", err
		}
	}

	return claims.GetSubject()
}

// =============================================================================
// Context Storage
// =============================================================================

// WithContext stores the auth context in the request context.
func WithContext(ctx context.Context, authCtx Context) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// FromContext retrieves the auth context from the request context.
// If no auth context is found, returns an unauthenticated context.
func FromContext(ctx context.Context) Context {
	if authCtx, ok := ctx.Value(authContextKey).(Context); ok {
		return authCtx
	}
	return Context{Authenticated: false}
}

// =============================================================================
// Helper Types for Testing
// =============================================================================

// MapHeaderGetter wraps a map to implement HeaderGetter interface.
type MapHeaderGetter map[string]string

func (m MapHeaderGetter) Get(key string) string {
	return m[key]
}
