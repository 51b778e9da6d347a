// Package auth verifies bearer tokens and carries the resulting session
// through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier resolves a bearer token to a session.
type Verifier interface {
	Verify(ctx context.Context, token string) (graph.Session, error)
}

// Claims are the token claims issued by the auth provider.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with the project's JWT secret.
type JWTVerifier struct {
	secret   []byte
	audience string
}

// NewJWTVerifier creates a verifier. An empty audience disables the
// audience check.
func NewJWTVerifier(secret, audience string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("secret key required for HS256")
	}
	return &JWTVerifier{secret: []byte(secret), audience: audience}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (graph.Session, error) {
	if token == "" {
		return graph.Session{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return graph.Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return graph.Session{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return graph.Session{UserID: claims.Subject, AccessToken: token}, nil
}

// SupabaseVerifier asks the auth service who owns the token.
type SupabaseVerifier struct {
	client *supabase.Client
}

// NewSupabaseVerifier creates a verifier backed by the project's auth API.
func NewSupabaseVerifier(url, key string) (*SupabaseVerifier, error) {
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseVerifier{client: client}, nil
}

func (v *SupabaseVerifier) Verify(_ context.Context, token string) (graph.Session, error) {
	if token == "" {
		return graph.Session{}, ErrMissingToken
	}
	user, err := v.client.Auth.WithToken(token).GetUser()
	if err != nil {
		return graph.Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return graph.Session{UserID: user.ID.String(), AccessToken: token}, nil
}

// BearerToken extracts the token from an Authorization header. Websocket
// clients that cannot set headers may pass it as the access_token query
// parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

type ctxKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s graph.Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// SessionFrom returns the session stored by Middleware.
func SessionFrom(ctx context.Context) (graph.Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(graph.Session)
	return s, ok && s.Authenticated()
}

// Middleware rejects requests without a verifiable bearer token.
func Middleware(v Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := v.Verify(r.Context(), BearerToken(r))
			if err != nil {
				logger.Debug("Rejected request", zap.String("path", r.URL.Path), zap.Error(err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthenticated"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}
