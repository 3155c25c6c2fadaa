package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

const (
	AgentTypeTeamLead = "team-lead"
	AgentTypeWorker   = "worker"
)

// Claims is the fleetd JWT payload. UID is the deterministic team+handle
// hash, so re-authenticating always yields the same subject.
type Claims struct {
	UID       string `json:"uid"`
	Handle    string `json:"handle"`
	TeamName  string `json:"teamName"`
	AgentType string `json:"agentType"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies bearer tokens.
type Authenticator struct {
	secret    []byte
	expiresIn time.Duration
	users     store.TeamStore
}

func NewAuthenticator(secret string, expiresIn time.Duration, users store.TeamStore) *Authenticator {
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return &Authenticator{
		secret:    []byte(secret),
		expiresIn: expiresIn,
		users:     users,
	}
}

// Issue registers the identity and returns its UID plus a signed token.
func (a *Authenticator) Issue(ctx context.Context, handle identity.Handle, team identity.TeamName, agentType string) (*store.User, string, error) {
	if handle == "" {
		return nil, "", &store.ValidationError{Field: "handle", Reason: "required"}
	}
	if team == "" {
		return nil, "", &store.ValidationError{Field: "teamName", Reason: "required"}
	}
	if agentType != AgentTypeTeamLead && agentType != AgentTypeWorker {
		return nil, "", &store.ValidationError{Field: "agentType", Reason: fmt.Sprintf("unknown agent type %q", agentType)}
	}

	u := &store.User{
		UID:       identity.DeriveUID(team, handle),
		Handle:    handle,
		TeamName:  team,
		AgentType: agentType,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.users.UpsertUser(ctx, u); err != nil {
		return nil, "", fmt.Errorf("register user: %w", err)
	}

	now := time.Now().UTC()
	claims := Claims{
		UID:       string(u.UID),
		Handle:    string(handle),
		TeamName:  string(team),
		AgentType: agentType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(u.UID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiresIn)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, "", fmt.Errorf("sign token: %w", err)
	}
	return u, token, nil
}

// Verify parses a bearer token and returns its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, store.ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, store.ErrUnauthorized
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFrom returns the authenticated claims stored on the request context.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return auth[len(prefix):]
}

// RequireAuth rejects requests without a valid bearer token and stores the
// claims on the context.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// RequireTeamLead guards orchestration endpoints.
func RequireTeamLead(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if claims.AgentType != AgentTypeTeamLead {
			writeError(w, http.StatusForbidden, "team-lead role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
