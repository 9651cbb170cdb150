package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const agentClaimsKey contextKey = "agentClaims"

// Roles allowed on the agent console endpoints.
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// AgentClaims identifies the human agent behind an admin request.
type AgentClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminJWT guards agent console routes with an HMAC-signed bearer token.
// The token must carry a subject and an agent or admin role.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	key := []byte(strings.TrimSpace(secret))
	parser := jwt.NewParser(jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}), jwt.WithExpirationRequired())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				http.Error(w, "agent console disabled", http.StatusUnauthorized)
				return
			}
			tokenString, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			claims := &AgentClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
				return key, nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if claims.Subject == "" || (claims.Role != RoleAgent && claims.Role != RoleAdmin) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), agentClaimsKey, *claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the token from the Authorization header, or from the
// access_token query parameter that browser websockets have to use.
func bearerToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		return token, token != ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token, true
	}
	return "", false
}

// AgentFromContext returns the authenticated agent, if any.
func AgentFromContext(ctx context.Context) (AgentClaims, bool) {
	claims, ok := ctx.Value(agentClaimsKey).(AgentClaims)
	return claims, ok
}
