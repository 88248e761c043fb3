package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"theatrum/internal/engine"
)

// BasicAuthUser is the console basic auth username.
const BasicAuthUser = "theatrum"

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens carrying actor claims.
	JWTSecret string
}

// Principal is the actor described by a bearer token.
type Principal struct {
	Subject string
	Entity  string
	Roles   []string
	Data    map[string]any
}

type basicCredentials struct {
	Username string
	Password string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ActorClaims are the JWT claims understood by the console.
type ActorClaims struct {
	jwt.RegisteredClaims
	Entity string         `json:"entity"`
	Roles  []string       `json:"roles,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// IssueToken signs actor claims with the console secret.
func IssueToken(secret, entity string, roles []string, data map[string]any, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if entity == "" {
		return "", errors.New("entity required")
	}
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  entity,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Entity: entity,
		Roles:  roles,
		Data:   data,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &ActorClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Entity == "" {
		return Principal{}, errors.New("entity claim required")
	}
	return Principal{
		Subject: claims.Subject,
		Entity:  claims.Entity,
		Roles:   claims.Roles,
		Data:    claims.Data,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func (c *basicCredentials) match(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(c.Password)) == 1
	return userOK && passOK
}

// newAuthMiddleware guards the API base path. A valid bearer token always
// authenticates; otherwise basic auth is required when enabled.
func newAuthMiddleware(basePath string, cfg AuthConfig, creds *basicCredentials) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.Method == http.MethodOptions {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if token, ok := bearerToken(authz); ok {
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, int(engine.Unknown), "invalid credentials"))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if creds != nil && !creds.match(req) {
				w.Header().Set("WWW-Authenticate", `Basic realm="Theatrum Console"`)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, int(engine.Unknown), "authentication required"))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,POST,DELETE,PATCH")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
				h.Add("Vary", "Access-Control-Request-Headers")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func generatePassword() string {
	b := make([]byte, 12)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = passwordAlphabet[n.Int64()]
	}
	return string(b)
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
