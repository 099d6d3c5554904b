package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"techo/internal/engine"
	"techo/internal/engine/auth"
	"techo/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// DevTokens exposes POST /auth/dev/token. Never enable it in production.
	DevTokens bool
	Logger    *zap.Logger
}

// Principal is the authenticated caller.
type Principal struct {
	Actor  auth.Actor
	Source string
}

type principalKey struct{}

func (c AuthConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (auth.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Actor.ID != "" {
		return p.Actor, nil
	}
	return auth.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// platformRoles are role claims an identity provider sets on every token; they say
// nothing about the organization role.
var platformRoles = map[string]bool{"authenticated": true, "anon": true, "service_role": true}

type jwtClaims struct {
	jwt.RegisteredClaims
	Name         string `json:"name,omitempty"`
	Role         string `json:"role,omitempty"`
	UserMetadata struct {
		Role     string `json:"role,omitempty"`
		Name     string `json:"name,omitempty"`
		FullName string `json:"full_name,omitempty"`
	} `json:"user_metadata,omitempty"`
}

// identity picks the organization role and display name out of the claims.
func (c jwtClaims) identity() (name, role string) {
	role = strings.TrimSpace(c.UserMetadata.Role)
	if role == "" && !platformRoles[strings.ToLower(strings.TrimSpace(c.Role))] {
		role = strings.TrimSpace(c.Role)
	}
	name = c.Name
	if name == "" {
		name = c.UserMetadata.Name
	}
	if name == "" {
		name = c.UserMetadata.FullName
	}
	return name, role
}

func parseJWT(token, secret string) (jwtClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return jwtClaims{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return jwtClaims{}, err
	}
	if !parsed.Valid {
		return jwtClaims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return jwtClaims{}, errors.New("subject claim required")
	}
	return *claims, nil
}

func authenticateJWT(ctx context.Context, e engine.Engine, token, secret string) (Principal, error) {
	claims, err := parseJWT(token, secret)
	if err != nil {
		return Principal{}, err
	}
	name, role := claims.identity()
	actor, err := e.SyncActor(ctx, claims.Subject, name, role)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Actor: actor, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, e engine.Engine, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	actor, err := e.ResolveActor(ctx, apiKey.ActorID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Actor: actor, Source: "api_key"}, nil
}

// SignDevToken mints a short-lived HS256 token shaped like the identity provider's.
func SignDevToken(secret, actorID, name, role string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(12 * time.Hour)),
			Issuer:    "techo-dev",
		},
		Name: name,
		Role: "authenticated",
	}
	claims.UserMetadata.Role = role
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	if cfg.DevTokens {
		public[path.Join(basePath, "auth/dev/token")] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			var (
				principal Principal
				err       error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err = authenticateJWT(req.Context(), e, token, cfg.JWTSecret)
			case apiKeyHeader != "":
				principal, err = authenticateAPIKey(req.Context(), e, apiKeyHeader)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				var fe auth.ForbiddenError
				if errors.As(err, &fe) {
					respondStatusError(w, handleError(err))
					return
				}
				cfg.logger().Debug("authentication failed", zap.Error(err))
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
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
