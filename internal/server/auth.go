package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
)

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	// AllowUserHeader trusts X-User-Id without credentials. Local use only.
	AllowUserHeader bool
	AllowDevLogin   bool
	Logger          zerolog.Logger
}

func (c AuthConfig) tokenTTL() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return 12 * time.Hour
}

type Principal struct {
	UserID string
	Role   domain.Role
	Source string
}

func (p Principal) actor() engine.Actor {
	return engine.Actor{ID: p.UserID, Role: p.Role}
}

type principalKey struct{}

var errInvalidCredentials = errors.New("invalid credentials")

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func authenticateJWT(ctx context.Context, e engine.Engine, token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return clock(e) }),
	)
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	p := Principal{UserID: claims.Subject, Source: "jwt"}
	if claims.Role != "" {
		role, err := domain.ParseRole(claims.Role)
		if err != nil {
			return Principal{}, err
		}
		p.Role = role
		return p, nil
	}
	u, err := e.GetUser(ctx, claims.Subject)
	if err != nil {
		return Principal{}, err
	}
	p.Role = u.Role
	return p, nil
}

func authenticateAPIKey(ctx context.Context, e engine.Engine, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	u, err := e.ResolveAPIKey(ctx, key)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: u.ID, Role: u.Role, Source: "api_key"}, nil
}

func authenticateUserHeader(ctx context.Context, e engine.Engine, userID string) (Principal, error) {
	u, err := e.GetUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: u.ID, Role: u.Role, Source: "user_header"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// resolvePrincipal authenticates req. It returns ok=false without error when
// no credentials were sent.
func resolvePrincipal(req *http.Request, cfg AuthConfig, e engine.Engine) (Principal, bool, error) {
	ctx := req.Context()
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
	userHeader := strings.TrimSpace(req.Header.Get("X-User-Id"))

	if authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, false, errInvalidCredentials
		}
		p, err := authenticateJWT(ctx, e, token, cfg.JWTSecret)
		if err != nil {
			cfg.Logger.Debug().Err(err).Msg("bearer token rejected")
			return Principal{}, false, errInvalidCredentials
		}
		return p, true, nil
	}
	if apiKeyHeader != "" {
		p, err := authenticateAPIKey(ctx, e, apiKeyHeader)
		if err != nil {
			cfg.Logger.Debug().Err(err).Msg("api key rejected")
			return Principal{}, false, errInvalidCredentials
		}
		return p, true, nil
	}
	if userHeader != "" && cfg.AllowUserHeader {
		cfg.Logger.Warn().Str("user", userHeader).Msg("trusting X-User-Id header without credentials")
		p, err := authenticateUserHeader(ctx, e, userHeader)
		if err != nil {
			return Principal{}, false, errInvalidCredentials
		}
		return p, true, nil
	}
	return Principal{}, false, nil
}

// clock is the engine's notion of now, so tokens minted and checked agree.
func clock(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func signToken(secret string, ttl time.Duration, now time.Time, u domain.User) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	exp := now.Add(ttl)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "sitetrack",
		},
		Role: string(u.Role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
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
