package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"sitetrack/internal/access"
	"sitetrack/internal/engine"
)

type requestKey struct{}
type bodyBytesKey struct{}

func bodyCapture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data []byte
		if r.Body != nil {
			data, _ = io.ReadAll(r.Body)
		}
		r.Body = io.NopCloser(bytes.NewBuffer(data))
		ctx := context.WithValue(r.Context(), requestKey{}, r)
		ctx = context.WithValue(ctx, bodyBytesKey{}, data)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func requestLogger(log zerolog.Logger, m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			m.observeRequest(r.Method, route, status, elapsed.Seconds())
			evt := log.Info()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", elapsed).
				Msg("request")
		})
	}
}

// gate authenticates the caller and enforces the route table. Public paths
// always pass. Protected paths need a principal, and the most specific
// matching rule must accept its role. Other paths pass through to the
// handler, which applies its own checks.
func gate(cfg AuthConfig, e engine.Engine, routes access.Routes, rules access.Rules, m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if routes.IsPublic(path) {
				if p, ok, err := resolvePrincipal(r, cfg, e); err == nil && ok {
					r = r.WithContext(withPrincipal(r.Context(), p))
				}
				next.ServeHTTP(w, r)
				return
			}
			p, ok, err := resolvePrincipal(r, cfg, e)
			if err != nil {
				m.observeDecision("route", false)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			if ok {
				r = r.WithContext(withPrincipal(r.Context(), p))
			}
			if !routes.IsProtected(path) {
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				m.observeDecision("route", false)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if rule, found := rules.Match(path); found {
				allowed := access.IsAuthorizedForRoute(p.Role, rule.Requirement)
				m.observeDecision("route", allowed)
				if !allowed {
					cfg.Logger.Debug().Str("path", path).Str("user", p.UserID).Str("role", string(p.Role)).Msg("route denied")
					respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "insufficient role for "+rule.Path, map[string]any{
						"requiredRole": string(rule.Required),
						"minimumRole":  string(rule.Minimum),
					}))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
