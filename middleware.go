package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/guard"
	"github.com/example/labkeeper/internal/ratelimit"
	"github.com/example/labkeeper/internal/token"
)

type ctxKey int

const (
	claimsKey ctxKey = iota
	requestIDKey
)

func claimsFrom(r *http.Request) *token.Claims {
	c, _ := r.Context().Value(claimsKey).(*token.Claims)
	return c
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func missingToken() *apperr.Error {
	return apperr.Unauthorized("Missing bearer token")
}

// authenticate verifies the bearer token with verify and stores the claims.
func (a *App) authenticate(verify func(string) (*token.Claims, error), optional bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				if optional {
					next.ServeHTTP(w, r)
					return
				}
				a.writeAppError(w, r, missingToken())
				return
			}
			claims, err := verify(raw)
			if err != nil {
				a.writeAppError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticate requires a valid access token.
func (a *App) Authenticate(next http.Handler) http.Handler {
	return a.authenticate(a.Tokens.VerifyAccess, false)(next)
}

// OptionalAuth verifies an access token when one is presented.
func (a *App) OptionalAuth(next http.Handler) http.Handler {
	return a.authenticate(a.Tokens.VerifyAccess, true)(next)
}

// RequireRefresh requires a valid refresh token.
func (a *App) RequireRefresh(next http.Handler) http.Handler {
	return a.authenticate(a.Tokens.VerifyRefresh, false)(next)
}

// RequireScope rejects callers whose token lacks scope. It runs after Authenticate.
func (a *App) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := guard.RequireScope(claimsFrom(r), scope); err != nil {
				a.writeAppError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin rejects callers that are not administrators.
func (a *App) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := guard.RequireAdmin(claimsFrom(r)); err != nil {
			a.writeAppError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit enforces p per client IP. Backend failures let the request through.
func (a *App) RateLimit(p ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := a.Limiter.Allow(r.Context(), p, clientIP(r))
			if err != nil {
				a.log.WithError(err).WithField("policy", p.Name).Warn("rate limiter unavailable")
			}
			if !ok {
				if a.Metrics != nil {
					a.Metrics.RateLimitedTotal.WithLabelValues(p.Name).Inc()
				}
				a.writeAppError(w, r, apperr.New(apperr.KindTooManyRequests, "rate_limited", "Rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logging middleware logs requests and tags them with a request id
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		a.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote":      clientIP(r),
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  id,
		}).Info("request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// CORS middleware handles CORS headers
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && a.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether origin is in the configured list. An empty
// list allows no cross-origin callers.
func (a *App) originAllowed(origin string) bool {
	for _, o := range a.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
