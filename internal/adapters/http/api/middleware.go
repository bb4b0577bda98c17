package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/okian/resolvr/pkg/logger"
	"github.com/okian/resolvr/pkg/metrics"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware reuses the caller's X-Request-ID or assigns a new one,
// echoes it on the response and stores it in the request context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// MetricsMiddleware records request counts and latency per route template.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		endpoint := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		code := strconv.Itoa(wrapped.statusCode)
		metrics.RecordHTTPRequest(endpoint, r.Method, code)
		metrics.RecordHTTPRequestDuration(endpoint, r.Method, code, metrics.ObserveSince(start))
		if wrapped.statusCode >= http.StatusBadRequest {
			metrics.RecordErrorByEndpoint(endpoint, r.Method, errorType(wrapped.statusCode))
		}
	})
}

func errorType(statusCode int) string {
	switch {
	case statusCode >= http.StatusInternalServerError:
		return "server_error"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limit"
	case statusCode == http.StatusNotFound:
		return "not_found"
	case statusCode == http.StatusUnauthorized:
		return "unauthorized"
	default:
		return "client_error"
	}
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("failed to write response: %w", err)
	}
	return n, nil
}

// AdminAuth admits requests bearing an HS256 JWT signed with the admin
// secret. The token must carry a subject and an expiry. With no secret it
// refuses everything.
type AdminAuth struct {
	secret []byte
	parser *jwt.Parser
}

// NewAdminAuth returns an AdminAuth for secret.
func NewAdminAuth(secret []byte) *AdminAuth {
	return &AdminAuth{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}
}

// Validate checks a raw token and returns its subject.
func (a *AdminAuth) Validate(raw string) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("%w: admin access not configured", ErrUnauthorized)
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !tok.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token subject is required", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Middleware guards next.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, raw, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("expected 'Authorization: Bearer <token>'"))
			return
		}
		subject, err := a.Validate(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		logger.Get().Debug(r.Context(), "admin request", logger.String("subject", subject), logger.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

// IssueAdminToken signs an admin token for subject valid for ttl.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return tok, nil
}

const visitorTTL = 3 * time.Minute

// SubmitLimiter applies a token bucket per client address.
type SubmitLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSubmitLimiter allows perSec requests per second with the given burst.
func NewSubmitLimiter(perSec float64, burst int) *SubmitLimiter {
	return &SubmitLimiter{
		limit:     rate.Limit(perSec),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		lastSweep: time.Now(),
	}
}

// Allow reports whether the client may make a request now.
func (l *SubmitLimiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > visitorTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[client] = v
	}
	v.lastSeen = now
	return v.limiter.Allow()
}

// Middleware rejects requests over the limit with 429.
func (l *SubmitLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
