package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"identity/internal/domain/models"

	"github.com/google/uuid"
)

const CorrelationHeader = "X-Correlation-Id"

type ctxKey int

const (
	claimsKey ctxKey = iota
	correlationKey
)

// Verifier checks an access token. *jwt.Issuer satisfies it.
type Verifier interface {
	Verify(token string) (*models.Claims, error)
}

type Observer interface {
	ObserveHTTP(method, route, status string, seconds float64)
}

// ClaimsFromContext returns the claims stored by Authenticate.
func ClaimsFromContext(ctx context.Context) (*models.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*models.Claims)
	return c, ok
}

func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// CorrelationID propagates the caller's correlation id or assigns a new one.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}

		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// AccessLog logs one line per request and feeds the latency histogram.
func AccessLog(log *slog.Logger, obs Observer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}

			log.Info("request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
				slog.String("correlation_id", CorrelationIDFromContext(r.Context())),
			)

			if obs != nil {
				obs.ObserveHTTP(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
			}
		})
	}
}

// Authenticate rejects requests without a valid bearer access token.
func Authenticate(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				Unauthorized(w)
				return
			}

			claims, err := v.Verify(token)
			if err != nil {
				Unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// RequireRole lets the request through only for the listed roles. Must run after Authenticate.
func RequireRole(allowed ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				Unauthorized(w)
				return
			}
			if !RoleAllowed(claims.Role, allowed) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RoleAllowed fails closed for roles outside the known set.
func RoleAllowed(role models.Role, allowed []models.Role) bool {
	switch role {
	case models.RoleCandidate, models.RoleHR:
		for _, a := range allowed {
			if a == role {
				return true
			}
		}
		return false
	case models.RoleUnknown:
		return false
	default:
		return false
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Unauthorized writes the single generic 401 body used for every authentication failure.
func Unauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
