package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mediaqueue/orchestrator/internal/audit"
	"github.com/mediaqueue/orchestrator/internal/model"
	"go.uber.org/zap"
)

type contextKey int

const requestIDKey contextKey = iota

// requestIDMiddleware stamps every request with an id, mirroring the
// request-id-stamping middleware pattern.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := fmt.Sprintf("%d-%d", time.Now().UnixNano(), len(r.URL.Path))
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoveryMiddleware turns a panicking handler into a 500 instead of
// taking down the process.
func recoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware is a static
// allow-list of origins plus the standard preflight short-circuit.
func corsMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowOrigins) == 1 && allowOrigins[0] == "*"
	allowed := map[string]bool{}
	for _, o := range allowOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-Id, X-User-Role")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateBucket is a per-caller token bucket, identical in shape to the
// token-bucket rate limiter.
type rateBucket struct {
	mu        sync.Mutex
	tokens    float64
	lastFill  time.Time
	maxTokens float64
	fillRate  float64 // tokens per second
}

func (b *rateBucket) consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = minF(b.maxTokens, b.tokens+elapsed*b.fillRate)
	b.lastFill = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// rateLimitMiddleware buckets by caller identity (falling back to
// remote address pre-auth). It is applied to every route on the
// authenticated subrouter, POST /queue and POST /catalog/bulk included,
// guarding against runaway insert storms (spec.md §5 backpressure).
func rateLimitMiddleware(perMinute, burst int) func(http.Handler) http.Handler {
	var buckets sync.Map // key -> *rateBucket
	fillRate := float64(perMinute) / 60.0
	maxTokens := float64(burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			key := clientKey(r)
			raw, _ := buckets.LoadOrStore(key, &rateBucket{tokens: maxTokens, lastFill: time.Now(), maxTokens: maxTokens, fillRate: fillRate})
			bucket := raw.(*rateBucket)
			if !bucket.consume() {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if id, ok := identityFrom(r.Context()); ok {
		return fmt.Sprintf("user:%d", id.UserID)
	}
	return "ip:" + r.RemoteAddr
}

// authMiddleware resolves the caller via auth and rejects unauthenticated
// requests with 401, storing the resolved Identity on the context for
// downstream handlers (spec.md §3 RBAC).
func authMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.Authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid session")
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

// auditMiddleware records every mutating call to the dual audit sinks
// (SQL audit_log + rotating file), following the same
// AuditMiddleware but writing to both of this module's sinks instead
// of one in-memory ring buffer.
func auditMiddleware(writer *audit.Writer, insert func(ctx context.Context, rec model.AuditRecord) error, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			if !isMutating(r.Method) {
				return
			}
			id, _ := identityFrom(r.Context())
			rec := model.AuditRecord{
				Actor:       fmt.Sprintf("user:%d", id.UserID),
				Action:      r.Method + " " + r.URL.Path,
				SubjectType: "http_request",
				SubjectID:   r.URL.Path,
				Payload:     map[string]any{"status": rw.status},
				At:          time.Now().UTC(),
			}
			if err := insert(r.Context(), rec); err != nil {
				log.Warn("audit sql insert failed", zap.Error(err))
			}
			if err := writer.Write(rec); err != nil {
				log.Warn("audit file write failed", zap.Error(err))
			}
		})
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// requireOwnerOrAdmin is a handler-level check (not middleware, since
// it needs the loaded job row). It has no caller: loadOwnedJob checks
// job.Owns inline and writes the 403 itself.
func requireOwnerOrAdmin(owns bool) error {
	if !owns {
		return errForbidden
	}
	return nil
}

func requireAdmin(id Identity) error {
	if !id.IsAdmin {
		return errForbidden
	}
	return nil
}
