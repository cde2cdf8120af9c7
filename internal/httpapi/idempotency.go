package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"kasirinaja/pos/internal/apperr"
	"kasirinaja/pos/internal/obs"
	"kasirinaja/pos/internal/service"
)

const (
	idempotencyHeader    = "Idempotency-Key"
	maxIdempotencyKeyLen = 128
)

// idempotent claims the request's Idempotency-Key before the handler runs so
// a resubmitted checkout cannot issue a second invoice. A failed response
// releases the key and the client may retry with it. Requests without the
// header pass through.
func (a *API) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" || a.idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			a.writeError(w, r, apperr.Newf(apperr.CodeInvalidInput, "%s must be at most %d characters", idempotencyHeader, maxIdempotencyKeyLen))
			return
		}

		scoped := idempotencyScope(r, key)
		claimed, err := a.idempotency.Reserve(r.Context(), scoped, time.Now().UTC().Format(time.RFC3339), a.idempotencyTTL)
		if err != nil {
			// Checkout stays available when the idempotency store is down.
			a.logger.Warn().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("idempotency_reserve_failed")
			next.ServeHTTP(w, r)
			return
		}
		if !claimed {
			a.writeError(w, r, apperr.New(apperr.CodeIdempotentReplay, "request with this Idempotency-Key was already submitted"))
			return
		}

		rec := obs.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)
		if rec.Status() >= http.StatusBadRequest {
			if err := a.idempotency.Release(context.WithoutCancel(r.Context()), scoped); err != nil {
				a.logger.Warn().Err(err).Msg("idempotency_release_failed")
			}
		}
	})
}

// idempotencyScope binds a client key to the caller and route so two
// cashiers reusing the same key do not collide.
func idempotencyScope(r *http.Request, key string) string {
	actor, _ := service.ActorFromContext(r.Context())
	sum := sha256.Sum256([]byte(strings.Join([]string{actor.Username, r.Method, r.URL.Path, key}, "\x00")))
	return hex.EncodeToString(sum[:])
}
