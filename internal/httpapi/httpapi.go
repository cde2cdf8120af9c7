package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"kasirinaja/pos/internal/apperr"
	"kasirinaja/pos/internal/cache"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/obs"
	"kasirinaja/pos/internal/service"
	"kasirinaja/pos/internal/store"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigins []string
	Logger         zerolog.Logger
	Metrics        *obs.HTTPMetrics
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	// Idempotency enables Idempotency-Key handling on checkout routes.
	Idempotency    cache.IdempotencyStore
	IdempotencyTTL time.Duration
	// Ready reports dependency health for /healthz.
	Ready func(ctx context.Context) error
}

type API struct {
	service        *service.Service
	auth           *AuthManager
	validate       *validator.Validate
	logger         zerolog.Logger
	opts           Options
	loginLimiter   *attemptLimiter
	pinLimiter     *attemptLimiter
	idempotency    cache.IdempotencyStore
	idempotencyTTL time.Duration
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 10 * time.Minute
	}
	return &API{
		service:        svc,
		auth:           auth,
		validate:       newValidator(),
		logger:         opts.Logger,
		opts:           opts,
		loginLimiter:   newAttemptLimiter(5, time.Minute),
		pinLimiter:     newAttemptLimiter(8, time.Minute),
		idempotency:    opts.Idempotency,
		idempotencyTTL: opts.IdempotencyTTL,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Allow records an attempt for key and reports whether fewer than max
// attempts fall inside the sliding window.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(obs.RequestLogger{Logger: a.logger}.Middleware)
	r.Use(obs.HTTPObs{Metrics: a.opts.Metrics}.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Manager-PIN", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, apperr.New(apperr.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed", Code: "METHOD_NOT_ALLOWED"})
	})

	r.Get("/healthz", a.handleHealth)
	if a.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", a.opts.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleCashier, domain.RoleAdmin))

			r.Get("/stores/{storeID}/products", a.handleListProducts)
			r.Get("/stores/{storeID}/invoices", a.handleListInvoices)
			r.Get("/products/{productID}/stock", a.handleGetStock)

			r.Post("/carts", a.handleOpenCart)
			r.Get("/carts/{cartID}", a.handleGetCart)
			r.Delete("/carts/{cartID}", a.handleCancelCart)
			r.Post("/carts/{cartID}/items", a.handleAddCartItem)
			r.Patch("/carts/{cartID}/items/{productID}", a.handleUpdateCartItem)
			r.Delete("/carts/{cartID}/items/{productID}", a.handleRemoveCartItem)
			r.With(a.idempotent).Post("/carts/{cartID}/checkout", a.handleCheckoutCart)

			r.With(a.idempotent).Post("/invoices", a.handleCheckout)
			r.Get("/invoices/{invoiceID}", a.handleGetInvoice)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin))

			r.Patch("/products/{productID}", a.handleUpdateProduct)
			r.Post("/products/{productID}/stock-adjustments", a.handleAdjustStock)
			r.Get("/users/cashiers", a.handleListCashiers)
			r.Post("/users/cashiers", a.handleCreateCashier)
		})
	})
	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				a.writeError(w, r, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
				return
			}

			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				a.writeError(w, r, err)
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				a.writeError(w, r, apperr.New(apperr.CodeForbidden, "forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cache-Control", "no-store")

		switch r.Method {
		case http.MethodPost, http.MethodPatch, http.MethodPut:
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// decodeBody reads a JSON body into dest and runs struct validation on it.
func (a *API) decodeBody(r *http.Request, dest any) error {
	if err := decodeJSON(r, dest); err != nil {
		return err
	}
	if err := a.validate.Struct(dest); err != nil {
		var fields validator.ValidationErrors
		if !errors.As(err, &fields) {
			return apperr.Wrap(apperr.CodeInvalidInput, err, "invalid request")
		}
		details := make([]fieldError, 0, len(fields))
		for _, fe := range fields {
			details = append(details, fieldError{Field: fieldPath(fe.Namespace()), Rule: fe.Tag()})
		}
		return apperr.Newf(apperr.CodeInvalidInput, "invalid %s", details[0].Field).WithDetails(details)
	}
	return nil
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.New(apperr.CodeInvalidInput, "request body too large")
		}
		return apperr.Wrap(apperr.CodeInvalidInput, err, "invalid JSON body")
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

// writeError renders err as the JSON error envelope. Errors without a code
// are internal; 5xx responses carry only the public message and are logged.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	typed := apperr.As(err)
	if typed == nil {
		if errors.Is(err, store.ErrNotFound) {
			typed = apperr.Wrap(apperr.CodeNotFound, err, "resource not found")
		} else {
			typed = apperr.Wrap(apperr.CodeInternal, err, "internal server error")
		}
	}
	meta := apperr.MetadataFor(typed.Code())

	body := errorBody{
		Error:     typed.Message(),
		Code:      string(typed.Code()),
		Retryable: meta.Retryable,
		Details:   typed.Details(),
	}
	if meta.HTTPStatus >= http.StatusInternalServerError {
		a.logger.Error().Err(err).
			Str("code", body.Code).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request_failed")
		body.Error = meta.PublicMessage
		body.Details = nil
	}
	writeJSON(w, meta.HTTPStatus, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
