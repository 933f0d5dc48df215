package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"billbook/internal/domain"
	"billbook/internal/expr"
	"billbook/internal/metrics"
	"billbook/internal/service"
	"billbook/internal/store"
)

const (
	defaultBillsLimit = 20
	maxBillsLimit     = 200
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	metrics       *metrics.Metrics
	allowedOrigin string
	billLimiter   *attemptLimiter
}

type Option func(*API)

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithBillRateLimit caps bill submissions per user per minute.
func WithBillRateLimit(perMinute int) Option {
	return func(a *API) {
		if perMinute > 0 {
			a.billLimiter = newAttemptLimiter(perMinute, time.Minute)
		}
	}
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, opts ...Option) *API {
	a := &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		billLimiter:   newAttemptLimiter(60, time.Minute),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
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

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
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
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", a.metrics.Handler())

	mux.HandleFunc("GET /api/v1/auth/csrf-token", a.requireAuth(a.handleCSRFToken))
	mux.HandleFunc("GET /api/v1/me", a.requireAuth(a.handleMe))
	mux.HandleFunc("POST /api/v1/users/sync", a.requireAuth(a.handleSyncUser))

	mux.HandleFunc("GET /api/v1/shops", a.requireAuth(a.handleListShops))
	mux.HandleFunc("POST /api/v1/shops", a.requireAuth(a.handleCreateShop))
	mux.HandleFunc("GET /api/v1/shops/{shopID}", a.requireAuth(a.handleShopView))

	mux.HandleFunc("POST /api/v1/shops/{shopID}/bills", a.requireAuth(a.handleCreateBill))
	mux.HandleFunc("GET /api/v1/shops/{shopID}/bills", a.requireAuth(a.handleListBills))
	mux.HandleFunc("POST /api/v1/bills/preview", a.requireAuth(a.handlePreview))

	mux.HandleFunc("GET /api/v1/shops/{shopID}/staff", a.requireAuth(a.handleListStaff))
	mux.HandleFunc("POST /api/v1/shops/{shopID}/staff", a.requireAuth(a.handleAddStaff))
	mux.HandleFunc("DELETE /api/v1/shops/{shopID}/staff/{userID}", a.requireAuth(a.handleRemoveStaff))

	mux.HandleFunc("GET /api/v1/shops/{shopID}/overview", a.requireAuth(a.handleOverview))
	mux.HandleFunc("GET /api/v1/shops/{shopID}/totals/date", a.requireAuth(a.handleDateTotal))
	mux.HandleFunc("GET /api/v1/shops/{shopID}/totals/range", a.requireAuth(a.handleRangeTotal))
	mux.HandleFunc("GET /api/v1/shops/{shopID}/dashboard", a.requireAuth(a.handleDashboard))

	return a.withMiddleware(mux)
}

// requireAuth verifies the bearer token, then enforces CSRF on mutating
// methods. The CSRF token is bound to the verified user.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		identity, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if !a.checkCSRF(w, r, identity.UserID) {
			return
		}

		next(w, r.WithContext(service.WithIdentity(r.Context(), identity)))
	}
}

// checkCSRF enforces the X-CSRF-Token header for state-changing methods.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request, userID string) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.auth.ValidateCSRFToken(userID, token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	identity, _ := service.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.auth.GenerateCSRFToken(identity.UserID),
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, _ := service.IdentityFromContext(r.Context())
	payload := map[string]any{"identity": identity, "synced": false}

	user, err := a.service.CurrentUser(r.Context())
	switch {
	case err == nil:
		payload["user"] = user
		payload["synced"] = true
	case !errors.Is(err, service.ErrNotFound):
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) handleSyncUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.service.SyncUser(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleListShops(w http.ResponseWriter, r *http.Request) {
	shops, err := a.service.ListShops(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shops)
}

func (a *API) handleCreateShop(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateShopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shop, err := a.service.CreateShop(r.Context(), req.Name)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, shop)
}

func (a *API) handleShopView(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ShopView(r.Context(), r.PathValue("shopID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	identity, _ := service.IdentityFromContext(r.Context())
	if !a.billLimiter.Allow(identity.UserID) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many bills submitted, slow down"))
		return
	}

	var req domain.CreateBillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CreateBill(r.Context(), r.PathValue("shopID"), req.Expression)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleListBills(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), defaultBillsLimit, maxBillsLimit)
	bills, err := a.service.ListRecentBills(r.Context(), r.PathValue("shopID"), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bills": bills})
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req domain.PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, a.service.PreviewBill(req.Expression))
}

func (a *API) handleListStaff(w http.ResponseWriter, r *http.Request) {
	staff, err := a.service.ListStaff(r.Context(), r.PathValue("shopID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"staff": staff})
}

func (a *API) handleAddStaff(w http.ResponseWriter, r *http.Request) {
	var req domain.AddStaffRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	member, err := a.service.AddStaff(r.Context(), r.PathValue("shopID"), req.Email)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (a *API) handleRemoveStaff(w http.ResponseWriter, r *http.Request) {
	removed, err := a.service.RemoveStaff(r.Context(), r.PathValue("shopID"), r.PathValue("userID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.RemoveStaffResponse{Removed: removed})
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := a.service.Overview(r.Context(), r.PathValue("shopID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (a *API) handleDateTotal(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	asCSV := strings.EqualFold(query.Get("format"), "csv")
	showEntries := asCSV || parseFlag(query.Get("show_entries"))

	total, err := a.service.DateTotal(r.Context(), r.PathValue("shopID"), query.Get("date"), showEntries)
	if err != nil {
		a.fail(w, err)
		return
	}
	if asCSV {
		writeDateTotalCSV(w, total)
		return
	}
	writeJSON(w, http.StatusOK, total)
}

func (a *API) handleRangeTotal(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	total, err := a.service.RangeTotal(r.Context(), r.PathValue("shopID"), query.Get("from"), query.Get("to"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, total)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	dashboard, err := a.service.Dashboard(r.Context(), r.PathValue("shopID"), domain.DashboardQuery{
		Date:        query.Get("date"),
		ShowEntries: parseFlag(query.Get("show_entries")),
		From:        query.Get("from"),
		To:          query.Get("to"),
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

// statusRecorder remembers the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

const maxBodyBytes = 1 << 20

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		// Handlers decode whatever body arrives, so the cap cannot depend on
		// the declared Content-Type.
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		a.metrics.ObserveHTTP(r.Method, route, status, elapsed)
		slog.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"client", clientKey(r),
		)
	})
}

// statusFor maps service and store errors onto HTTP status codes.
func statusFor(err error) int {
	var parseErr *expr.ParseError
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.As(err, &parseErr), errors.Is(err, service.ErrSelfReference):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeDateTotalCSV(w http.ResponseWriter, total domain.DateTotal) {
	name := "totals.csv"
	if total.Selected {
		name = "totals-" + total.Date + ".csv"
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)

	out := csv.NewWriter(w)
	_ = out.Write([]string{"date", "entry", "amount"})
	for i, amount := range total.Entries {
		_ = out.Write([]string{total.Date, strconv.Itoa(i + 1), amount.String()})
	}
	_ = out.Write([]string{total.Date, "total", total.Total.String()})
	out.Flush()
	if err := out.Error(); err != nil {
		slog.Error("write csv", "error", err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parseFlag(raw string) bool {
	on, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && on
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

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log.
	msg := err.Error()
	if status >= 500 {
		slog.Error("internal error", "status", status, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
