// Package queryservice serves the request ledger over HTTP.
//
// GET /requests returns every request as a JSON array, which is the format
// ledger.HTTPLedger reads. Query parameters narrow the list with the same
// semantics as ledger.Filter.
package queryservice

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/common-fate/clio"
	"github.com/common-fate/jit/pkg/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// IgnoredFiltersHeader lists the query parameters that were left out of a
// search because they could not be parsed.
const IgnoredFiltersHeader = "X-Ignored-Filters"

// RouterOptions controls the construction of the router.
type RouterOptions struct {
	Ledger      ledger.Ledger
	Middleware  []func(http.Handler) http.Handler
	ExtraRoutes func(chi.Router)
}

// NewRouter mounts the query endpoints on a chi router.
func NewRouter(opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	h := &handlers{ledger: opts.Ledger}
	r.Get("/healthz", healthHandler)
	r.Get("/requests", h.listRequests)
	r.Get("/requests/{id}", h.getRequest)
	r.Get("/users/{email}/requests", h.listUserRequests)

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// requestLogger logs each request at debug level through clio.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		clio.Debugw("handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

type handlers struct {
	ledger ledger.Ledger
}

func (h *handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := ledger.ParseFilter(ledger.RawFilter{
		Status:        q.Get("status"),
		ToolName:      q.Get("tool_name"),
		UserEmail:     q.Get("user_email"),
		Group:         q.Get("group"),
		CreatedAfter:  q.Get("created_after"),
		CreatedBefore: q.Get("created_before"),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(f.Ignored) > 0 {
		w.Header().Set(IgnoredFiltersHeader, strings.Join(f.Ignored, ","))
	}

	requests, err := h.ledger.Search(r.Context(), f)
	if err != nil {
		clio.Errorw("failed to search requests", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to search requests"))
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		clio.Errorw("failed to get request", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to get request"))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handlers) listUserRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.ledger.ListByUser(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		clio.Errorw("failed to list user requests", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to list requests"))
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		clio.Debugw("failed to write response", zap.Error(err))
	}
}
