// Package admin serves the HTTP API used to manage masked addresses.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/infodancer/carrier/internal/store"
)

// Handler exposes create, get and delete for masked addresses.
type Handler struct {
	store  store.Store
	auth   *Authenticator
	logger *slog.Logger
}

// NewHandler creates a Handler. auth guards every route except /healthz.
func NewHandler(s store.Store, auth *Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, auth: auth, logger: logger}
}

// Router builds the chi router for the API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Post("/create", h.create)
		r.Get("/get", h.get)
		r.Delete("/delete", h.delete)
	})

	return r
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	address, ok := requireParam(w, r, "address")
	if !ok {
		return
	}
	destination, ok := requireParam(w, r, "destination")
	if !ok {
		return
	}

	m, err := store.New(address, destination)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.Put(r.Context(), m); err != nil {
		h.fail(w, r, "create", err)
		return
	}

	h.logger.Info("masked address created",
		slog.String("address", m.Address),
		slog.String("destination", m.Destination))
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	address, ok := requireAddress(w, r)
	if !ok {
		return
	}

	m, err := h.store.FindByAddress(r.Context(), address)
	if err != nil {
		h.fail(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	address, ok := requireAddress(w, r)
	if !ok {
		return
	}

	m, err := h.store.Delete(r.Context(), address)
	if err != nil {
		h.fail(w, r, "delete", err)
		return
	}

	h.logger.Info("masked address deleted",
		slog.String("address", m.Address),
		slog.Int("reply_tokens", len(m.ReplyTokens)))
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("store ping failed", slog.String("error", err.Error()))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// fail maps a store error to a response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	h.logger.Error("store operation failed",
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("error", err.Error()))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("admin request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func requireParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		http.Error(w, "missing parameter: "+name, http.StatusBadRequest)
		return "", false
	}
	return v, true
}

func requireAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	address, ok := requireParam(w, r, "address")
	if !ok {
		return "", false
	}
	if !store.ValidAddress(address) {
		http.Error(w, "invalid address: "+address, http.StatusBadRequest)
		return "", false
	}
	return address, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
