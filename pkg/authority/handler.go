// Package authority implements the remote side of a flag lookup: an HTTP
// handler that answers whether a name or identifier is flagged in a registry.
//
// Routes, relative to the /api root:
//
//	POST /v1/ismcleaks       body {"name": "..."} or {"uuid": "..."}, optional "apiKey"
//	GET  /v2/{space}/{key}   credential in the API-Key header
//
// A success is 200 {"isMcleaks": bool}; a failure is a 4xx/5xx status with
// {"error": "..."}.
package authority

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-flagcheck/pkg/lookup"
	"github.com/illmade-knight/go-flagcheck/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const maxRequestBody = 1 << 16

var validName = regexp.MustCompile(`^[A-Za-z0-9_]{1,16}$`)

// Options configures a Handler.
type Options struct {
	// APIKey, when set, must accompany every request.
	APIKey string
	// Registerer receives the request counter. Nil leaves it unregistered.
	Registerer prometheus.Registerer
}

// Handler serves lookups from a registry.
type Handler struct {
	reg     registry.Registry
	apiKey  string
	metrics *metrics
	logger  zerolog.Logger
	mux     *http.ServeMux
}

// NewHandler creates a handler answering from reg.
func NewHandler(reg registry.Registry, logger zerolog.Logger, opts Options) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("registry cannot be nil")
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register authority metrics: %w", err)
	}
	h := &Handler{
		reg:     reg,
		apiKey:  opts.APIKey,
		metrics: m,
		logger:  logger.With().Str("component", "AuthorityHandler").Logger(),
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /api/v1/ismcleaks", h.handleV1)
	h.mux.HandleFunc("GET /api/v2/{space}/{key}", h.handleV2)
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Mount registers the handler's routes on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.Handle("/api/", h)
}

func (h *Handler) handleV1(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.fail(w, "", "bad_request", http.StatusBadRequest, "could not read request body")
		return
	}
	var req map[string]string
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, "", "bad_request", http.StatusBadRequest, "request body must be a JSON object of strings")
		return
	}
	if !h.authorized(req["apiKey"]) {
		h.fail(w, "", "unauthorized", http.StatusUnauthorized, "invalid api key")
		return
	}

	name, hasName := req[lookup.Names.Name()]
	id, hasID := req[lookup.Identifiers.Name()]
	switch {
	case hasName && hasID:
		h.fail(w, "", "bad_request", http.StatusBadRequest, "send either name or uuid, not both")
	case hasName:
		h.answer(w, r, lookup.Names.Name(), name)
	case hasID:
		h.answer(w, r, lookup.Identifiers.Name(), id)
	default:
		h.fail(w, "", "bad_request", http.StatusBadRequest, "missing name or uuid")
	}
}

func (h *Handler) handleV2(w http.ResponseWriter, r *http.Request) {
	space := r.PathValue("space")
	if space != lookup.Names.Name() && space != lookup.Identifiers.Name() {
		h.fail(w, "", "unknown_space", http.StatusNotFound, "unknown key space "+space)
		return
	}
	if !h.authorized(r.Header.Get(lookup.APIKeyHeader)) {
		h.fail(w, space, "unauthorized", http.StatusUnauthorized, "invalid api key")
		return
	}
	h.answer(w, r, space, r.PathValue("key"))
}

// answer validates key, normalises identifiers, and writes the verdict.
func (h *Handler) answer(w http.ResponseWriter, r *http.Request, space, key string) {
	switch space {
	case lookup.Names.Name():
		if !validName.MatchString(key) {
			h.fail(w, space, "invalid_key", http.StatusBadRequest, "invalid name")
			return
		}
	case lookup.Identifiers.Name():
		id, err := uuid.Parse(key)
		if err != nil {
			h.fail(w, space, "invalid_key", http.StatusBadRequest, "invalid uuid")
			return
		}
		key = lookup.Identifiers.Encode(id)
	}

	flagged, err := h.reg.IsFlagged(r.Context(), space, key)
	if err != nil {
		h.logger.Error().Err(err).Str("keyspace", space).Str("key", key).Msg("Registry lookup failed.")
		h.fail(w, space, "registry_error", http.StatusInternalServerError, "lookup failed")
		return
	}
	h.metrics.requests.WithLabelValues(space, "ok").Inc()
	h.logger.Debug().Str("keyspace", space).Str("key", key).Bool("flagged", flagged).Msg("Lookup answered.")
	writeJSON(w, http.StatusOK, lookup.VerdictResponse{IsMcleaks: &flagged})
}

// authorized compares keys in constant time.
func (h *Handler) authorized(key string) bool {
	if h.apiKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) == 1
}

func (h *Handler) fail(w http.ResponseWriter, space, outcome string, status int, msg string) {
	h.metrics.requests.WithLabelValues(space, outcome).Inc()
	writeJSON(w, status, lookup.ErrorResponse{Error: &msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
