package history

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/socketcore/internal/types"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Store is the journal query used by the handler.
type Store interface {
	BySession(ctx context.Context, session types.SessionID, limit int) ([]types.MessageRecord, error)
}

// Response is the JSON body returned for a session.
type Response struct {
	Session  types.SessionID       `json:"session_id"`
	Messages []types.MessageRecord `json:"messages"`
}

// HTTPHandler exposes journaled messages via a RESTful endpoint.
type HTTPHandler struct {
	store  Store
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /sessions/{id}/messages.
func NewHTTPHandler(store Store, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{store: store, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "sessions" || parts[2] != "messages" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	session := types.SessionID(parts[1])

	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLimit)
	}

	records, err := h.store.BySession(r.Context(), session, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("session", string(session)).Msg("history lookup failed")
		http.Error(w, "history lookup failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []types.MessageRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Response{Session: session, Messages: records}); err != nil {
		h.logger.Debug().Err(err).Msg("encode history response failed")
	}
}

// AliveHandler answers plain requests the way the raw socket engine does.
func AliveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Server is alive"))
	})
}
