// Package handlers implements the HTTP and WebSocket handlers for the relay
// gateway. HTTP completions talk to the provider proxy directly; WebSocket
// chat frames go through the session orchestrator and come back via the
// fanout bus.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/relaygate/relaygate/internal/admission"
	"github.com/relaygate/relaygate/internal/api/middleware"
	"github.com/relaygate/relaygate/internal/orchestrator"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/pkg/contracts"
	"github.com/relaygate/relaygate/pkg/models"
)

// Provider is the slice of the provider proxy the HTTP handlers need.
type Provider interface {
	Complete(ctx context.Context, req *models.ProviderRequest) (*models.ProviderResponse, error)
	Stream(ctx context.Context, req *models.ProviderRequest) (<-chan models.Chunk, error)
}

// Dispatcher accepts inbound chat messages for asynchronous processing.
type Dispatcher interface {
	HandleIncoming(ctx context.Context, in orchestrator.Inbound)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Provider  Provider
	Orch      Dispatcher
	Registry  *registry.Registry
	Admission *admission.Controller
	Messages  contracts.MessageStore

	upgrader websocket.Upgrader
}

// New creates a Handlers instance with all dependencies.
func New(p Provider, orch Dispatcher, reg *registry.Registry, adm *admission.Controller, msgs contracts.MessageStore) *Handlers {
	return &Handlers{
		Provider:  p,
		Orch:      orch,
		Registry:  reg,
		Admission: adm,
		Messages:  msgs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// completionRequest is the HTTP entry for API-key clients.
type completionRequest struct {
	Model        string               `json:"model"`
	Messages     []models.ChatMessage `json:"messages"`
	Stream       bool                 `json:"stream,omitempty"`
	PrevQuestion string               `json:"previous_question,omitempty"`
	PrevAnswer   string               `json:"previous_answer,omitempty"`
}

// ── Completion Handlers ──────────────────────────────────────

func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	if req.Model == "" {
		req.Model = "default"
	}

	preq := &models.ProviderRequest{
		Model:        req.Model,
		Messages:     req.Messages,
		Stream:       req.Stream,
		APIKey:       bearerToken(r),
		PrevQuestion: req.PrevQuestion,
		PrevAnswer:   req.PrevAnswer,
		Country:      middleware.GetCountry(r.Context()),
	}

	if req.Stream {
		h.streamCompletion(w, r, preq)
		return
	}

	resp, err := h.Provider.Complete(r.Context(), preq)
	if err != nil {
		respondGatewayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// streamCompletion relays provider chunks as server-sent events. Heartbeats
// and the terminal done/error chunk come pre-shaped from the proxy; this
// handler only frames them.
func (h *Handlers) streamCompletion(w http.ResponseWriter, r *http.Request, req *models.ProviderRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	chunks, err := h.Provider.Stream(r.Context(), req)
	if err != nil {
		respondGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for chunk := range chunks {
		w.Write([]byte("data: "))
		if err := enc.Encode(chunk); err != nil {
			log.Warn().Err(err).Msg("stream write failed")
			return
		}
		w.Write([]byte("\n"))
		flusher.Flush()
	}
}

// ── History Handlers ─────────────────────────────────────────

func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.Messages.ListMessages(r.Context(), conversationID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []contracts.StoredMessage{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        msgs,
	})
}

// ── Response helpers ─────────────────────────────────────────

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondGatewayError maps the error taxonomy onto HTTP statuses.
func respondGatewayError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	body := map[string]any{"error": string(models.KindOf(err))}

	if ge := models.AsGatewayError(err); ge != nil {
		body["message"] = ge.Message
		switch ge.Kind {
		case models.KindUnsupportedModel:
			status = http.StatusBadRequest
		case models.KindAdmissionDenied, models.KindRateLimited, models.KindQuotaExceeded:
			status = http.StatusTooManyRequests
		case models.KindBanned:
			status = http.StatusForbidden
		}
		if ge.RetryAfter > 0 {
			secs := int64(ge.RetryAfter.Seconds() + 0.5)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			body["retry_after_sec"] = secs
		}
	}
	respondJSON(w, status, body)
}
