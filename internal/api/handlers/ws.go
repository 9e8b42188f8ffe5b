package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relaygate/relaygate/internal/api/middleware"
	"github.com/relaygate/relaygate/internal/orchestrator"
	"github.com/relaygate/relaygate/pkg/models"
)

// maxInboundBytes caps a single WebSocket frame. Oversized frames trip the
// read limit and close the connection.
const maxInboundBytes = 64 << 10

// ServeWS upgrades the connection and joins it to the connection registry.
// The read loop feeds valid frames to the orchestrator; results come back
// asynchronously through the fanout bus, keyed by user ID, so every open tab
// of the same user sees them.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	clientKey := middleware.GetClientKey(r.Context())
	country := middleware.GetCountry(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debug().Err(err).Str("user", userID).Msg("websocket upgrade failed")
		return
	}

	client := h.Registry.Register(conn, userID, country)
	log.Info().
		Str("conn", client.ID).
		Str("user", userID).
		Str("remote", clientKey).
		Msg("websocket connected")

	client.ReadLoop(maxInboundBytes, func(payload []byte) {
		var in orchestrator.Inbound
		if err := json.Unmarshal(payload, &in); err != nil || in.Text == "" {
			h.rejectFrame(client.ID, userID, clientKey)
			return
		}
		if in.UserID == "" {
			in.UserID = userID
		}
		if in.ConversationID == "" {
			in.ConversationID = userID
		}
		in.ClientKey = clientKey
		in.Country = country

		go h.Orch.HandleIncoming(context.Background(), in)
	})

	log.Info().Str("conn", client.ID).Str("user", userID).Msg("websocket disconnected")
}

// rejectFrame counts a malformed frame as abuse and tells the sender. Enough
// of these escalates the client key into a ban.
func (h *Handlers) rejectFrame(connID, userID, clientKey string) {
	banFor := h.Admission.RecordViolation(clientKey)
	log.Warn().
		Str("user", userID).
		Str("remote", clientKey).
		Dur("ban", banFor).
		Msg("malformed frame")

	h.Registry.Send(connID, models.ChatEvent{
		ID:            uuid.New().String(),
		Type:          models.EventError,
		UserID:        userID,
		ErrorCode:     string(models.KindBanned),
		Payload:       "malformed frame",
		RetryAfterSec: int64(banFor.Seconds() + 0.5),
		Timestamp:     time.Now().UTC(),
	})
}
