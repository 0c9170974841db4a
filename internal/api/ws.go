package api

import (
	"log/slog"
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/courier/internal/session"
)

// SyncWS handles GET /sync/ws: upgrades the connection and runs a
// SyncSession until the peer disconnects. The client identifies itself
// with ?client_id; a missing id gets a server-assigned one, which
// disables origin-exclusion for that connection's own pushes.
func (h *Handler) SyncWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = ulid.Make().String()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		slog.Warn("websocket upgrade failed",
			"component", "api",
			"client_id", clientID,
			"error", err,
		)
		return
	}

	sess := session.New(conn, clientID, h.store, h.store, h.bridge, h.strategy, h.codec)
	sess.Run(r.Context())
}
