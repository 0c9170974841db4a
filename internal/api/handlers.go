package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/courier/internal/bridge"
	"github.com/hyperengineering/courier/internal/merge"
	"github.com/hyperengineering/courier/internal/store"
	"github.com/hyperengineering/courier/pkg/wire"
)

// Handler holds the dependencies for all HTTP and websocket endpoints.
type Handler struct {
	store    *store.Store
	bridge   *bridge.Bridge
	strategy merge.Strategy
	codec    *wire.Codec
	apiKey   string
	version  string
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler with its dependencies.
func NewHandler(s *store.Store, b *bridge.Bridge, strategy merge.Strategy, codec *wire.Codec, apiKey, version string) *Handler {
	return &Handler{
		store:    s,
		bridge:   b,
		strategy: strategy,
		codec:    codec,
		apiKey:   apiKey,
		version:  version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks belong to the deployment's proxy layer; the
			// API key gate covers the upgrade itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}{
		Status:  "ok",
		Version: h.version,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
