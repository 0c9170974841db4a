package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/courier/internal/bridge"
	"github.com/hyperengineering/courier/pkg/wire"
)

const (
	// DefaultCatchUpLimit is the page size for catch-up reads.
	DefaultCatchUpLimit = 500

	// MaxCatchUpLimit caps the page size a client may request.
	MaxCatchUpLimit = 5000

	// MaxPushChanges is the maximum changes per POST request.
	MaxPushChanges = 1000
)

// catchUpQuery holds the parsed query parameters for catch-up reads.
type catchUpQuery struct {
	Since int64
	Limit int
}

// parseCatchUpQuery extracts and validates ?since and ?limit.
func parseCatchUpQuery(r *http.Request) (catchUpQuery, error) {
	q := catchUpQuery{Limit: DefaultCatchUpLimit}

	sinceStr := r.URL.Query().Get("since")
	if sinceStr != "" {
		since, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid since parameter: must be an integer")
		}
		if since < 0 {
			return q, fmt.Errorf("invalid since parameter: must be >= 0")
		}
		q.Since = since
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return q, fmt.Errorf("invalid limit parameter: must be an integer")
		}
		if limit < 1 {
			return q, fmt.Errorf("invalid limit parameter: must be >= 1")
		}
		if limit > MaxCatchUpLimit {
			limit = MaxCatchUpLimit
		}
		q.Limit = limit
	}

	return q, nil
}

// changesResponse is the catch-up payload: the latest assigned version for
// the entity plus the ordered changes after ?since.
type changesResponse struct {
	Version int64               `json:"version"`
	Changes []wire.ChangeRecord `json:"changes"`
}

// SyncChanges handles GET /sync/{entity}?since=V
func (h *Handler) SyncChanges(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	entity := chi.URLParam(r, "entity")

	q, err := parseCatchUpQuery(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	changes, err := h.store.GetChangesSince(ctx, entity, q.Since, q.Limit)
	if err != nil {
		slog.Error("catch-up query failed",
			"component", "api",
			"action", "sync_changes_failed",
			"entity", entity,
			"since", q.Since,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	latest, err := h.store.LatestVersion(ctx, entity)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	resp := changesResponse{Version: latest, Changes: changes}
	if resp.Changes == nil {
		resp.Changes = []wire.ChangeRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)

	slog.Info("catch-up served",
		"component", "api",
		"action", "sync_changes",
		"entity", entity,
		"since", q.Since,
		"changes_returned", len(changes),
		"latest_version", latest,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// pushRequest is the HTTP fallback write payload.
type pushRequest struct {
	ClientID string `json:"client_id"`
	Changes  []struct {
		ID     string          `json:"id"`
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data,omitempty"`
	} `json:"changes"`
}

// pushResponse reports the versions assigned to each accepted change, in
// submission order.
type pushResponse struct {
	Accepted int     `json:"accepted"`
	Versions []int64 `json:"versions"`
}

// SyncPush handles POST /sync/{entity}
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	entity := chi.URLParam(r, "entity")

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if len(req.Changes) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "changes array is required")
		return
	}
	if len(req.Changes) > MaxPushChanges {
		WriteProblem(w, r, http.StatusBadRequest,
			fmt.Sprintf("changes exceeds maximum of %d", MaxPushChanges))
		return
	}
	for i, c := range req.Changes {
		if c.ID == "" {
			WriteProblem(w, r, http.StatusUnprocessableEntity,
				fmt.Sprintf("change %d: id is required", i))
			return
		}
		if !wire.ValidAction(c.Action) {
			WriteProblem(w, r, http.StatusUnprocessableEntity,
				fmt.Sprintf("change %d: invalid action %q", i, c.Action))
			return
		}
	}

	versions := make([]int64, 0, len(req.Changes))
	var lastVersion int64
	for _, c := range req.Changes {
		rec, err := h.store.RecordChange(ctx, entity, c.ID, c.Action, c.Data, req.ClientID)
		if err != nil {
			slog.Error("push failed",
				"component", "api",
				"action", "sync_push_failed",
				"entity", entity,
				"entity_id", c.ID,
				"error", err,
			)
			MapStoreError(w, r, err)
			return
		}
		versions = append(versions, rec.Version)
		lastVersion = rec.Version
	}

	h.bridge.Notifier().Publish(bridge.CommitSignal{
		Entity:  entity,
		Kind:    bridge.CommitEntity,
		Version: lastVersion,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pushResponse{
		Accepted: len(versions),
		Versions: versions,
	})

	slog.Info("push completed",
		"component", "api",
		"action", "sync_push",
		"entity", entity,
		"client_id", req.ClientID,
		"changes", len(versions),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
