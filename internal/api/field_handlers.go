package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/courier/internal/bridge"
	"github.com/hyperengineering/courier/internal/merge"
	"github.com/hyperengineering/courier/internal/store"
	"github.com/hyperengineering/courier/pkg/wire"
)

// fieldChangesResponse mirrors changesResponse at field granularity.
type fieldChangesResponse struct {
	Version int64                    `json:"version"`
	Changes []wire.FieldChangeRecord `json:"changes"`
}

// FieldChanges handles GET /field-sync/{entity}?since=V
func (h *Handler) FieldChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entity := chi.URLParam(r, "entity")

	q, err := parseCatchUpQuery(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	changes, err := h.store.GetFieldChangesSince(ctx, entity, q.Since, q.Limit)
	if err != nil {
		slog.Error("field catch-up query failed",
			"component", "api",
			"action", "field_changes_failed",
			"entity", entity,
			"since", q.Since,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	latest, err := h.store.LatestFieldSequence(ctx)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	resp := fieldChangesResponse{Version: latest, Changes: changes}
	if resp.Changes == nil {
		resp.Changes = []wire.FieldChangeRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// fieldPushRequest is the HTTP fallback for push_fields.
type fieldPushRequest struct {
	EntityID string            `json:"entity_id"`
	ClientID string            `json:"client_id"`
	Fields   []wire.FieldWrite `json:"fields"`
}

// fieldPushResponse mirrors the push_ack shape for field batches.
type fieldPushResponse struct {
	Applied   int             `json:"applied"`
	Conflicts []wire.Conflict `json:"conflicts"`
}

// FieldPush handles POST /field-sync/{entity}. Each field in the batch is
// resolved against FieldMetadata with the configured merge strategy, in
// the submitted order.
func (h *Handler) FieldPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	entity := chi.URLParam(r, "entity")

	var req fieldPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.EntityID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "entity_id is required")
		return
	}
	if len(req.Fields) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "fields array is required")
		return
	}
	for i, fw := range req.Fields {
		if fw.Field == "" {
			WriteProblem(w, r, http.StatusUnprocessableEntity,
				fmt.Sprintf("field %d: field name is required", i))
			return
		}
		if !wire.ValidFieldAction(fw.Action) {
			WriteProblem(w, r, http.StatusUnprocessableEntity,
				fmt.Sprintf("field %d: invalid action %q", i, fw.Action))
			return
		}
	}

	latest, err := h.store.GetLatestFieldValues(ctx, entity, req.EntityID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	applied := 0
	conflicts := make([]wire.Conflict, 0)
	var lastVersion int64

	for _, fw := range req.Fields {
		meta, err := h.store.GetFieldMetadata(ctx, entity, req.EntityID, fw.Field)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			MapStoreError(w, r, err)
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			meta = nil
		}

		conflict := wire.Conflict{
			Entity:          entity,
			EntityID:        req.EntityID,
			Field:           fw.Field,
			ClientValue:     fw.Value,
			ClientTimestamp: fw.Timestamp,
		}
		if meta != nil {
			conflict.ServerValue = latest[fw.Field]
			conflict.ServerTimestamp = meta.UpdatedAt
		}

		switch h.strategy.Resolve(fw, meta) {
		case merge.OutcomeApply:
			rec, err := h.store.RecordFieldChange(ctx, entity, req.EntityID, fw.Field, fw.Value, fw.Action, fw.Timestamp, req.ClientID)
			if err != nil {
				MapStoreError(w, r, err)
				return
			}
			applied++
			lastVersion = rec.Version
			latest[fw.Field] = fw.Value

		case merge.OutcomeReject:
			conflicts = append(conflicts, conflict)

		case merge.OutcomeConflict:
			if _, err := h.store.RecordDisputedFieldChange(ctx, entity, req.EntityID, fw.Field, fw.Value, fw.Action, fw.Timestamp, req.ClientID); err != nil {
				MapStoreError(w, r, err)
				return
			}
			conflicts = append(conflicts, conflict)
			h.bridge.BroadcastConflict(entity, conflict)
		}
	}

	if applied > 0 {
		h.bridge.Notifier().Publish(bridge.CommitSignal{
			Entity:  entity,
			Kind:    bridge.CommitField,
			Version: lastVersion,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fieldPushResponse{
		Applied:   applied,
		Conflicts: conflicts,
	})

	slog.Info("field push completed",
		"component", "api",
		"action", "field_push",
		"entity", entity,
		"entity_id", req.EntityID,
		"client_id", req.ClientID,
		"applied", applied,
		"conflicts", len(conflicts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// FieldLatest handles GET /field-sync/{entity}/{id}/latest
func (h *Handler) FieldLatest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entity := chi.URLParam(r, "entity")
	entityID := chi.URLParam(r, "id")

	values, err := h.store.GetLatestFieldValues(ctx, entity, entityID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	resp := struct {
		Entity   string                     `json:"entity"`
		EntityID string                     `json:"entity_id"`
		Fields   map[string]json.RawMessage `json:"fields"`
	}{
		Entity:   entity,
		EntityID: entityID,
		Fields:   values,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
