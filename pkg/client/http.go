package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hyperengineering/courier/pkg/wire"
)

// httpTransport is the polling and fallback path: the same catch-up and
// push operations the live socket provides, over plain HTTP.
type httpTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newHTTPTransport(baseURL, apiKey string, timeout time.Duration) *httpTransport {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &httpTransport{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// changesPage is the catch-up response shape.
type changesPage struct {
	Version int64               `json:"version"`
	Changes []wire.ChangeRecord `json:"changes"`
}

// Changes fetches entity changes after since.
func (t *httpTransport) Changes(ctx context.Context, entity string, since int64, limit int) (*changesPage, error) {
	path := fmt.Sprintf("/sync/%s?since=%d&limit=%d", entity, since, limit)
	var page changesPage
	if err := t.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// fieldChangesPage is the field catch-up response shape.
type fieldChangesPage struct {
	Version int64                    `json:"version"`
	Changes []wire.FieldChangeRecord `json:"changes"`
}

// FieldChanges fetches field changes after since.
func (t *httpTransport) FieldChanges(ctx context.Context, entity string, since int64, limit int) (*fieldChangesPage, error) {
	path := fmt.Sprintf("/field-sync/%s?since=%d&limit=%d", entity, since, limit)
	var page fieldChangesPage
	if err := t.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// pushResult is the push response shape.
type pushResult struct {
	Accepted int     `json:"accepted"`
	Versions []int64 `json:"versions"`
}

// Push submits one whole-entity mutation and returns its assigned version.
func (t *httpTransport) Push(ctx context.Context, clientID string, m Mutation) (int64, error) {
	body := map[string]any{
		"client_id": clientID,
		"changes": []map[string]any{{
			"id":     m.EntityID,
			"action": m.Action,
			"data":   m.Data,
		}},
	}
	var result pushResult
	if err := t.doJSON(ctx, http.MethodPost, "/sync/"+m.Entity, body, &result); err != nil {
		return 0, err
	}
	if len(result.Versions) != 1 {
		return 0, fmt.Errorf("%w: push returned %d versions", ErrProtocol, len(result.Versions))
	}
	return result.Versions[0], nil
}

// fieldPushResult is the field push response shape.
type fieldPushResult struct {
	Applied   int             `json:"applied"`
	Conflicts []wire.Conflict `json:"conflicts"`
}

// PushField submits one field mutation.
func (t *httpTransport) PushField(ctx context.Context, clientID string, m Mutation) (*fieldPushResult, error) {
	body := map[string]any{
		"entity_id": m.EntityID,
		"client_id": clientID,
		"fields": []map[string]any{{
			"field":     m.Field,
			"value":     m.Data,
			"action":    m.Action,
			"timestamp": m.Ts,
		}},
	}
	var result fieldPushResult
	if err := t.doJSON(ctx, http.MethodPost, "/field-sync/"+m.Entity, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *httpTransport) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return ErrVersionGap
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrProtocol, resp.StatusCode, detail)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}
