package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WorkerHandle is the registry record for one actor: its id, the directory it
// searches (empty for non-search services) and the service tag it advertises.
type WorkerHandle struct {
	ID           string    `json:"id"`
	Tag          string    `json:"tag"`
	Root         string    `json:"root,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Handle WorkerHandle `json:"handle"`
}

// DeregisterRequest is the body of POST /deregister.
type DeregisterRequest struct {
	ID string `json:"id"`
}

// FindResponse is the body returned by GET /services.
type FindResponse struct {
	Tag      string         `json:"tag"`
	Services []WorkerHandle `json:"services"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON marshals body, POSTs it to url and decodes the reply into out when
// out is non-nil. Any status >= 300 is an error.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON GETs url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
