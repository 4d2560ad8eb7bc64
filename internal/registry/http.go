package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/dreamware/findswarm/internal/cluster"
	"github.com/dreamware/findswarm/internal/logging"
)

// Handler serves a Registry over HTTP/JSON.
type Handler struct {
	reg    Registry
	logger logging.Logger
	mux    *http.ServeMux
}

// NewHandler exposes reg on /register, /deregister, /services and /health.
func NewHandler(reg Registry, logger logging.Logger) *Handler {
	h := &Handler{reg: reg, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("/register", h.handleRegister)
	h.mux.HandleFunc("/deregister", h.handleDeregister)
	h.mux.HandleFunc("/services", h.handleFind)
	h.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := h.reg.Register(r.Context(), req.Handle); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidHandle) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	h.logger.Debug("registered", "id", req.Handle.ID, "tag", req.Handle.Tag)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.DeregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if err := h.reg.Deregister(r.Context(), req.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Debug("deregistered", "id", req.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		http.Error(w, "tag required", http.StatusBadRequest)
		return
	}
	services, err := h.reg.Find(r.Context(), tag)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cluster.FindResponse{Tag: tag, Services: services})
}

// Client is a Registry backed by a remote Handler.
type Client struct {
	base string
}

// NewClient returns a client for the registry at baseURL, e.g. http://127.0.0.1:7070.
func NewClient(baseURL string) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/")}
}

// Register posts h to /register.
func (c *Client) Register(ctx context.Context, h cluster.WorkerHandle) error {
	return cluster.PostJSON(ctx, c.base+"/register", cluster.RegisterRequest{Handle: h}, nil)
}

// Deregister posts id to /deregister.
func (c *Client) Deregister(ctx context.Context, id string) error {
	return cluster.PostJSON(ctx, c.base+"/deregister", cluster.DeregisterRequest{ID: id}, nil)
}

// Find lists the handles the server currently shows under tag.
func (c *Client) Find(ctx context.Context, tag string) ([]cluster.WorkerHandle, error) {
	var resp cluster.FindResponse
	if err := cluster.GetJSON(ctx, c.base+"/services?tag="+url.QueryEscape(tag), &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}
