package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

// Invoker hands task executions to an external runner. Execution is fully
// asynchronous: progress and results come back through the reporting API,
// never through the invoker. Cancel is best effort; the scheduler marks the
// task cancelled whether or not the runner acknowledges.
type Invoker interface {
	Start(ctx context.Context, t *fleet.Task) (handle string, err error)
	Cancel(ctx context.Context, handle string) error
}

// HTTP drives a sandbox runner service over REST.
type HTTP struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTP creates an invoker for the runner at endpoint.
func NewHTTP(endpoint string, logger *zap.Logger) *HTTP {
	return &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type startRequest struct {
	TaskID      string   `json:"task_id"`
	ProjectID   string   `json:"project_id"`
	AgentID     string   `json:"agent_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	TimeoutSecs int64    `json:"timeout_secs"`
}

type startResponse struct {
	Handle string `json:"handle"`
}

func (h *HTTP) Start(ctx context.Context, t *fleet.Task) (string, error) {
	body, err := json.Marshal(startRequest{
		TaskID:      t.ID,
		ProjectID:   t.ProjectID,
		AgentID:     t.AssignedTo,
		Name:        t.Name,
		Description: t.Description,
		Skills:      t.SkillsNeeded,
		TimeoutSecs: int64(t.Timeout / time.Second),
	})
	if err != nil {
		return "", fmt.Errorf("marshal start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.endpoint+"/executions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("start execution: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("runner error %d: %s", resp.StatusCode, string(respBody))
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode start response: %w", err)
	}

	h.logger.Debug("execution started",
		zap.String("task_id", t.ID),
		zap.String("handle", out.Handle))
	return out.Handle, nil
}

func (h *HTTP) Cancel(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		h.endpoint+"/executions/"+handle, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel execution: %w", err)
	}
	defer resp.Body.Close()

	// A runner that no longer knows the handle already satisfied the intent.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotFound {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("runner error %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Nop is used when no runner is configured. Agents are expected to pick up
// their assignments themselves and report through the API.
type Nop struct{}

func (Nop) Start(context.Context, *fleet.Task) (string, error) { return "", nil }
func (Nop) Cancel(context.Context, string) error               { return nil }
