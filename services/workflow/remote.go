package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"orchestrator/services/catalog"
)

// HTTPDispatcher sends each step to a remote task service and awaits its verdict.
type HTTPDispatcher struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPDispatcher returns a dispatcher for the task service at endpoint.
func NewHTTPDispatcher(endpoint string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type dispatchRequest struct {
	NodeID string                `json:"nodeId"`
	TaskID string                `json:"taskId"`
	Params map[string]ParamValue `json:"params,omitempty"`
}

type dispatchResponse struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output"`
	Error  string         `json:"error"`
}

// Dispatch POSTs the node to <endpoint>/tasks/{taskId}/run.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, node Node, task catalog.TaskDefinition) (StepOutcome, error) {
	body, err := json.Marshal(dispatchRequest{NodeID: node.ID, TaskID: task.ID, Params: node.Params})
	if err != nil {
		return StepOutcome{}, fmt.Errorf("encode dispatch request: %w", err)
	}
	target := fmt.Sprintf("%s/tasks/%s/run", d.endpoint, url.PathEscape(task.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return StepOutcome{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return StepOutcome{}, fmt.Errorf("task service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StepOutcome{}, fmt.Errorf("task service returned status %d", resp.StatusCode)
	}

	var result dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return StepOutcome{}, fmt.Errorf("decode task service response: %w", err)
	}

	switch result.Status {
	case "pass":
		return StepOutcome{Passed: true, Output: result.Output}, nil
	case "fail":
		msg := result.Error
		if msg == "" {
			msg = "Task execution failed"
		}
		return StepOutcome{Error: msg}, nil
	default:
		return StepOutcome{}, fmt.Errorf("task service returned unknown status %q", result.Status)
	}
}
