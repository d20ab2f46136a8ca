package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/makeasinger/genqueue/internal/config"
	"github.com/makeasinger/genqueue/internal/model"
)

// ErrRejected marks a submission the engine refused on its merits
// (validation or node errors); retrying the same workflow will not help.
var ErrRejected = errors.New("engine rejected workflow")

// Engine defines the operations the scheduler and workers need from the rendering engine
type Engine interface {
	SubmitJob(ctx context.Context, workflow map[string]any) (*model.SubmitResult, error)
	FetchStatus(ctx context.Context, externalID string) (*model.EngineStatus, error)
	IsServiceUp(ctx context.Context) bool
}

// EngineClient implements Engine for a ComfyUI-compatible HTTP API
type EngineClient struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
}

type promptRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors,omitempty"`
}

// historyEntry is one prompt in the engine's /history answer
type historyEntry struct {
	Outputs map[string]nodeOutput `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
		Messages  []any  `json:"messages,omitempty"`
	} `json:"status"`
}

type nodeOutput struct {
	Images []outputFile `json:"images,omitempty"`
	Gifs   []outputFile `json:"gifs,omitempty"`
	Videos []outputFile `json:"videos,omitempty"`
	Audio  []outputFile `json:"audio,omitempty"`
}

type outputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NewEngineClient creates a new engine API client
func NewEngineClient(cfg *config.EngineConfig) *EngineClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "genqueue"
	}
	return &EngineClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:  cfg.BaseURL,
		clientID: clientID,
	}
}

// SubmitJob queues a workflow on the engine. It is called at most once per attempt.
func (c *EngineClient) SubmitJob(ctx context.Context, workflow map[string]any) (*model.SubmitResult, error) {
	var result promptResponse
	status, err := c.post(ctx, "/prompt", promptRequest{Prompt: workflow, ClientID: c.clientID}, &result)
	if err != nil {
		if status == http.StatusBadRequest {
			return &model.SubmitResult{Success: false, Message: err.Error()}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return nil, err
	}

	if len(result.NodeErrors) > 0 {
		return &model.SubmitResult{Success: false, Message: "workflow has node errors"},
			fmt.Errorf("%w: %d node errors", ErrRejected, len(result.NodeErrors))
	}
	if result.PromptID == "" {
		return &model.SubmitResult{Success: false, Message: "engine returned no prompt id"}, nil
	}
	return &model.SubmitResult{Success: true, ExternalID: result.PromptID}, nil
}

// FetchStatus reports whether a submitted workflow is still pending, done or failed
func (c *EngineClient) FetchStatus(ctx context.Context, externalID string) (*model.EngineStatus, error) {
	var history map[string]historyEntry
	if _, err := c.get(ctx, "/history/"+url.PathEscape(externalID), &history); err != nil {
		return nil, err
	}

	entry, ok := history[externalID]
	if !ok {
		return &model.EngineStatus{State: model.EngineStatePending}, nil
	}
	if entry.Status.StatusStr == "error" {
		return &model.EngineStatus{State: model.EngineStateError, Message: "engine reported an execution error"}, nil
	}
	if !entry.Status.Completed && entry.Status.StatusStr != "success" && len(entry.Outputs) == 0 {
		return &model.EngineStatus{State: model.EngineStatePending}, nil
	}

	return &model.EngineStatus{State: model.EngineStateDone, Outputs: c.outputRefs(entry.Outputs)}, nil
}

// IsServiceUp is an optimistic pre-flight check, not a guarantee
func (c *EngineClient) IsServiceUp(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Engine API] ✗ GET /system_stats — %v", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// outputRefs turns output files into download URLs, ordered by node id
func (c *EngineClient) outputRefs(outputs map[string]nodeOutput) []string {
	nodes := make([]string, 0, len(outputs))
	for id := range outputs {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	refs := []string{}
	for _, id := range nodes {
		out := outputs[id]
		for _, group := range [][]outputFile{out.Images, out.Gifs, out.Videos, out.Audio} {
			for _, f := range group {
				q := url.Values{}
				q.Set("filename", f.Filename)
				q.Set("subfolder", f.Subfolder)
				q.Set("type", f.Type)
				refs = append(refs, c.baseURL+"/view?"+q.Encode())
			}
		}
	}
	return refs
}

// post sends a POST request with JSON body
func (c *EngineClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) (int, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *EngineClient) get(ctx context.Context, endpoint string, result interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *EngineClient) doRequest(req *http.Request, result interface{}) (int, error) {
	req.Header.Set("Content-Type", "application/json")

	log.Printf("[Engine API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Engine API] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Engine API] ✗ %s %s — failed to read response: %v", req.Method, req.URL.String(), err)
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Engine API] ← %d %s %s — %d bytes", resp.StatusCode, req.Method, req.URL.String(), len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("engine API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[Engine API] ✗ unmarshal error for %s %s: %v", req.Method, req.URL.String(), err)
		return resp.StatusCode, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return resp.StatusCode, nil
}
