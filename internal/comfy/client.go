// Package comfy is the HTTP client for the ComfyUI backend: job submission,
// history polling, and artifact transfer between the output and input
// storage namespaces.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"comfy-mcp/server/internal/logging"
)

// OutputAsset is one artifact reference in a job's history outputs.
type OutputAsset struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"` // storage namespace: output, input, temp
}

// Client talks to a ComfyUI instance over HTTP.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
	transfer *http.Client // longer timeout for byte transfers
	logger   *logging.Logger
}

// NewClient creates a Client. requestTimeout bounds control-plane calls,
// transferTimeout bounds artifact fetch/upload.
func NewClient(baseURL string, requestTimeout, transferTimeout time.Duration, logger *logging.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		clientID: uuid.New().String(),
		http:     &http.Client{Timeout: requestTimeout},
		transfer: &http.Client{Timeout: transferTimeout},
		logger:   logger,
	}
}

// QueuePrompt submits a rendered graph for execution and returns the
// backend-assigned job id.
func (c *Client) QueuePrompt(ctx context.Context, graph interface{}) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":    graph,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to queue prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to queue prompt: status code %d", resp.StatusCode)
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode queue response: %w", err)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("queue response missing prompt_id")
	}
	return out.PromptID, nil
}

// History returns the outputs recorded for a completed job, keyed by node
// id then output slot name. The second return is false while the job has
// not finished.
func (c *Client) History(ctx context.Context, promptID string) (map[string]map[string]json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("failed to get history: status code %d", resp.StatusCode)
	}

	var hist map[string]struct {
		Outputs map[string]map[string]json.RawMessage `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		return nil, false, fmt.Errorf("failed to decode history: %w", err)
	}

	entry, done := hist[promptID]
	if !done {
		return nil, false, nil
	}
	return entry.Outputs, true, nil
}

// WaitForOutputs polls history until the job completes or ctx is done.
func (c *Client) WaitForOutputs(ctx context.Context, promptID string, pollInterval time.Duration) (map[string]map[string]json.RawMessage, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		outputs, done, err := c.History(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if done {
			return outputs, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("job %s: %w", promptID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ExtractFirstAsset picks the first artifact from job outputs, honoring the
// template's preferred output slot order. Returns the asset and the slot
// name it was found under.
func ExtractFirstAsset(outputs map[string]map[string]json.RawMessage, preferences []string) (OutputAsset, string, bool) {
	for _, key := range preferences {
		for _, slots := range outputs {
			raw, ok := slots[key]
			if !ok {
				continue
			}
			var assets []OutputAsset
			if err := json.Unmarshal(raw, &assets); err != nil || len(assets) == 0 {
				continue
			}
			if assets[0].Filename == "" {
				continue
			}
			return assets[0], key, true
		}
	}
	return OutputAsset{}, "", false
}

// FetchOutput downloads an artifact's bytes from the backend's output (or
// temp) namespace via the view endpoint.
func (c *Client) FetchOutput(ctx context.Context, filename, subfolder, folderType string) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", filename)
	if subfolder != "" {
		q.Set("subfolder", subfolder)
	}
	q.Set("type", folderType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.transfer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status code %d", filename, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UploadInput pushes artifact bytes into the backend's input namespace and
// returns the filename the backend assigned there.
func (c *Client) UploadInput(ctx context.Context, filename string, data []byte, mimeType string, overwrite bool) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := w.WriteField("overwrite", fmt.Sprintf("%t", overwrite)); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.transfer.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to upload %s: status code %d", filename, resp.StatusCode)
	}

	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if out.Name == "" {
		out.Name = filename
	}
	return out.Name, nil
}

// SystemStats fetches backend health info for the health_check tool.
func (c *Client) SystemStats(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend unhealthy: status code %d", resp.StatusCode)
	}

	var stats map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode system stats: %w", err)
	}
	return stats, nil
}

// Interrupt asks the backend to cancel the currently running job.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to interrupt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to interrupt: status code %d", resp.StatusCode)
	}
	return nil
}
