package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"anivid/models"
)

// GenerationClient talks to the external generation backend's status API.
type GenerationClient struct {
	baseURL string
	http    *http.Client
}

func NewGenerationClient(baseURL string) *GenerationClient {
	return &GenerationClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GetTask fetches the current status document for taskID.
func (c *GenerationClient) GetTask(ctx context.Context, taskID string) (*models.GenerationTask, error) {
	endpoint := fmt.Sprintf("%s/tasks/%s", c.baseURL, url.PathEscape(taskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build task request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generation backend returned %d for task %s", resp.StatusCode, taskID)
	}

	var task models.GenerationTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &task, nil
}
