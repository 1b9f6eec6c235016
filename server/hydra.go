package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HydraJob is the slice of Hydra's job status we consume.
type HydraJob struct {
	BuildOutputs map[string]HydraBuildOutput `json:"buildoutputs"`
}

type HydraBuildOutput struct {
	Path string `json:"path"`
}

// HydraClient queries a Hydra instance for its latest successful build of a
// job.
type HydraClient struct {
	client *http.Client
}

func NewHydraClient() *HydraClient {
	return &HydraClient{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HydraClient) LatestJob(ctx context.Context, server, project, jobset, job string) (*HydraJob, error) {
	url := fmt.Sprintf("https://%s/job/%s/%s/%s/latest", server, project, jobset, job)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building hydra request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying hydra: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hydra answered %s for %s", resp.Status, url)
	}

	var parsed HydraJob
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding hydra response: %w", err)
	}
	return &parsed, nil
}
