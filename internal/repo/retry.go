package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/mirador-healer/internal/utils"
)

// DefaultRetryEndpoint is the endpoints key used when a source has no entry.
const DefaultRetryEndpoint = "default"

// PipelineRetryClient asks a CI system to re-run a stage. Each source (jenkins,
// gitlab, ...) may have its own endpoint.
type PipelineRetryClient struct {
	endpoints map[string]string
	client    jsonClient
}

// NewPipelineRetryClient builds a retry client from a source → URL map.
func NewPipelineRetryClient(endpoints map[string]string, token string, timeout time.Duration) *PipelineRetryClient {
	normalized := make(map[string]string, len(endpoints))
	for source, endpoint := range endpoints {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			normalized[strings.ToLower(strings.TrimSpace(source))] = endpoint
		}
	}
	return &PipelineRetryClient{
		endpoints: normalized,
		client:    newJSONClient("pipeline", timeout, token),
	}
}

type retryRequest struct {
	Source  string `json:"source"`
	JobName string `json:"job_name"`
	Stage   string `json:"stage"`
	BuildID string `json:"build_id,omitempty"`
}

// RetryStage implements engine.PipelineRetrier.
func (c *PipelineRetryClient) RetryStage(ctx context.Context, source, jobName, stage, buildID string) (bool, error) {
	endpoint, err := c.endpointFor(source)
	if err != nil {
		return false, err
	}

	var response struct {
		Accepted bool `json:"accepted"`
	}
	req := retryRequest{Source: source, JobName: jobName, Stage: stage, BuildID: buildID}
	if err := c.client.postJSON(ctx, endpoint, req, &response); err != nil {
		return false, utils.NewAppError("pipeline.retry", "retry request failed", err)
	}
	return response.Accepted, nil
}

func (c *PipelineRetryClient) endpointFor(source string) (string, error) {
	if c == nil {
		return "", utils.NewAppError("pipeline.retry", "client not initialised", nil)
	}
	if endpoint, ok := c.endpoints[strings.ToLower(strings.TrimSpace(source))]; ok {
		return endpoint, nil
	}
	if endpoint, ok := c.endpoints[DefaultRetryEndpoint]; ok {
		return endpoint, nil
	}
	return "", utils.NewAppError("pipeline.retry", fmt.Sprintf("no retry endpoint for source %q", source), nil)
}
