package protection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ErrNoMetadataEndpoint means the process is not running under ECS (no
// metadata URI in the environment). Protection is unavailable but the
// worker still runs.
var ErrNoMetadataEndpoint = errors.New("ecs task metadata endpoint not configured")

// TaskMetadata is the subset of the ECS task metadata document we use.
type TaskMetadata struct {
	Cluster              string `json:"Cluster"`
	TaskARN              string `json:"TaskARN"`
	CapacityProviderName string `json:"CapacityProviderName"`
	AvailabilityZone     string `json:"AvailabilityZone"`
}

// ClusterName resolves the short cluster name, parsing it out of the
// cluster ARN or, failing that, the task ARN.
func (t *TaskMetadata) ClusterName() string {
	if t.Cluster != "" {
		if i := strings.LastIndex(t.Cluster, "/"); i >= 0 && strings.HasPrefix(t.Cluster, "arn:") {
			return t.Cluster[i+1:]
		}
		return t.Cluster
	}
	return clusterFromTaskARN(t.TaskARN)
}

// clusterFromTaskARN pulls the cluster segment out of a task ARN of the
// form arn:aws:ecs:region:account:task/cluster-name/task-id.
func clusterFromTaskARN(arn string) string {
	i := strings.Index(arn, ":task/")
	if i < 0 {
		return ""
	}
	rest := arn[i+len(":task/"):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 2 {
		return parts[0]
	}
	return ""
}

// IsSpotCapacity reports whether the task runs on a spot capacity
// provider.
func (t *TaskMetadata) IsSpotCapacity() bool {
	return strings.Contains(strings.ToLower(t.CapacityProviderName), "spot")
}

// FetchTaskMetadata reads the task document from the container metadata
// endpoint, preferring v4 over v3. client may be nil.
func FetchTaskMetadata(ctx context.Context, client *http.Client) (*TaskMetadata, error) {
	uri := os.Getenv("ECS_CONTAINER_METADATA_URI_V4")
	if uri == "" {
		uri = os.Getenv("ECS_CONTAINER_METADATA_URI")
	}
	if uri == "" {
		return nil, ErrNoMetadataEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(uri, "/")+"/task", nil)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch task metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("task metadata endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var md TaskMetadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("decode task metadata: %w", err)
	}
	if md.TaskARN == "" {
		return nil, errors.New("task metadata document missing TaskARN")
	}
	return &md, nil
}
