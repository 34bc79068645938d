package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"
	"github.com/core-tools/hsu-dynsidecar/pkg/servicestate"

	"github.com/docker/docker/api/types"
)

// API paths served by the sidecar
const (
	HealthPath         = "/health"
	ContainersPath     = "/v1/containers"
	ContainersDownPath = "/v1/containers:down"
)

const (
	maxErrorBodyLength  = 4096
	contentTypeJSON     = "application/json"
	onlyStatusQueryFlag = "only_status=true"
)

// Options configure the HTTP client
type Options struct {
	HealthTimeout  time.Duration
	RequestTimeout time.Duration
}

// Client talks to already running sidecars. Endpoints are base URLs such as http://host:8000
type Client struct {
	httpClient *http.Client
	options    Options
	logger     logging.Logger
}

// ContainerInspectData is the docker inspect document of one container
type ContainerInspectData = types.ContainerJSON

type healthResponse struct {
	IsHealthy bool `json:"is_healthy"`
}

func NewClient(options Options, logger logging.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		options:    options,
		logger:     logger,
	}
}

// Endpoint returns the base URL of the sidecar reachable under hostname
func Endpoint(hostname string, port int) string {
	return fmt.Sprintf("http://%s:%d", hostname, port)
}

// IsHealthy never fails: transport errors, non-2xx answers and is_healthy=false all mean unhealthy
func (c *Client) IsHealthy(ctx context.Context, endpoint string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.options.HealthTimeout)
	defer cancel()

	var health healthResponse
	status, err := c.doJSON(ctx, http.MethodGet, endpoint+HealthPath, nil, &health)
	if err != nil {
		c.logger.Debugf("Sidecar health check failed, endpoint: %s, error: %v", endpoint, err)
		return false
	}
	return status/100 == 2 && health.IsHealthy
}

// ContainersDockerStatus returns nil and an error on failure, an empty map means no containers yet
func (c *Client) ContainersDockerStatus(ctx context.Context, endpoint string) (map[string]servicestate.DockerStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()

	statuses := make(map[string]servicestate.DockerStatus)
	status, err := c.doJSON(ctx, http.MethodGet, endpoint+ContainersPath+"?"+onlyStatusQueryFlag, nil, &statuses)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.NewSidecarError(fmt.Sprintf("unexpected status %d", status), nil).WithContext("endpoint", endpoint)
	}
	return statuses, nil
}

// StartServiceCreation submits the compose spec, only 202 means accepted.
// A rejection returns false with the sidecar's answer as error.
func (c *Client) StartServiceCreation(ctx context.Context, endpoint string, composeSpec string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(composeSpec)
	if err != nil {
		return false, errors.NewInternalError("failed to encode compose spec", err)
	}
	response, err := c.do(ctx, http.MethodPost, endpoint+ContainersPath, body)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusAccepted {
		return true, nil
	}
	return false, errors.NewSidecarError(
		fmt.Sprintf("compose spec rejected with status %d: %s", response.StatusCode, readErrorBody(response.Body)), nil,
	).WithContext("endpoint", endpoint).WithContext("status_code", response.StatusCode)
}

// ContainersInspect returns the docker inspect data of every container, keyed by container name
func (c *Client) ContainersInspect(ctx context.Context, endpoint string) (map[string]ContainerInspectData, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()

	inspect := make(map[string]ContainerInspectData)
	status, err := c.doJSON(ctx, http.MethodGet, endpoint+ContainersPath, nil, &inspect)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.NewSidecarError(fmt.Sprintf("unexpected status %d", status), nil).WithContext("endpoint", endpoint)
	}
	return inspect, nil
}

// BeginServiceDestruction asks the sidecar to stop its containers. Errors are logged only.
func (c *Client) BeginServiceDestruction(ctx context.Context, endpoint string) {
	ctx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()

	response, err := c.do(ctx, http.MethodPost, endpoint+ContainersDownPath, nil)
	if err != nil {
		c.logger.Warnf("Sidecar teardown failed, endpoint: %s, error: %v", endpoint, err)
		return
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.logger.Warnf("Sidecar teardown refused, endpoint: %s, status: %d, body: %s",
			endpoint, response.StatusCode, readErrorBody(response.Body))
		return
	}
	c.logger.Debugf("Sidecar teardown started, endpoint: %s", endpoint)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.NewValidationError("invalid sidecar request", err).WithContext("url", url)
	}
	if body != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}
	request.Header.Set("Accept", contentTypeJSON)

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewTimeoutError("sidecar request timed out", err).WithContext("url", url)
		}
		return nil, errors.NewNetworkError("sidecar request failed", err).WithContext("url", url)
	}
	return response, nil
}

// doJSON decodes 2xx bodies into out and returns the status code
func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out interface{}) (int, error) {
	response, err := c.do(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	if response.StatusCode/100 != 2 {
		return response.StatusCode, errors.NewSidecarError(
			fmt.Sprintf("unexpected status %d: %s", response.StatusCode, readErrorBody(response.Body)), nil,
		).WithContext("url", url)
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return response.StatusCode, errors.NewSidecarError("invalid sidecar response", err).WithContext("url", url)
	}
	return response.StatusCode, nil
}

func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodyLength))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
