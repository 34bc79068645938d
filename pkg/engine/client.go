package engine

import (
	"context"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
)

// dockerAPI is the part of the docker SDK the control plane relies on
type dockerAPI interface {
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkRemove(ctx context.Context, networkID string) error
	ServiceCreate(ctx context.Context, service swarm.ServiceSpec, options types.ServiceCreateOptions) (swarm.ServiceCreateResponse, error)
	ServiceInspectWithRaw(ctx context.Context, serviceID string, options types.ServiceInspectOptions) (swarm.Service, []byte, error)
	ServiceList(ctx context.Context, options types.ServiceListOptions) ([]swarm.Service, error)
	ServiceRemove(ctx context.Context, serviceID string) error
	TaskList(ctx context.Context, options types.TaskListOptions) ([]swarm.Task, error)
	Close() error
}

// CallObserver is notified of every engine call outcome
type CallObserver interface {
	ObserveEngineCall(operation string, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveEngineCall(operation string, err error) {}

// Client wraps the engine API. Every failure is returned as a single EngineError, nothing is retried here.
type Client struct {
	api      dockerAPI
	observer CallObserver
	logger   logging.Logger
}

// NewClient connects to the engine configured by the environment (DOCKER_HOST etc.)
func NewClient(observer CallObserver, logger logging.Logger) (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.NewEngineError("failed to create docker client", err)
	}
	return newClientWithAPI(api, observer, logger), nil
}

func newClientWithAPI(api dockerAPI, observer CallObserver, logger logging.Logger) *Client {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Client{
		api:      api,
		observer: observer,
		logger:   logger,
	}
}

func (c *Client) Close() error {
	return c.api.Close()
}

// observe records the call outcome and returns err unchanged
func (c *Client) observe(operation string, err error) error {
	c.observer.ObserveEngineCall(operation, err)
	return err
}
