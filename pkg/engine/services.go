package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/retry"
	"github.com/core-tools/hsu-dynsidecar/pkg/servicestate"
	"github.com/core-tools/hsu-dynsidecar/pkg/specs"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/errdefs"
	"golang.org/x/sync/errgroup"
)

// NoTasksMessage is reported while the engine has not scheduled the sidecar yet
const NoTasksMessage = "no task running yet"

// CreateService submits spec and returns the new service ID
func (c *Client) CreateService(ctx context.Context, spec specs.EngineServiceSpec) (string, error) {
	response, err := c.api.ServiceCreate(ctx, spec.ToSwarm(), types.ServiceCreateOptions{})
	if err != nil {
		return "", c.observe("service_create", errors.NewEngineError("failed to create service", err).WithContext("service", spec.Name))
	}
	if response.ID == "" {
		return "", c.observe("service_create", errors.NewEngineError("engine returned no service id", nil).WithContext("service", spec.Name))
	}
	for _, warning := range response.Warnings {
		c.logger.Warnf("Service creation warning, service: %s, warning: %s", spec.Name, warning)
	}
	c.logger.Infof("Created service, name: %s, id: %s", spec.Name, response.ID)
	return response.ID, c.observe("service_create", nil)
}

func (c *Client) InspectService(ctx context.Context, serviceID string) (swarm.Service, error) {
	service, _, err := c.api.ServiceInspectWithRaw(ctx, serviceID, types.ServiceInspectOptions{})
	if err != nil {
		domainErr := errors.NewEngineError("failed to inspect service", err).WithContext("service", serviceID)
		if errdefs.IsNotFound(err) {
			domainErr = errors.NewNotFoundError("service not found", err).WithContext("service", serviceID)
		}
		return swarm.Service{}, c.observe("service_inspect", domainErr)
	}
	return service, c.observe("service_inspect", nil)
}

func (c *Client) ListTasksForService(ctx context.Context, serviceID string) ([]swarm.Task, error) {
	tasks, err := c.api.TaskList(ctx, types.TaskListOptions{Filters: filters.NewArgs(filters.Arg("service", serviceID))})
	if err != nil {
		return nil, c.observe("task_list", errors.NewEngineError("failed to list tasks", err).WithContext("service", serviceID))
	}
	return tasks, c.observe("task_list", nil)
}

// ListServicesByLabel returns services carrying every given label
func (c *Client) ListServicesByLabel(ctx context.Context, labels map[string]string) ([]swarm.Service, error) {
	services, err := c.api.ServiceList(ctx, types.ServiceListOptions{Filters: labelFilters(labels)})
	if err != nil {
		return nil, c.observe("service_list", errors.NewEngineError("failed to list services", err).WithContext("labels", labels))
	}
	return services, c.observe("service_list", nil)
}

func (c *Client) CountServices(ctx context.Context, labels map[string]string) (int, error) {
	services, err := c.ListServicesByLabel(ctx, labels)
	if err != nil {
		return 0, err
	}
	return len(services), nil
}

// GetSidecarState reports the state of the most recent task of a service.
// A service without tasks, or already gone, is PENDING. States other than
// FAILED, COMPLETE and RUNNING are reported as PENDING with their message.
func (c *Client) GetSidecarState(ctx context.Context, serviceID string) (servicestate.ServiceState, string, error) {
	tasks, err := c.ListTasksForService(ctx, serviceID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return servicestate.ServiceStatePending, NoTasksMessage, nil
		}
		return servicestate.ServiceStateFailed, "", err
	}
	if len(tasks) == 0 {
		return servicestate.ServiceStatePending, NoTasksMessage, nil
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.Before(tasks[j].UpdatedAt)
	})
	last := tasks[len(tasks)-1]

	state, message, err := servicestate.ExtractTaskState(last.Status)
	if err != nil {
		return servicestate.ServiceStateFailed, "", err
	}
	switch state {
	case servicestate.ServiceStateFailed, servicestate.ServiceStateComplete, servicestate.ServiceStateRunning:
		return state, message, nil
	default:
		return servicestate.ServiceStatePending, message, nil
	}
}

// WaitForNodeID polls the service tasks until one runs and returns the node it was scheduled on
func (c *Client) WaitForNodeID(ctx context.Context, serviceID string, options retry.Options) (string, error) {
	var nodeID string
	err := retry.Poll(ctx, options, func(ctx context.Context) (bool, error) {
		tasks, err := c.ListTasksForService(ctx, serviceID)
		if err != nil {
			return false, err
		}
		for _, task := range tasks {
			if task.Status.State == swarm.TaskStateRunning && task.NodeID != "" {
				nodeID = task.NodeID
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			return "", domainErr.WithContext("service", serviceID)
		}
		return "", err
	}
	c.logger.Debugf("Service scheduled, id: %s, node: %s", serviceID, nodeID)
	return nodeID, nil
}

// RemoveStack removes every service carrying the labels, concurrently.
// All removal failures are reported together.
func (c *Client) RemoveStack(ctx context.Context, labels map[string]string) error {
	services, err := c.ListServicesByLabel(ctx, labels)
	if err != nil {
		return err
	}

	var lock sync.Mutex
	collected := errors.NewErrorCollection()

	var group errgroup.Group
	for _, service := range services {
		service := service
		group.Go(func() error {
			err := c.api.ServiceRemove(ctx, service.ID)
			if err != nil && !errdefs.IsNotFound(err) {
				c.observe("service_remove", err)
				lock.Lock()
				collected.Add(errors.NewEngineError("failed to remove service", err).WithContext("service", service.Spec.Name))
				lock.Unlock()
				return nil
			}
			c.observe("service_remove", nil)
			c.logger.Infof("Removed service, name: %s, id: %s", service.Spec.Name, service.ID)
			return nil
		})
	}
	_ = group.Wait()

	return collected.ToError()
}

func labelFilters(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for key, value := range labels {
		args.Add("label", key+"="+value)
	}
	return args
}
