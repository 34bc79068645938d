package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
)

// NetworkSpec describes the overlay network of one dynamic service
type NetworkSpec struct {
	Name   string
	Labels map[string]string
}

// EnsureNetwork creates an attachable overlay network or returns the existing one with the same name
func (c *Client) EnsureNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	response, err := c.api.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver:     "overlay",
		Attachable: true,
		Scope:      "swarm",
		Labels:     spec.Labels,
	})
	if err == nil {
		c.observe("network_create", nil)
		c.logger.Infof("Created network, name: %s, id: %s", spec.Name, response.ID)
		return response.ID, nil
	}
	if !errdefs.IsConflict(err) && !strings.Contains(err.Error(), "already exists") {
		return "", c.observe("network_create", errors.NewEngineError("failed to create network", err).WithContext("network", spec.Name))
	}

	c.logger.Debugf("Network already exists, name: %s", spec.Name)
	networks, err := c.api.NetworkList(ctx, network.ListOptions{Filters: filters.NewArgs(filters.Arg("name", spec.Name))})
	if err != nil {
		return "", c.observe("network_list", errors.NewEngineError("failed to list networks", err).WithContext("network", spec.Name))
	}
	// the name filter matches substrings
	for _, existing := range networks {
		if existing.Name == spec.Name {
			return existing.ID, c.observe("network_list", nil)
		}
	}
	return "", c.observe("network_list", errors.NewEngineError("network reported as existing but not found", nil).WithContext("network", spec.Name))
}

// GetSwarmNetwork returns the ID of the only swarm-scoped network whose name contains nameFragment
func (c *Client) GetSwarmNetwork(ctx context.Context, nameFragment string) (string, error) {
	networks, err := c.api.NetworkList(ctx, network.ListOptions{Filters: filters.NewArgs(filters.Arg("scope", "swarm"))})
	if err != nil {
		return "", c.observe("network_list", errors.NewEngineError("failed to list swarm networks", err))
	}
	c.observe("network_list", nil)

	var matches []string
	var names []string
	for _, candidate := range networks {
		if strings.Contains(candidate.Name, nameFragment) {
			matches = append(matches, candidate.ID)
			names = append(names, candidate.Name)
		}
	}
	if len(matches) != 1 {
		return "", errors.NewEngineError(
			fmt.Sprintf("expected exactly one swarm network containing %q, found %d", nameFragment, len(matches)), nil,
		).WithContext("networks", names)
	}
	return matches[0], nil
}

// RemoveNetwork removes a network by name or ID, an absent network is not an error
func (c *Client) RemoveNetwork(ctx context.Context, nameOrID string) error {
	err := c.api.NetworkRemove(ctx, nameOrID)
	if err != nil && !errdefs.IsNotFound(err) {
		return c.observe("network_remove", errors.NewEngineError("failed to remove network", err).WithContext("network", nameOrID))
	}
	c.logger.Infof("Removed network, name: %s", nameOrID)
	return c.observe("network_remove", nil)
}
