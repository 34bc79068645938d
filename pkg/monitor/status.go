package monitor

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-dynsidecar/pkg/servicestate"
	"github.com/core-tools/hsu-dynsidecar/pkg/specs"
)

// StateError is reported for node uuids the monitor does not know
const StateError = "error"

// ServiceStateReply is the externally visible state of a dynamic service
type ServiceStateReply struct {
	ServiceState   string `json:"service_state"`
	ServiceMessage string `json:"service_message"`
	ServiceUUID    string `json:"service_uuid"`
	ServiceKey     string `json:"service_key"`
	ServiceVersion string `json:"service_version"`
	ServiceHost    string `json:"service_host"`
	ServicePort    int    `json:"service_port"`
	PublishedPort  int    `json:"published_port"`
}

// Status never fails, an unknown node uuid yields an "error" reply
func (m *Monitor) Status(ctx context.Context, nodeUUID string) ServiceStateReply {
	reply := m.status(ctx, nodeUUID)
	m.options.Recorder.ObserveStatusReply(reply.ServiceState)
	return reply
}

func (m *Monitor) status(ctx context.Context, nodeUUID string) ServiceStateReply {
	entry, exists := m.Get(nodeUUID)
	if !exists {
		return ServiceStateReply{
			ServiceState:   StateError,
			ServiceMessage: fmt.Sprintf("service for node_uuid=%s not found", nodeUUID),
			ServiceUUID:    nodeUUID,
		}
	}

	reply := func(state servicestate.ServiceState, message string) ServiceStateReply {
		return ServiceStateReply{
			ServiceState:   state.String(),
			ServiceMessage: message,
			ServiceUUID:    entry.NodeUUID,
			ServiceKey:     entry.ServiceKey,
			ServiceVersion: entry.ServiceVersion,
			ServiceHost:    entry.ServiceName,
			ServicePort:    entry.ServicePort,
			PublishedPort:  specs.ProxyEntrypointPort,
		}
	}

	if entry.OverallStatus.Value == StatusFailing {
		return reply(servicestate.ServiceStateFailed, entry.OverallStatus.Info)
	}

	state, message, err := m.engine.GetSidecarState(ctx, entry.ServiceName)
	if err != nil {
		m.logger.Warnf("Could not read sidecar state, node_uuid: %s, error: %v", nodeUUID, err)
		return reply(servicestate.ServiceStatePending, fmt.Sprintf("could not read sidecar state: %v", err))
	}
	if state != servicestate.ServiceStateRunning {
		return reply(state, message)
	}

	statuses, err := m.sidecar.ContainersDockerStatus(ctx, entry.Endpoint())
	if err != nil || statuses == nil {
		return reply(servicestate.ServiceStateStarting, "sidecar is running but did not report container statuses yet")
	}

	containers, err := servicestate.ContainerStatesFromDocker(statuses)
	if err != nil {
		m.logger.Errorf("Unexpected container status, node_uuid: %s, error: %v", nodeUUID, err)
		return reply(servicestate.ServiceStateFailed, err.Error())
	}
	return reply(servicestate.Reduce(containers))
}
