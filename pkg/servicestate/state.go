package servicestate

import (
	"fmt"
	"sort"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"

	"github.com/docker/docker/api/types/swarm"
)

// ServiceState is ordered worst first, the lowest value of a set dominates
type ServiceState int

const (
	ServiceStateFailed ServiceState = iota
	ServiceStatePending
	ServiceStatePulling
	ServiceStateStarting
	ServiceStateRunning
	ServiceStateStopping
	ServiceStateComplete
)

var serviceStateNames = map[ServiceState]string{
	ServiceStateFailed:   "failed",
	ServiceStatePending:  "pending",
	ServiceStatePulling:  "pulling",
	ServiceStateStarting: "starting",
	ServiceStateRunning:  "running",
	ServiceStateStopping: "stopping",
	ServiceStateComplete: "complete",
}

func (s ServiceState) String() string {
	if name, ok := serviceStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ContainersNotCreatedMessage is reported when the sidecar has no containers yet
const ContainersNotCreatedMessage = "containers are not yet created"

var taskStates = map[swarm.TaskState]ServiceState{
	swarm.TaskStateNew:       ServiceStatePending,
	swarm.TaskStateAllocated: ServiceStatePending,
	swarm.TaskStatePending:   ServiceStatePending,
	swarm.TaskStateAssigned:  ServiceStatePulling,
	swarm.TaskStateAccepted:  ServiceStatePulling,
	swarm.TaskStatePreparing: ServiceStatePulling,
	swarm.TaskStateReady:     ServiceStateStarting,
	swarm.TaskStateStarting:  ServiceStateStarting,
	swarm.TaskStateRunning:   ServiceStateRunning,
	swarm.TaskStateComplete:  ServiceStateComplete,
	swarm.TaskStateShutdown:  ServiceStateComplete,
	swarm.TaskStateRemove:    ServiceStateComplete,
	swarm.TaskStateFailed:    ServiceStateFailed,
	swarm.TaskStateRejected:  ServiceStateFailed,
	swarm.TaskStateOrphaned:  ServiceStateFailed,
}

// ExtractTaskState classifies a swarm task status. The task error text is returned as message.
// Unmapped states fail loudly so engine API drift surfaces immediately.
func ExtractTaskState(status swarm.TaskStatus) (ServiceState, string, error) {
	state, ok := taskStates[status.State]
	if !ok {
		return ServiceStateFailed, "", errors.NewInternalError(
			fmt.Sprintf("unknown task state %q", status.State), nil,
		).WithContext("task_state", string(status.State))
	}
	return state, status.Err, nil
}

// DockerStatus is the per-container status reported by the sidecar
type DockerStatus struct {
	Status string `json:"Status"`
	Error  string `json:"Error"`
}

var containerStates = map[string]ServiceState{
	"created":    ServiceStateStarting,
	"restarting": ServiceStateStarting,
	"running":    ServiceStateRunning,
	"paused":     ServiceStateStopping,
	"removing":   ServiceStateStopping,
	"exited":     ServiceStateComplete,
	"dead":       ServiceStateFailed,
}

// ContainerState is one classified container
type ContainerState struct {
	Name    string
	State   ServiceState
	Message string
}

// ContainerStatesFromDocker classifies the sidecar's docker statuses, ordered by container name
func ContainerStatesFromDocker(statuses map[string]DockerStatus) ([]ContainerState, error) {
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]ContainerState, 0, len(names))
	for _, name := range names {
		status := statuses[name]
		state, ok := containerStates[status.Status]
		if !ok {
			return nil, errors.NewInternalError(
				fmt.Sprintf("unknown container status %q", status.Status), nil,
			).WithContext("container", name)
		}
		result = append(result, ContainerState{Name: name, State: state, Message: status.Error})
	}
	return result, nil
}

// Reduce folds container states into the least healthy one.
// The message comes from the first container holding that state.
func Reduce(states []ContainerState) (ServiceState, string) {
	if len(states) == 0 {
		return ServiceStateStarting, ContainersNotCreatedMessage
	}

	minimum := states[0]
	for _, current := range states[1:] {
		if current.State < minimum.State {
			minimum = current
		}
	}
	return minimum.State, minimum.Message
}
