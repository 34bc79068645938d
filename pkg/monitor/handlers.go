package monitor

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"
	"github.com/core-tools/hsu-dynsidecar/pkg/specs"
)

// Handler is one reconciliation step. Action runs only when WillTrigger holds.
// An error returned by Action marks the entry as failing.
type Handler interface {
	Name() string
	WillTrigger(entry *Entry) bool
	Action(ctx context.Context, entry *Entry) error
}

// applySpecHandler submits the compose spec once the sidecar answers
type applySpecHandler struct {
	sidecar  SidecarClient
	registry string
	logger   logging.Logger
}

func (h *applySpecHandler) Name() string {
	return "apply_spec"
}

func (h *applySpecHandler) WillTrigger(entry *Entry) bool {
	return entry.IsAvailable && !entry.ComposeSpecSubmitted
}

func (h *applySpecHandler) Action(ctx context.Context, entry *Entry) error {
	composeSpec, err := specs.AssembleComposeSpec(specs.ComposeRequest{
		ServiceKey:         entry.ServiceKey,
		ServiceVersion:     entry.ServiceVersion,
		ComposeSpec:        entry.ComposeSpec,
		TargetContainer:    entry.TargetContainer,
		DynamicNetworkName: entry.DynamicNetworkName,
		Zone:               entry.TraefikZone,
		ServicePort:        entry.ServicePort,
		Registry:           h.registry,
	})
	if err != nil {
		return err
	}

	accepted, err := h.sidecar.StartServiceCreation(ctx, entry.Endpoint(), composeSpec)
	if accepted {
		entry.ComposeSpecSubmitted = true
		h.logger.Infof("Compose spec submitted, node_uuid: %s", entry.NodeUUID)
		return nil
	}
	if errors.IsSidecarError(err) {
		entry.OverallStatus = failingStatus("compose spec rejected: " + err.Error())
		return nil
	}
	// transport failures are retried next cycle
	h.logger.Warnf("Compose spec submission failed, node_uuid: %s, error: %v", entry.NodeUUID, err)
	return nil
}

// inspectHandler refreshes the container snapshot once the compose spec was submitted
type inspectHandler struct {
	sidecar SidecarClient
	logger  logging.Logger
}

func (h *inspectHandler) Name() string {
	return "inspect"
}

func (h *inspectHandler) WillTrigger(entry *Entry) bool {
	return entry.ComposeSpecSubmitted
}

func (h *inspectHandler) Action(ctx context.Context, entry *Entry) error {
	inspect, err := h.sidecar.ContainersInspect(ctx, entry.Endpoint())
	if err != nil {
		h.logger.Debugf("Container inspect failed, keeping previous snapshot, node_uuid: %s, error: %v", entry.NodeUUID, err)
		return nil
	}

	names := make([]string, 0, len(inspect))
	for name := range inspect {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now()
	containers := make([]ContainerInspect, 0, len(names))
	for _, name := range names {
		data := inspect[name]
		container := ContainerInspect{Name: name, LastUpdated: now}
		if data.ContainerJSONBase != nil {
			container.ID = data.ID
			if data.Name != "" {
				container.Name = strings.TrimPrefix(data.Name, "/")
			}
			if data.State != nil {
				container.Status = data.State.Status
			}
		}
		containers = append(containers, container)
	}
	entry.ContainersInspect = containers
	return nil
}
