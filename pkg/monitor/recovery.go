package monitor

import (
	"context"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/specs"
)

// RecoveryLabels select the sidecar services started by this control plane
func RecoveryLabels(swarmStackName string) map[string]string {
	return map[string]string{
		specs.LabelSwarmStackName: swarmStackName,
		specs.LabelType:           specs.ServiceTypeMain,
		specs.LabelDynamicType:    specs.DynamicType,
	}
}

// Recover rebuilds entries from the sidecar services found on the engine.
// Services with unreadable labels or already monitored are skipped.
func (m *Monitor) Recover(ctx context.Context) (int, error) {
	services, err := m.engine.ListServicesByLabel(ctx, RecoveryLabels(m.options.SwarmStackName))
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, service := range services {
		stored, err := specs.ParseStoredLabels(service)
		if err != nil {
			m.logger.Warnf("Skipping service with unreadable labels, name: %s, error: %v", service.Spec.Name, err)
			continue
		}

		entry := EntryFromLabels(stored, m.options.SidecarPort)
		entry.ComposeSpecSubmitted = m.hasContainers(ctx, &entry)

		if err := m.Add(entry); err != nil {
			if errors.IsConflictError(err) {
				m.logger.Debugf("Service already monitored, node_uuid: %s", entry.NodeUUID)
				continue
			}
			m.logger.Warnf("Skipping unrecoverable service, name: %s, error: %v", service.Spec.Name, err)
			continue
		}
		recovered++
	}

	m.logger.Infof("Recovered services, found: %d, recovered: %d", len(services), recovered)
	return recovered, nil
}

// hasContainers tells whether the sidecar already runs the user containers,
// in which case the compose spec must not be submitted again
func (m *Monitor) hasContainers(ctx context.Context, entry *Entry) bool {
	ctx, cancel := context.WithTimeout(ctx, m.options.MaxStatusAPIDuration)
	defer cancel()

	statuses, err := m.sidecar.ContainersDockerStatus(ctx, entry.Endpoint())
	return err == nil && len(statuses) > 0
}
