package specs

import (
	"encoding/json"
	"strconv"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"

	"github.com/docker/docker/api/types/swarm"
)

// StoredLabels is what a sidecar service remembers about itself through its labels
type StoredLabels struct {
	ServiceName        string
	NodeUUID           string
	ProjectID          string
	UserID             int64
	ServiceKey         string
	ServiceTag         string
	PathsMapping       PathsMapping
	ComposeSpec        ComposeSpec
	TargetContainer    string
	DynamicNetworkName string
	Zone               string
	ServicePort        int
}

// ParseStoredLabels is the inverse of the label contract written by BuildSidecarSpec
func ParseStoredLabels(service swarm.Service) (StoredLabels, error) {
	labels := service.Spec.Labels
	required := []string{
		LabelNodeUUID, LabelServiceKey, LabelServiceTag, LabelStudyID, LabelUserID,
		LabelPathsMapping, LabelTraefikNetwork, LabelZone,
	}
	for _, key := range required {
		if _, ok := labels[key]; !ok {
			return StoredLabels{}, errors.NewValidationError("service is missing a required label", nil).
				WithContext("service", service.Spec.Name).WithContext("label", key)
		}
	}

	stored := StoredLabels{
		ServiceName:        service.Spec.Name,
		NodeUUID:           labels[LabelNodeUUID],
		ProjectID:          labels[LabelStudyID],
		ServiceKey:         labels[LabelServiceKey],
		ServiceTag:         labels[LabelServiceTag],
		DynamicNetworkName: labels[LabelTraefikNetwork],
		Zone:               labels[LabelZone],
		ServicePort:        DefaultServicePort,
	}

	userID, err := strconv.ParseInt(labels[LabelUserID], 10, 64)
	if err != nil {
		return StoredLabels{}, errors.NewValidationError("invalid user_id label", err).WithContext("service", service.Spec.Name)
	}
	stored.UserID = userID

	if raw, ok := labels[LabelServicePort]; ok {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return StoredLabels{}, errors.NewValidationError("invalid service_port label", err).WithContext("service", service.Spec.Name)
		}
		stored.ServicePort = port
	}

	if err := json.Unmarshal([]byte(labels[LabelPathsMapping]), &stored.PathsMapping); err != nil {
		return StoredLabels{}, errors.NewValidationError("invalid paths_mapping label", err).WithContext("service", service.Spec.Name)
	}
	if raw, ok := labels[LabelComposeSpec]; ok {
		if err := json.Unmarshal([]byte(raw), &stored.ComposeSpec); err != nil {
			return StoredLabels{}, errors.NewValidationError("invalid compose_spec label", err).WithContext("service", service.Spec.Name)
		}
	}
	if raw, ok := labels[LabelTargetContainer]; ok {
		var target *string
		if err := json.Unmarshal([]byte(raw), &target); err != nil {
			return StoredLabels{}, errors.NewValidationError("invalid target_container label", err).WithContext("service", service.Spec.Name)
		}
		if target != nil {
			stored.TargetContainer = *target
		}
	}

	return stored, nil
}
