package specs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Placeholders a user compose spec may reference
const (
	RegistryPlaceholder       = "${SIMCORE_REGISTRY}"
	ServiceVersionPlaceholder = "${SERVICE_VERSION}"
)

// DefaultComposeServiceName is used when no compose spec was provided
const DefaultComposeServiceName = "container"

const composeVersion = "3.8"

// ComposeRequest holds what the sidecar needs to run the user workload
type ComposeRequest struct {
	ServiceKey         string
	ServiceVersion     string
	ComposeSpec        ComposeSpec
	TargetContainer    string
	DynamicNetworkName string
	Zone               string
	ServicePort        int
	Registry           string
}

// AssembleComposeSpec renders the compose document submitted to the sidecar.
// The dynamic network is attached to the target container so the per-service proxy can reach it.
func AssembleComposeSpec(request ComposeRequest) (string, error) {
	if err := ValidateComposeTarget(request.ComposeSpec, request.TargetContainer); err != nil {
		return "", err
	}

	document, target, err := baseComposeDocument(request)
	if err != nil {
		return "", err
	}

	services, ok := document["services"].(map[string]interface{})
	if !ok {
		return "", errors.NewValidationError("compose spec has no services section", nil)
	}
	targetService, ok := services[target].(map[string]interface{})
	if !ok {
		return "", errors.NewValidationError(fmt.Sprintf("target container %q not found in compose spec", target), nil).
			WithContext("target_container", target)
	}

	for _, raw := range services {
		if service, ok := raw.(map[string]interface{}); ok {
			substituteImage(service, request.Registry, request.ServiceVersion)
		}
	}

	attachNetwork(targetService, request.DynamicNetworkName)
	addRoutingLabels(targetService, request)

	networks, _ := document["networks"].(map[string]interface{})
	if networks == nil {
		networks = make(map[string]interface{})
	}
	networks[request.DynamicNetworkName] = map[string]interface{}{
		"external": true,
		"name":     request.DynamicNetworkName,
	}
	document["networks"] = networks

	out, err := yaml.Marshal(document)
	if err != nil {
		return "", errors.NewInternalError("failed to render compose spec", err)
	}
	return string(out), nil
}

func baseComposeDocument(request ComposeRequest) (map[string]interface{}, string, error) {
	if request.ComposeSpec == nil {
		image := fmt.Sprintf("%s/%s:%s", request.Registry, request.ServiceKey, request.ServiceVersion)
		return map[string]interface{}{
			"version": composeVersion,
			"services": map[string]interface{}{
				DefaultComposeServiceName: map[string]interface{}{"image": image},
			},
		}, DefaultComposeServiceName, nil
	}

	// deep copy, the entry keeps the original untouched
	data, err := json.Marshal(request.ComposeSpec)
	if err != nil {
		return nil, "", errors.NewValidationError("compose spec is not serializable", err)
	}
	var document map[string]interface{}
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, "", errors.NewValidationError("compose spec is not an object", err)
	}
	return document, request.TargetContainer, nil
}

func substituteImage(service map[string]interface{}, registry, version string) {
	image, ok := service["image"].(string)
	if !ok {
		return
	}
	image = strings.ReplaceAll(image, RegistryPlaceholder, registry)
	image = strings.ReplaceAll(image, ServiceVersionPlaceholder, version)
	service["image"] = image
}

func attachNetwork(service map[string]interface{}, network string) {
	switch current := service["networks"].(type) {
	case []interface{}:
		for _, existing := range current {
			if existing == network {
				return
			}
		}
		service["networks"] = append(current, network)
	case map[string]interface{}:
		if _, ok := current[network]; !ok {
			current[network] = map[string]interface{}{}
		}
	default:
		service["networks"] = []interface{}{network}
	}
}

func addRoutingLabels(service map[string]interface{}, request ComposeRequest) {
	labels := map[string]string{
		LabelZone:           request.Zone,
		LabelTraefikEnable:  "true",
		LabelTraefikNetwork: request.DynamicNetworkName,
	}
	if request.ServicePort > 0 && request.ServicePort != DefaultServicePort {
		labels["traefik.http.services."+request.Zone+".loadbalancer.server.port"] = strconv.Itoa(request.ServicePort)
	}
	labels["traefik.http.routers."+request.Zone+".entrypoints"] = "http"
	labels["traefik.http.routers."+request.Zone+".rule"] = "PathPrefix(`/`)"

	switch current := service["labels"].(type) {
	case map[string]interface{}:
		for key, value := range labels {
			current[key] = value
		}
	case []interface{}:
		for _, key := range sortedKeys(labels) {
			current = append(current, key+"="+labels[key])
		}
		service["labels"] = current
	default:
		converted := make(map[string]interface{}, len(labels))
		for key, value := range labels {
			converted[key] = value
		}
		service["labels"] = converted
	}
}
