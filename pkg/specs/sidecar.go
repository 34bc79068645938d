package specs

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"

	"github.com/docker/docker/api/types/mount"
	"github.com/go-playground/validator/v10"
)

// DockerSocket is mounted into both the sidecar and the proxy
const DockerSocket = "/var/run/docker.sock"

var (
	serviceKeyRE     = regexp.MustCompile(`^simcore/services/(comp|dynamic|frontend)(/[\w/-]+)+$`)
	serviceVersionRE = regexp.MustCompile(`^(0|[1-9]\d*)(\.(0|[1-9]\d*)){2}(-[\w.-]+)?(\+[\w.-]+)?$`)
	validate         = validator.New()
)

// PathsMapping tells the sidecar where the service expects its data folders
type PathsMapping struct {
	InputsPath  string   `json:"inputs_path"`
	OutputsPath string   `json:"outputs_path"`
	StatePaths  []string `json:"state_paths,omitempty"`
}

// ComposeSpec is a user-provided compose document, kept as generic JSON
type ComposeSpec map[string]interface{}

// SidecarOptions come from configuration and are shared by every sidecar
type SidecarOptions struct {
	Image          string
	Port           int
	ServicePrefix  string
	SwarmStackName string
	Resources      Resources
	ExposePort     bool
	ExtraMounts    []Mount
}

// SidecarRequest describes one dynamic service to start
type SidecarRequest struct {
	NodeUUID         string `validate:"required,uuid"`
	ProjectID        string `validate:"required,uuid"`
	UserID           int64  `validate:"gt=0"`
	ServiceKey       string `validate:"required"`
	ServiceVersion   string `validate:"required"`
	PathsMapping     PathsMapping
	ComposeSpec      ComposeSpec
	TargetContainer  string
	BootOptions      map[string]string
	DynamicNetworkID string `validate:"required"`
	SwarmNetworkID   string `validate:"required"`
}

// ValidateSidecarRequest rejects malformed input before any engine call
func ValidateSidecarRequest(request SidecarRequest) error {
	if err := validate.Struct(request); err != nil {
		return errors.NewValidationError("invalid sidecar request", err).WithContext("node_uuid", request.NodeUUID)
	}
	if err := ValidateServiceIdentity(request.ServiceKey, request.ServiceVersion); err != nil {
		return err
	}
	return ValidateComposeTarget(request.ComposeSpec, request.TargetContainer)
}

// ValidateServiceIdentity checks the service key and version formats
func ValidateServiceIdentity(serviceKey, serviceVersion string) error {
	if !serviceKeyRE.MatchString(serviceKey) {
		return errors.NewValidationError(fmt.Sprintf("invalid service key: %s", serviceKey), nil)
	}
	if !serviceVersionRE.MatchString(serviceVersion) {
		return errors.NewValidationError(fmt.Sprintf("invalid service version: %s", serviceVersion), nil)
	}
	return nil
}

// ValidateComposeTarget requires compose spec and target container together or neither
func ValidateComposeTarget(composeSpec ComposeSpec, targetContainer string) error {
	hasSpec := composeSpec != nil
	hasTarget := targetContainer != ""
	if hasSpec == hasTarget {
		return nil
	}
	if hasTarget {
		return errors.NewValidationError("target_container requires a compose_spec", nil).
			WithContext("target_container", targetContainer)
	}
	return errors.NewValidationError("compose_spec requires a target_container", nil)
}

// BuildSidecarSpec assembles the sidecar engine service and applies the label settings
func BuildSidecarSpec(options SidecarOptions, request SidecarRequest, settings []Setting) (EngineServiceSpec, error) {
	if err := ValidateSidecarRequest(request); err != nil {
		return EngineServiceSpec{}, err
	}

	names := MakeNames(options.ServicePrefix, request.NodeUUID, request.ProjectID, request.ServiceKey)

	pathsMapping, err := json.Marshal(request.PathsMapping)
	if err != nil {
		return EngineServiceSpec{}, errors.NewValidationError("failed to serialize paths_mapping", err)
	}
	composeSpec, err := json.Marshal(request.ComposeSpec)
	if err != nil {
		return EngineServiceSpec{}, errors.NewValidationError("failed to serialize compose_spec", err)
	}
	targetContainer, err := json.Marshal(nullableString(request.TargetContainer))
	if err != nil {
		return EngineServiceSpec{}, errors.NewValidationError("failed to serialize target_container", err)
	}
	statePaths, err := json.Marshal(request.PathsMapping.StatePaths)
	if err != nil {
		return EngineServiceSpec{}, errors.NewValidationError("failed to serialize state paths", err)
	}

	port := strconv.Itoa(options.Port)
	router := "traefik.http.routers." + names.SidecarServiceName
	builder := NewServiceSpecBuilder(names.SidecarServiceName, options.Image).
		WithHostname(names.SidecarServiceName).
		WithLabels(map[string]string{
			LabelZone:            names.Zone,
			LabelPort:            port,
			LabelServicePort:     strconv.Itoa(DefaultServicePort),
			LabelStudyID:         request.ProjectID,
			LabelUserID:          strconv.FormatInt(request.UserID, 10),
			LabelNodeUUID:        request.NodeUUID,
			LabelServiceKey:      request.ServiceKey,
			LabelServiceTag:      request.ServiceVersion,
			LabelSwarmStackName:  options.SwarmStackName,
			LabelType:            ServiceTypeMain,
			LabelDynamicType:     DynamicType,
			LabelTraefikNetwork:  names.NetworkName,
			LabelTraefikEnable:   "true",
			LabelPathsMapping:    string(pathsMapping),
			LabelComposeSpec:     string(composeSpec),
			LabelTargetContainer: string(targetContainer),
		}).
		WithEnv("SIMCORE_HOST_NAME", names.SidecarServiceName).
		WithEnv("DYNAMIC_SIDECAR_COMPOSE_NAMESPACE", ComposeNamespace(options.ServicePrefix, request.NodeUUID)).
		WithEnv("DY_SIDECAR_PATH_INPUTS", request.PathsMapping.InputsPath).
		WithEnv("DY_SIDECAR_PATH_OUTPUTS", request.PathsMapping.OutputsPath).
		WithEnv("DY_SIDECAR_STATE_PATHS", string(statePaths)).
		WithEnv("USER_ID", strconv.FormatInt(request.UserID, 10)).
		WithEnv("PROJECT_ID", request.ProjectID).
		WithEnv("NODE_ID", request.NodeUUID).
		WithMount(Mount{Source: DockerSocket, Target: DockerSocket, Type: mount.TypeBind}).
		WithNetwork(request.SwarmNetworkID).
		WithNetwork(request.DynamicNetworkID).
		WithConstraint("node.platform.os == linux").
		WithResources(options.Resources).
		WithRestartOnFailure(RestartDelay, 2)

	for _, m := range options.ExtraMounts {
		builder.WithMount(m)
	}
	if options.ExposePort {
		builder.WithPort(PortConfig{Protocol: "tcp", TargetPort: uint32(options.Port)})
	}

	spec := builder.Build()
	spec.Labels[router+".entrypoints"] = "http"
	spec.Labels[router+".priority"] = "10"
	spec.Labels[router+".rule"] = fmt.Sprintf("hostregexp(`%s.services.{host:.+}`)", request.NodeUUID)
	spec.Labels["traefik.http.services."+names.SidecarServiceName+".loadbalancer.server.port"] = port
	spec.Env = append(spec.Env, bootOptionEnv(request.BootOptions)...)
	ApplySettings(&spec, settings)
	return spec, nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
