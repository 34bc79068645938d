package specs

import (
	"strings"
)

// MaxServiceNameLength is the longest service name the engine accepts
const MaxServiceNameLength = 63

// Role distinguishes the two engine services of a dynamic service
type Role string

const (
	RoleSidecar Role = "sidecar"
	RoleProxy   Role = "proxy"
)

// Labels written on engine services
const (
	LabelNodeUUID           = "uuid"
	LabelServiceKey         = "service_key"
	LabelServiceTag         = "service_tag"
	LabelStudyID            = "study_id"
	LabelUserID             = "user_id"
	LabelPathsMapping       = "paths_mapping"
	LabelComposeSpec        = "compose_spec"
	LabelTargetContainer    = "target_container"
	LabelSwarmStackName     = "swarm_stack_name"
	LabelZone               = "io.simcore.zone"
	LabelPort               = "port"
	LabelServicePort        = "service_port"
	LabelType               = "type"
	LabelDynamicType        = "dynamic_type"
	LabelTraefikNetwork     = "traefik.docker.network"
	LabelTraefikEnable      = "traefik.enable"
	LabelNanoCPUsLimit      = "nano_cpus_limit"
	LabelMemLimit           = "mem_limit"
	LabelNetworkDescription = "com.simcore.description"
)

// Values of LabelType
const (
	ServiceTypeMain       = "main"
	ServiceTypeDependency = "dependency"
)

// DynamicType marks services owned by this control plane
const DynamicType = "dynamic-sidecar"

// DefaultServicePort is used until a port setting tells the real one
const DefaultServicePort = 65534

func truncateServiceName(name string) string {
	if len(name) > MaxServiceNameLength {
		return name[:MaxServiceNameLength]
	}
	return name
}

func projectShort(projectID string) string {
	if len(projectID) > 2 {
		return projectID[:2]
	}
	return projectID
}

func serviceKeySuffix(serviceKey string) string {
	parts := strings.Split(serviceKey, "/")
	return parts[len(parts)-1]
}

// ServiceName derives the engine-unique name of one role of a dynamic service
func ServiceName(prefix, nodeUUID, projectID string, role Role, serviceKey string) string {
	return truncateServiceName(strings.Join([]string{
		prefix, nodeUUID, projectShort(projectID), string(role), serviceKeySuffix(serviceKey),
	}, "_"))
}

// ComposeNamespace prefixes the container names the sidecar starts on its node
func ComposeNamespace(prefix, nodeUUID string) string {
	return prefix + "_" + nodeUUID
}

// StackName names the dynamic network and the per-service proxy zone
func StackName(prefix, nodeUUID, projectID string) string {
	return strings.Join([]string{prefix, nodeUUID, projectShort(projectID)}, "_")
}

// Names groups every derived name of one dynamic service
type Names struct {
	SidecarServiceName string
	ProxyServiceName   string
	NetworkName        string
	Zone               string
}

func MakeNames(prefix, nodeUUID, projectID, serviceKey string) Names {
	stack := StackName(prefix, nodeUUID, projectID)
	return Names{
		SidecarServiceName: ServiceName(prefix, nodeUUID, projectID, RoleSidecar, serviceKey),
		ProxyServiceName:   ServiceName(prefix, nodeUUID, projectID, RoleProxy, serviceKey),
		NetworkName:        stack,
		Zone:               stack,
	}
}
