package specs

import (
	"fmt"
	"strconv"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"

	"github.com/docker/docker/api/types/mount"
)

// ProxyEntrypointPort is the fixed internal port traefik listens on
const ProxyEntrypointPort = 80

const proxyAllowedMethods = "GET,OPTIONS,PUT,POST,DELETE,PATCH,HEAD"

// ProxyOptions come from configuration
type ProxyOptions struct {
	Image          string
	LogLevel       string
	ServicePrefix  string
	SwarmStackName string
	// SwarmNetworkName is the shared network the platform traefik watches
	SwarmNetworkName string
	// PlatformZone is the io.simcore.zone served by the platform traefik
	PlatformZone string
	Resources    Resources
}

// ProxyRequest carries the per-service values of a proxy
type ProxyRequest struct {
	NodeUUID         string `validate:"required,uuid"`
	ProjectID        string `validate:"required,uuid"`
	UserID           int64  `validate:"gt=0"`
	ServiceKey       string `validate:"required"`
	SidecarNodeID    string `validate:"required"`
	DynamicNetworkID string `validate:"required"`
	SwarmNetworkID   string `validate:"required"`
	RequestScheme    string `validate:"required,oneof=http https"`
	RequestDNS       string `validate:"required"`
}

// BuildProxySpec assembles the traefik entrypoint of one dynamic service.
// It runs on the sidecar's node and only routes containers of the service's own zone.
func BuildProxySpec(options ProxyOptions, request ProxyRequest) (EngineServiceSpec, error) {
	if err := validate.Struct(request); err != nil {
		return EngineServiceSpec{}, errors.NewValidationError("invalid proxy request", err).WithContext("node_uuid", request.NodeUUID)
	}

	names := MakeNames(options.ServicePrefix, request.NodeUUID, request.ProjectID, request.ServiceKey)
	name := names.ProxyServiceName
	router := "traefik.http.routers." + name
	headers := "traefik.http.middlewares." + name + "-security-headers.headers"

	labels := map[string]string{
		LabelZone:           options.PlatformZone,
		LabelSwarmStackName: options.SwarmStackName,
		LabelTraefikNetwork: options.SwarmNetworkName,
		LabelTraefikEnable:  "true",
		LabelType:           ServiceTypeDependency,
		LabelDynamicType:    DynamicType,
		LabelStudyID:        request.ProjectID,
		LabelUserID:         strconv.FormatInt(request.UserID, 10),
		LabelNodeUUID:       request.NodeUUID,
	}
	labels[headers+".customresponseheaders.Content-Security-Policy"] = "frame-ancestors " + request.RequestDNS
	labels[headers+".accesscontrolallowmethods"] = proxyAllowedMethods
	labels[headers+".accessControlAllowOriginList"] = request.RequestScheme + "://" + request.RequestDNS
	labels[headers+".accesscontrolmaxage"] = "100"
	labels[headers+".addvaryheader"] = "true"
	labels["traefik.http.services."+name+".loadbalancer.server.port"] = strconv.Itoa(ProxyEntrypointPort)
	labels[router+".entrypoints"] = "http"
	labels[router+".priority"] = "10"
	labels[router+".rule"] = fmt.Sprintf("hostregexp(`%s.services.{host:.+}`)", request.NodeUUID)
	labels[router+".middlewares"] = fmt.Sprintf("%s_gzip@docker, %s-security-headers", options.SwarmStackName, name)

	builder := NewServiceSpecBuilder(name, options.Image).
		WithLabels(labels).
		WithCommand(
			"traefik",
			"--log.level="+options.LogLevel,
			"--accesslog=false",
			fmt.Sprintf("--entryPoints.http.address=:%d", ProxyEntrypointPort),
			"--entryPoints.http.forwardedHeaders.insecure",
			"--providers.docker.endpoint=unix://"+DockerSocket,
			"--providers.docker.network="+names.NetworkName,
			"--providers.docker.exposedByDefault=false",
			fmt.Sprintf("--providers.docker.constraints=Label(`%s`, `%s`)", LabelZone, names.Zone),
		).
		WithMount(Mount{Source: DockerSocket, Target: DockerSocket, Type: mount.TypeBind, ReadOnly: true}).
		WithNetwork(request.SwarmNetworkID).
		WithNetwork(request.DynamicNetworkID).
		WithConstraint("node.platform.os == linux").
		WithConstraint("node.id == " + request.SidecarNodeID).
		WithResources(options.Resources).
		WithRestartOnFailure(RestartDelay, 2)

	spec := builder.Build()
	spec.Resources.RaiseLimitsToReservations()
	return spec, nil
}
