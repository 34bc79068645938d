package control

import (
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"
	"github.com/core-tools/hsu-dynsidecar/pkg/monitor"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthPublisher exposes the state of every monitored service through the
// gRPC health protocol, one health service name per node uuid.
// The empty service name reports the control plane itself.
type HealthPublisher struct {
	server *health.Server
	logger logging.Logger
}

// NewHealthPublisher starts with the control plane NOT_SERVING until SetReady
func NewHealthPublisher(logger logging.Logger) *HealthPublisher {
	server := health.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthPublisher{
		server: server,
		logger: logger,
	}
}

// RegisterGRPCServerHandler registers the health service on the gRPC server
func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, publisher *HealthPublisher) {
	healthpb.RegisterHealthServer(grpcServerRegistrar, publisher.server)
}

// ServingStatus maps a monitor entry state onto the health protocol
func ServingStatus(status monitor.OverallStatus, available bool) healthpb.HealthCheckResponse_ServingStatus {
	switch {
	case status.Value == monitor.StatusFailing:
		return healthpb.HealthCheckResponse_NOT_SERVING
	case available:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

func (p *HealthPublisher) ServiceUpdated(nodeUUID string, status monitor.OverallStatus, available bool) {
	servingStatus := ServingStatus(status, available)
	p.logger.Debugf("Publishing service health, node_uuid: %s, status: %s", nodeUUID, servingStatus)
	p.server.SetServingStatus(nodeUUID, servingStatus)
}

func (p *HealthPublisher) ServiceRemoved(nodeUUID string) {
	p.logger.Debugf("Publishing service removal, node_uuid: %s", nodeUUID)
	p.server.SetServingStatus(nodeUUID, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// SetReady reports the control plane itself
func (p *HealthPublisher) SetReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	p.server.SetServingStatus("", status)
}

// Shutdown makes every service report NOT_SERVING and ignores later updates
func (p *HealthPublisher) Shutdown() {
	p.server.Shutdown()
}
