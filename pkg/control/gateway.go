package control

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-dynsidecar/pkg/domain"
	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"
	"github.com/core-tools/hsu-dynsidecar/pkg/retry"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Dial opens an insecure client connection to the control port
func Dial(host string, port int) (*grpc.ClientConn, error) {
	address := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.NewNetworkError("failed to create grpc client", err).WithContext("address", address)
	}
	return conn, nil
}

var _ domain.Contract = (*ClientGateway)(nil)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) *ClientGateway {
	return &ClientGateway{
		grpcClient: healthpb.NewHealthClient(grpcClientConnection),
		logger:     logger,
	}
}

// ClientGateway queries the health service of a running control plane
type ClientGateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

// Status returns the serving status published for nodeUUID, the empty node uuid is the control plane itself
func (gw *ClientGateway) Status(ctx context.Context, nodeUUID string) (string, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: nodeUUID})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", errors.NewNotFoundError("service not published", err).WithContext("node_uuid", nodeUUID)
		}
		gw.logger.Errorf("Status client gateway: %v", err)
		return "", errors.NewNetworkError("health check failed", err).WithContext("node_uuid", nodeUUID)
	}
	gw.logger.Debugf("Status client gateway done, node_uuid: %s", nodeUUID)
	return response.Status.String(), nil
}

// WaitReady polls the control plane until it reports SERVING
func (gw *ClientGateway) WaitReady(ctx context.Context, options retry.Options) error {
	return retry.Poll(ctx, options, func(ctx context.Context) (bool, error) {
		servingStatus, err := gw.Status(ctx, "")
		if err != nil {
			return false, err
		}
		return servingStatus == healthpb.HealthCheckResponse_SERVING.String(), nil
	})
}
