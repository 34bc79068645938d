package domain

import (
	"context"

	"github.com/core-tools/hsu-dynsidecar/pkg/retry"
)

// Contract is what a client can ask a running control plane
type Contract interface {
	// Status returns the serving status of a dynamic service, "" asks about the control plane
	Status(ctx context.Context, nodeUUID string) (string, error)
	WaitReady(ctx context.Context, options retry.Options) error
}
