package runner

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type ServerOptions struct {
	// ControlAddress serves gRPC, e.g. ":50075"
	ControlAddress string
	// MetricsAddress serves /metrics, e.g. ":9109"
	MetricsAddress string
}

// Server runs the gRPC control endpoint and the metrics endpoint
type Server struct {
	options ServerOptions
	grpc    *grpc.Server
	metrics *http.Server
	logger  logging.Logger

	mutex       sync.Mutex
	group       *errgroup.Group
	controlAddr net.Addr
	metricsAddr net.Addr
}

func NewServer(options ServerOptions, metricsHandler http.Handler, logger logging.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	return &Server{
		options: options,
		grpc:    grpc.NewServer(),
		metrics: &http.Server{
			Addr:              options.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// GRPC exposes the server for handler registration, before Start
func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

// Start listens on both addresses and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.group != nil {
		return errors.NewConflictError("server already started", nil)
	}

	var listenConfig net.ListenConfig
	controlListener, err := listenConfig.Listen(ctx, "tcp", s.options.ControlAddress)
	if err != nil {
		return errors.NewNetworkError("failed to listen", err).WithContext("address", s.options.ControlAddress)
	}
	metricsListener, err := listenConfig.Listen(ctx, "tcp", s.options.MetricsAddress)
	if err != nil {
		_ = controlListener.Close()
		return errors.NewNetworkError("failed to listen", err).WithContext("address", s.options.MetricsAddress)
	}
	s.controlAddr = controlListener.Addr()
	s.metricsAddr = metricsListener.Addr()

	s.group = &errgroup.Group{}
	s.group.Go(func() error {
		s.logger.Infof("Serving control, address: %s", controlListener.Addr())
		if err := s.grpc.Serve(controlListener); err != nil && err != grpc.ErrServerStopped {
			s.logger.Errorf("Control server failed: %v", err)
			return err
		}
		return nil
	})
	s.group.Go(func() error {
		s.logger.Infof("Serving metrics, address: %s", metricsListener.Addr())
		if err := s.metrics.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Metrics server failed: %v", err)
			return err
		}
		return nil
	})
	return nil
}

// ControlAddr is the bound gRPC address, nil before Start
func (s *Server) ControlAddr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.controlAddr
}

// MetricsAddr is the bound metrics address, nil before Start
func (s *Server) MetricsAddr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.metricsAddr
}

// Shutdown stops gracefully and forces the stop once ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	group := s.group
	s.mutex.Unlock()
	if group == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warnf("Forcing control server stop")
		s.grpc.Stop()
	}

	if err := s.metrics.Shutdown(ctx); err != nil {
		s.logger.Warnf("Forcing metrics server stop: %v", err)
		_ = s.metrics.Close()
	}

	if err := group.Wait(); err != nil {
		return errors.NewNetworkError("server stopped with error", err)
	}
	s.logger.Infof("Server stopped")
	return nil
}
