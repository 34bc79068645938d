package runner

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-dynsidecar/pkg/config"
	"github.com/core-tools/hsu-dynsidecar/pkg/control"
	"github.com/core-tools/hsu-dynsidecar/pkg/engine"
	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"
	"github.com/core-tools/hsu-dynsidecar/pkg/metrics"
	"github.com/core-tools/hsu-dynsidecar/pkg/monitor"
	"github.com/core-tools/hsu-dynsidecar/pkg/orchestration"
	"github.com/core-tools/hsu-dynsidecar/pkg/retry"
	"github.com/core-tools/hsu-dynsidecar/pkg/sidecar"
)

// Controller owns every component of the control plane
type Controller struct {
	config       *config.Config
	engine       *engine.Client
	monitor      *monitor.Monitor
	orchestrator *orchestration.Orchestrator
	health       *control.HealthPublisher
	collectors   *metrics.Collectors
	server       *Server
	logger       logging.Logger
}

func NewController(cfg *config.Config, backend *logging.ZapBackend) (*Controller, error) {
	logger := backend.Logger(logging.ModulePrefix("runner"))
	collectors := metrics.NewCollectors()

	engineClient, err := engine.NewClient(collectors, backend.Logger(logging.ModulePrefix("engine")))
	if err != nil {
		return nil, err
	}

	sidecarClient := sidecar.NewClient(sidecar.Options{
		HealthTimeout:  cfg.Sidecar.HealthTimeout,
		RequestTimeout: cfg.Sidecar.RequestTimeout,
	}, backend.Logger(logging.ModulePrefix("sidecar")))

	health := control.NewHealthPublisher(backend.Logger(logging.ModulePrefix("control")))

	serviceMonitor := monitor.NewMonitor(monitor.Options{
		Interval:             cfg.Monitor.Interval,
		MaxStatusAPIDuration: cfg.Monitor.MaxStatusAPIDuration,
		Registry:             cfg.Sidecar.Registry,
		SwarmStackName:       cfg.Sidecar.SwarmStackName,
		SidecarPort:          cfg.Sidecar.Port,
		Recorder:             collectors,
		Listener:             health,
	}, sidecarClient, engineClient, backend.Logger(logging.ModulePrefix("monitor")))

	orchestrator := orchestration.NewOrchestrator(orchestration.Options{
		Sidecar: cfg.SidecarOptions(),
		Proxy:   cfg.ProxyOptions(),
		NodeIDWait: retry.Options{
			Interval: cfg.Sidecar.NodeIDPollInterval,
			Deadline: cfg.Sidecar.NodeIDTimeout,
		},
		Recorder: collectors,
	}, engineClient, serviceMonitor, backend.Logger(logging.ModulePrefix("orchestration")))

	server := NewServer(ServerOptions{
		ControlAddress: fmt.Sprintf(":%d", cfg.Server.ControlPort),
		MetricsAddress: fmt.Sprintf(":%d", cfg.Server.MetricsPort),
	}, collectors.Handler(), logger)
	control.RegisterGRPCServerHandler(server.GRPC(), health)

	return &Controller{
		config:       cfg,
		engine:       engineClient,
		monitor:      serviceMonitor,
		orchestrator: orchestrator,
		health:       health,
		collectors:   collectors,
		server:       server,
		logger:       logger,
	}, nil
}

// Orchestrator starts and stops dynamic services on this control plane
func (c *Controller) Orchestrator() *orchestration.Orchestrator {
	return c.orchestrator
}

// Start serves the control and metrics endpoints, recovers entries and starts the monitor
func (c *Controller) Start(ctx context.Context) error {
	if err := c.server.Start(ctx); err != nil {
		return err
	}

	if *c.config.Monitor.RecoverOnStart {
		recovered, err := c.monitor.Recover(ctx)
		if err != nil {
			c.logger.Errorf("Recovery failed, continuing without recovered services: %v", err)
		} else {
			c.logger.Infof("Recovered services, count: %d", recovered)
		}
	}

	if *c.config.Monitor.Enabled {
		if err := c.monitor.Start(ctx); err != nil {
			return err
		}
	} else {
		c.logger.Warnf("Monitor is DISABLED, services will not be reconciled")
	}

	c.health.SetReady(true)
	return nil
}

// Stop shuts down in reverse order. Every step runs, failures are collected.
func (c *Controller) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Server.ForceShutdownTimeout)
	defer cancel()

	collected := errors.NewErrorCollection()
	c.health.SetReady(false)

	if *c.config.Monitor.Enabled {
		if err := c.monitor.Stop(ctx); err != nil {
			collected.Add(err)
		}
	}
	c.health.Shutdown()
	if err := c.server.Shutdown(ctx); err != nil {
		collected.Add(err)
	}
	if err := c.engine.Close(); err != nil {
		collected.Add(errors.NewEngineError("failed to close engine client", err))
	}
	return collected.ToError()
}
