package orchestration

import (
	"context"
	"strconv"

	"github.com/core-tools/hsu-dynsidecar/pkg/engine"
	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"
	"github.com/core-tools/hsu-dynsidecar/pkg/monitor"
	"github.com/core-tools/hsu-dynsidecar/pkg/retry"
	"github.com/core-tools/hsu-dynsidecar/pkg/specs"

	"github.com/docker/docker/api/types/swarm"
	"github.com/go-playground/validator/v10"
)

// Engine is the engine API as used to start and stop stacks
type Engine interface {
	EnsureNetwork(ctx context.Context, spec engine.NetworkSpec) (string, error)
	GetSwarmNetwork(ctx context.Context, nameFragment string) (string, error)
	RemoveNetwork(ctx context.Context, nameOrID string) error
	CreateService(ctx context.Context, spec specs.EngineServiceSpec) (string, error)
	WaitForNodeID(ctx context.Context, serviceID string, options retry.Options) (string, error)
	ListServicesByLabel(ctx context.Context, labels map[string]string) ([]swarm.Service, error)
	CountServices(ctx context.Context, labels map[string]string) (int, error)
	RemoveStack(ctx context.Context, labels map[string]string) error
}

// ServiceMonitor is the monitor API as used to start and stop stacks
type ServiceMonitor interface {
	Add(entry monitor.Entry) error
	Remove(ctx context.Context, nodeUUID string)
	Get(nodeUUID string) (monitor.Entry, bool)
	Status(ctx context.Context, nodeUUID string) monitor.ServiceStateReply
}

// Recorder counts start and stop outcomes
type Recorder interface {
	ObserveServiceOperation(operation string, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveServiceOperation(operation string, err error) {}

type Options struct {
	Sidecar specs.SidecarOptions
	Proxy   specs.ProxyOptions
	// NodeIDWait bounds the wait for the sidecar to be scheduled
	NodeIDWait retry.Options
	Recorder   Recorder
}

// StartRequest describes one dynamic service to start
type StartRequest struct {
	NodeUUID        string `validate:"required,uuid"`
	ProjectID       string `validate:"required,uuid"`
	UserID          int64  `validate:"gt=0"`
	ServiceKey      string `validate:"required"`
	ServiceVersion  string `validate:"required"`
	PathsMapping    specs.PathsMapping
	ComposeSpec     specs.ComposeSpec
	TargetContainer string
	// Settings come from the service image labels
	Settings      []specs.RawSetting
	BootOptions   map[string]string
	RequestDNS    string `validate:"required"`
	RequestScheme string `validate:"required,oneof=http https"`
}

// Orchestrator starts and stops the engine stack of dynamic services
type Orchestrator struct {
	options  Options
	engine   Engine
	monitor  ServiceMonitor
	validate *validator.Validate
	logger   logging.Logger
}

func NewOrchestrator(options Options, engineClient Engine, serviceMonitor ServiceMonitor, logger logging.Logger) *Orchestrator {
	if options.Recorder == nil {
		options.Recorder = nopRecorder{}
	}
	return &Orchestrator{
		options:  options,
		engine:   engineClient,
		monitor:  serviceMonitor,
		validate: validator.New(),
		logger:   logger,
	}
}

// stackLabels select every service of one dynamic service
func (o *Orchestrator) stackLabels(nodeUUID string) map[string]string {
	return map[string]string{
		specs.LabelSwarmStackName: o.options.Sidecar.SwarmStackName,
		specs.LabelNodeUUID:       nodeUUID,
	}
}

// StartService registers the service with the monitor and creates its network, sidecar and proxy.
// Anything created before a failure is removed again.
func (o *Orchestrator) StartService(ctx context.Context, request StartRequest) error {
	err := o.startService(ctx, request)
	o.options.Recorder.ObserveServiceOperation("start", err)
	return err
}

func (o *Orchestrator) startService(ctx context.Context, request StartRequest) error {
	if err := o.validate.Struct(request); err != nil {
		return errors.NewValidationError("invalid start request", err).WithContext("node_uuid", request.NodeUUID)
	}
	if err := specs.ValidateServiceIdentity(request.ServiceKey, request.ServiceVersion); err != nil {
		return err
	}
	if err := specs.ValidateComposeTarget(request.ComposeSpec, request.TargetContainer); err != nil {
		return err
	}
	settings, err := specs.NormalizeSettings(request.Settings, o.logger)
	if err != nil {
		return err
	}

	names := specs.MakeNames(o.options.Sidecar.ServicePrefix, request.NodeUUID, request.ProjectID, request.ServiceKey)
	entry := monitor.Entry{
		ServiceName:        names.SidecarServiceName,
		NodeUUID:           request.NodeUUID,
		ServiceKey:         request.ServiceKey,
		ServiceVersion:     request.ServiceVersion,
		ProjectID:          request.ProjectID,
		UserID:             request.UserID,
		PathsMapping:       request.PathsMapping,
		ComposeSpec:        request.ComposeSpec,
		TargetContainer:    request.TargetContainer,
		DynamicNetworkName: names.NetworkName,
		TraefikZone:        names.Zone,
		ServicePort:        servicePort(settings),
		Hostname:           names.SidecarServiceName,
		Port:               o.options.Sidecar.Port,
		RequestDNS:         request.RequestDNS,
		RequestScheme:      request.RequestScheme,
		ProxyServiceName:   names.ProxyServiceName,
	}
	if err := o.monitor.Add(entry); err != nil {
		return err
	}

	o.logger.Infof("Starting service, node_uuid: %s, key: %s, version: %s", request.NodeUUID, request.ServiceKey, request.ServiceVersion)

	networkID, err := o.createStack(ctx, request, names, settings)
	if err != nil {
		o.rollback(context.WithoutCancel(ctx), request.NodeUUID, networkID, err)
		return err
	}

	o.logger.Infof("Started service, node_uuid: %s, sidecar: %s, proxy: %s", request.NodeUUID, names.SidecarServiceName, names.ProxyServiceName)
	return nil
}

// createStack returns the id of the dynamic network as soon as it exists, also on failure
func (o *Orchestrator) createStack(ctx context.Context, request StartRequest, names specs.Names, settings []specs.Setting) (string, error) {
	networkID, err := o.engine.EnsureNetwork(ctx, engine.NetworkSpec{
		Name: names.NetworkName,
		Labels: map[string]string{
			specs.LabelZone:               names.Zone,
			specs.LabelNetworkDescription: "interactive network for " + request.ServiceKey,
			specs.LabelNodeUUID:           request.NodeUUID,
		},
	})
	if err != nil {
		return "", err
	}

	swarmNetworkID, err := o.engine.GetSwarmNetwork(ctx, o.options.Proxy.SwarmNetworkName)
	if err != nil {
		return networkID, err
	}

	sidecarSpec, err := specs.BuildSidecarSpec(o.options.Sidecar, specs.SidecarRequest{
		NodeUUID:         request.NodeUUID,
		ProjectID:        request.ProjectID,
		UserID:           request.UserID,
		ServiceKey:       request.ServiceKey,
		ServiceVersion:   request.ServiceVersion,
		PathsMapping:     request.PathsMapping,
		ComposeSpec:      request.ComposeSpec,
		TargetContainer:  request.TargetContainer,
		BootOptions:      request.BootOptions,
		DynamicNetworkID: networkID,
		SwarmNetworkID:   swarmNetworkID,
	}, settings)
	if err != nil {
		return networkID, err
	}
	sidecarID, err := o.engine.CreateService(ctx, sidecarSpec)
	if err != nil {
		return networkID, err
	}

	nodeID, err := o.engine.WaitForNodeID(ctx, sidecarID, o.options.NodeIDWait)
	if err != nil {
		return networkID, err
	}

	proxySpec, err := specs.BuildProxySpec(o.options.Proxy, specs.ProxyRequest{
		NodeUUID:         request.NodeUUID,
		ProjectID:        request.ProjectID,
		UserID:           request.UserID,
		ServiceKey:       request.ServiceKey,
		SidecarNodeID:    nodeID,
		DynamicNetworkID: networkID,
		SwarmNetworkID:   swarmNetworkID,
		RequestScheme:    request.RequestScheme,
		RequestDNS:       request.RequestDNS,
	})
	if err != nil {
		return networkID, err
	}
	if _, err := o.engine.CreateService(ctx, proxySpec); err != nil {
		return networkID, err
	}

	count, err := o.engine.CountServices(ctx, o.stackLabels(request.NodeUUID))
	if err != nil {
		return networkID, err
	}
	if count != 2 {
		return networkID, errors.NewEngineError("unexpected number of stack services", nil).
			WithContext("node_uuid", request.NodeUUID).WithContext("count", count)
	}
	return networkID, nil
}

func (o *Orchestrator) rollback(ctx context.Context, nodeUUID, networkID string, cause error) {
	o.logger.Warnf("Rolling back service start, node_uuid: %s, cause: %v", nodeUUID, cause)

	o.monitor.Remove(ctx, nodeUUID)

	collected := errors.NewErrorCollection()
	if err := o.engine.RemoveStack(ctx, o.stackLabels(nodeUUID)); err != nil {
		collected.Add(err)
	}
	if networkID != "" {
		if err := o.engine.RemoveNetwork(ctx, networkID); err != nil {
			collected.Add(err)
		}
	}
	if err := collected.ToError(); err != nil {
		o.logger.Errorf("Rollback incomplete, node_uuid: %s, error: %v", nodeUUID, err)
	}
}

// StopService tears down the sidecar, forgets the entry, then removes the services and the network
func (o *Orchestrator) StopService(ctx context.Context, nodeUUID string) error {
	err := o.stopService(ctx, nodeUUID)
	o.options.Recorder.ObserveServiceOperation("stop", err)
	return err
}

func (o *Orchestrator) stopService(ctx context.Context, nodeUUID string) error {
	services, err := o.engine.ListServicesByLabel(ctx, o.stackLabels(nodeUUID))
	if err != nil {
		return err
	}

	networkName := ""
	entry, monitored := o.monitor.Get(nodeUUID)
	if monitored {
		networkName = entry.DynamicNetworkName
	} else {
		for _, service := range services {
			if service.Spec.Labels[specs.LabelType] == specs.ServiceTypeMain {
				networkName = service.Spec.Labels[specs.LabelTraefikNetwork]
			}
		}
	}
	if !monitored && len(services) == 0 {
		return errors.NewNotFoundError("service not found", nil).WithContext("node_uuid", nodeUUID)
	}

	o.logger.Infof("Stopping service, node_uuid: %s, services: %d", nodeUUID, len(services))
	o.monitor.Remove(ctx, nodeUUID)

	collected := errors.NewErrorCollection()
	if err := o.engine.RemoveStack(ctx, o.stackLabels(nodeUUID)); err != nil {
		collected.Add(err)
	}
	if networkName != "" {
		if err := o.engine.RemoveNetwork(ctx, networkName); err != nil {
			collected.Add(err)
		}
	}
	if err := collected.ToError(); err != nil {
		return err
	}

	o.logger.Infof("Stopped service, node_uuid: %s", nodeUUID)
	return nil
}

// ServiceStatus reports the state of one dynamic service
func (o *Orchestrator) ServiceStatus(ctx context.Context, nodeUUID string) monitor.ServiceStateReply {
	return o.monitor.Status(ctx, nodeUUID)
}

// ListServices reports every dynamic service of a user, optionally restricted to one project
func (o *Orchestrator) ListServices(ctx context.Context, userID int64, projectID string) ([]monitor.ServiceStateReply, error) {
	labels := monitor.RecoveryLabels(o.options.Sidecar.SwarmStackName)
	labels[specs.LabelUserID] = strconv.FormatInt(userID, 10)
	if projectID != "" {
		labels[specs.LabelStudyID] = projectID
	}

	services, err := o.engine.ListServicesByLabel(ctx, labels)
	if err != nil {
		return nil, err
	}

	replies := make([]monitor.ServiceStateReply, 0, len(services))
	for _, service := range services {
		nodeUUID := service.Spec.Labels[specs.LabelNodeUUID]
		if nodeUUID == "" {
			continue
		}
		replies = append(replies, o.monitor.Status(ctx, nodeUUID))
	}
	return replies, nil
}

// servicePort is the port the user service listens on, as told by a port setting
func servicePort(settings []specs.Setting) int {
	port := specs.DefaultServicePort
	for _, setting := range settings {
		if s, ok := setting.(specs.PortSetting); ok {
			port = int(s.Port)
		}
	}
	return port
}
