package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"
	"github.com/core-tools/hsu-dynsidecar/pkg/servicestate"
	"github.com/core-tools/hsu-dynsidecar/pkg/sidecar"

	"github.com/docker/docker/api/types/swarm"
	"github.com/google/uuid"
)

// SidecarClient is the sidecar API as used by the monitor
type SidecarClient interface {
	IsHealthy(ctx context.Context, endpoint string) bool
	ContainersDockerStatus(ctx context.Context, endpoint string) (map[string]servicestate.DockerStatus, error)
	StartServiceCreation(ctx context.Context, endpoint string, composeSpec string) (bool, error)
	ContainersInspect(ctx context.Context, endpoint string) (map[string]sidecar.ContainerInspectData, error)
	BeginServiceDestruction(ctx context.Context, endpoint string)
}

// EngineClient is the engine API as used by the monitor
type EngineClient interface {
	GetSidecarState(ctx context.Context, serviceID string) (servicestate.ServiceState, string, error)
	ListServicesByLabel(ctx context.Context, labels map[string]string) ([]swarm.Service, error)
}

// Recorder receives loop measurements
type Recorder interface {
	ObserveCycle(scheduled, skipped int)
	ObserveReconcile(duration time.Duration)
	ObserveHandler(handler string, err error)
	SetMonitoredServices(count int)
	ObserveStatusReply(state string)
}

// StatusListener is told about status and availability changes of entries
type StatusListener interface {
	ServiceUpdated(nodeUUID string, status OverallStatus, available bool)
	ServiceRemoved(nodeUUID string)
}

type Options struct {
	Interval             time.Duration
	MaxStatusAPIDuration time.Duration
	// Registry replaces ${SIMCORE_REGISTRY} in compose specs
	Registry       string
	SwarmStackName string
	SidecarPort    int
	Recorder       Recorder
	Listener       StatusListener
}

// record holds one entry. lock is held for the duration of a reconciliation.
type record struct {
	lock  sync.Mutex
	entry *Entry
}

// Monitor owns the monitored entries and reconciles them periodically
type Monitor struct {
	options  Options
	sidecar  SidecarClient
	engine   EngineClient
	handlers []Handler
	logger   logging.Logger

	mutex        sync.RWMutex
	entries      map[string]*record // by node uuid
	serviceNames map[string]string  // service name -> node uuid

	runMutex sync.Mutex
	running  bool
	stopChan chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
}

func NewMonitor(options Options, sidecarClient SidecarClient, engineClient EngineClient, logger logging.Logger) *Monitor {
	if options.Recorder == nil {
		options.Recorder = nopRecorder{}
	}
	if options.Listener == nil {
		options.Listener = nopListener{}
	}
	m := &Monitor{
		options:      options,
		sidecar:      sidecarClient,
		engine:       engineClient,
		logger:       logger,
		entries:      make(map[string]*record),
		serviceNames: make(map[string]string),
	}
	m.handlers = []Handler{
		&applySpecHandler{sidecar: sidecarClient, registry: options.Registry, logger: logger},
		&inspectHandler{sidecar: sidecarClient, logger: logger},
	}
	return m
}

// Add registers an entry. A node uuid or service name can be registered only once.
func (m *Monitor) Add(entry Entry) error {
	if entry.ServiceName == "" {
		return errors.NewValidationError("service name cannot be empty", nil)
	}
	if _, err := uuid.Parse(entry.NodeUUID); err != nil {
		return errors.NewValidationError("invalid node uuid", err).WithContext("node_uuid", entry.NodeUUID)
	}

	m.mutex.Lock()
	if _, exists := m.entries[entry.NodeUUID]; exists {
		m.mutex.Unlock()
		return errors.NewConflictError("node uuid already monitored", nil).WithContext("node_uuid", entry.NodeUUID)
	}
	if owner, exists := m.serviceNames[entry.ServiceName]; exists {
		m.mutex.Unlock()
		return errors.NewConflictError("service name already monitored", nil).
			WithContext("service", entry.ServiceName).WithContext("node_uuid", owner)
	}

	added := entry.clone()
	if added.OverallStatus == (OverallStatus{}) {
		added.OverallStatus = okStatus()
	}
	m.entries[entry.NodeUUID] = &record{entry: added}
	m.serviceNames[entry.ServiceName] = entry.NodeUUID
	count := len(m.entries)
	m.mutex.Unlock()

	m.logger.Infof("Adding service, node_uuid: %s, name: %s", entry.NodeUUID, entry.ServiceName)
	m.options.Recorder.SetMonitoredServices(count)
	m.options.Listener.ServiceUpdated(entry.NodeUUID, added.OverallStatus, added.IsAvailable)
	return nil
}

// Remove tears the sidecar down, best-effort, and forgets the entry. Unknown node uuids are ignored.
func (m *Monitor) Remove(ctx context.Context, nodeUUID string) {
	m.mutex.RLock()
	rec, exists := m.entries[nodeUUID]
	var endpoint string
	if exists {
		endpoint = rec.entry.Endpoint()
	}
	m.mutex.RUnlock()

	if !exists {
		m.logger.Debugf("Remove of unknown service ignored, node_uuid: %s", nodeUUID)
		return
	}

	m.sidecar.BeginServiceDestruction(ctx, endpoint)

	m.mutex.Lock()
	if current, ok := m.entries[nodeUUID]; ok && current == rec {
		delete(m.entries, nodeUUID)
		delete(m.serviceNames, rec.entry.ServiceName)
	}
	count := len(m.entries)
	m.mutex.Unlock()

	m.logger.Infof("Removed service, node_uuid: %s", nodeUUID)
	m.options.Recorder.SetMonitoredServices(count)
	m.options.Listener.ServiceRemoved(nodeUUID)
}

// Get returns a snapshot of the entry
func (m *Monitor) Get(nodeUUID string) (Entry, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	rec, exists := m.entries[nodeUUID]
	if !exists {
		return Entry{}, false
	}
	return *rec.entry.clone(), true
}

// List returns snapshots of every entry ordered by node uuid
func (m *Monitor) List() []Entry {
	m.mutex.RLock()
	entries := make([]Entry, 0, len(m.entries))
	for _, rec := range m.entries {
		entries = append(entries, *rec.entry.clone())
	}
	m.mutex.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].NodeUUID < entries[j].NodeUUID
	})
	return entries
}

// Start runs the reconciliation loop until ctx is done or Stop is called
func (m *Monitor) Start(ctx context.Context) error {
	if m.options.Interval <= 0 {
		return errors.NewValidationError("monitor interval must be positive", nil)
	}

	m.runMutex.Lock()
	defer m.runMutex.Unlock()
	if m.running {
		return errors.NewConflictError("monitor already running", nil)
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.loopDone = make(chan struct{})

	m.logger.Infof("Starting monitor, interval: %v", m.options.Interval)
	go m.loop(ctx, m.stopChan, m.loopDone)
	return nil
}

// Stop ends the loop and waits for in-flight reconciliations until ctx is done
func (m *Monitor) Stop(ctx context.Context) error {
	m.runMutex.Lock()
	if !m.running {
		m.runMutex.Unlock()
		return nil
	}
	m.running = false
	close(m.stopChan)
	loopDone := m.loopDone
	m.runMutex.Unlock()

	<-loopDone

	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		m.logger.Infof("Monitor stopped")
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("in-flight reconciliations did not finish", ctx.Err())
	}
}

func (m *Monitor) loop(ctx context.Context, stopChan <-chan struct{}, loopDone chan<- struct{}) {
	defer close(loopDone)

	ticker := time.NewTicker(m.options.Interval)
	defer ticker.Stop()

	// reconciliations outlive a stop request
	reconcileCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case <-ticker.C:
			m.runCycle(reconcileCtx)
		}
	}
}

// runCycle schedules one reconciliation per entry whose previous one has finished
func (m *Monitor) runCycle(ctx context.Context) {
	scheduled, skipped := 0, 0

	m.mutex.RLock()
	for nodeUUID, rec := range m.entries {
		if !rec.lock.TryLock() {
			m.logger.Debugf("Reconciliation still running, skipping, node_uuid: %s", nodeUUID)
			skipped++
			continue
		}
		scheduled++
		m.inflight.Add(1)
		go func(nodeUUID string, rec *record) {
			defer m.inflight.Done()
			defer rec.lock.Unlock()
			m.reconcile(ctx, nodeUUID, rec)
		}(nodeUUID, rec)
	}
	m.mutex.RUnlock()

	m.options.Recorder.ObserveCycle(scheduled, skipped)
}

// reconcile works on a copy of the entry and publishes it at the end
func (m *Monitor) reconcile(ctx context.Context, nodeUUID string, rec *record) {
	m.mutex.RLock()
	entry := rec.entry.clone()
	m.mutex.RUnlock()

	if entry.OverallStatus.Value == StatusFailing {
		return
	}

	started := time.Now()
	previous := *entry.clone()
	defer func() {
		if r := recover(); r != nil {
			// partial changes are discarded, the next cycle retries
			m.logger.Errorf("Reconciliation panicked, node_uuid: %s, panic: %v, stack: %s", nodeUUID, r, debug.Stack())
			restored := previous
			entry = &restored
		}
		m.options.Recorder.ObserveReconcile(time.Since(started))
		m.commit(nodeUUID, rec, &previous, entry)
	}()

	if err := m.reconcileEntry(ctx, entry); err != nil {
		m.logger.Errorf("Reconciliation failed, node_uuid: %s, error: %v", nodeUUID, err)
		entry.OverallStatus = failingStatus(err.Error())
	}
}

func (m *Monitor) reconcileEntry(ctx context.Context, entry *Entry) error {
	healthCtx, cancel := context.WithTimeout(ctx, m.options.MaxStatusAPIDuration)
	entry.IsAvailable = m.sidecar.IsHealthy(healthCtx, entry.Endpoint())
	cancel()

	for _, handler := range m.handlers {
		if !handler.WillTrigger(entry) {
			continue
		}
		err := handler.Action(ctx, entry)
		m.options.Recorder.ObserveHandler(handler.Name(), err)
		if err != nil {
			return errors.NewInternalError(fmt.Sprintf("handler %s failed", handler.Name()), err)
		}
		if entry.OverallStatus.Value == StatusFailing {
			break
		}
	}
	return nil
}

// commit publishes the reconciled entry unless it was removed meanwhile
func (m *Monitor) commit(nodeUUID string, rec *record, previous, updated *Entry) {
	m.mutex.Lock()
	current, exists := m.entries[nodeUUID]
	if !exists || current != rec {
		m.mutex.Unlock()
		m.logger.Debugf("Dropping reconciliation result of removed service, node_uuid: %s", nodeUUID)
		return
	}
	rec.entry = updated
	m.mutex.Unlock()

	if previous.OverallStatus != updated.OverallStatus {
		if updated.OverallStatus.Value == StatusFailing {
			m.logger.Errorf("Service status changed, node_uuid: %s, status: %s -> %s, info: %s",
				nodeUUID, previous.OverallStatus.Value, updated.OverallStatus.Value, updated.OverallStatus.Info)
		} else {
			m.logger.Infof("Service status changed, node_uuid: %s, status: %s -> %s, info: %s",
				nodeUUID, previous.OverallStatus.Value, updated.OverallStatus.Value, updated.OverallStatus.Info)
		}
	}
	if previous.IsAvailable != updated.IsAvailable {
		m.logger.Infof("Sidecar availability changed, node_uuid: %s, available: %t", nodeUUID, updated.IsAvailable)
	}
	if previous.OverallStatus != updated.OverallStatus || previous.IsAvailable != updated.IsAvailable {
		m.options.Listener.ServiceUpdated(nodeUUID, updated.OverallStatus, updated.IsAvailable)
	}
}

type nopRecorder struct{}

func (nopRecorder) ObserveCycle(scheduled, skipped int)      {}
func (nopRecorder) ObserveReconcile(duration time.Duration)  {}
func (nopRecorder) ObserveHandler(handler string, err error) {}
func (nopRecorder) SetMonitoredServices(count int)           {}
func (nopRecorder) ObserveStatusReply(state string)          {}

type nopListener struct{}

func (nopListener) ServiceUpdated(nodeUUID string, status OverallStatus, available bool) {}
func (nopListener) ServiceRemoved(nodeUUID string)                                      {}
