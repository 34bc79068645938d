package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/servicestate"
	"github.com/core-tools/hsu-dynsidecar/pkg/sidecar"
	"github.com/core-tools/hsu-dynsidecar/pkg/specs"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testNodeUUID  = "4a4f1d8e-8d2b-4b5a-9f49-6cb0b9a3d1e2"
	testProjectID = "7c1e3f0a-1d2b-4c3d-8e4f-5a6b7c8d9e0f"
)

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

// fakeSidecar answers like a sidecar with switchable health
type fakeSidecar struct {
	healthy      atomic.Bool
	healthDelay  time.Duration
	inflight     atomic.Int32
	maxInflight  atomic.Int32
	healthCalls  atomic.Int32
	submitCalls  atomic.Int32
	inspectCalls atomic.Int32
	teardowns    atomic.Int32

	mu         sync.Mutex
	submitErr  error
	statuses   map[string]servicestate.DockerStatus
	statusErr  error
	inspect    map[string]sidecar.ContainerInspectData
	inspectErr error
	submitted  []string
	panicOn    string
}

func (f *fakeSidecar) IsHealthy(ctx context.Context, endpoint string) bool {
	current := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		observed := f.maxInflight.Load()
		if current <= observed || f.maxInflight.CompareAndSwap(observed, current) {
			break
		}
	}
	f.healthCalls.Add(1)

	f.mu.Lock()
	panicOn := f.panicOn
	f.mu.Unlock()
	if panicOn == "health" {
		panic("sidecar exploded")
	}

	if f.healthDelay > 0 {
		time.Sleep(f.healthDelay)
	}
	return f.healthy.Load()
}

func (f *fakeSidecar) ContainersDockerStatus(ctx context.Context, endpoint string) (map[string]servicestate.DockerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statuses, nil
}

func (f *fakeSidecar) StartServiceCreation(ctx context.Context, endpoint string, composeSpec string) (bool, error) {
	f.submitCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return false, f.submitErr
	}
	f.submitted = append(f.submitted, composeSpec)
	return true, nil
}

func (f *fakeSidecar) ContainersInspect(ctx context.Context, endpoint string) (map[string]sidecar.ContainerInspectData, error) {
	f.inspectCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	return f.inspect, nil
}

func (f *fakeSidecar) BeginServiceDestruction(ctx context.Context, endpoint string) {
	f.teardowns.Add(1)
}

type fakeEngine struct {
	mu       sync.Mutex
	state    servicestate.ServiceState
	message  string
	stateErr error
	services []swarm.Service
}

func (f *fakeEngine) GetSidecarState(ctx context.Context, serviceID string) (servicestate.ServiceState, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.message, f.stateErr
}

func (f *fakeEngine) ListServicesByLabel(ctx context.Context, labels map[string]string) ([]swarm.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services, nil
}

func testEntry() Entry {
	names := specs.MakeNames("dy", testNodeUUID, testProjectID, "simcore/services/dynamic/jupyter-lab")
	return Entry{
		ServiceName:        names.SidecarServiceName,
		NodeUUID:           testNodeUUID,
		ServiceKey:         "simcore/services/dynamic/jupyter-lab",
		ServiceVersion:     "1.2.3",
		ProjectID:          testProjectID,
		UserID:             42,
		PathsMapping:       specs.PathsMapping{InputsPath: "/inputs", OutputsPath: "/outputs"},
		DynamicNetworkName: names.NetworkName,
		TraefikZone:        names.Zone,
		ServicePort:        8888,
		Hostname:           names.SidecarServiceName,
		Port:               8000,
	}
}

func newTestMonitor(sidecarClient *fakeSidecar, engineClient *fakeEngine) *Monitor {
	return NewMonitor(Options{
		Interval:             10 * time.Millisecond,
		MaxStatusAPIDuration: 50 * time.Millisecond,
		Registry:             "registry.osparc.io",
		SwarmStackName:       "simcore",
		SidecarPort:          8000,
	}, sidecarClient, engineClient, newMockLogger())
}

func TestAdd(t *testing.T) {
	m := newTestMonitor(&fakeSidecar{}, &fakeEngine{})

	require.NoError(t, m.Add(testEntry()))

	t.Run("duplicate_node_uuid_is_conflict", func(t *testing.T) {
		err := m.Add(testEntry())
		assert.True(t, errors.IsConflictError(err))
	})

	t.Run("duplicate_service_name_is_conflict", func(t *testing.T) {
		entry := testEntry()
		entry.NodeUUID = "9b2f1d8e-8d2b-4b5a-9f49-6cb0b9a3d1e2"
		err := m.Add(entry)
		assert.True(t, errors.IsConflictError(err))
	})

	t.Run("empty_service_name", func(t *testing.T) {
		entry := testEntry()
		entry.ServiceName = ""
		assert.True(t, errors.IsValidationError(m.Add(entry)))
	})

	t.Run("invalid_node_uuid", func(t *testing.T) {
		entry := testEntry()
		entry.NodeUUID = "not-a-uuid"
		entry.ServiceName = "other"
		assert.True(t, errors.IsValidationError(m.Add(entry)))
	})

	t.Run("original_entry_kept", func(t *testing.T) {
		entry, ok := m.Get(testNodeUUID)
		require.True(t, ok)
		assert.Equal(t, StatusOK, entry.OverallStatus.Value)
		assert.Len(t, m.List(), 1)
	})
}

func TestRemove(t *testing.T) {
	sidecarClient := &fakeSidecar{}
	m := newTestMonitor(sidecarClient, &fakeEngine{})
	ctx := context.Background()

	m.Remove(ctx, testNodeUUID)
	assert.Equal(t, int32(0), sidecarClient.teardowns.Load())

	require.NoError(t, m.Add(testEntry()))
	m.Remove(ctx, testNodeUUID)
	assert.Equal(t, int32(1), sidecarClient.teardowns.Load())

	_, ok := m.Get(testNodeUUID)
	assert.False(t, ok)

	// node uuid and service name are free again
	require.NoError(t, m.Add(testEntry()))
}

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown_node_uuid", func(t *testing.T) {
		m := newTestMonitor(&fakeSidecar{}, &fakeEngine{})
		reply := m.Status(ctx, testNodeUUID)
		assert.Equal(t, StateError, reply.ServiceState)
		assert.Contains(t, reply.ServiceMessage, "not found")
		assert.Equal(t, testNodeUUID, reply.ServiceUUID)
	})

	t.Run("sidecar_not_running", func(t *testing.T) {
		m := newTestMonitor(&fakeSidecar{}, &fakeEngine{state: servicestate.ServiceStatePending, message: "no suitable node"})
		require.NoError(t, m.Add(testEntry()))

		reply := m.Status(ctx, testNodeUUID)
		assert.Equal(t, "pending", reply.ServiceState)
		assert.Equal(t, "no suitable node", reply.ServiceMessage)
		assert.Equal(t, 8888, reply.ServicePort)
		assert.Equal(t, 80, reply.PublishedPort)
		assert.Equal(t, testEntry().ServiceName, reply.ServiceHost)
	})

	t.Run("container_statuses_unavailable", func(t *testing.T) {
		sidecarClient := &fakeSidecar{statusErr: errors.NewNetworkError("refused", nil)}
		m := newTestMonitor(sidecarClient, &fakeEngine{state: servicestate.ServiceStateRunning})
		require.NoError(t, m.Add(testEntry()))

		assert.Equal(t, "starting", m.Status(ctx, testNodeUUID).ServiceState)
	})

	t.Run("no_containers_yet", func(t *testing.T) {
		sidecarClient := &fakeSidecar{statuses: map[string]servicestate.DockerStatus{}}
		m := newTestMonitor(sidecarClient, &fakeEngine{state: servicestate.ServiceStateRunning})
		require.NoError(t, m.Add(testEntry()))

		reply := m.Status(ctx, testNodeUUID)
		assert.Equal(t, "starting", reply.ServiceState)
		assert.Equal(t, servicestate.ContainersNotCreatedMessage, reply.ServiceMessage)
	})

	t.Run("containers_reduced", func(t *testing.T) {
		sidecarClient := &fakeSidecar{statuses: map[string]servicestate.DockerStatus{
			"web": {Status: "running"},
			"db":  {Status: "created", Error: "booting"},
		}}
		m := newTestMonitor(sidecarClient, &fakeEngine{state: servicestate.ServiceStateRunning})
		require.NoError(t, m.Add(testEntry()))

		reply := m.Status(ctx, testNodeUUID)
		assert.Equal(t, "starting", reply.ServiceState)
		assert.Equal(t, "booting", reply.ServiceMessage)
	})

	t.Run("failing_entry", func(t *testing.T) {
		m := newTestMonitor(&fakeSidecar{}, &fakeEngine{state: servicestate.ServiceStateRunning})
		entry := testEntry()
		entry.OverallStatus = failingStatus("compose spec rejected")
		require.NoError(t, m.Add(entry))

		reply := m.Status(ctx, testNodeUUID)
		assert.Equal(t, "failed", reply.ServiceState)
		assert.Equal(t, "compose spec rejected", reply.ServiceMessage)
	})

	t.Run("reply_json_shape", func(t *testing.T) {
		m := newTestMonitor(&fakeSidecar{}, &fakeEngine{})
		data, err := json.Marshal(m.Status(ctx, testNodeUUID))
		require.NoError(t, err)

		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &fields))
		for _, key := range []string{"service_state", "service_message", "service_uuid", "service_key",
			"service_version", "service_host", "service_port", "published_port"} {
			assert.Contains(t, fields, key)
		}
	})
}

func TestReconcileAppliesSpecOnce(t *testing.T) {
	sidecarClient := &fakeSidecar{}
	m := newTestMonitor(sidecarClient, &fakeEngine{})
	require.NoError(t, m.Add(testEntry()))
	ctx := context.Background()

	cycle := func() {
		m.runCycle(ctx)
		m.inflight.Wait()
	}

	cycle()
	entry, _ := m.Get(testNodeUUID)
	assert.False(t, entry.IsAvailable)
	assert.False(t, entry.ComposeSpecSubmitted)
	assert.Equal(t, int32(0), sidecarClient.submitCalls.Load())

	sidecarClient.healthy.Store(true)
	cycle()
	entry, _ = m.Get(testNodeUUID)
	assert.True(t, entry.IsAvailable)
	assert.True(t, entry.ComposeSpecSubmitted)
	assert.Equal(t, int32(1), sidecarClient.submitCalls.Load())
	require.Len(t, sidecarClient.submitted, 1)
	assert.Contains(t, sidecarClient.submitted[0], "registry.osparc.io/simcore/services/dynamic/jupyter-lab:1.2.3")

	sidecarClient.healthy.Store(false)
	cycle()
	sidecarClient.healthy.Store(true)
	cycle()
	assert.Equal(t, int32(1), sidecarClient.submitCalls.Load())
}

func TestReconcileInspect(t *testing.T) {
	sidecarClient := &fakeSidecar{}
	sidecarClient.healthy.Store(true)
	sidecarClient.inspect = map[string]sidecar.ContainerInspectData{
		"web": {ContainerJSONBase: &types.ContainerJSONBase{ID: "abc", Name: "/web", State: &types.ContainerState{Status: "running"}}},
	}
	m := newTestMonitor(sidecarClient, &fakeEngine{})
	require.NoError(t, m.Add(testEntry()))
	ctx := context.Background()

	m.runCycle(ctx)
	m.inflight.Wait()

	entry, _ := m.Get(testNodeUUID)
	require.Len(t, entry.ContainersInspect, 1)
	assert.Equal(t, "abc", entry.ContainersInspect[0].ID)
	assert.Equal(t, "web", entry.ContainersInspect[0].Name)
	assert.Equal(t, "running", entry.ContainersInspect[0].Status)

	t.Run("fetch_failure_keeps_snapshot", func(t *testing.T) {
		sidecarClient.mu.Lock()
		sidecarClient.inspectErr = errors.NewNetworkError("refused", nil)
		sidecarClient.mu.Unlock()

		m.runCycle(ctx)
		m.inflight.Wait()

		entry, _ := m.Get(testNodeUUID)
		assert.Len(t, entry.ContainersInspect, 1)
		assert.Equal(t, StatusOK, entry.OverallStatus.Value)
	})
}

func TestReconcileFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected_spec_is_terminal", func(t *testing.T) {
		sidecarClient := &fakeSidecar{submitErr: errors.NewSidecarError("compose spec rejected with status 422", nil)}
		sidecarClient.healthy.Store(true)
		m := newTestMonitor(sidecarClient, &fakeEngine{})
		require.NoError(t, m.Add(testEntry()))

		m.runCycle(ctx)
		m.inflight.Wait()
		entry, _ := m.Get(testNodeUUID)
		assert.Equal(t, StatusFailing, entry.OverallStatus.Value)
		assert.Contains(t, entry.OverallStatus.Info, "422")

		// no further reconciliation
		calls := sidecarClient.healthCalls.Load()
		m.runCycle(ctx)
		m.inflight.Wait()
		assert.Equal(t, calls, sidecarClient.healthCalls.Load())
	})

	t.Run("transport_error_is_retried", func(t *testing.T) {
		sidecarClient := &fakeSidecar{submitErr: errors.NewNetworkError("connection refused", nil)}
		sidecarClient.healthy.Store(true)
		m := newTestMonitor(sidecarClient, &fakeEngine{})
		require.NoError(t, m.Add(testEntry()))

		m.runCycle(ctx)
		m.inflight.Wait()
		entry, _ := m.Get(testNodeUUID)
		assert.Equal(t, StatusOK, entry.OverallStatus.Value)
		assert.False(t, entry.ComposeSpecSubmitted)

		sidecarClient.mu.Lock()
		sidecarClient.submitErr = nil
		sidecarClient.mu.Unlock()
		m.runCycle(ctx)
		m.inflight.Wait()
		entry, _ = m.Get(testNodeUUID)
		assert.True(t, entry.ComposeSpecSubmitted)
	})

	t.Run("panic_is_retried_next_cycle", func(t *testing.T) {
		sidecarClient := &fakeSidecar{panicOn: "health"}
		m := newTestMonitor(sidecarClient, &fakeEngine{})
		require.NoError(t, m.Add(testEntry()))

		m.runCycle(ctx)
		m.inflight.Wait()
		entry, _ := m.Get(testNodeUUID)
		assert.Equal(t, StatusOK, entry.OverallStatus.Value)
		assert.False(t, entry.IsAvailable)

		m.runCycle(ctx)
		m.inflight.Wait()
		assert.Equal(t, int32(2), sidecarClient.healthCalls.Load())
	})

	t.Run("invalid_compose_marks_failing", func(t *testing.T) {
		sidecarClient := &fakeSidecar{}
		sidecarClient.healthy.Store(true)
		m := newTestMonitor(sidecarClient, &fakeEngine{})
		entry := testEntry()
		entry.TargetContainer = "web"
		require.NoError(t, m.Add(entry))

		m.runCycle(ctx)
		m.inflight.Wait()
		stored, _ := m.Get(testNodeUUID)
		assert.Equal(t, StatusFailing, stored.OverallStatus.Value)
		assert.Equal(t, int32(0), sidecarClient.submitCalls.Load())
	})
}

func TestAtMostOneReconciliationInFlight(t *testing.T) {
	sidecarClient := &fakeSidecar{healthDelay: 60 * time.Millisecond}
	m := NewMonitor(Options{
		Interval:             10 * time.Millisecond,
		MaxStatusAPIDuration: time.Second,
	}, sidecarClient, &fakeEngine{}, newMockLogger())
	require.NoError(t, m.Add(testEntry()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	time.Sleep(150 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, m.Stop(stopCtx))

	assert.Equal(t, int32(1), sidecarClient.maxInflight.Load())
	assert.GreaterOrEqual(t, sidecarClient.healthCalls.Load(), int32(1))
	// several ticks elapsed during each slow health check
	assert.Less(t, sidecarClient.healthCalls.Load(), int32(15))
}

func TestStartStop(t *testing.T) {
	m := newTestMonitor(&fakeSidecar{}, &fakeEngine{})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	assert.True(t, errors.IsConflictError(m.Start(ctx)))
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))

	t.Run("invalid_interval", func(t *testing.T) {
		bad := NewMonitor(Options{}, &fakeSidecar{}, &fakeEngine{}, newMockLogger())
		assert.True(t, errors.IsValidationError(bad.Start(ctx)))
	})
}

func TestRemovedEntryResultDropped(t *testing.T) {
	sidecarClient := &fakeSidecar{healthDelay: 50 * time.Millisecond}
	sidecarClient.healthy.Store(true)
	m := newTestMonitor(sidecarClient, &fakeEngine{})
	require.NoError(t, m.Add(testEntry()))
	ctx := context.Background()

	m.runCycle(ctx)
	m.Remove(ctx, testNodeUUID)
	m.inflight.Wait()

	_, ok := m.Get(testNodeUUID)
	assert.False(t, ok)
}

func TestRecover(t *testing.T) {
	request := specs.SidecarRequest{
		NodeUUID:         testNodeUUID,
		ProjectID:        testProjectID,
		UserID:           42,
		ServiceKey:       "simcore/services/dynamic/jupyter-lab",
		ServiceVersion:   "1.2.3",
		PathsMapping:     specs.PathsMapping{InputsPath: "/inputs", OutputsPath: "/outputs", StatePaths: []string{"/work"}},
		TargetContainer:  "web",
		DynamicNetworkID: "dyn-net-id",
		SwarmNetworkID:   "swarm-net-id",
	}
	require.NoError(t, json.Unmarshal([]byte(`{"version":"3.8","services":{"web":{"image":"nginx"}}}`), &request.ComposeSpec))

	spec, err := specs.BuildSidecarSpec(specs.SidecarOptions{
		Image:          "local/dynamic-sidecar:production",
		Port:           8000,
		ServicePrefix:  "dy",
		SwarmStackName: "simcore",
	}, request, []specs.Setting{specs.PortSetting{Port: 8888, Protocol: "tcp"}})
	require.NoError(t, err)

	names := specs.MakeNames("dy", testNodeUUID, testProjectID, request.ServiceKey)
	expected := Entry{
		ServiceName:        names.SidecarServiceName,
		NodeUUID:           testNodeUUID,
		ServiceKey:         request.ServiceKey,
		ServiceVersion:     request.ServiceVersion,
		ProjectID:          testProjectID,
		UserID:             42,
		PathsMapping:       request.PathsMapping,
		ComposeSpec:        request.ComposeSpec,
		TargetContainer:    "web",
		DynamicNetworkName: names.NetworkName,
		TraefikZone:        names.Zone,
		ServicePort:        8888,
		Hostname:           names.SidecarServiceName,
		Port:               8000,
		OverallStatus:      okStatus(),
	}

	broken := swarm.Service{}
	broken.Spec.Name = "broken"
	broken.Spec.Labels = map[string]string{specs.LabelNodeUUID: "x"}

	sidecarClient := &fakeSidecar{statuses: map[string]servicestate.DockerStatus{"web": {Status: "running"}}}
	engineClient := &fakeEngine{services: []swarm.Service{{Spec: spec.ToSwarm()}, broken}}
	m := newTestMonitor(sidecarClient, engineClient)

	recovered, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	entry, ok := m.Get(testNodeUUID)
	require.True(t, ok)
	assert.True(t, entry.ComposeSpecSubmitted)
	entry.ComposeSpecSubmitted = false
	assert.Equal(t, expected, entry)

	t.Run("second_recovery_is_noop", func(t *testing.T) {
		recovered, err := m.Recover(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, recovered)
	})
}
