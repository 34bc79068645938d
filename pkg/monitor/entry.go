package monitor

import (
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/sidecar"
	"github.com/core-tools/hsu-dynsidecar/pkg/specs"
)

// StatusValue is the reconciliation health of an entry
type StatusValue int

const (
	StatusOK StatusValue = iota
	// StatusFailing is terminal, the entry is no longer reconciled
	StatusFailing
)

func (s StatusValue) String() string {
	if s == StatusFailing {
		return "FAILING"
	}
	return "OK"
}

// OverallStatus pairs the status with a diagnostic
type OverallStatus struct {
	Value StatusValue
	Info  string
}

func okStatus() OverallStatus {
	return OverallStatus{Value: StatusOK, Info: "initialized"}
}

func failingStatus(info string) OverallStatus {
	return OverallStatus{Value: StatusFailing, Info: info}
}

// ContainerInspect is the last known state of one container of the service
type ContainerInspect struct {
	Status      string
	Name        string
	ID          string
	LastUpdated time.Time
}

// Entry is one monitored dynamic service
type Entry struct {
	ServiceName string
	NodeUUID    string

	ServiceKey         string
	ServiceVersion     string
	ProjectID          string
	UserID             int64
	PathsMapping       specs.PathsMapping
	ComposeSpec        specs.ComposeSpec
	TargetContainer    string
	DynamicNetworkName string
	TraefikZone        string
	ServicePort        int
	// Hostname and Port locate the sidecar API
	Hostname string
	Port     int

	// Request-only values, not recoverable from labels
	RequestDNS       string
	RequestScheme    string
	ProxyServiceName string

	OverallStatus        OverallStatus
	IsAvailable          bool
	ComposeSpecSubmitted bool
	ContainersInspect    []ContainerInspect
}

// Endpoint is the base URL of the sidecar API
func (e *Entry) Endpoint() string {
	return sidecar.Endpoint(e.Hostname, e.Port)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.ContainersInspect = append([]ContainerInspect(nil), e.ContainersInspect...)
	if e.PathsMapping.StatePaths != nil {
		c.PathsMapping.StatePaths = append([]string(nil), e.PathsMapping.StatePaths...)
	}
	return &c
}

// EntryFromLabels rebuilds an entry from the labels of a sidecar service.
// Runtime fields start from their initial values.
func EntryFromLabels(stored specs.StoredLabels, sidecarPort int) Entry {
	return Entry{
		ServiceName:        stored.ServiceName,
		NodeUUID:           stored.NodeUUID,
		ServiceKey:         stored.ServiceKey,
		ServiceVersion:     stored.ServiceTag,
		ProjectID:          stored.ProjectID,
		UserID:             stored.UserID,
		PathsMapping:       stored.PathsMapping,
		ComposeSpec:        stored.ComposeSpec,
		TargetContainer:    stored.TargetContainer,
		DynamicNetworkName: stored.DynamicNetworkName,
		TraefikZone:        stored.Zone,
		ServicePort:        stored.ServicePort,
		Hostname:           stored.ServiceName,
		Port:               sidecarPort,
		OverallStatus:      okStatus(),
	}
}
