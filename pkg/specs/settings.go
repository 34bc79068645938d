package specs

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
)

// Setting is one label-declared override of the sidecar service.
// Implementations: ResourceSetting, PortSetting, ConstraintSetting, EnvSetting, MountSetting.
type Setting interface {
	settingKind() string
}

// ResourceSetting overrides only the values it carries
type ResourceSetting struct {
	LimitNanoCPUs          *int64
	LimitMemoryBytes       *int64
	ReservationNanoCPUs    *int64
	ReservationMemoryBytes *int64
}

type PortSetting struct {
	Port     uint32
	Protocol string
}

type ConstraintSetting struct {
	Constraints []string
}

// EnvSetting holds raw "KEY=VALUE" entries
type EnvSetting struct {
	Vars []string
}

type MountSetting struct {
	Mounts []Mount
}

func (ResourceSetting) settingKind() string   { return "resources" }
func (PortSetting) settingKind() string       { return "ports" }
func (ConstraintSetting) settingKind() string { return "constraints" }
func (EnvSetting) settingKind() string        { return "env" }
func (MountSetting) settingKind() string      { return "mount" }

// ForwardEnvPrefix keeps forwarded variables apart from platform-reserved names
const ForwardEnvPrefix = "FORWARD_ENV_"

// RawSetting is the label wire shape
type RawSetting struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// ParseSettings normalizes the label-declared settings list.
// Unknown name/type combinations are dropped, malformed known ones are a ValidationError.
func ParseSettings(data []byte, logger logging.Logger) ([]Setting, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var raws []RawSetting
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, errors.NewValidationError("settings label is not a list of {name,type,value}", err)
	}
	return NormalizeSettings(raws, logger)
}

// NormalizeSettings resolves raw triples into typed settings
func NormalizeSettings(raws []RawSetting, logger logging.Logger) ([]Setting, error) {
	settings := make([]Setting, 0, len(raws))
	for i, raw := range raws {
		setting, err := normalizeSetting(raw)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid setting at index %d", i), err).
				WithContext("name", raw.Name).WithContext("type", raw.Type)
		}
		if setting == nil {
			logger.Debugf("Ignoring unsupported setting, name: %s, type: %s", raw.Name, raw.Type)
			continue
		}
		settings = append(settings, setting)
	}
	return settings, nil
}

func normalizeSetting(raw RawSetting) (Setting, error) {
	name := strings.ToLower(raw.Name)
	kind := strings.ToLower(raw.Type)

	switch {
	case kind == "resources":
		return parseResourceSetting(raw.Value)
	case name == "ports" && kind == "int":
		return parsePortSetting(raw.Value)
	case kind == "endpointspec":
		return parseEndpointSpecSetting(raw.Value)
	case name == "constraints" || kind == "constraints":
		var constraints []string
		if err := json.Unmarshal(raw.Value, &constraints); err != nil {
			return nil, err
		}
		return ConstraintSetting{Constraints: constraints}, nil
	case name == "env":
		var vars []string
		if err := json.Unmarshal(raw.Value, &vars); err != nil {
			return nil, err
		}
		return EnvSetting{Vars: vars}, nil
	case name == "mount":
		return parseMountSetting(raw.Value)
	}
	return nil, nil
}

type legacyResources struct {
	MemLimit       interface{} `json:"mem_limit"`
	CPULimit       interface{} `json:"cpu_limit"`
	MemReservation interface{} `json:"mem_reservation"`
	CPUReservation interface{} `json:"cpu_reservation"`
}

type nativeResources struct {
	Limits       *nativeResourceValues `json:"Limits"`
	Reservations *nativeResourceValues `json:"Reservations"`
}

type nativeResourceValues struct {
	NanoCPUs    *int64 `json:"NanoCPUs"`
	MemoryBytes *int64 `json:"MemoryBytes"`
}

func parseResourceSetting(value json.RawMessage) (Setting, error) {
	var native nativeResources
	if err := json.Unmarshal(value, &native); err != nil {
		return nil, err
	}
	if native.Limits != nil || native.Reservations != nil {
		setting := ResourceSetting{}
		if native.Limits != nil {
			setting.LimitNanoCPUs = native.Limits.NanoCPUs
			setting.LimitMemoryBytes = native.Limits.MemoryBytes
		}
		if native.Reservations != nil {
			setting.ReservationNanoCPUs = native.Reservations.NanoCPUs
			setting.ReservationMemoryBytes = native.Reservations.MemoryBytes
		}
		return setting, nil
	}

	var legacy legacyResources
	if err := json.Unmarshal(value, &legacy); err != nil {
		return nil, err
	}
	setting := ResourceSetting{}
	var err error
	if setting.LimitMemoryBytes, err = parseMemory(legacy.MemLimit); err != nil {
		return nil, err
	}
	if setting.ReservationMemoryBytes, err = parseMemory(legacy.MemReservation); err != nil {
		return nil, err
	}
	if setting.LimitNanoCPUs, err = parseCPUs(legacy.CPULimit); err != nil {
		return nil, err
	}
	if setting.ReservationNanoCPUs, err = parseCPUs(legacy.CPUReservation); err != nil {
		return nil, err
	}
	return setting, nil
}

// parseMemory accepts a byte count or a human size such as "2g" or "512MiB"
func parseMemory(value interface{}) (*int64, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		bytes := int64(v)
		return &bytes, nil
	case string:
		bytes, err := units.RAMInBytes(v)
		if err != nil {
			return nil, err
		}
		return &bytes, nil
	default:
		return nil, fmt.Errorf("unsupported memory value %v", value)
	}
}

// parseCPUs reads a legacy CPU value, already expressed in nano CPUs
func parseCPUs(value interface{}) (*int64, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		if v != math.Trunc(v) || v < 0 || v >= math.MaxInt64 {
			return nil, fmt.Errorf("cpu value %v is not a nano cpu count", value)
		}
		nano := int64(v)
		return &nano, nil
	case string:
		nano, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		if nano < 0 {
			return nil, fmt.Errorf("cpu value %v is not a nano cpu count", value)
		}
		return &nano, nil
	default:
		return nil, fmt.Errorf("unsupported cpu value %v", value)
	}
}

func parsePortSetting(value json.RawMessage) (Setting, error) {
	var number int
	if err := json.Unmarshal(value, &number); err == nil {
		return newPortSetting(strconv.Itoa(number))
	}
	var text string
	if err := json.Unmarshal(value, &text); err != nil {
		return nil, err
	}
	return newPortSetting(text)
}

// newPortSetting accepts "8888" or "8888/tcp"
func newPortSetting(raw string) (Setting, error) {
	proto, port := nat.SplitProtoPort(raw)
	if port == "" {
		return nil, fmt.Errorf("invalid port %q", raw)
	}
	number, err := nat.ParsePort(port)
	if err != nil {
		return nil, err
	}
	if number <= 0 {
		return nil, fmt.Errorf("invalid port %q", raw)
	}
	return PortSetting{Port: uint32(number), Protocol: proto}, nil
}

func parseEndpointSpecSetting(value json.RawMessage) (Setting, error) {
	var endpoint struct {
		Ports []struct {
			TargetPort uint32 `json:"TargetPort"`
			Protocol   string `json:"Protocol"`
		} `json:"Ports"`
	}
	if err := json.Unmarshal(value, &endpoint); err != nil {
		return nil, err
	}
	if len(endpoint.Ports) == 0 || endpoint.Ports[0].TargetPort == 0 {
		return nil, fmt.Errorf("endpoint spec has no target port")
	}
	protocol := endpoint.Ports[0].Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	return PortSetting{Port: endpoint.Ports[0].TargetPort, Protocol: protocol}, nil
}

func parseMountSetting(value json.RawMessage) (Setting, error) {
	var raws []struct {
		Source   string      `json:"Source"`
		Target   string      `json:"Target"`
		Type     string      `json:"Type"`
		ReadOnly interface{} `json:"ReadOnly"`
	}
	if err := json.Unmarshal(value, &raws); err != nil {
		return nil, err
	}
	setting := MountSetting{}
	for _, raw := range raws {
		if raw.Source == "" || raw.Target == "" {
			return nil, fmt.Errorf("mount requires Source and Target")
		}
		mountType := mount.Type(strings.ToLower(raw.Type))
		if mountType == "" {
			mountType = mount.TypeBind
		}
		setting.Mounts = append(setting.Mounts, Mount{
			Source:   raw.Source,
			Target:   raw.Target,
			Type:     mountType,
			ReadOnly: isReadOnly(raw.ReadOnly),
		})
	}
	return setting, nil
}

// isReadOnly defaults to true, only an explicit false makes a mount writable
func isReadOnly(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != "false" && v != "False"
	default:
		return true
	}
}

// ApplySettings injects settings into spec and keeps limits >= reservations
func ApplySettings(spec *EngineServiceSpec, settings []Setting) {
	for _, setting := range settings {
		switch s := setting.(type) {
		case ResourceSetting:
			applyResources(&spec.Resources, s)
		case PortSetting:
			port := strconv.FormatUint(uint64(s.Port), 10)
			spec.Labels[LabelPort] = port
			spec.Labels[LabelServicePort] = port
		case ConstraintSetting:
			spec.Constraints = append(spec.Constraints, s.Constraints...)
		case EnvSetting:
			for _, entry := range s.Vars {
				parts := strings.Split(entry, "=")
				if len(parts) != 2 {
					continue
				}
				spec.Env = append(spec.Env, ForwardEnvPrefix+parts[0]+"="+parts[1])
			}
		case MountSetting:
			spec.Mounts = append(spec.Mounts, s.Mounts...)
		}
	}
	spec.Resources.RaiseLimitsToReservations()
	spec.syncLimitLabels()
}

func applyResources(resources *Resources, s ResourceSetting) {
	if s.LimitNanoCPUs != nil {
		resources.Limits.NanoCPUs = *s.LimitNanoCPUs
	}
	if s.LimitMemoryBytes != nil {
		resources.Limits.MemoryBytes = *s.LimitMemoryBytes
	}
	if s.ReservationNanoCPUs != nil {
		resources.Reservations.NanoCPUs = *s.ReservationNanoCPUs
	}
	if s.ReservationMemoryBytes != nil {
		resources.Reservations.MemoryBytes = *s.ReservationMemoryBytes
	}
}

// BootOptionPrefix is prepended to every boot option variable
const BootOptionPrefix = "DY_BOOT_OPTION_"

// bootOptionEnv renders user boot option choices as env entries, ordered by key
func bootOptionEnv(options map[string]string) []string {
	vars := make([]string, 0, len(options))
	for _, key := range sortedKeys(options) {
		vars = append(vars, strings.ToUpper(BootOptionPrefix+key)+"="+options[key])
	}
	return vars
}
