package specs

import (
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/swarm"
)

// ResourceValues are expressed in engine units
type ResourceValues struct {
	NanoCPUs    int64 `json:"NanoCPUs"`
	MemoryBytes int64 `json:"MemoryBytes"`
}

type Resources struct {
	Limits       ResourceValues `json:"Limits"`
	Reservations ResourceValues `json:"Reservations"`
}

// RaiseLimitsToReservations guarantees limits >= reservations by raising limits.
// A zero limit means unlimited and is left alone.
func (r *Resources) RaiseLimitsToReservations() {
	if r.Limits.NanoCPUs != 0 && r.Limits.NanoCPUs < r.Reservations.NanoCPUs {
		r.Limits.NanoCPUs = r.Reservations.NanoCPUs
	}
	if r.Limits.MemoryBytes != 0 && r.Limits.MemoryBytes < r.Reservations.MemoryBytes {
		r.Limits.MemoryBytes = r.Reservations.MemoryBytes
	}
}

type Mount struct {
	Source   string     `json:"Source"`
	Target   string     `json:"Target"`
	Type     mount.Type `json:"Type"`
	ReadOnly bool       `json:"ReadOnly"`
}

type PortConfig struct {
	Protocol      string
	TargetPort    uint32
	PublishedPort uint32
}

// RestartDelay separates restarts of a failed sidecar or proxy task
const RestartDelay = 5 * time.Millisecond

type RestartPolicy struct {
	Condition   swarm.RestartPolicyCondition
	Delay       time.Duration
	MaxAttempts uint64
}

// EngineServiceSpec is the typed service creation request handed to the engine
type EngineServiceSpec struct {
	Name            string
	Labels          map[string]string
	Image           string
	Command         []string
	Env             []string
	Hostname        string
	ContainerLabels map[string]string
	Mounts          []Mount
	Networks        []string
	Constraints     []string
	Resources       Resources
	RestartPolicy   *RestartPolicy
	Ports           []PortConfig
	Replicas        uint64
}

// ToSwarm converts the spec to the docker SDK payload
func (s EngineServiceSpec) ToSwarm() swarm.ServiceSpec {
	replicas := s.Replicas
	containerSpec := &swarm.ContainerSpec{
		Image:    s.Image,
		Env:      append([]string(nil), s.Env...),
		Hostname: s.Hostname,
		Labels:   copyStringMap(s.ContainerLabels),
	}
	if len(s.Command) > 0 {
		containerSpec.Command = append([]string(nil), s.Command...)
	}
	for _, m := range s.Mounts {
		mountType := m.Type
		if mountType == "" {
			mountType = mount.TypeBind
		}
		containerSpec.Mounts = append(containerSpec.Mounts, mount.Mount{
			Type:     mountType,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	taskTemplate := swarm.TaskSpec{
		ContainerSpec: containerSpec,
		Resources: &swarm.ResourceRequirements{
			Limits: &swarm.Limit{
				NanoCPUs:    s.Resources.Limits.NanoCPUs,
				MemoryBytes: s.Resources.Limits.MemoryBytes,
			},
			Reservations: &swarm.Resources{
				NanoCPUs:    s.Resources.Reservations.NanoCPUs,
				MemoryBytes: s.Resources.Reservations.MemoryBytes,
			},
		},
	}
	if len(s.Constraints) > 0 {
		taskTemplate.Placement = &swarm.Placement{Constraints: append([]string(nil), s.Constraints...)}
	}
	if s.RestartPolicy != nil {
		delay := s.RestartPolicy.Delay
		maxAttempts := s.RestartPolicy.MaxAttempts
		taskTemplate.RestartPolicy = &swarm.RestartPolicy{
			Condition:   s.RestartPolicy.Condition,
			Delay:       &delay,
			MaxAttempts: &maxAttempts,
		}
	}
	for _, network := range s.Networks {
		taskTemplate.Networks = append(taskTemplate.Networks, swarm.NetworkAttachmentConfig{Target: network})
	}

	spec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   s.Name,
			Labels: copyStringMap(s.Labels),
		},
		TaskTemplate: taskTemplate,
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
	}
	if len(s.Ports) > 0 {
		endpoint := &swarm.EndpointSpec{Mode: swarm.ResolutionModeVIP}
		for _, port := range s.Ports {
			endpoint.Ports = append(endpoint.Ports, swarm.PortConfig{
				Protocol:      swarm.PortConfigProtocol(port.Protocol),
				TargetPort:    port.TargetPort,
				PublishedPort: port.PublishedPort,
				PublishMode:   swarm.PortConfigPublishModeIngress,
			})
		}
		spec.EndpointSpec = endpoint
	}
	return spec
}

// syncLimitLabels mirrors the final limits on the container labels
func (s *EngineServiceSpec) syncLimitLabels() {
	if s.ContainerLabels == nil {
		s.ContainerLabels = make(map[string]string)
	}
	s.ContainerLabels[LabelNanoCPUsLimit] = strconv.FormatInt(s.Resources.Limits.NanoCPUs, 10)
	s.ContainerLabels[LabelMemLimit] = strconv.FormatInt(s.Resources.Limits.MemoryBytes, 10)
}

// ServiceSpecBuilder assembles an EngineServiceSpec step by step
type ServiceSpecBuilder struct {
	spec EngineServiceSpec
}

func NewServiceSpecBuilder(name, image string) *ServiceSpecBuilder {
	return &ServiceSpecBuilder{
		spec: EngineServiceSpec{
			Name:            name,
			Image:           image,
			Labels:          make(map[string]string),
			ContainerLabels: make(map[string]string),
			Replicas:        1,
		},
	}
}

func (b *ServiceSpecBuilder) WithLabel(key, value string) *ServiceSpecBuilder {
	b.spec.Labels[key] = value
	return b
}

func (b *ServiceSpecBuilder) WithLabels(labels map[string]string) *ServiceSpecBuilder {
	for key, value := range labels {
		b.spec.Labels[key] = value
	}
	return b
}

func (b *ServiceSpecBuilder) WithContainerLabel(key, value string) *ServiceSpecBuilder {
	b.spec.ContainerLabels[key] = value
	return b
}

func (b *ServiceSpecBuilder) WithEnv(key, value string) *ServiceSpecBuilder {
	b.spec.Env = append(b.spec.Env, key+"="+value)
	return b
}

func (b *ServiceSpecBuilder) WithCommand(args ...string) *ServiceSpecBuilder {
	b.spec.Command = append(b.spec.Command, args...)
	return b
}

func (b *ServiceSpecBuilder) WithHostname(hostname string) *ServiceSpecBuilder {
	b.spec.Hostname = hostname
	return b
}

func (b *ServiceSpecBuilder) WithMount(m Mount) *ServiceSpecBuilder {
	b.spec.Mounts = append(b.spec.Mounts, m)
	return b
}

func (b *ServiceSpecBuilder) WithNetwork(networkID string) *ServiceSpecBuilder {
	if networkID != "" {
		b.spec.Networks = append(b.spec.Networks, networkID)
	}
	return b
}

func (b *ServiceSpecBuilder) WithConstraint(constraint string) *ServiceSpecBuilder {
	b.spec.Constraints = append(b.spec.Constraints, constraint)
	return b
}

func (b *ServiceSpecBuilder) WithResources(resources Resources) *ServiceSpecBuilder {
	b.spec.Resources = resources
	return b
}

func (b *ServiceSpecBuilder) WithRestartOnFailure(delay time.Duration, maxAttempts uint64) *ServiceSpecBuilder {
	b.spec.RestartPolicy = &RestartPolicy{
		Condition:   swarm.RestartPolicyConditionOnFailure,
		Delay:       delay,
		MaxAttempts: maxAttempts,
	}
	return b
}

func (b *ServiceSpecBuilder) WithPort(port PortConfig) *ServiceSpecBuilder {
	b.spec.Ports = append(b.spec.Ports, port)
	return b
}

// Build returns an independent copy, the builder can keep being used
func (b *ServiceSpecBuilder) Build() EngineServiceSpec {
	spec := b.spec
	spec.Labels = copyStringMap(b.spec.Labels)
	spec.ContainerLabels = copyStringMap(b.spec.ContainerLabels)
	spec.Command = append([]string(nil), b.spec.Command...)
	spec.Env = append([]string(nil), b.spec.Env...)
	spec.Mounts = append([]Mount(nil), b.spec.Mounts...)
	spec.Networks = append([]string(nil), b.spec.Networks...)
	spec.Constraints = append([]string(nil), b.spec.Constraints...)
	spec.Ports = append([]PortConfig(nil), b.spec.Ports...)
	if b.spec.RestartPolicy != nil {
		policy := *b.spec.RestartPolicy
		spec.RestartPolicy = &policy
	}
	return spec
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func sortedKeys(in map[string]string) []string {
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
