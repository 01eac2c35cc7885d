package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tier identifies which memory tier a resource instance resides in.
type Tier int

const (
	TierUnspecified Tier = iota
	TierFast
	TierMedium
	TierSlow
)

// Tiers lists the memory tiers from fastest to slowest.
var Tiers = []Tier{TierFast, TierMedium, TierSlow}

func (t Tier) String() string {
	switch t {
	case TierUnspecified:
		return "none"
	case TierFast:
		return "fast"
	case TierMedium:
		return "medium"
	case TierSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the three memory tiers.
func (t Tier) Valid() bool {
	return t >= TierFast && t <= TierSlow
}

// FasterThan reports whether t is a faster tier than o.
func (t Tier) FasterThan(o Tier) bool {
	return t.Valid() && o.Valid() && t < o
}

// Slower returns the next slower tier, or TierUnspecified for the slowest tier.
func (t Tier) Slower() Tier {
	if !t.Valid() || t == TierSlow {
		return TierUnspecified
	}
	return t + 1
}

// ParseTier parses a tier name. The empty string parses as TierUnspecified.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TierUnspecified, nil
	case "fast":
		return TierFast, nil
	case "medium":
		return TierMedium, nil
	case "slow":
		return TierSlow, nil
	}
	return TierUnspecified, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Priority orders resources for eviction. High priority resources are
// evicted last.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Capability is a task a resource can serve. The set is closed; unknown
// capabilities are rejected when a resource is registered.
type Capability string

const (
	CapTextGeneration Capability = "text-generation"
	CapCodeGeneration Capability = "code-generation"
	CapReasoning      Capability = "reasoning"
	CapToolCalling    Capability = "tool-calling"
	CapSpeechToText   Capability = "speech-to-text"
	CapTextToSpeech   Capability = "text-to-speech"
	CapClassification Capability = "classification"
	CapEmbedding      Capability = "embedding"
	CapSystemAdmin    Capability = "system-administration"
	CapGeneral        Capability = "general"
)

var knownCapabilities = map[Capability]bool{
	CapTextGeneration: true,
	CapCodeGeneration: true,
	CapReasoning:      true,
	CapToolCalling:    true,
	CapSpeechToText:   true,
	CapTextToSpeech:   true,
	CapClassification: true,
	CapEmbedding:      true,
	CapSystemAdmin:    true,
	CapGeneral:        true,
}

func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !knownCapabilities[c] {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// CapabilitySet is a sorted, de-duplicated list of capabilities.
type CapabilitySet []Capability

// NewCapabilitySet validates and normalizes the given capability names.
func NewCapabilitySet(names ...string) (CapabilitySet, error) {
	seen := make(map[Capability]bool, len(names))
	set := make(CapabilitySet, 0, len(names))
	for _, n := range names {
		c, err := ParseCapability(n)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		set = append(set, c)
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set, nil
}

// Normalize re-validates s and returns it sorted and de-duplicated. Sets
// built by hand need this before Has and Overlap can be used.
func (s CapabilitySet) Normalize() (CapabilitySet, error) {
	return NewCapabilitySet(s.Strings()...)
}

func (s CapabilitySet) Has(c Capability) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= c })
	return i < len(s) && s[i] == c
}

// Overlap counts the capabilities present in both sets.
func (s CapabilitySet) Overlap(o CapabilitySet) int {
	n := 0
	for _, c := range o {
		if s.Has(c) {
			n++
		}
	}
	return n
}

func (s CapabilitySet) Strings() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = string(c)
	}
	return out
}

// State is the residency state of a resource instance.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateResident
	StateUnloading
	StateCached
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateResident:
		return "resident"
	case StateUnloading:
		return "unloading"
	case StateCached:
		return "cached"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateUnloaded; st <= StateCached; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}

// Operation is the kind of work a migration job performs.
type Operation int

const (
	OpLoad Operation = iota
	OpUnload
	OpPromote
	OpDemote
)

func (o Operation) String() string {
	switch o {
	case OpLoad:
		return "load"
	case OpUnload:
		return "unload"
	case OpPromote:
		return "promote"
	case OpDemote:
		return "demote"
	default:
		return "unknown"
	}
}

func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "load":
		return OpLoad, nil
	case "unload":
		return OpUnload, nil
	case "promote":
		return OpPromote, nil
	case "demote":
		return OpDemote, nil
	}
	return OpLoad, fmt.Errorf("unknown operation %q", s)
}

func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Operation) UnmarshalText(b []byte) error {
	parsed, err := ParseOperation(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// JobStatus is the status of a migration job.
type JobStatus int

const (
	JobRunning JobStatus = iota
	JobSuccess
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobRunning:
		return "running"
	case JobSuccess:
		return "success"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobStatus) UnmarshalText(b []byte) error {
	for st := JobRunning; st <= JobFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown job status %q", string(b))
}

// Class is the requested priority class used by the selector to weigh tier
// affinity.
type Class int

const (
	ClassBalanced Class = iota
	ClassSpeed
	ClassQuality
)

func (c Class) String() string {
	switch c {
	case ClassBalanced:
		return "balanced"
	case ClassSpeed:
		return "speed"
	case ClassQuality:
		return "quality"
	default:
		return "unknown"
	}
}

func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "balanced":
		return ClassBalanced, nil
	case "speed":
		return ClassSpeed, nil
	case "quality":
		return ClassQuality, nil
	}
	return ClassBalanced, fmt.Errorf("unknown class %q", s)
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	parsed, err := ParseClass(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ResourceSpec describes a loadable resource. It is immutable once registered.
type ResourceSpec struct {
	Name         string
	SizeBytes    int64
	TierAffinity Tier
	Capabilities CapabilitySet
	Priority     Priority
	// Source locates the payload for the transfer stage (a file path for the
	// disk transfer). Optional.
	Source string
	// Checksum is an optional hex sha256 of the payload.
	Checksum string
}

// Validate checks the spec fields that registration depends on.
func (s ResourceSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("resource name is required")
	}
	if strings.ContainsAny(s.Name, " ./*>") {
		return fmt.Errorf("resource name %q contains reserved characters", s.Name)
	}
	if s.SizeBytes <= 0 {
		return fmt.Errorf("resource %s: size must be > 0", s.Name)
	}
	if !s.TierAffinity.Valid() {
		return fmt.Errorf("resource %s: invalid tier affinity %s", s.Name, s.TierAffinity)
	}
	return nil
}

// Clone returns a deep copy of the spec.
func (s ResourceSpec) Clone() ResourceSpec {
	out := s
	out.Capabilities = append(CapabilitySet(nil), s.Capabilities...)
	return out
}

// Instance is a read-only snapshot of a resource instance.
type Instance struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Tier        Tier      `json:"tier"`
	LoadedAt    time.Time `json:"loaded_at,omitzero"`
	LastUsed    time.Time `json:"last_used,omitzero"`
	UsageCount  uint64    `json:"usage_count"`
	MemoryBytes int64     `json:"memory_bytes"`
	ActiveJob   string    `json:"active_job,omitempty"`
	Leases      int       `json:"leases"`
}

// Job is a read-only snapshot of a migration job.
type Job struct {
	ID           string        `json:"id"`
	Resource     string        `json:"resource"`
	Operation    Operation     `json:"operation"`
	SourceTier   Tier          `json:"source_tier"`
	TargetTier   Tier          `json:"target_tier"`
	ToCache      bool          `json:"to_cache,omitempty"`
	Progress     float64       `json:"progress"`
	Status       JobStatus     `json:"status"`
	Error        string        `json:"error,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time,omitzero"`
	TimeEstimate time.Duration `json:"time_estimate_ns"`
	Evicted      []string      `json:"evicted,omitempty"`
}

// Done reports whether the job has finished.
func (j Job) Done() bool {
	return j.Status != JobRunning
}
