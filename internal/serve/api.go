package serve

import (
	"fmt"

	"github.com/gftdcojp/model-tiers/internal/batch"
	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/tier"
	"github.com/gftdcojp/model-tiers/internal/types"
)

// ResourceRequest registers a resource. Size is an alternative to
// SizeBytes written like "4GB".
type ResourceRequest struct {
	Name         string   `json:"name"`
	SizeBytes    int64    `json:"size_bytes,omitempty"`
	Size         string   `json:"size,omitempty"`
	TierAffinity string   `json:"tier_affinity"`
	Capabilities []string `json:"capabilities"`
	Priority     string   `json:"priority,omitempty"`
	Source       string   `json:"source,omitempty"`
	Checksum     string   `json:"checksum,omitempty"`
}

func (r ResourceRequest) Spec() (types.ResourceSpec, error) {
	size := r.SizeBytes
	if size == 0 && r.Size != "" {
		n, err := config.ParseByteSize(r.Size)
		if err != nil {
			return types.ResourceSpec{}, fmt.Errorf("%w: %w", types.ErrRejected, err)
		}
		size = n
	}
	spec, err := config.ResourceConfig{
		Name:         r.Name,
		Size:         config.ByteSize(size),
		Tier:         r.TierAffinity,
		Capabilities: r.Capabilities,
		Priority:     r.Priority,
		Source:       r.Source,
		Checksum:     r.Checksum,
	}.Spec()
	if err != nil {
		return types.ResourceSpec{}, fmt.Errorf("%w: %w", types.ErrRejected, err)
	}
	return spec, nil
}

type MigrateRequest struct {
	TargetTier string `json:"target_tier"`
}

type UnloadRequest struct {
	ToCache bool `json:"to_cache"`
}

// ExecuteRequest is both the execution request and the selection query.
type ExecuteRequest struct {
	Payload      string   `json:"payload"`
	Preference   string   `json:"preference,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Class        string   `json:"class,omitempty"`
}

func (r ExecuteRequest) batchRequest() (batch.Request, error) {
	caps, err := types.NewCapabilitySet(r.Capabilities...)
	if err != nil {
		return batch.Request{}, fmt.Errorf("%w: %w", types.ErrRejected, err)
	}
	class, err := types.ParseClass(r.Class)
	if err != nil {
		return batch.Request{}, fmt.Errorf("%w: %w", types.ErrRejected, err)
	}
	return batch.Request{
		Payload:      []byte(r.Payload),
		Preference:   r.Preference,
		Capabilities: caps,
		Class:        class,
	}, nil
}

type ExecuteResponse struct {
	Resource string `json:"resource"`
	Result   string `json:"result"`
}

type SelectResponse struct {
	Resource string `json:"resource"`
	FellBack bool   `json:"fell_back"`
	Reason   string `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func parseLimits(in map[string]tier.Limits) (map[types.Tier]tier.Limits, error) {
	out := make(map[types.Tier]tier.Limits, len(in))
	for name, l := range in {
		t, err := types.ParseTier(name)
		if err != nil || t == types.TierUnspecified {
			return nil, fmt.Errorf("%w: unknown tier %q", types.ErrInvalidConfig, name)
		}
		out[t] = l
	}
	return out, nil
}
