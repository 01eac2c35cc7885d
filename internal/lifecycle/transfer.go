package lifecycle

import (
	"context"

	"github.com/gftdcojp/model-tiers/internal/types"
)

// TransferRequest describes the payload movement of one job step.
type TransferRequest struct {
	Spec types.ResourceSpec
	Op   types.Operation
	// From is TierUnspecified for a Load; To is TierUnspecified for an Unload.
	From types.Tier
	To   types.Tier
	// FromCache makes a Load read the cached blob instead of the source.
	FromCache bool
	// ToCache makes an Unload write the payload into the cache.
	ToCache bool
}

// Transfer performs the payload stage of a job. progress receives the
// completed fraction in [0, 1].
type Transfer interface {
	Run(ctx context.Context, req TransferRequest, progress func(float64)) error
}

// Validator is implemented by transfers that can check a request during the
// validate stage, before any victim is evicted.
type Validator interface {
	Validate(ctx context.Context, req TransferRequest) error
}
