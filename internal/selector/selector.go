// Package selector picks the resource that serves an incoming request.
package selector

import (
	"fmt"
	"strconv"

	"github.com/gftdcojp/model-tiers/internal/catalog"
	"github.com/gftdcojp/model-tiers/internal/metrics"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

// Weights of the scoring terms. Capability overlap should dominate.
type Weights struct {
	Capability    float64
	Tier          float64
	ResidentBonus float64
}

// Request describes what the caller needs.
type Request struct {
	Capabilities types.CapabilitySet
	Class        types.Class
	// Preference names a resource to use when it is available.
	Preference string
	// MinOverlap is the number of requested capabilities a candidate must
	// have. Zero means one when any capabilities are requested.
	MinOverlap int
}

// Result is the selected resource. FellBack is set when a preference was
// given but could not be honoured; Reason says why.
type Result struct {
	Resource string
	FellBack bool
	Reason   string
}

// Instances reports the live state of resource instances.
type Instances interface {
	Instance(name string) (types.Instance, error)
}

// Capacity reports whether a size could ever be admitted into a tier.
type Capacity interface {
	Fits(t types.Tier, size int64) bool
}

type Selector struct {
	catalog   *catalog.Catalog
	instances Instances
	capacity  Capacity
	weights   Weights
	logger    *zap.Logger
}

func New(cat *catalog.Catalog, instances Instances, capacity Capacity, w Weights, logger *zap.Logger) *Selector {
	return &Selector{
		catalog:   cat,
		instances: instances,
		capacity:  capacity,
		weights:   w,
		logger:    logger,
	}
}

// Select returns the best resource for req. It fails with types.ErrNoCandidate
// when no registered resource meets the capability and capacity constraints.
func (s *Selector) Select(req Request) (Result, error) {
	var res Result
	if req.Preference != "" {
		reason, ok := s.available(req.Preference)
		if ok {
			res = Result{Resource: req.Preference}
			s.observe(res)
			return res, nil
		}
		res.FellBack = true
		res.Reason = reason
	}

	name, err := s.best(req)
	if err != nil {
		if res.FellBack {
			return Result{}, fmt.Errorf("preferred resource %s: %s: %w", req.Preference, res.Reason, err)
		}
		return Result{}, err
	}
	res.Resource = name
	if res.FellBack {
		s.logger.Debug("preferred resource unavailable, using scored selection",
			zap.String("preference", req.Preference),
			zap.String("selected", name),
			zap.String("reason", res.Reason),
		)
	}
	s.observe(res)
	return res, nil
}

// available checks a preferred resource against the catalog and admission
// feasibility.
func (s *Selector) available(name string) (string, bool) {
	spec, err := s.catalog.Get(name)
	if err != nil {
		return "not registered", false
	}
	if !s.feasible(spec) {
		return "cannot be admitted into any tier", false
	}
	return "", true
}

func (s *Selector) feasible(spec types.ResourceSpec) bool {
	if s.resident(spec.Name) {
		return true
	}
	for t := spec.TierAffinity; t.Valid(); t = t.Slower() {
		if s.capacity.Fits(t, spec.SizeBytes) {
			return true
		}
	}
	return false
}

func (s *Selector) resident(name string) bool {
	inst, err := s.instances.Instance(name)
	return err == nil && inst.State == types.StateResident
}

func (s *Selector) best(req Request) (string, error) {
	minOverlap := req.MinOverlap
	if minOverlap == 0 && len(req.Capabilities) > 0 {
		minOverlap = 1
	}

	specs := s.catalog.List()
	var maxSize int64
	for _, spec := range specs {
		maxSize = max(maxSize, spec.SizeBytes)
	}

	var (
		bestName  string
		bestScore float64
	)
	// List is sorted by name, so keeping the first of equal scores breaks
	// ties lexically.
	for _, spec := range specs {
		overlap := spec.Capabilities.Overlap(req.Capabilities)
		if overlap < minOverlap || !s.feasible(spec) {
			continue
		}
		score := s.score(spec, overlap, req.Class, maxSize)
		if bestName == "" || score > bestScore {
			bestName, bestScore = spec.Name, score
		}
	}
	if bestName == "" {
		return "", fmt.Errorf("%w: no resource has %d of the requested capabilities %v", types.ErrNoCandidate, minOverlap, req.Capabilities.Strings())
	}
	return bestName, nil
}

func (s *Selector) score(spec types.ResourceSpec, overlap int, class types.Class, maxSize int64) float64 {
	t := spec.TierAffinity
	resident := 0.0
	if inst, err := s.instances.Instance(spec.Name); err == nil && inst.State == types.StateResident {
		t = inst.Tier
		resident = 1
	}
	return float64(overlap)*s.weights.Capability +
		tierMatch(t, class, spec.SizeBytes, maxSize)*s.weights.Tier +
		resident*s.weights.ResidentBonus
}

// tierMatch is in [0, 1]. Speed favours the fast tier; quality favours slow
// tiers and larger resources.
func tierMatch(t types.Tier, class types.Class, size, maxSize int64) float64 {
	var speed float64
	switch t {
	case types.TierFast:
		speed = 1
	case types.TierMedium:
		speed = 0.5
	}
	switch class {
	case types.ClassSpeed:
		return speed
	case types.ClassQuality:
		sizeFrac := 0.0
		if maxSize > 0 {
			sizeFrac = float64(size) / float64(maxSize)
		}
		return ((1 - speed) + sizeFrac) / 2
	default:
		return 0
	}
}

func (s *Selector) observe(res Result) {
	metrics.Selections.WithLabelValues(res.Resource, strconv.FormatBool(res.FellBack)).Inc()
}
