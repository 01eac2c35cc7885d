package tier

import (
	"fmt"
	"sort"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
)

// Weights tunes the eviction score.
type Weights struct {
	Idle                float64 // per second since last use
	Frequency           float64 // divided by (1 + usage count)
	Size                float64 // per GiB
	LowPriorityBonus    float64
	HighPriorityPenalty float64
}

// Candidate is a resident instance that may be evicted.
type Candidate struct {
	Name       string
	Tier       Tier
	SizeBytes  int64
	Priority   types.Priority
	LastUsed   time.Time
	UsageCount uint64
}

// EvictionPolicy scores resident instances and picks victims.
type EvictionPolicy struct {
	w Weights
}

// NewEvictionPolicy creates a new eviction policy.
func NewEvictionPolicy(w Weights) *EvictionPolicy {
	return &EvictionPolicy{w: w}
}

// Score returns how evictable c is at now. Higher scores are evicted first.
func (p *EvictionPolicy) Score(c Candidate, now time.Time) float64 {
	var idle float64
	if !c.LastUsed.IsZero() && now.After(c.LastUsed) {
		idle = now.Sub(c.LastUsed).Seconds()
	}
	score := p.w.Idle*idle +
		p.w.Frequency/(1+float64(c.UsageCount)) +
		p.w.Size*float64(c.SizeBytes)/float64(1<<30)

	switch c.Priority {
	case types.PriorityHigh:
		score -= p.w.HighPriorityPenalty
	case types.PriorityLow:
		score += p.w.LowPriorityBonus
	}
	return score
}

// SelectVictims orders the candidates resident in the tier by descending
// score and takes them until at least bytesNeeded would be freed. If the
// whole set cannot free enough, nothing is selected and the error wraps
// types.ErrInsufficientCapacity.
func (p *EvictionPolicy) SelectVictims(t Tier, bytesNeeded int64, candidates []Candidate, now time.Time) ([]Candidate, error) {
	if bytesNeeded <= 0 {
		return nil, nil
	}

	type scored struct {
		c     Candidate
		score float64
	}
	pool := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.Tier != t {
			continue
		}
		pool = append(pool, scored{c: c, score: p.Score(c, now)})
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].c.Name < pool[j].c.Name
	})

	var (
		victims []Candidate
		freed   int64
	)
	for _, s := range pool {
		if freed >= bytesNeeded {
			break
		}
		victims = append(victims, s.c)
		freed += s.c.SizeBytes
	}
	if freed < bytesNeeded {
		return nil, fmt.Errorf("%w: evicting %d candidates in %s frees %d of %d bytes",
			types.ErrInsufficientCapacity, len(pool), t, freed, bytesNeeded)
	}
	return victims, nil
}
