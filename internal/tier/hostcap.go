package tier

import (
	"fmt"

	"github.com/gftdcojp/model-tiers/internal/types"
)

// HostCapacity reports how many bytes a tier can physically hold on this host.
type HostCapacity interface {
	AvailableBytes(t Tier) (int64, error)
}

// StaticCapacity reports fixed sizes. A tier absent from the map is unbounded.
type StaticCapacity map[Tier]int64

func (c StaticCapacity) AvailableBytes(t Tier) (int64, error) {
	return c[t], nil
}

// ClampToHost caps each tier's capacity at what the host reports. A reported
// value of 0 leaves the configured capacity alone.
func ClampToHost(h HostCapacity, limits map[Tier]Limits) (map[Tier]Limits, error) {
	out := make(map[Tier]Limits, len(limits))
	for t, l := range limits {
		avail, err := h.AvailableBytes(t)
		if err != nil {
			return nil, fmt.Errorf("reading host capacity of tier %s: %w", t, err)
		}
		if avail > 0 && avail < l.Capacity {
			l.Capacity = avail
		}
		if l.Reserved >= l.Capacity {
			return nil, fmt.Errorf("%w: tier %s reserved %d >= host capacity %d",
				types.ErrInvalidConfig, t, l.Reserved, l.Capacity)
		}
		out[t] = l
	}
	return out, nil
}
