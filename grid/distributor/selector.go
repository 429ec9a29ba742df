package distributor

import (
	"sort"
	"time"

	"github.com/wanmail/selenium-grid"
)

// SlotSelector returns the hosts that may serve caps, best first.
type SlotSelector func(caps selenium.Capabilities, hosts []*Host) []*Host

// DefaultSlotSelector keeps the hosts with a free slot for caps and orders
// them by load, then by the time of their last session, oldest first, then by
// node id.
func DefaultSlotSelector(caps selenium.Capabilities, hosts []*Host) []*Host {
	type candidate struct {
		host *Host
		load float64
		last time.Time
	}
	var cs []candidate
	for _, h := range hosts {
		if h.HasCapacity(caps) {
			cs = append(cs, candidate{host: h, load: h.Load(), last: h.LastSessionCreated()})
		}
	}
	sort.SliceStable(cs, func(i, j int) bool {
		switch {
		case cs[i].load != cs[j].load:
			return cs[i].load < cs[j].load
		case !cs[i].last.Equal(cs[j].last):
			return cs[i].last.Before(cs[j].last)
		default:
			return cs[i].host.ID() < cs[j].host.ID()
		}
	})
	out := make([]*Host, len(cs))
	for i, c := range cs {
		out[i] = c.host
	}
	return out
}
