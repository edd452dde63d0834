package service

import (
	"fmt"
	"sort"

	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
)

// Selector names accepted by NewSelector.
const (
	SelectorLeastLoaded = "least_loaded"
	SelectorRoundRobin  = "round_robin"
)

// Selector picks the agent that receives the next dispatch assignment.
// Candidates are Healthy records; implementations must not starve any of
// them when loads are equal.
type Selector interface {
	Name() string
	Select(candidates []agent.Record) (agent.Record, bool)
}

// NewSelector returns the selector registered under name. An empty name
// selects least_loaded.
func NewSelector(name string) (Selector, error) {
	switch name {
	case "", SelectorLeastLoaded:
		return leastLoaded{}, nil
	case SelectorRoundRobin:
		return roundRobin{}, nil
	default:
		return nil, fmt.Errorf("unknown selector %q", name)
	}
}

// leastLoaded prefers the fewest in-flight requests, then the longest time
// since the last assignment, then the most recent heartbeat.
type leastLoaded struct{}

func (leastLoaded) Name() string { return SelectorLeastLoaded }

func (leastLoaded) Select(candidates []agent.Record) (agent.Record, bool) {
	return pick(candidates, func(a, b *agent.Record) bool {
		if a.InFlight != b.InFlight {
			return a.InFlight < b.InFlight
		}
		if !a.LastAssigned.Equal(b.LastAssigned) {
			return a.LastAssigned.Before(b.LastAssigned)
		}
		if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
			return a.LastHeartbeat.After(b.LastHeartbeat)
		}
		return a.Identity.ID < b.Identity.ID
	})
}

// roundRobin prefers the longest time since the last assignment and falls
// back to load.
type roundRobin struct{}

func (roundRobin) Name() string { return SelectorRoundRobin }

func (roundRobin) Select(candidates []agent.Record) (agent.Record, bool) {
	return pick(candidates, func(a, b *agent.Record) bool {
		if !a.LastAssigned.Equal(b.LastAssigned) {
			return a.LastAssigned.Before(b.LastAssigned)
		}
		if a.InFlight != b.InFlight {
			return a.InFlight < b.InFlight
		}
		return a.Identity.ID < b.Identity.ID
	})
}

func pick(candidates []agent.Record, less func(a, b *agent.Record) bool) (agent.Record, bool) {
	if len(candidates) == 0 {
		return agent.Record{}, false
	}
	sorted := make([]agent.Record, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return less(&sorted[i], &sorted[j]) })
	return sorted[0], true
}
