package engine

import (
	"time"

	"offstar/internal/health"
	"offstar/internal/plugin"
)

const healthUnusable = health.StatusUnhealthy

// healthRank orders candidates by how much we trust them: proven healthy
// first, then unknown (no data beats known flaky), then degraded, with
// unhealthy as the last resort.
func healthRank(st health.Status) int {
	switch st {
	case health.StatusHealthy:
		return 0
	case health.StatusUnknown:
		return 1
	case health.StatusDegraded:
		return 2
	default:
		return 3
	}
}

// pick chooses the plugin to run a task of the given type. Among candidates
// of equal rank the least recently used wins, spreading load across
// equivalent plugins. An unhealthy candidate is picked only when nothing
// better exists; under strict routing it is excluded entirely.
func (s *Service) pick(taskType string, strict bool) (*plugin.Descriptor, bool) {
	names := s.resolver.Resolve(taskType)
	if len(names) == 0 {
		return nil, false
	}

	s.pickMu.Lock()
	defer s.pickMu.Unlock()

	var best *plugin.Descriptor
	bestRank := int(^uint(0) >> 1)
	var bestUsed time.Time

	for _, name := range names {
		d, ok := s.resolver.Get(name)
		if !ok {
			continue
		}
		rank := healthRank(health.StatusUnknown)
		if s.healthv != nil {
			st := s.healthv.Status(name)
			if strict && st == healthUnusable {
				continue
			}
			rank = healthRank(st)
		}
		used := s.lastUsed[name]
		if best == nil || rank < bestRank || (rank == bestRank && used.Before(bestUsed)) {
			best = d
			bestRank = rank
			bestUsed = used
		}
	}
	if best == nil {
		return nil, false
	}
	s.lastUsed[best.Name] = time.Now()
	return best, true
}
