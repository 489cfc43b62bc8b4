package probes

import (
	"errors"
	"fmt"
	"sync"
)

// ErrProbeNotFound is returned when an explicitly requested probe is not in
// the configured set.
var ErrProbeNotFound = errors.New("probe not found")

// ErrNoProbes is returned when selection runs against an empty pool.
var ErrNoProbes = errors.New("no probes configured")

const defaultMaxConsecutive = 3

// Selector assigns scans to probes: least loaded wins, with a guard against
// one probe taking every dispatch when counts stay tied.
type Selector struct {
	pool           *Pool
	maxConsecutive int

	mu      sync.Mutex
	history []string
}

// NewSelector creates a selector over the pool. maxConsecutive bounds how
// many dispatches in a row one probe may win before it is skipped once.
func NewSelector(pool *Pool, maxConsecutive int) *Selector {
	if pool == nil {
		panic("probes: pool is nil")
	}
	if maxConsecutive <= 0 {
		maxConsecutive = defaultMaxConsecutive
	}
	return &Selector{pool: pool, maxConsecutive: maxConsecutive}
}

// Pick returns the probe for the next scan. active maps probe name to its
// running scan count; probes absent from the map count as idle. A non-empty
// requested name bypasses selection entirely.
func (s *Selector) Pick(requested string, active map[string]int) (string, error) {
	if requested != "" {
		if _, ok := s.pool.Get(requested); !ok {
			return "", fmt.Errorf("%w: %q", ErrProbeNotFound, requested)
		}
		s.record(requested)
		return requested, nil
	}

	if s.pool.Size() == 0 {
		return "", ErrNoProbes
	}

	candidates := s.leastLoaded(active)
	candidates = s.withoutStreak(candidates)

	pick := candidates[0]
	s.record(pick)
	return pick, nil
}

func (s *Selector) leastLoaded(active map[string]int) []string {
	minCount := -1
	for _, name := range s.pool.names {
		if count := active[name]; minCount < 0 || count < minCount {
			minCount = count
		}
	}

	var candidates []string
	for _, name := range s.pool.names {
		if active[name] == minCount {
			candidates = append(candidates, name)
		}
	}
	return candidates
}

// withoutStreak drops the probe that won the last maxConsecutive dispatches
// in a row. Falls back to the full set when that would leave nothing, so a
// single-probe deployment keeps working.
func (s *Selector) withoutStreak(candidates []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) < s.maxConsecutive {
		return candidates
	}
	streak := s.history[0]
	for _, name := range s.history[1:] {
		if name != streak {
			return candidates
		}
	}

	filtered := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if name != streak {
			filtered = append(filtered, name)
		}
	}
	if len(filtered) == 0 {
		return candidates
	}
	return filtered
}

func (s *Selector) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, name)
	if len(s.history) > s.maxConsecutive {
		s.history = s.history[len(s.history)-s.maxConsecutive:]
	}
}
