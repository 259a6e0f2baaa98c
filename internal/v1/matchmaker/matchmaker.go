// Package matchmaker decides which waiting subjects should be grouped into
// a new Game. It holds no state of its own: GameManager owns the waiting
// queue and calls FindMatch as a pure function of a snapshot of it.
package matchmaker

import "github.com/openlab-research/experiment-engine/internal/v1/types"

// Matchmaker selects group_size-1 partners for an arriving candidate out of
// the waiting queue, or reports no match. Implementations must not mutate
// waiting.
type Matchmaker interface {
	FindMatch(arriving types.MatchCandidate, waiting []types.WaitingEntry, groupSize int) ([]types.WaitingEntry, bool)
}

// FIFO matches the oldest eligible waiters first, with no latency filter.
// This is the default matchmaker named in spec.md §4.2.
type FIFO struct{}

func (FIFO) FindMatch(arriving types.MatchCandidate, waiting []types.WaitingEntry, groupSize int) ([]types.WaitingEntry, bool) {
	return findMatch(arriving, waiting, groupSize, 0)
}

// LatencyAware pre-filters candidates by MaxServerRTTMs: arriving.rtt +
// partner.rtt must not exceed it. A zero MaxServerRTTMs disables the filter.
type LatencyAware struct {
	MaxServerRTTMs int
}

func (l LatencyAware) FindMatch(arriving types.MatchCandidate, waiting []types.WaitingEntry, groupSize int) ([]types.WaitingEntry, bool) {
	return findMatch(arriving, waiting, groupSize, l.MaxServerRTTMs)
}

// findMatch walks waiting in order (oldest first, since GameManager appends
// new arrivals to the tail) and collects the first groupSize-1 entries that
// pass the latency pre-filter. It never mutates waiting and allocates a new
// slice for its result, satisfying the purity property tested in spec.md §8
// property 4.
func findMatch(arriving types.MatchCandidate, waiting []types.WaitingEntry, groupSize int, maxServerRTTMs int) ([]types.WaitingEntry, bool) {
	need := groupSize - 1
	if need <= 0 {
		return nil, false
	}

	matched := make([]types.WaitingEntry, 0, need)
	for _, entry := range waiting {
		if len(matched) == need {
			break
		}
		if entry.GroupSize != groupSize {
			continue
		}
		if maxServerRTTMs > 0 {
			sum := arriving.MeasuredRTTMs + entry.Candidate.MeasuredRTTMs
			if sum > maxServerRTTMs {
				continue
			}
		}
		matched = append(matched, entry)
	}

	if len(matched) != need {
		return nil, false
	}
	return matched, true
}

// ShouldRejectForRTT implements spec.md §4.2's probe-gating rule: a measured
// P2P RTT is unacceptable if maxP2PRTTMs is set and the measurement is
// either missing or above the threshold. A nil measuredRTTMs represents
// "none" (probe timed out or never resolved).
func ShouldRejectForRTT(measuredRTTMs *int, maxP2PRTTMs int) bool {
	if maxP2PRTTMs <= 0 {
		return false
	}
	if measuredRTTMs == nil {
		return true
	}
	return *measuredRTTMs > maxP2PRTTMs
}
