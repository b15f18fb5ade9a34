package room

import (
	"sort"

	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/domain"
)

// statusRank orders the leaderboard buckets: finished runs first, active
// runners next, then the not-yet-started, with abandons at the bottom.
func statusRank(s domain.ParticipantStatus) int {
	switch s {
	case domain.ParticipantFinished:
		return 0
	case domain.ParticipantPlaying:
		return 1
	case domain.ParticipantReady:
		return 2
	case domain.ParticipantRegistered:
		return 3
	default: // abandoned
		return 4
	}
}

// layerEntryIGT returns the first igt_ms at which p entered its current
// layer: the earliest zone-history entry whose node tier equals
// current_layer. Falls back to the participant's igt_ms when the history
// is empty or the layer never appears.
func layerEntryIGT(p *domain.Participant, tier func(string) (int, bool)) int64 {
	for _, v := range p.ZoneHistory {
		if t, ok := tier(v.NodeID); ok && t == p.CurrentLayer {
			return v.IGTMs
		}
	}
	return p.IGTMs
}

// sortStandings sorts participants by the leaderboard key:
// status bucket, then igt ascending within finished, then
// (layer desc, layer-entry igt asc, igt asc) within playing, then
// registration order within everything else.
func sortStandings(ps []*domain.Participant, tier func(string) (int, bool), regIndex map[uuid.UUID]int) []*domain.Participant {
	sorted := make([]*domain.Participant, len(ps))
	copy(sorted, ps)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		ra, rb := statusRank(a.Status), statusRank(b.Status)
		if ra != rb {
			return ra < rb
		}
		switch a.Status {
		case domain.ParticipantFinished:
			if a.IGTMs != b.IGTMs {
				return a.IGTMs < b.IGTMs
			}
		case domain.ParticipantPlaying:
			if a.CurrentLayer != b.CurrentLayer {
				return a.CurrentLayer > b.CurrentLayer
			}
			ea, eb := layerEntryIGT(a, tier), layerEntryIGT(b, tier)
			if ea != eb {
				return ea < eb
			}
			if a.IGTMs != b.IGTMs {
				return a.IGTMs < b.IGTMs
			}
		}
		return regIndex[a.ID] < regIndex[b.ID]
	})

	return sorted
}

// leaderSplits maps layer → the first igt_ms at which the leader reached
// that layer. One pass over the leader's history; first occurrence per
// tier wins.
func leaderSplits(leader *domain.Participant, tier func(string) (int, bool)) map[int]int64 {
	splits := make(map[int]int64)
	for _, v := range leader.ZoneHistory {
		t, ok := tier(v.NodeID)
		if !ok {
			continue
		}
		if _, seen := splits[t]; !seen {
			splits[t] = v.IGTMs
		}
	}
	return splits
}

// computeGaps returns the per-participant gap to the leader, keyed by
// participant id. Participants without a defined gap (the leader itself,
// not-yet-started or abandoned runners, and playing runners on a layer the
// leader never recorded) are absent from the map.
func computeGaps(sorted []*domain.Participant, tier func(string) (int, bool)) map[uuid.UUID]int64 {
	gaps := make(map[uuid.UUID]int64)

	var leader *domain.Participant
	for _, p := range sorted {
		if p.Status == domain.ParticipantPlaying || p.Status == domain.ParticipantFinished {
			leader = p
			break
		}
	}
	if leader == nil {
		return gaps
	}

	splits := leaderSplits(leader, tier)

	for _, p := range sorted {
		if p.ID == leader.ID {
			continue
		}
		switch p.Status {
		case domain.ParticipantFinished:
			// A finished participant always sorts ahead of any playing
			// one, so the leader is finished here and the gap is >= 0.
			gaps[p.ID] = p.IGTMs - leader.IGTMs
		case domain.ParticipantPlaying:
			if split, ok := splits[p.CurrentLayer]; ok {
				gaps[p.ID] = p.IGTMs - split
			}
		}
	}
	return gaps
}
