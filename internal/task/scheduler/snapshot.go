package scheduler

import (
	"sort"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:        s.running,
		Timezone:       s.locLocked().String(),
		ReconcileEvery: s.cfg.ReconcileEvery,
		Pending:        make([]PendingInfo, 0, len(s.tasks)),
	}
	if s.c != nil {
		if entries := s.c.Entries(); len(entries) > 0 {
			snap.NextSweep = entries[0].Next
		}
	}
	for _, p := range s.tasks {
		snap.Pending = append(snap.Pending, PendingInfo{
			Key:      p.key,
			FireAt:   p.fireAt,
			InFlight: p.inflight,
			Armed:    p.timer != nil,
		})
	}
	s.mu.Unlock()

	sort.Slice(snap.Pending, func(i, j int) bool {
		if !snap.Pending[i].FireAt.Equal(snap.Pending[j].FireAt) {
			return snap.Pending[i].FireAt.Before(snap.Pending[j].FireAt)
		}
		return snap.Pending[i].Key < snap.Pending[j].Key
	})
	return snap
}
