package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := append([]scheduleDef(nil), s.defs...)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	snap := Snapshot{Timezone: loc.String(), Running: c != nil, Schedules: make([]ScheduleInfo, 0, len(defs))}
	for _, d := range defs {
		it := ScheduleInfo{
			ID:            d.id,
			Name:          d.name,
			Spec:          d.spec,
			Timeout:       d.timeout,
			StartupSpread: d.startupSpread,
			Busy:          d.state.Busy(),
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}
