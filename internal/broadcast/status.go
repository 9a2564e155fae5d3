package broadcast

import (
	"sort"
	"time"
)

// TrackExecution registers an execution whose total tasks are known upfront.
func (s *Service) TrackExecution(id string, jobID int64, total int) {
	if id == "" {
		return
	}
	now := time.Now()
	s.pruneStatus(now)
	st := &ExecutionStatus{ID: id, JobID: jobID, Total: total, CreatedAt: now}
	if total == 0 {
		st.DoneAt = now
	}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()
}

func (s *Service) markResult(id string, ok bool) {
	if id == "" {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status[id]
	if st == nil {
		return
	}
	if ok {
		st.Sent++
	} else {
		st.Failed++
	}
	if st.Done() && st.DoneAt.IsZero() {
		st.DoneAt = time.Now()
	}
}

func (s *Service) Execution(id string) (ExecutionStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return ExecutionStatus{}, false
	}
	return *st, true
}

// Executions lists tracked executions, newest first.
func (s *Service) Executions() []ExecutionStatus {
	s.statusMu.RLock()
	out := make([]ExecutionStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	s.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// pruneStatus keeps the history bounded by age and by count (oldest first).
func (s *Service) pruneStatus(now time.Time) {
	s.mu.Lock()
	limit, ttl := s.cfg.StatusMax, s.cfg.StatusTTL
	s.mu.Unlock()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.status {
		if now.Sub(st.CreatedAt) > ttl {
			delete(s.status, id)
		}
	}
	if len(s.status) < limit {
		return
	}
	ids := make([]string, 0, len(s.status))
	for id := range s.status {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.status[ids[i]].CreatedAt.Before(s.status[ids[j]].CreatedAt) })
	for _, id := range ids[:len(ids)-limit+1] {
		delete(s.status, id)
	}
}
