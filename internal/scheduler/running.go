package scheduler

import (
	"sort"
	"sync"
)

// runningSet holds the ids of jobs currently being executed.
type runningSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

// tryAdd claims id. It reports false when id is already claimed.
func (r *runningSet) tryAdd(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = map[int64]struct{}{}
	}
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *runningSet) remove(id int64) {
	r.mu.Lock()
	delete(r.ids, id)
	r.mu.Unlock()
}

func (r *runningSet) contains(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

func (r *runningSet) list() []int64 {
	r.mu.Lock()
	out := make([]int64, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
