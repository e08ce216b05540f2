package master

import (
	"github.com/duke-git/lancet/v2/slice"

	"yqhp/cluster/pkg/types"
)

// Scheduler resolves the "any worker" slots of a fork result.
type Scheduler struct {
	registry *Registry
}

// NewScheduler creates a scheduler over registry.
func NewScheduler(registry *Registry) *Scheduler {
	return &Scheduler{registry: registry}
}

// Assign returns workerIDs with every empty id replaced by a registered
// worker. Slots spread across workers first; among workers holding the same
// number of slots of this pack the least loaded wins, then the one with the
// fewest active tasks, then the smallest id. Pinned ids are kept as given.
func (s *Scheduler) Assign(workerIDs []string) ([]string, error) {
	out := append([]string(nil), workerIDs...)

	var free int
	for _, id := range out {
		if id == "" {
			free++
		}
	}
	if free == 0 {
		return out, nil
	}

	candidates := s.candidates()
	if len(candidates) == 0 {
		return nil, types.NewError(types.CodeNotReady, "no workers to assign %d subtasks", free)
	}

	assigned := make(map[string]int, len(candidates))
	for _, id := range out {
		if id != "" {
			assigned[id]++
		}
	}
	for i, id := range out {
		if id != "" {
			continue
		}
		best := candidates[0]
		for _, c := range candidates[1:] {
			if lessLoaded(c, best, assigned) {
				best = c
			}
		}
		out[i] = best.id
		assigned[best.id]++
	}
	return out, nil
}

type candidate struct {
	id     string
	load   float64
	active int
}

func (s *Scheduler) candidates() []candidate {
	views := s.registry.Workers()
	out := make([]candidate, 0, len(views))
	for _, v := range views {
		out = append(out, candidate{
			id:     v.Info.ID,
			load:   v.State.Load,
			active: v.State.ActiveTasks + v.Dispatched,
		})
	}
	slice.SortBy(out, func(a, b candidate) bool { return a.id < b.id })
	return out
}

func lessLoaded(a, b candidate, assigned map[string]int) bool {
	if assigned[a.id] != assigned[b.id] {
		return assigned[a.id] < assigned[b.id]
	}
	if a.load != b.load {
		return a.load < b.load
	}
	if a.active != b.active {
		return a.active < b.active
	}
	return a.id < b.id
}
