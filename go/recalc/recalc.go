// Package recalc plans the date updates that restore the precedence
// invariant after a task has changed.
//
// The input is the relevant subgraph of one project: the changed task,
// every task downstream of it, and the direct predecessors of that
// set. Predecessors with no incoming edges inside the subgraph act as
// fixed anchors; they constrain their successors but are never moved.
//
// A task is only pushed when its current start violates the earliest
// start permitted by its predecessors. A task sitting later than
// required keeps its date, so deliberate scheduling gaps survive
// upstream edits.
package recalc

import (
	"cloud.google.com/go/civil"
	"github.com/pkg/errors"

	"github.com/cascade-eng/cascade/go/graph"
	"github.com/cascade-eng/cascade/go/types"
)

// Plan walks the subgraph in topological order and returns the new
// dates for every task whose start date has to move. Tasks already
// consistent with their predecessors are left out of the result.
//
// The returned changes are in topological order. An empty result means
// the subgraph already satisfies the invariant.
func Plan(tasks []*types.Task, deps []*types.Dependency) ([]types.TaskDates, error) {
	byID := make(map[string]*types.Task, len(tasks))
	g := graph.New()
	for _, t := range tasks {
		byID[t.ID] = t
		g.AddNode(t.ID)
	}
	for _, d := range deps {
		// Edges whose endpoints fall outside the subgraph fetch do not
		// constrain anything here.
		if byID[d.PredecessorID] == nil || byID[d.SuccessorID] == nil {
			continue
		}
		g.AddEdge(d.PredecessorID, d.SuccessorID)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, errors.Wrap(err, "planning recalculation")
	}

	end := make(map[string]civil.Date, len(order))
	changes := []types.TaskDates{}
	for _, id := range order {
		task := byID[id]
		start := task.StartDate
		ends := []civil.Date{}
		for _, p := range g.Predecessors(id) {
			ends = append(ends, end[p])
		}
		if earliest, ok := types.EarliestStart(ends); ok && start.Before(earliest) {
			start = earliest
		}
		end[id] = types.EndDate(start, task.DurationDays)
		if start != task.StartDate {
			changes = append(changes, types.TaskDates{
				TaskID:    id,
				StartDate: start,
				EndDate:   end[id],
			})
		}
	}
	return changes, nil
}
