// Package cpm runs critical path method analysis over a project
// snapshot.
//
// The forward pass computes the earliest start and finish of every
// task from its predecessors, anchored at the stored start dates of
// tasks with no predecessors. The backward pass computes the latest
// start and finish that do not move the project end. Slack is the gap
// between the two; tasks with zero slack are critical.
package cpm

import (
	"cloud.google.com/go/civil"
	"github.com/pkg/errors"

	"github.com/cascade-eng/cascade/go/graph"
	"github.com/cascade-eng/cascade/go/types"
)

// TaskAnalysis is the CPM result for a single task.
type TaskAnalysis struct {
	TaskID         string     `json:"taskId"`
	Title          string     `json:"title"`
	EarliestStart  civil.Date `json:"earliestStart"`
	EarliestFinish civil.Date `json:"earliestFinish"`
	LatestStart    civil.Date `json:"latestStart"`
	LatestFinish   civil.Date `json:"latestFinish"`
	SlackDays      int        `json:"slackDays"`
	IsCritical     bool       `json:"isCritical"`
}

// Analysis is the CPM result for a whole project. Tasks are in
// topological order. CriticalPath lists the ids of zero-slack tasks,
// also topologically ordered. ProjectEndDate is nil for a project with
// no tasks.
type Analysis struct {
	ProjectID      string         `json:"projectId"`
	ProjectEndDate *civil.Date    `json:"projectEndDate,omitempty"`
	Tasks          []TaskAnalysis `json:"tasks"`
	CriticalPath   []string       `json:"criticalPath"`
}

// Analyze computes the CPM analysis for the given project snapshot.
// Committed snapshots are acyclic, so an ErrCycle here means the
// caller handed in an inconsistent edge set.
func Analyze(projectID string, tasks []*types.Task, deps []*types.Dependency) (*Analysis, error) {
	rv := &Analysis{
		ProjectID:    projectID,
		Tasks:        []TaskAnalysis{},
		CriticalPath: []string{},
	}
	if len(tasks) == 0 {
		return rv, nil
	}

	byID := make(map[string]*types.Task, len(tasks))
	g := graph.New()
	for _, t := range tasks {
		byID[t.ID] = t
		g.AddNode(t.ID)
	}
	for _, d := range deps {
		g.AddEdge(d.PredecessorID, d.SuccessorID)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, errors.Wrapf(err, "analyzing project %s", projectID)
	}

	// Forward pass: earliest start and finish.
	es := make(map[string]civil.Date, len(order))
	ef := make(map[string]civil.Date, len(order))
	var projectEnd civil.Date
	for i, id := range order {
		task := byID[id]
		ends := []civil.Date{}
		for _, p := range g.Predecessors(id) {
			ends = append(ends, ef[p])
		}
		if earliest, ok := types.EarliestStart(ends); ok {
			es[id] = earliest
		} else {
			es[id] = task.StartDate
		}
		ef[id] = types.EndDate(es[id], task.DurationDays)
		if i == 0 || ef[id].After(projectEnd) {
			projectEnd = ef[id]
		}
	}

	// Backward pass: latest finish and start, walked in reverse
	// topological order so successors resolve first.
	lf := make(map[string]civil.Date, len(order))
	ls := make(map[string]civil.Date, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		task := byID[id]
		succs := g.Successors(id)
		if len(succs) == 0 {
			lf[id] = projectEnd
		} else {
			earliest := ls[succs[0]]
			for _, s := range succs[1:] {
				if ls[s].Before(earliest) {
					earliest = ls[s]
				}
			}
			lf[id] = earliest.AddDays(-1)
		}
		if task.DurationDays <= 0 {
			ls[id] = lf[id]
		} else {
			ls[id] = lf[id].AddDays(-(task.DurationDays - 1))
		}
	}

	for _, id := range order {
		slack := ls[id].DaysSince(es[id])
		ta := TaskAnalysis{
			TaskID:         id,
			Title:          byID[id].Title,
			EarliestStart:  es[id],
			EarliestFinish: ef[id],
			LatestStart:    ls[id],
			LatestFinish:   lf[id],
			SlackDays:      slack,
			IsCritical:     slack == 0,
		}
		rv.Tasks = append(rv.Tasks, ta)
		if ta.IsCritical {
			rv.CriticalPath = append(rv.CriticalPath, id)
		}
	}
	rv.ProjectEndDate = &projectEnd
	return rv, nil
}
