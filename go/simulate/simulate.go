// Package simulate answers "what happens to the schedule if ..."
// questions without touching stored data.
//
// A simulation applies hypothetical duration or start date changes to
// an in-memory copy of a project and runs the same forward pass the
// recalculator uses. Tasks that were not explicitly re-anchored keep
// their scheduling gaps, exactly as a real cascade would leave them.
package simulate

import (
	"cloud.google.com/go/civil"
	"github.com/pkg/errors"

	"github.com/cascade-eng/cascade/go/graph"
	"github.com/cascade-eng/cascade/go/types"
)

var (
	// ErrUnknownTask means a change referenced a task id that is not
	// part of the project.
	ErrUnknownTask = errors.New("unknown task in simulation changes")

	// ErrInvalidDuration means a change carried a negative duration.
	ErrInvalidDuration = errors.New("duration must be >= 0")
)

// TaskChange is one hypothetical edit. Nil fields stay as stored.
type TaskChange struct {
	TaskID       string      `json:"taskId"`
	DurationDays *int        `json:"durationDays,omitempty"`
	StartDate    *civil.Date `json:"startDate,omitempty"`
}

// TaskImpact reports one task whose end date moved under simulation.
type TaskImpact struct {
	TaskID         string     `json:"taskId"`
	Title          string     `json:"title"`
	OriginalStart  civil.Date `json:"originalStart"`
	OriginalEnd    civil.Date `json:"originalEnd"`
	SimulatedStart civil.Date `json:"simulatedStart"`
	SimulatedEnd   civil.Date `json:"simulatedEnd"`
	DeltaDays      int        `json:"deltaDays"`
}

// Result is the outcome of a simulation. AffectedTasks is in
// topological order and only contains tasks whose end date moved.
// ImpactDays is the shift of the project end date, negative when the
// simulated schedule finishes earlier.
type Result struct {
	ProjectID        string       `json:"projectId"`
	OriginalEndDate  *civil.Date  `json:"originalEndDate,omitempty"`
	SimulatedEndDate *civil.Date  `json:"simulatedEndDate,omitempty"`
	ImpactDays       int          `json:"impactDays"`
	AffectedTasks    []TaskImpact `json:"affectedTasks"`
	TotalTasks       int          `json:"totalTasks"`
}

// Run simulates the given changes against a full project snapshot.
// The snapshot is never modified.
func Run(projectID string, tasks []*types.Task, deps []*types.Dependency, changes []TaskChange) (*Result, error) {
	byID := make(map[string]*types.Task, len(tasks))
	g := graph.New()
	for _, t := range tasks {
		byID[t.ID] = t
		g.AddNode(t.ID)
	}
	for _, d := range deps {
		g.AddEdge(d.PredecessorID, d.SuccessorID)
	}

	changeByID := make(map[string]TaskChange, len(changes))
	for _, c := range changes {
		if byID[c.TaskID] == nil {
			return nil, errors.Wrapf(ErrUnknownTask, "task %q", c.TaskID)
		}
		if c.DurationDays != nil && *c.DurationDays < 0 {
			return nil, errors.Wrapf(ErrInvalidDuration, "task %q: %d", c.TaskID, *c.DurationDays)
		}
		changeByID[c.TaskID] = c
	}

	order, err := g.TopologicalSort()
	if err != nil {
		return nil, errors.Wrap(err, "simulating")
	}

	rv := &Result{
		ProjectID:     projectID,
		AffectedTasks: []TaskImpact{},
		TotalTasks:    len(tasks),
	}
	if len(tasks) == 0 {
		return rv, nil
	}

	simEnd := make(map[string]civil.Date, len(order))
	var origProjectEnd, simProjectEnd civil.Date
	for i, id := range order {
		task := byID[id]
		duration := task.DurationDays
		change, changed := changeByID[id]
		if changed && change.DurationDays != nil {
			duration = *change.DurationDays
		}

		ends := []civil.Date{}
		for _, p := range g.Predecessors(id) {
			ends = append(ends, simEnd[p])
		}
		earliest, constrained := types.EarliestStart(ends)

		var start civil.Date
		if changed && change.StartDate != nil {
			// An explicit re-anchor lands exactly where asked, unless
			// predecessors force it later.
			start = *change.StartDate
			if constrained && start.Before(earliest) {
				start = earliest
			}
		} else {
			start = task.StartDate
			if constrained && start.Before(earliest) {
				start = earliest
			}
		}
		simEnd[id] = types.EndDate(start, duration)

		if simEnd[id] != task.EndDate {
			rv.AffectedTasks = append(rv.AffectedTasks, TaskImpact{
				TaskID:         id,
				Title:          task.Title,
				OriginalStart:  task.StartDate,
				OriginalEnd:    task.EndDate,
				SimulatedStart: start,
				SimulatedEnd:   simEnd[id],
				DeltaDays:      simEnd[id].DaysSince(task.EndDate),
			})
		}
		if i == 0 || task.EndDate.After(origProjectEnd) {
			origProjectEnd = task.EndDate
		}
		if i == 0 || simEnd[id].After(simProjectEnd) {
			simProjectEnd = simEnd[id]
		}
	}

	rv.OriginalEndDate = &origProjectEnd
	rv.SimulatedEndDate = &simProjectEnd
	rv.ImpactDays = simProjectEnd.DaysSince(origProjectEnd)
	return rv, nil
}
