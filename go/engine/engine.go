// Package engine coordinates every user-initiated mutation of
// projects, tasks, and dependencies.
//
// Mutations follow a strict shape: validate, commit through the store,
// then enqueue recalculation jobs carrying the version tokens the
// commit minted. Jobs are enqueued only after the commit, so a worker
// can never observe a token before it is durable. If enqueueing fails
// the mutation stays committed and the caller gets an error; the next
// mutation of the same task supersedes the lost job.
//
// Read paths (status, critical path, simulation) never write and never
// touch version tokens.
package engine

import (
	"context"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/cpm"
	"github.com/cascade-eng/cascade/go/graph"
	"github.com/cascade-eng/cascade/go/now"
	"github.com/cascade-eng/cascade/go/queue"
	"github.com/cascade-eng/cascade/go/simulate"
	"github.com/cascade-eng/cascade/go/store"
	"github.com/cascade-eng/cascade/go/types"
)

// Engine owns the mutation and analysis entry points. It is safe for
// concurrent use.
type Engine struct {
	store store.Store
	queue queue.Queue
}

// New returns an Engine over the given store and queue.
func New(st store.Store, q queue.Queue) *Engine {
	return &Engine{
		store: st,
		queue: q,
	}
}

// ProjectPatch is a partial project update. Nil fields stay unchanged.
// ClearDeadline removes the deadline; it wins over Deadline.
type ProjectPatch struct {
	Name          *string
	Description   *string
	Deadline      *civil.Date
	ClearDeadline bool
}

// TaskPatch is a partial task update. Nil fields stay unchanged.
type TaskPatch struct {
	Title        *string
	Description  *string
	StartDate    *civil.Date
	DurationDays *int
}

// ProjectStatus compares a project's projected end against its
// deadline. DaysOver is negative when the project runs ahead of the
// deadline. The comparison fields are nil when the project has no
// tasks or no deadline.
type ProjectStatus struct {
	ProjectID        string      `json:"projectId"`
	TaskCount        int         `json:"taskCount"`
	ProjectedEndDate *civil.Date `json:"projectedEndDate,omitempty"`
	Deadline         *civil.Date `json:"deadline,omitempty"`
	DaysOver         *int        `json:"daysOver,omitempty"`
	IsOverDeadline   *bool       `json:"isOverDeadline,omitempty"`
}

// CreateProject creates an empty project owned by ownerEmail.
func (e *Engine) CreateProject(ctx context.Context, name, description, ownerEmail string, deadline *civil.Date) (*types.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errValidation("name", "project name must not be empty")
	}
	ts := now.Now(ctx).UTC()
	p := &types.Project{
		ID:          types.NewID(),
		Name:        name,
		Description: description,
		OwnerID:     ownerEmail,
		Deadline:    deadline,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := e.store.PutProject(ctx, p); err != nil {
		return nil, AsError(err)
	}
	return p, nil
}

// GetProject returns one project.
func (e *Engine) GetProject(ctx context.Context, id string) (*types.Project, error) {
	p, err := e.store.GetProject(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errProjectNotFound(id)
		}
		return nil, AsError(err)
	}
	return p, nil
}

// ListProjects returns all projects.
func (e *Engine) ListProjects(ctx context.Context) ([]*types.Project, error) {
	ps, err := e.store.ListProjects(ctx)
	if err != nil {
		return nil, AsError(err)
	}
	return ps, nil
}

// UpdateProject applies a partial update and returns the new state.
func (e *Engine) UpdateProject(ctx context.Context, id string, patch ProjectPatch) (*types.Project, error) {
	p, err := e.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return nil, errValidation("name", "project name must not be empty")
		}
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.ClearDeadline {
		p.Deadline = nil
	} else if patch.Deadline != nil {
		d := *patch.Deadline
		p.Deadline = &d
	}
	p.UpdatedAt = now.Now(ctx).UTC()
	if err := e.store.UpdateProject(ctx, p); err != nil {
		if store.IsNotFound(err) {
			return nil, errProjectNotFound(id)
		}
		return nil, AsError(err)
	}
	return p, nil
}

// DeleteProject removes the project with all tasks and edges. Any
// recalculation jobs still queued for its tasks become no-ops.
func (e *Engine) DeleteProject(ctx context.Context, id string) error {
	if err := e.store.DeleteProject(ctx, id); err != nil {
		if store.IsNotFound(err) {
			return errProjectNotFound(id)
		}
		return AsError(err)
	}
	return nil
}

// Status reports the project's projected end date against its
// deadline.
func (e *Engine) Status(ctx context.Context, projectID string) (*ProjectStatus, error) {
	p, err := e.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, AsError(err)
	}
	rv := &ProjectStatus{
		ProjectID: projectID,
		TaskCount: len(tasks),
		Deadline:  p.Deadline,
	}
	if len(tasks) == 0 {
		return rv, nil
	}
	projected := tasks[0].EndDate
	for _, t := range tasks[1:] {
		if t.EndDate.After(projected) {
			projected = t.EndDate
		}
	}
	rv.ProjectedEndDate = &projected
	if p.Deadline != nil {
		daysOver := projected.DaysSince(*p.Deadline)
		over := daysOver > 0
		rv.DaysOver = &daysOver
		rv.IsOverDeadline = &over
	}
	return rv, nil
}

// CriticalPath runs CPM analysis over the project.
func (e *Engine) CriticalPath(ctx context.Context, projectID string) (*cpm.Analysis, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	tasks, deps, err := e.projectSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	analysis, err := cpm.Analyze(projectID, tasks, deps)
	if err != nil {
		cclog.Errorf("CPM analysis of project %s failed: %s", projectID, err)
		return nil, NewError(InternalError, "analysis failed")
	}
	return analysis, nil
}

// Simulate evaluates hypothetical changes without writing anything.
func (e *Engine) Simulate(ctx context.Context, projectID string, changes []simulate.TaskChange) (*simulate.Result, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, errValidation("changes", "at least one change is required")
	}
	tasks, deps, err := e.projectSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	result, err := simulate.Run(projectID, tasks, deps, changes)
	if err != nil {
		switch {
		case errors.Is(err, simulate.ErrUnknownTask):
			return nil, NewError(ValidationError, "%s", err.Error())
		case errors.Is(err, simulate.ErrInvalidDuration):
			return nil, NewError(ValidationError, "%s", err.Error())
		default:
			cclog.Errorf("Simulation of project %s failed: %s", projectID, err)
			return nil, NewError(InternalError, "simulation failed")
		}
	}
	return result, nil
}

// CreateTask creates a task. A nil startDate defaults to today. New
// tasks have no edges yet, so no recalculation is needed.
func (e *Engine) CreateTask(ctx context.Context, projectID, title, description string, startDate *civil.Date, durationDays int) (*types.Task, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		return nil, errValidation("title", "task title must not be empty")
	}
	if durationDays < 0 {
		return nil, errValidation("durationDays", "duration must be >= 0")
	}
	start := now.Today(ctx)
	if startDate != nil {
		start = *startDate
	}
	ts := now.Now(ctx).UTC()
	t := &types.Task{
		ID:           types.NewID(),
		ProjectID:    projectID,
		Title:        title,
		Description:  description,
		StartDate:    start,
		EndDate:      types.EndDate(start, durationDays),
		DurationDays: durationDays,
		VersionToken: types.NewVersionToken(),
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if err := e.store.PutTask(ctx, t); err != nil {
		if store.IsNotFound(err) {
			return nil, errProjectNotFound(projectID)
		}
		return nil, AsError(err)
	}
	return t, nil
}

// GetTask returns one task.
func (e *Engine) GetTask(ctx context.Context, id string) (*types.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errTaskNotFound(id)
		}
		return nil, AsError(err)
	}
	return t, nil
}

// ListTasks returns the project's tasks.
func (e *Engine) ListTasks(ctx context.Context, projectID string) ([]*types.Task, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, AsError(err)
	}
	return tasks, nil
}

// UpdateTask applies a partial update, mints a fresh version token,
// and enqueues recalculation of the task's subtree.
func (e *Engine) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*types.Task, error) {
	t, err := e.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return nil, errValidation("title", "task title must not be empty")
		}
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.StartDate != nil {
		t.StartDate = *patch.StartDate
	}
	if patch.DurationDays != nil {
		if *patch.DurationDays < 0 {
			return nil, errValidation("durationDays", "duration must be >= 0")
		}
		t.DurationDays = *patch.DurationDays
	}
	t.EndDate = types.EndDate(t.StartDate, t.DurationDays)
	t.VersionToken = types.NewVersionToken()
	t.UpdatedAt = now.Now(ctx).UTC()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		if store.IsNotFound(err) {
			return nil, errTaskNotFound(id)
		}
		return nil, AsError(err)
	}
	if err := e.enqueueRecalc(ctx, t.ID, t.VersionToken); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTask removes the task and its edges, then enqueues
// recalculation for every task that used to depend on it.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	bumped, err := e.store.DeleteTask(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return errTaskNotFound(id)
		}
		return AsError(err)
	}
	var failed *multierror.Error
	for succID, token := range bumped {
		if err := e.enqueueRecalc(ctx, succID, token); err != nil {
			failed = multierror.Append(failed, err)
		}
	}
	if err := failed.ErrorOrNil(); err != nil {
		return NewError(InternalError, "delete committed but %d recalculations could not be scheduled", failed.Len())
	}
	return nil
}

// CreateDependency admits a precedence edge. Checks run in a fixed
// order: both tasks exist, same project, not a self-edge, not a
// duplicate, does not close a cycle. The check and the insert happen
// under the project's admission lock, so two racing edge creations can
// never sneak a cycle past each other.
func (e *Engine) CreateDependency(ctx context.Context, predecessorID, successorID string) (*types.Dependency, error) {
	pred, err := e.GetTask(ctx, predecessorID)
	if err != nil {
		return nil, err
	}
	succ, err := e.GetTask(ctx, successorID)
	if err != nil {
		return nil, err
	}
	if pred.ProjectID != succ.ProjectID {
		return nil, NewError(CrossProjectDependency, "tasks %s and %s belong to different projects", predecessorID, successorID).WithDetails(map[string]interface{}{
			"predecessorId": predecessorID,
			"successorId":   successorID,
		})
	}
	if predecessorID == successorID {
		return nil, NewError(SelfDependency, "task %s cannot depend on itself", successorID).WithDetails(map[string]interface{}{
			"taskId": successorID,
		})
	}

	dep := &types.Dependency{
		ProjectID:     succ.ProjectID,
		PredecessorID: predecessorID,
		SuccessorID:   successorID,
		CreatedAt:     now.Now(ctx).UTC(),
	}
	token, err := e.store.AddDependency(ctx, dep, func(tasks []*types.Task, deps []*types.Dependency) error {
		present := make(map[string]bool, len(tasks))
		for _, t := range tasks {
			present[t.ID] = true
		}
		if !present[predecessorID] {
			return errTaskNotFound(predecessorID)
		}
		if !present[successorID] {
			return errTaskNotFound(successorID)
		}
		for _, d := range deps {
			if d.PredecessorID == predecessorID && d.SuccessorID == successorID {
				return errDuplicateDependency(predecessorID, successorID)
			}
		}
		g := graph.New()
		for _, t := range tasks {
			g.AddNode(t.ID)
		}
		for _, d := range deps {
			g.AddEdge(d.PredecessorID, d.SuccessorID)
		}
		if g.WouldCreateCycle(predecessorID, successorID) {
			return NewError(CycleDetected, "dependency %s -> %s would create a cycle", predecessorID, successorID).WithDetails(map[string]interface{}{
				"predecessorId": predecessorID,
				"successorId":   successorID,
			})
		}
		return nil
	})
	if err != nil {
		if store.IsAlreadyExists(err) {
			return nil, errDuplicateDependency(predecessorID, successorID)
		}
		if store.IsNotFound(err) {
			return nil, errTaskNotFound(successorID)
		}
		return nil, AsError(err)
	}
	if err := e.enqueueRecalc(ctx, successorID, token); err != nil {
		return nil, err
	}
	return dep, nil
}

// DeleteDependency removes an edge and enqueues recalculation of the
// former successor. Its dates are left as they are; removal never
// violates the invariant, it only frees slack.
func (e *Engine) DeleteDependency(ctx context.Context, predecessorID, successorID string) error {
	token, err := e.store.RemoveDependency(ctx, predecessorID, successorID)
	if err != nil {
		if store.IsNotFound(err) {
			return errDependencyNotFound(predecessorID, successorID)
		}
		return AsError(err)
	}
	return e.enqueueRecalc(ctx, successorID, token)
}

// ListDependencies returns the project's edges.
func (e *Engine) ListDependencies(ctx context.Context, projectID string) ([]*types.Dependency, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	deps, err := e.store.ListDependencies(ctx, projectID)
	if err != nil {
		return nil, AsError(err)
	}
	return deps, nil
}

// ListDependenciesForTask returns every edge touching the task.
func (e *Engine) ListDependenciesForTask(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	if _, err := e.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	deps, err := e.store.ListDependenciesForTask(ctx, taskID)
	if err != nil {
		return nil, AsError(err)
	}
	return deps, nil
}

func (e *Engine) projectSnapshot(ctx context.Context, projectID string) ([]*types.Task, []*types.Dependency, error) {
	tasks, err := e.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, nil, AsError(err)
	}
	deps, err := e.store.ListDependencies(ctx, projectID)
	if err != nil {
		return nil, nil, AsError(err)
	}
	return tasks, deps, nil
}

func (e *Engine) enqueueRecalc(ctx context.Context, taskID, token string) error {
	if err := e.queue.Enqueue(ctx, queue.NewRecalcJob(taskID, token)); err != nil {
		cclog.Errorf("Enqueueing recalc for task %s: %s", taskID, err)
		return NewError(InternalError, "change committed but recalculation could not be scheduled")
	}
	return nil
}

func errDuplicateDependency(predecessorID, successorID string) *Error {
	return NewError(DuplicateDependency, "dependency %s -> %s already exists", predecessorID, successorID).WithDetails(map[string]interface{}{
		"predecessorId": predecessorID,
		"successorId":   successorID,
	})
}
