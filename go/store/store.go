// Package store defines how cascade persists projects, tasks, and
// dependency edges.
//
// There are two implementations: memory (tests and single-process
// runs) and sqlstore (PostgreSQL). Both guarantee the same thing: a
// project's edge set only ever changes under that project's admission
// lock, so checks made against a snapshot taken under the lock stay
// valid until commit.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cascade-eng/cascade/go/types"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("no such object")

	// ErrAlreadyExists is returned when inserting an object that is
	// already present.
	ErrAlreadyExists = errors.New("object already exists")
)

// IsNotFound returns true if err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if err is or wraps ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// AdmissionCheck validates a proposed edge against a snapshot of the
// project taken under the admission lock. The snapshot holds every
// task and every committed edge of the project. An error aborts the
// insert and is returned to the caller unwrapped, so typed validation
// errors survive the round trip.
type AdmissionCheck func(tasks []*types.Task, deps []*types.Dependency) error

// Store is the persistence interface for cascade.
//
// Version tokens: single-row task writes (PutTask, UpdateTask) store
// whatever token the caller supplies. Compound mutations that bump
// tokens on rows other than their target (DeleteTask, AddDependency,
// RemoveDependency) mint fresh tokens inside their transaction and
// return them, so the caller can enqueue recalculation jobs that match
// exactly what was committed. UpdateTaskDates never touches tokens.
type Store interface {
	// PutProject inserts a new project. Returns ErrAlreadyExists if the
	// id is taken.
	PutProject(ctx context.Context, p *types.Project) error

	// GetProject returns the project or ErrNotFound.
	GetProject(ctx context.Context, id string) (*types.Project, error)

	// ListProjects returns all projects ordered by creation time.
	ListProjects(ctx context.Context) ([]*types.Project, error)

	// UpdateProject writes name, description, and deadline. Returns
	// ErrNotFound if the project does not exist.
	UpdateProject(ctx context.Context, p *types.Project) error

	// DeleteProject removes the project with all of its tasks and
	// edges. Returns ErrNotFound if the project does not exist.
	DeleteProject(ctx context.Context, id string) error

	// PutTask inserts a new task. Returns ErrNotFound if the project
	// does not exist and ErrAlreadyExists if the id is taken.
	PutTask(ctx context.Context, t *types.Task) error

	// GetTask returns the task or ErrNotFound.
	GetTask(ctx context.Context, id string) (*types.Task, error)

	// ListTasks returns the project's tasks ordered by creation time.
	ListTasks(ctx context.Context, projectID string) ([]*types.Task, error)

	// UpdateTask writes every mutable field of the task, including the
	// version token the caller minted. Returns ErrNotFound if the task
	// does not exist.
	UpdateTask(ctx context.Context, t *types.Task) error

	// DeleteTask removes the task and every edge touching it, minting a
	// fresh version token for each direct successor the task had. The
	// new tokens are returned by successor id. Returns ErrNotFound if
	// the task does not exist.
	DeleteTask(ctx context.Context, id string) (map[string]string, error)

	// UpdateTaskDates applies a bulk schedule update. Version tokens
	// are left untouched. Tasks that disappeared since the plan was
	// computed are skipped.
	UpdateTaskDates(ctx context.Context, changes []types.TaskDates, updatedAt time.Time) error

	// ListDependencies returns the project's edges.
	ListDependencies(ctx context.Context, projectID string) ([]*types.Dependency, error)

	// ListDependenciesForTask returns every edge with the task on
	// either end.
	ListDependenciesForTask(ctx context.Context, taskID string) ([]*types.Dependency, error)

	// AddDependency inserts the edge exactly as given after check
	// approves it, holding the project's admission lock across check
	// and insert. On success the successor's freshly minted version
	// token is returned. Returns ErrAlreadyExists if the edge is
	// already present.
	AddDependency(ctx context.Context, dep *types.Dependency, check AdmissionCheck) (string, error)

	// RemoveDependency deletes the edge identified by the task pair and
	// mints a fresh version token for the successor, which is returned.
	// Returns ErrNotFound if the edge does not exist.
	RemoveDependency(ctx context.Context, predecessorID, successorID string) (string, error)

	// GetRecalcSubgraph returns the tasks relevant to a recalculation
	// rooted at the given task: the root, everything downstream of it,
	// and the direct predecessors of that set. The returned edges are
	// exactly those whose successor lies in the downstream set, so
	// predecessors pulled in for constraint purposes have no incoming
	// edges and act as anchors. Returns ErrNotFound if the root does
	// not exist.
	GetRecalcSubgraph(ctx context.Context, rootID string) ([]*types.Task, []*types.Dependency, error)
}
