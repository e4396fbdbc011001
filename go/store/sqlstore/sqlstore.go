// Package sqlstore implements ../store.Store on PostgreSQL.
//
// Compound operations run inside a transaction that first locks the
// project row with SELECT ... FOR UPDATE. That serializes edge
// admission per project, which is what keeps two concurrent edge
// creations from jointly closing a cycle that neither one sees.
package sqlstore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/cascade-eng/cascade/go/now"
	"github.com/cascade-eng/cascade/go/store"
	"github.com/cascade-eng/cascade/go/types"
)

// Postgres error codes with a defined meaning for this store.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const (
	projectCols = `id, name, description, owner_id, deadline, created_at, updated_at`
	taskCols    = `id, project_id, title, description, start_date, end_date, duration_days, version_token, created_at, updated_at`
	depCols     = `project_id, predecessor_id, successor_id, created_at`
)

// statement is an SQL statement identifier.
type statement int

const (
	// The identifiers for all the SQL statements used.
	insertProject statement = iota
	getProject
	listProjects
	updateProject
	deleteProject
	lockProject
	insertTask
	getTask
	getTaskProject
	listTasks
	updateTask
	updateTaskDates
	bumpTaskToken
	deleteTask
	insertDependency
	deleteDependency
	getDependencyProject
	listDependencies
	listDependenciesForTask
	listSuccessors
	downstreamTasks
	downstreamEdges
)

// downstreamCTE computes the ids of a task and everything reachable
// from it along dependency edges.
const downstreamCTE = `
WITH RECURSIVE downstream AS (
	SELECT id FROM tasks WHERE id = $1
	UNION
	SELECT d.successor_id
	FROM dependencies d
	JOIN downstream ds ON d.predecessor_id = ds.id
)`

// statements holds all the raw SQL statements.
var statements = map[statement]string{
	insertProject: fmt.Sprintf(`
INSERT INTO
	projects (%s)
VALUES
	($1, $2, $3, $4, $5, $6, $7)`, projectCols),
	getProject: fmt.Sprintf(`
SELECT
	%s
FROM
	projects
WHERE
	id = $1`, projectCols),
	listProjects: fmt.Sprintf(`
SELECT
	%s
FROM
	projects
ORDER BY
	created_at, id`, projectCols),
	updateProject: `
UPDATE
	projects
SET
	name = $2, description = $3, deadline = $4, updated_at = $5
WHERE
	id = $1`,
	deleteProject: `
DELETE FROM
	projects
WHERE
	id = $1`,
	lockProject: `
SELECT
	id
FROM
	projects
WHERE
	id = $1
FOR UPDATE`,
	insertTask: fmt.Sprintf(`
INSERT INTO
	tasks (%s)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, taskCols),
	getTask: fmt.Sprintf(`
SELECT
	%s
FROM
	tasks
WHERE
	id = $1`, taskCols),
	getTaskProject: `
SELECT
	project_id
FROM
	tasks
WHERE
	id = $1`,
	listTasks: fmt.Sprintf(`
SELECT
	%s
FROM
	tasks
WHERE
	project_id = $1
ORDER BY
	created_at, id`, taskCols),
	updateTask: `
UPDATE
	tasks
SET
	title = $2, description = $3, start_date = $4, end_date = $5,
	duration_days = $6, version_token = $7, updated_at = $8
WHERE
	id = $1`,
	updateTaskDates: `
UPDATE
	tasks
SET
	start_date = $2, end_date = $3, updated_at = $4
WHERE
	id = $1`,
	bumpTaskToken: `
UPDATE
	tasks
SET
	version_token = $2, updated_at = $3
WHERE
	id = $1`,
	deleteTask: `
DELETE FROM
	tasks
WHERE
	id = $1`,
	insertDependency: fmt.Sprintf(`
INSERT INTO
	dependencies (%s)
VALUES
	($1, $2, $3, $4)`, depCols),
	deleteDependency: `
DELETE FROM
	dependencies
WHERE
	predecessor_id = $1 AND successor_id = $2`,
	getDependencyProject: `
SELECT
	project_id
FROM
	dependencies
WHERE
	predecessor_id = $1 AND successor_id = $2`,
	listDependencies: fmt.Sprintf(`
SELECT
	%s
FROM
	dependencies
WHERE
	project_id = $1
ORDER BY
	predecessor_id, successor_id`, depCols),
	listDependenciesForTask: fmt.Sprintf(`
SELECT
	%s
FROM
	dependencies
WHERE
	predecessor_id = $1 OR successor_id = $1
ORDER BY
	predecessor_id, successor_id`, depCols),
	listSuccessors: `
SELECT
	successor_id
FROM
	dependencies
WHERE
	predecessor_id = $1
ORDER BY
	successor_id`,
	downstreamTasks: fmt.Sprintf(`%s
SELECT
	%s
FROM
	tasks
WHERE
	id IN (SELECT id FROM downstream)
	OR id IN (
		SELECT predecessor_id
		FROM dependencies
		WHERE successor_id IN (SELECT id FROM downstream)
	)
ORDER BY
	created_at, id`, downstreamCTE, taskCols),
	downstreamEdges: fmt.Sprintf(`%s
SELECT
	%s
FROM
	dependencies
WHERE
	successor_id IN (SELECT id FROM downstream)
ORDER BY
	predecessor_id, successor_id`, downstreamCTE, depCols),
}

// Store implements ../store.Store.
type Store struct {
	db *pgxpool.Pool
}

// New returns a new *Store that uses the given Pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{
		db: db,
	}
}

// wrappedError converts driver errors into the store's sentinels where
// they have a defined meaning, and adds detail otherwise.
func wrappedError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return store.ErrAlreadyExists
		case foreignKeyViolation:
			return store.ErrNotFound
		}
		return errors.Wrapf(err, "Msg: %s, Code: %s, Detail: %s, Hint: %s", pgErr.Message, pgErr.Code, pgErr.Detail, pgErr.Hint)
	}
	return errors.WithStack(err)
}

func scanProject(row pgx.Row) (*types.Project, error) {
	var p types.Project
	var deadline *time.Time
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &deadline, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if deadline != nil {
		d := civil.DateOf(*deadline)
		p.Deadline = &d
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func scanTask(row pgx.Row) (*types.Task, error) {
	var t types.Task
	var start, end time.Time
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &start, &end, &t.DurationDays, &t.VersionToken, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.StartDate = civil.DateOf(start)
	t.EndDate = civil.DateOf(end)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func scanDependency(row pgx.Row) (*types.Dependency, error) {
	var d types.Dependency
	if err := row.Scan(&d.ProjectID, &d.PredecessorID, &d.SuccessorID, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func deadlineArg(d *civil.Date) *time.Time {
	if d == nil {
		return nil
	}
	v := d.In(time.UTC)
	return &v
}

// PutProject implements ../store.Store.
func (s *Store) PutProject(ctx context.Context, p *types.Project) error {
	_, err := s.db.Exec(ctx, statements[insertProject], p.ID, p.Name, p.Description, p.OwnerID, deadlineArg(p.Deadline), p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return wrappedError(err)
}

// GetProject implements ../store.Store.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	p, err := scanProject(s.db.QueryRow(ctx, statements[getProject], id))
	if err != nil {
		return nil, wrappedError(err)
	}
	return p, nil
}

// ListProjects implements ../store.Store.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.Query(ctx, statements[listProjects])
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	ret := []*types.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, p)
	}
	return ret, wrappedError(rows.Err())
}

// UpdateProject implements ../store.Store.
func (s *Store) UpdateProject(ctx context.Context, p *types.Project) error {
	tag, err := s.db.Exec(ctx, statements[updateProject], p.ID, p.Name, p.Description, deadlineArg(p.Deadline), p.UpdatedAt.UTC())
	if err != nil {
		return wrappedError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteProject implements ../store.Store.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, statements[deleteProject], id)
	if err != nil {
		return wrappedError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PutTask implements ../store.Store.
func (s *Store) PutTask(ctx context.Context, t *types.Task) error {
	_, err := s.db.Exec(ctx, statements[insertTask], t.ID, t.ProjectID, t.Title, t.Description, t.StartDate.In(time.UTC), t.EndDate.In(time.UTC), t.DurationDays, t.VersionToken, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	return wrappedError(err)
}

// GetTask implements ../store.Store.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, statements[getTask], id))
	if err != nil {
		return nil, wrappedError(err)
	}
	return t, nil
}

// ListTasks implements ../store.Store.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*types.Task, error) {
	rows, err := s.db.Query(ctx, statements[listTasks], projectID)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateTask implements ../store.Store.
func (s *Store) UpdateTask(ctx context.Context, t *types.Task) error {
	tag, err := s.db.Exec(ctx, statements[updateTask], t.ID, t.Title, t.Description, t.StartDate.In(time.UTC), t.EndDate.In(time.UTC), t.DurationDays, t.VersionToken, t.UpdatedAt.UTC())
	if err != nil {
		return wrappedError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteTask implements ../store.Store.
func (s *Store) DeleteTask(ctx context.Context, id string) (map[string]string, error) {
	ts := now.Now(ctx).UTC()
	bumped := map[string]string{}
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		var projectID string
		if err := tx.QueryRow(ctx, statements[getTaskProject], id).Scan(&projectID); err != nil {
			return wrappedError(err)
		}
		var locked string
		if err := tx.QueryRow(ctx, statements[lockProject], projectID).Scan(&locked); err != nil {
			return wrappedError(err)
		}
		// Re-check under the lock; the task may have lost a race.
		if err := tx.QueryRow(ctx, statements[getTaskProject], id).Scan(&projectID); err != nil {
			return wrappedError(err)
		}
		succIDs := []string{}
		rows, err := tx.Query(ctx, statements[listSuccessors], id)
		if err != nil {
			return wrappedError(err)
		}
		for rows.Next() {
			var succID string
			if err := rows.Scan(&succID); err != nil {
				rows.Close()
				return wrappedError(err)
			}
			succIDs = append(succIDs, succID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrappedError(err)
		}
		for _, succID := range succIDs {
			token := types.NewVersionToken()
			if _, err := tx.Exec(ctx, statements[bumpTaskToken], succID, token, ts); err != nil {
				return wrappedError(err)
			}
			bumped[succID] = token
		}
		if _, err := tx.Exec(ctx, statements[deleteTask], id); err != nil {
			return wrappedError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bumped, nil
}

// UpdateTaskDates implements ../store.Store. Missing tasks are
// skipped; version tokens are left alone.
func (s *Store) UpdateTaskDates(ctx context.Context, changes []types.TaskDates, updatedAt time.Time) error {
	if len(changes) == 0 {
		return nil
	}
	return s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, c := range changes {
			b.Queue(statements[updateTaskDates], c.TaskID, c.StartDate.In(time.UTC), c.EndDate.In(time.UTC), updatedAt.UTC())
		}
		br := tx.SendBatch(ctx, b)
		for range changes {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return wrappedError(err)
			}
		}
		return wrappedError(br.Close())
	})
}

// AddDependency implements ../store.Store.
func (s *Store) AddDependency(ctx context.Context, dep *types.Dependency, check store.AdmissionCheck) (string, error) {
	ts := now.Now(ctx).UTC()
	token := types.NewVersionToken()
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		var locked string
		if err := tx.QueryRow(ctx, statements[lockProject], dep.ProjectID).Scan(&locked); err != nil {
			return wrappedError(err)
		}
		if check != nil {
			tasks, err := queryTasks(ctx, tx, statements[listTasks], dep.ProjectID)
			if err != nil {
				return err
			}
			deps, err := queryDependencies(ctx, tx, statements[listDependencies], dep.ProjectID)
			if err != nil {
				return err
			}
			// Admission errors pass through untouched.
			if err := check(tasks, deps); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, statements[insertDependency], dep.ProjectID, dep.PredecessorID, dep.SuccessorID, dep.CreatedAt.UTC()); err != nil {
			return wrappedError(err)
		}
		tag, err := tx.Exec(ctx, statements[bumpTaskToken], dep.SuccessorID, token, ts)
		if err != nil {
			return wrappedError(err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// RemoveDependency implements ../store.Store.
func (s *Store) RemoveDependency(ctx context.Context, predecessorID, successorID string) (string, error) {
	ts := now.Now(ctx).UTC()
	token := types.NewVersionToken()
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		var projectID string
		if err := tx.QueryRow(ctx, statements[getDependencyProject], predecessorID, successorID).Scan(&projectID); err != nil {
			return wrappedError(err)
		}
		var locked string
		if err := tx.QueryRow(ctx, statements[lockProject], projectID).Scan(&locked); err != nil {
			return wrappedError(err)
		}
		tag, err := tx.Exec(ctx, statements[deleteDependency], predecessorID, successorID)
		if err != nil {
			return wrappedError(err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		tag, err = tx.Exec(ctx, statements[bumpTaskToken], successorID, token, ts)
		if err != nil {
			return wrappedError(err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ListDependencies implements ../store.Store.
func (s *Store) ListDependencies(ctx context.Context, projectID string) ([]*types.Dependency, error) {
	return queryDependencies(ctx, s.db, statements[listDependencies], projectID)
}

// ListDependenciesForTask implements ../store.Store.
func (s *Store) ListDependenciesForTask(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	return queryDependencies(ctx, s.db, statements[listDependenciesForTask], taskID)
}

// GetRecalcSubgraph implements ../store.Store. The two reads share a
// repeatable-read transaction so the tasks and edges form one
// consistent snapshot.
func (s *Store) GetRecalcSubgraph(ctx context.Context, rootID string) ([]*types.Task, []*types.Dependency, error) {
	var tasks []*types.Task
	var deps []*types.Dependency
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var err error
		tasks, err = queryTasks(ctx, tx, statements[downstreamTasks], rootID)
		if err != nil {
			return err
		}
		deps, err = queryDependencies(ctx, tx, statements[downstreamEdges], rootID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	found := false
	for _, t := range tasks {
		if t.ID == rootID {
			found = true
			break
		}
	}
	if !found {
		return nil, nil, store.ErrNotFound
	}
	return tasks, deps, nil
}

// querier is the subset of pgxpool.Pool and pgx.Tx used by the query
// helpers.
type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func queryTasks(ctx context.Context, db querier, stmt string, args ...interface{}) ([]*types.Task, error) {
	rows, err := db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*types.Task, error) {
	ret := []*types.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, t)
	}
	return ret, wrappedError(rows.Err())
}

func queryDependencies(ctx context.Context, db querier, stmt string, args ...interface{}) ([]*types.Dependency, error) {
	rows, err := db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	ret := []*types.Dependency{}
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, d)
	}
	return ret, wrappedError(rows.Err())
}

// Confirm the interface is fully implemented.
var _ store.Store = (*Store)(nil)
