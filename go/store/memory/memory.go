// Package memory implements ../store.Store with in-memory maps. It
// backs unit tests and single-process local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cascade-eng/cascade/go/graph"
	"github.com/cascade-eng/cascade/go/now"
	"github.com/cascade-eng/cascade/go/store"
	"github.com/cascade-eng/cascade/go/types"
)

type edgeKey struct {
	pred string
	succ string
}

// Store implements store.Store. All objects are deep-copied on the way
// in and out, so callers can never alias internal state.
type Store struct {
	mtx      sync.RWMutex
	projects map[string]*types.Project
	tasks    map[string]*types.Task
	deps     map[edgeKey]*types.Dependency

	// admission serializes edge-set changes per project. Acquired
	// before mtx, never while holding it.
	admissionMtx sync.Mutex
	admission    map[string]*sync.Mutex
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		projects:  map[string]*types.Project{},
		tasks:     map[string]*types.Task{},
		deps:      map[edgeKey]*types.Dependency{},
		admission: map[string]*sync.Mutex{},
	}
}

// Check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

func (s *Store) projectLock(projectID string) *sync.Mutex {
	s.admissionMtx.Lock()
	defer s.admissionMtx.Unlock()
	l, ok := s.admission[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.admission[projectID] = l
	}
	return l
}

// PutProject implements store.Store.
func (s *Store) PutProject(ctx context.Context, p *types.Project) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.projects[p.ID] = p.Copy()
	return nil
}

// GetProject implements store.Store.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p.Copy(), nil
}

// ListProjects implements store.Store.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	rv := make([]*types.Project, 0, len(s.projects))
	for _, p := range s.projects {
		rv = append(rv, p.Copy())
	}
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].CreatedAt.Equal(rv[j].CreatedAt) {
			return rv[i].ID < rv[j].ID
		}
		return rv[i].CreatedAt.Before(rv[j].CreatedAt)
	})
	return rv, nil
}

// UpdateProject implements store.Store.
func (s *Store) UpdateProject(ctx context.Context, p *types.Project) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	old, ok := s.projects[p.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := p.Copy()
	cp.CreatedAt = old.CreatedAt
	cp.OwnerID = old.OwnerID
	s.projects[p.ID] = cp
	return nil
}

// DeleteProject implements store.Store.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	lock := s.projectLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.projects, id)
	for tid, t := range s.tasks {
		if t.ProjectID == id {
			delete(s.tasks, tid)
		}
	}
	for k, d := range s.deps {
		if d.ProjectID == id {
			delete(s.deps, k)
		}
	}
	return nil
}

// PutTask implements store.Store.
func (s *Store) PutTask(ctx context.Context, t *types.Task) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.projects[t.ProjectID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := s.tasks[t.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.tasks[t.ID] = t.Copy()
	return nil
}

// GetTask implements store.Store.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Copy(), nil
}

// ListTasks implements store.Store.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*types.Task, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	rv := []*types.Task{}
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			rv = append(rv, t.Copy())
		}
	}
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].CreatedAt.Equal(rv[j].CreatedAt) {
			return rv[i].ID < rv[j].ID
		}
		return rv[i].CreatedAt.Before(rv[j].CreatedAt)
	})
	return rv, nil
}

// UpdateTask implements store.Store.
func (s *Store) UpdateTask(ctx context.Context, t *types.Task) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	old, ok := s.tasks[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := t.Copy()
	cp.ProjectID = old.ProjectID
	cp.CreatedAt = old.CreatedAt
	s.tasks[t.ID] = cp
	return nil
}

// DeleteTask implements store.Store.
func (s *Store) DeleteTask(ctx context.Context, id string) (map[string]string, error) {
	s.mtx.RLock()
	t, ok := s.tasks[id]
	var projectID string
	if ok {
		projectID = t.ProjectID
	}
	s.mtx.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	ts := now.Now(ctx).UTC()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, store.ErrNotFound
	}
	bumped := map[string]string{}
	for k, d := range s.deps {
		if d.PredecessorID != id && d.SuccessorID != id {
			continue
		}
		if d.PredecessorID == id {
			if succ, ok := s.tasks[d.SuccessorID]; ok {
				token := types.NewVersionToken()
				succ.VersionToken = token
				succ.UpdatedAt = ts
				bumped[succ.ID] = token
			}
		}
		delete(s.deps, k)
	}
	delete(s.tasks, id)
	return bumped, nil
}

// UpdateTaskDates implements store.Store.
func (s *Store) UpdateTaskDates(ctx context.Context, changes []types.TaskDates, updatedAt time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, c := range changes {
		t, ok := s.tasks[c.TaskID]
		if !ok {
			continue
		}
		t.StartDate = c.StartDate
		t.EndDate = c.EndDate
		t.UpdatedAt = updatedAt.UTC()
	}
	return nil
}

// ListDependencies implements store.Store.
func (s *Store) ListDependencies(ctx context.Context, projectID string) ([]*types.Dependency, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	rv := []*types.Dependency{}
	for _, d := range s.deps {
		if d.ProjectID == projectID {
			rv = append(rv, d.Copy())
		}
	}
	sortDeps(rv)
	return rv, nil
}

// ListDependenciesForTask implements store.Store.
func (s *Store) ListDependenciesForTask(ctx context.Context, taskID string) ([]*types.Dependency, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	rv := []*types.Dependency{}
	for _, d := range s.deps {
		if d.PredecessorID == taskID || d.SuccessorID == taskID {
			rv = append(rv, d.Copy())
		}
	}
	sortDeps(rv)
	return rv, nil
}

// AddDependency implements store.Store.
func (s *Store) AddDependency(ctx context.Context, dep *types.Dependency, check store.AdmissionCheck) (string, error) {
	lock := s.projectLock(dep.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	s.mtx.RLock()
	tasks := []*types.Task{}
	for _, t := range s.tasks {
		if t.ProjectID == dep.ProjectID {
			tasks = append(tasks, t.Copy())
		}
	}
	deps := []*types.Dependency{}
	for _, d := range s.deps {
		if d.ProjectID == dep.ProjectID {
			deps = append(deps, d.Copy())
		}
	}
	s.mtx.RUnlock()

	if check != nil {
		if err := check(tasks, deps); err != nil {
			return "", err
		}
	}

	ts := now.Now(ctx).UTC()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	key := edgeKey{pred: dep.PredecessorID, succ: dep.SuccessorID}
	if _, ok := s.deps[key]; ok {
		return "", store.ErrAlreadyExists
	}
	succ, ok := s.tasks[dep.SuccessorID]
	if !ok {
		return "", store.ErrNotFound
	}
	s.deps[key] = dep.Copy()
	token := types.NewVersionToken()
	succ.VersionToken = token
	succ.UpdatedAt = ts
	return token, nil
}

// RemoveDependency implements store.Store.
func (s *Store) RemoveDependency(ctx context.Context, predecessorID, successorID string) (string, error) {
	key := edgeKey{pred: predecessorID, succ: successorID}
	s.mtx.RLock()
	d, ok := s.deps[key]
	var projectID string
	if ok {
		projectID = d.ProjectID
	}
	s.mtx.RUnlock()
	if !ok {
		return "", store.ErrNotFound
	}

	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	ts := now.Now(ctx).UTC()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.deps[key]; !ok {
		return "", store.ErrNotFound
	}
	delete(s.deps, key)
	token := types.NewVersionToken()
	if succ, ok := s.tasks[successorID]; ok {
		succ.VersionToken = token
		succ.UpdatedAt = ts
	}
	return token, nil
}

// GetRecalcSubgraph implements store.Store.
func (s *Store) GetRecalcSubgraph(ctx context.Context, rootID string) ([]*types.Task, []*types.Dependency, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	root, ok := s.tasks[rootID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}

	g := graph.New()
	projectDeps := []*types.Dependency{}
	for _, d := range s.deps {
		if d.ProjectID == root.ProjectID {
			g.AddEdge(d.PredecessorID, d.SuccessorID)
			projectDeps = append(projectDeps, d)
		}
	}

	core := map[string]bool{rootID: true}
	for _, id := range g.Descendants(rootID) {
		core[id] = true
	}

	include := map[string]bool{}
	for id := range core {
		include[id] = true
	}
	deps := []*types.Dependency{}
	for _, d := range projectDeps {
		if core[d.SuccessorID] {
			deps = append(deps, d.Copy())
			include[d.PredecessorID] = true
		}
	}
	sortDeps(deps)

	ids := make([]string, 0, len(include))
	for id := range include {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tasks := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			tasks = append(tasks, t.Copy())
		}
	}
	return tasks, deps, nil
}

func sortDeps(deps []*types.Dependency) {
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].PredecessorID == deps[j].PredecessorID {
			return deps[i].SuccessorID < deps[j].SuccessorID
		}
		return deps[i].PredecessorID < deps[j].PredecessorID
	})
}
