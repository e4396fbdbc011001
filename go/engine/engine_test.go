package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"

	"github.com/cascade-eng/cascade/go/now"
	"github.com/cascade-eng/cascade/go/queue"
	"github.com/cascade-eng/cascade/go/simulate"
	"github.com/cascade-eng/cascade/go/store/memory"
	"github.com/cascade-eng/cascade/go/types"
)

var testTime = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)

// captureQueue records enqueued jobs so tests can assert on them.
type captureQueue struct {
	mtx  sync.Mutex
	jobs []*queue.RecalcJob
}

func (q *captureQueue) Enqueue(_ context.Context, job *queue.RecalcJob) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) Run(_ context.Context, _ int, _ queue.Handler) error {
	return nil
}

func (q *captureQueue) all() []*queue.RecalcJob {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	rv := make([]*queue.RecalcJob, len(q.jobs))
	copy(rv, q.jobs)
	return rv
}

// failQueue rejects every enqueue.
type failQueue struct{}

func (failQueue) Enqueue(_ context.Context, _ *queue.RecalcJob) error {
	return errors.New("broker unavailable")
}

func (failQueue) Run(_ context.Context, _ int, _ queue.Handler) error {
	return nil
}

func setupForTest(t *testing.T) (context.Context, *Engine, *memory.Store, *captureQueue) {
	ctx := now.TimeTravelingContext(testTime)
	st := memory.New()
	q := &captureQueue{}
	return ctx, New(st, q), st, q
}

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	var ee *Error
	require.True(t, errors.As(err, &ee), "expected engine error, got %v", err)
	require.Equal(t, code, ee.Code)
}

func date(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func datePtr(y int, m time.Month, d int) *civil.Date {
	rv := date(y, m, d)
	return &rv
}

func newProject(t *testing.T, ctx context.Context, e *Engine) *types.Project {
	p, err := e.CreateProject(ctx, "Launch", "", "owner@example.com", nil)
	require.NoError(t, err)
	return p
}

func newTask(t *testing.T, ctx context.Context, e *Engine, projectID, title string, start civil.Date, duration int) *types.Task {
	task, err := e.CreateTask(ctx, projectID, title, "", &start, duration)
	require.NoError(t, err)
	return task
}

func TestCreateProject_Success_StampsOwnerAndTimes(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p, err := e.CreateProject(ctx, "Launch", "Q3 launch", "owner@example.com", datePtr(2025, time.June, 30))
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.Equal(t, "owner@example.com", p.OwnerID)
	require.Equal(t, testTime, p.CreatedAt)
	require.Equal(t, testTime, p.UpdatedAt)
	require.Equal(t, date(2025, time.June, 30), *p.Deadline)

	got, err := e.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.Name, got.Name)
}

func TestCreateProject_BlankName_ReturnsValidationError(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	_, err := e.CreateProject(ctx, "   ", "", "owner@example.com", nil)
	requireCode(t, err, ValidationError)
}

func TestGetProject_Unknown_ReturnsNotFound(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	_, err := e.GetProject(ctx, "nope")
	requireCode(t, err, NotFound)
}

func TestUpdateProject_ClearDeadline_RemovesIt(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p, err := e.CreateProject(ctx, "Launch", "", "owner@example.com", datePtr(2025, time.June, 30))
	require.NoError(t, err)

	updated, err := e.UpdateProject(ctx, p.ID, ProjectPatch{ClearDeadline: true})
	require.NoError(t, err)
	require.Nil(t, updated.Deadline)

	got, err := e.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Nil(t, got.Deadline)
}

func TestUpdateProject_PartialPatch_LeavesOtherFields(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)

	name := "Launch v2"
	updated, err := e.UpdateProject(ctx, p.ID, ProjectPatch{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "Launch v2", updated.Name)
	require.Equal(t, "owner@example.com", updated.OwnerID)
}

func TestDeleteProject_Unknown_ReturnsNotFound(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	err := e.DeleteProject(ctx, "nope")
	requireCode(t, err, NotFound)
}

func TestStatus_EmptyProject_HasNoProjectedEnd(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)

	status, err := e.Status(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 0, status.TaskCount)
	require.Nil(t, status.ProjectedEndDate)
	require.Nil(t, status.DaysOver)
	require.Nil(t, status.IsOverDeadline)
}

func TestStatus_OverDeadline_ReportsDaysOver(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p, err := e.CreateProject(ctx, "Launch", "", "owner@example.com", datePtr(2025, time.March, 10))
	require.NoError(t, err)
	// Ends March 14, four days past the March 10 deadline.
	newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 5), 10)

	status, err := e.Status(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, status.TaskCount)
	require.Equal(t, date(2025, time.March, 14), *status.ProjectedEndDate)
	require.Equal(t, 4, *status.DaysOver)
	require.True(t, *status.IsOverDeadline)
}

func TestStatus_AheadOfDeadline_ReportsNegativeDaysOver(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p, err := e.CreateProject(ctx, "Launch", "", "owner@example.com", datePtr(2025, time.March, 20))
	require.NoError(t, err)
	newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 5), 10)

	status, err := e.Status(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, -6, *status.DaysOver)
	require.False(t, *status.IsOverDeadline)
}

func TestCreateTask_DefaultsStartToToday(t *testing.T) {
	ctx, e, _, q := setupForTest(t)
	p := newProject(t, ctx, e)

	task, err := e.CreateTask(ctx, p.ID, "a", "", nil, 3)
	require.NoError(t, err)
	require.Equal(t, date(2025, time.March, 1), task.StartDate)
	require.Equal(t, date(2025, time.March, 3), task.EndDate)
	require.NotEmpty(t, task.VersionToken)
	// A fresh task has no edges, so nothing to recalculate.
	require.Empty(t, q.all())
}

func TestCreateTask_MilestoneEndsOnStartDate(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)

	task := newTask(t, ctx, e, p.ID, "gate", date(2025, time.March, 10), 0)
	require.Equal(t, task.StartDate, task.EndDate)
	require.True(t, task.IsMilestone())
}

func TestCreateTask_NegativeDuration_ReturnsValidationError(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)

	_, err := e.CreateTask(ctx, p.ID, "a", "", nil, -1)
	requireCode(t, err, ValidationError)
}

func TestCreateTask_UnknownProject_ReturnsNotFound(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	_, err := e.CreateTask(ctx, "nope", "a", "", nil, 3)
	requireCode(t, err, NotFound)
}

func TestUpdateTask_MintsTokenAndEnqueues(t *testing.T) {
	ctx, e, _, q := setupForTest(t)
	p := newProject(t, ctx, e)
	task := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 3)
	oldToken := task.VersionToken

	dur := 7
	updated, err := e.UpdateTask(ctx, task.ID, TaskPatch{DurationDays: &dur})
	require.NoError(t, err)
	require.Equal(t, 7, updated.DurationDays)
	require.Equal(t, date(2025, time.March, 7), updated.EndDate)
	require.NotEqual(t, oldToken, updated.VersionToken)

	jobs := q.all()
	require.Len(t, jobs, 1)
	require.Equal(t, task.ID, jobs[0].TaskID)
	require.Equal(t, updated.VersionToken, jobs[0].VersionToken)
}

func TestUpdateTask_MoveStart_RecomputesEnd(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)
	task := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 5)

	start := date(2025, time.March, 10)
	updated, err := e.UpdateTask(ctx, task.ID, TaskPatch{StartDate: &start})
	require.NoError(t, err)
	require.Equal(t, date(2025, time.March, 14), updated.EndDate)
}

func TestUpdateTask_EnqueueFails_ReportsInternalErrorAfterCommit(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	st := memory.New()
	e := New(st, failQueue{})
	p := newProject(t, ctx, e)
	task := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 3)

	dur := 9
	_, err := e.UpdateTask(ctx, task.ID, TaskPatch{DurationDays: &dur})
	requireCode(t, err, InternalError)

	// The write itself went through.
	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 9, got.DurationDays)
}

func TestDeleteTask_EnqueuesEachFormerSuccessor(t *testing.T) {
	ctx, e, st, q := setupForTest(t)
	p := newProject(t, ctx, e)
	a := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 3)
	b := newTask(t, ctx, e, p.ID, "b", date(2025, time.March, 4), 2)
	c := newTask(t, ctx, e, p.ID, "c", date(2025, time.March, 4), 2)
	_, err := e.CreateDependency(ctx, a.ID, b.ID)
	require.NoError(t, err)
	_, err = e.CreateDependency(ctx, a.ID, c.ID)
	require.NoError(t, err)
	before := len(q.all())

	require.NoError(t, e.DeleteTask(ctx, a.ID))

	jobs := q.all()[before:]
	require.Len(t, jobs, 2)
	seen := map[string]string{}
	for _, job := range jobs {
		seen[job.TaskID] = job.VersionToken
	}
	for _, id := range []string{b.ID, c.ID} {
		got, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		require.Equal(t, got.VersionToken, seen[id])
	}
}

func TestDeleteTask_Unknown_ReturnsNotFound(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	err := e.DeleteTask(ctx, "nope")
	requireCode(t, err, NotFound)
}

func TestCreateDependency_Success_BumpsSuccessorAndEnqueues(t *testing.T) {
	ctx, e, st, q := setupForTest(t)
	p := newProject(t, ctx, e)
	a := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 3)
	b := newTask(t, ctx, e, p.ID, "b", date(2025, time.March, 1), 2)
	oldToken := b.VersionToken

	dep, err := e.CreateDependency(ctx, a.ID, b.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, dep.ProjectID)
	require.Equal(t, testTime, dep.CreatedAt)

	got, err := st.GetTask(ctx, b.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldToken, got.VersionToken)

	jobs := q.all()
	require.Len(t, jobs, 1)
	require.Equal(t, b.ID, jobs[0].TaskID)
	require.Equal(t, got.VersionToken, jobs[0].VersionToken)
}

func TestCreateDependency_UnknownPredecessor_ReturnsNotFound(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)
	b := newTask(t, ctx, e, p.ID, "b", date(2025, time.March, 1), 2)

	_, err := e.CreateDependency(ctx, "nope", b.ID)
	requireCode(t, err, NotFound)
}

func TestCreateDependency_UnknownSuccessor_ReturnsNotFound(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)
	a := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 2)

	_, err := e.CreateDependency(ctx, a.ID, "nope")
	requireCode(t, err, NotFound)
}

func TestCreateDependency_CrossProject_Rejected(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p1 := newProject(t, ctx, e)
	p2, err := e.CreateProject(ctx, "Other", "", "owner@example.com", nil)
	require.NoError(t, err)
	a := newTask(t, ctx, e, p1.ID, "a", date(2025, time.March, 1), 2)
	b := newTask(t, ctx, e, p2.ID, "b", date(2025, time.March, 1), 2)

	_, err = e.CreateDependency(ctx, a.ID, b.ID)
	requireCode(t, err, CrossProjectDependency)
}

func TestCreateDependency_SelfEdge_Rejected(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)
	a := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 2)

	_, err := e.CreateDependency(ctx, a.ID, a.ID)
	requireCode(t, err, SelfDependency)
}

func TestCreateDependency_Duplicate_Rejected(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)
	a := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 2)
	b := newTask(t, ctx, e, p.ID, "b", date(2025, time.March, 1), 2)
	_, err := e.CreateDependency(ctx, a.ID, b.ID)
	require.NoError(t, err)

	_, err = e.CreateDependency(ctx, a.ID, b.ID)
	requireCode(t, err, DuplicateDependency)
}

func TestCreateDependency_WouldCreateCycle_Rejected(t *testing.T) {
	ctx, e, st, q := setupForTest(t)
	p := newProject(t, ctx, e)
	a := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 2)
	b := newTask(t, ctx, e, p.ID, "b", date(2025, time.March, 1), 2)
	c := newTask(t, ctx, e, p.ID, "c", date(2025, time.March, 1), 2)
	_, err := e.CreateDependency(ctx, a.ID, b.ID)
	require.NoError(t, err)
	_, err = e.CreateDependency(ctx, b.ID, c.ID)
	require.NoError(t, err)
	before := len(q.all())
	tokenBefore, err := st.GetTask(ctx, a.ID)
	require.NoError(t, err)

	_, err = e.CreateDependency(ctx, c.ID, a.ID)
	requireCode(t, err, CycleDetected)

	// Rejection writes nothing and enqueues nothing.
	deps, err := e.ListDependencies(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	require.Len(t, q.all(), before)
	tokenAfter, err := st.GetTask(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, tokenBefore.VersionToken, tokenAfter.VersionToken)
}

func TestDeleteDependency_EnqueuesFormerSuccessor(t *testing.T) {
	ctx, e, st, q := setupForTest(t)
	p := newProject(t, ctx, e)
	a := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 2)
	b := newTask(t, ctx, e, p.ID, "b", date(2025, time.March, 3), 2)
	_, err := e.CreateDependency(ctx, a.ID, b.ID)
	require.NoError(t, err)
	before := len(q.all())

	require.NoError(t, e.DeleteDependency(ctx, a.ID, b.ID))

	jobs := q.all()[before:]
	require.Len(t, jobs, 1)
	require.Equal(t, b.ID, jobs[0].TaskID)
	got, err := st.GetTask(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, got.VersionToken, jobs[0].VersionToken)
}

func TestDeleteDependency_Unknown_ReturnsNotFound(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)
	a := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 2)
	b := newTask(t, ctx, e, p.ID, "b", date(2025, time.March, 3), 2)

	err := e.DeleteDependency(ctx, a.ID, b.ID)
	requireCode(t, err, NotFound)
}

func TestCriticalPath_Diamond_MarksLongerBranch(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)
	a := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 2)
	b := newTask(t, ctx, e, p.ID, "b", date(2025, time.March, 3), 5)
	c := newTask(t, ctx, e, p.ID, "c", date(2025, time.March, 3), 3)
	d := newTask(t, ctx, e, p.ID, "d", date(2025, time.March, 8), 1)
	for _, edge := range [][2]string{{a.ID, b.ID}, {a.ID, c.ID}, {b.ID, d.ID}, {c.ID, d.ID}} {
		_, err := e.CreateDependency(ctx, edge[0], edge[1])
		require.NoError(t, err)
	}

	analysis, err := e.CriticalPath(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, []string{a.ID, b.ID, d.ID}, analysis.CriticalPath)
	require.Len(t, analysis.Tasks, 4)
}

func TestSimulate_EmptyChanges_ReturnsValidationError(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)

	_, err := e.Simulate(ctx, p.ID, nil)
	requireCode(t, err, ValidationError)
}

func TestSimulate_UnknownTask_ReturnsValidationError(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	p := newProject(t, ctx, e)
	newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 2)

	dur := 5
	_, err := e.Simulate(ctx, p.ID, []simulate.TaskChange{{TaskID: "nope", DurationDays: &dur}})
	requireCode(t, err, ValidationError)
}

func TestSimulate_ChainShift_ReportsImpactWithoutWriting(t *testing.T) {
	ctx, e, st, _ := setupForTest(t)
	p := newProject(t, ctx, e)
	a := newTask(t, ctx, e, p.ID, "a", date(2025, time.March, 1), 3)
	b := newTask(t, ctx, e, p.ID, "b", date(2025, time.March, 4), 2)
	_, err := e.CreateDependency(ctx, a.ID, b.ID)
	require.NoError(t, err)

	dur := 5
	result, err := e.Simulate(ctx, p.ID, []simulate.TaskChange{{TaskID: a.ID, DurationDays: &dur}})
	require.NoError(t, err)
	require.Equal(t, 2, result.ImpactDays)
	require.Len(t, result.AffectedTasks, 2)

	// Stored dates are untouched.
	got, err := st.GetTask(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.DurationDays)
}

func TestListDependenciesForTask_UnknownTask_ReturnsNotFound(t *testing.T) {
	ctx, e, _, _ := setupForTest(t)
	_, err := e.ListDependenciesForTask(ctx, "nope")
	requireCode(t, err, NotFound)
}
