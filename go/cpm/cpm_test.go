package cpm

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"

	"github.com/cascade-eng/cascade/go/types"
)

func date(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func task(id string, start civil.Date, durationDays int) *types.Task {
	return &types.Task{
		ID:           id,
		ProjectID:    "p1",
		Title:        "task " + id,
		StartDate:    start,
		EndDate:      types.EndDate(start, durationDays),
		DurationDays: durationDays,
	}
}

func dep(pred, succ string) *types.Dependency {
	return &types.Dependency{ProjectID: "p1", PredecessorID: pred, SuccessorID: succ}
}

func byTaskID(a *Analysis) map[string]TaskAnalysis {
	rv := map[string]TaskAnalysis{}
	for _, ta := range a.Tasks {
		rv[ta.TaskID] = ta
	}
	return rv
}

func TestAnalyze_Chain_EverythingCritical(t *testing.T) {
	tasks := []*types.Task{
		task("a", date(2025, 3, 1), 3),
		task("b", date(2025, 3, 1), 2),
	}
	deps := []*types.Dependency{dep("a", "b")}

	a, err := Analyze("p1", tasks, deps)
	require.NoError(t, err)

	m := byTaskID(a)
	require.Equal(t, date(2025, 3, 1), m["a"].EarliestStart)
	require.Equal(t, date(2025, 3, 3), m["a"].EarliestFinish)
	require.Equal(t, date(2025, 3, 4), m["b"].EarliestStart)
	require.Equal(t, date(2025, 3, 5), m["b"].EarliestFinish)
	require.Equal(t, 0, m["a"].SlackDays)
	require.Equal(t, 0, m["b"].SlackDays)
	require.Equal(t, []string{"a", "b"}, a.CriticalPath)
	require.Equal(t, date(2025, 3, 5), *a.ProjectEndDate)
}

func TestAnalyze_DiamondWithUnevenBranches_ShortBranchHasSlack(t *testing.T) {
	// a -> b(3 days) -> d and a -> c(1 day) -> d. The c branch finishes
	// two days early, so c carries two days of slack.
	tasks := []*types.Task{
		task("a", date(2025, 1, 1), 1),
		task("b", date(2025, 1, 2), 3),
		task("c", date(2025, 1, 2), 1),
		task("d", date(2025, 1, 5), 2),
	}
	deps := []*types.Dependency{
		dep("a", "b"), dep("a", "c"), dep("b", "d"), dep("c", "d"),
	}

	a, err := Analyze("p1", tasks, deps)
	require.NoError(t, err)

	m := byTaskID(a)
	require.Equal(t, date(2025, 1, 5), m["d"].EarliestStart)
	require.Equal(t, date(2025, 1, 6), m["d"].EarliestFinish)

	require.Equal(t, 2, m["c"].SlackDays)
	require.False(t, m["c"].IsCritical)
	require.Equal(t, date(2025, 1, 4), m["c"].LatestFinish)
	require.Equal(t, date(2025, 1, 4), m["c"].LatestStart)

	require.Equal(t, []string{"a", "b", "d"}, a.CriticalPath)
	require.Equal(t, date(2025, 1, 6), *a.ProjectEndDate)
}

func TestAnalyze_MilestoneInChain_StartsAndFinishesSameDay(t *testing.T) {
	tasks := []*types.Task{
		task("a", date(2025, 3, 1), 2),
		task("m", date(2025, 3, 3), 0),
		task("b", date(2025, 3, 4), 2),
	}
	deps := []*types.Dependency{dep("a", "m"), dep("m", "b")}

	a, err := Analyze("p1", tasks, deps)
	require.NoError(t, err)

	m := byTaskID(a)
	require.Equal(t, date(2025, 3, 3), m["m"].EarliestStart)
	require.Equal(t, date(2025, 3, 3), m["m"].EarliestFinish)
	require.Equal(t, date(2025, 3, 3), m["m"].LatestStart)
	require.Equal(t, date(2025, 3, 3), m["m"].LatestFinish)
	require.True(t, m["m"].IsCritical)
	require.Equal(t, date(2025, 3, 4), m["b"].EarliestStart)
	require.Equal(t, date(2025, 3, 5), *a.ProjectEndDate)
}

func TestAnalyze_RootTasksAnchorAtStoredStartDates(t *testing.T) {
	// An isolated task starting late defines the project end and gives
	// the chain slack.
	tasks := []*types.Task{
		task("a", date(2025, 2, 1), 2),
		task("b", date(2025, 2, 3), 1),
		task("late", date(2025, 2, 10), 1),
	}
	deps := []*types.Dependency{dep("a", "b")}

	a, err := Analyze("p1", tasks, deps)
	require.NoError(t, err)

	m := byTaskID(a)
	require.Equal(t, date(2025, 2, 10), *a.ProjectEndDate)
	require.Equal(t, 7, m["b"].SlackDays)
	require.Equal(t, 0, m["late"].SlackDays)
	require.Equal(t, []string{"late"}, a.CriticalPath)
}

func TestAnalyze_EmptyProject_EmptyAnalysis(t *testing.T) {
	a, err := Analyze("p1", nil, nil)
	require.NoError(t, err)
	require.Empty(t, a.Tasks)
	require.Empty(t, a.CriticalPath)
	require.Nil(t, a.ProjectEndDate)
}

func TestAnalyze_NonEmptyProject_CriticalPathNeverEmpty(t *testing.T) {
	tasks := []*types.Task{
		task("a", date(2025, 4, 1), 4),
		task("b", date(2025, 4, 2), 1),
	}

	a, err := Analyze("p1", tasks, nil)
	require.NoError(t, err)
	require.NotEmpty(t, a.CriticalPath)
}

func TestAnalyze_InconsistentEdgeSet_ReturnsError(t *testing.T) {
	tasks := []*types.Task{
		task("a", date(2025, 3, 1), 1),
		task("b", date(2025, 3, 2), 1),
	}
	deps := []*types.Dependency{dep("a", "b"), dep("b", "a")}

	_, err := Analyze("p1", tasks, deps)
	require.Error(t, err)
}
