// Package types contains the core types for cascade: projects, tasks,
// and the dependency edges between tasks.
//
// All scheduling is in whole civil days. A task occupies the closed
// interval [StartDate, EndDate]; a task with DurationDays == 0 is a
// milestone and starts and ends on the same day.
package types

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// Project groups tasks under a single schedule and optional deadline.
type Project struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	OwnerID     string      `json:"ownerId,omitempty"`
	Deadline    *civil.Date `json:"deadline,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Copy returns a deep copy of the Project.
func (p *Project) Copy() *Project {
	rv := *p
	if p.Deadline != nil {
		d := *p.Deadline
		rv.Deadline = &d
	}
	return &rv
}

// Task is a scheduled unit of work inside a project.
//
// VersionToken changes on every user-initiated mutation of the task or
// of the edges arriving at it. Background recalculation jobs carry the
// token they were enqueued with and are dropped if the task has moved
// on since, so only the newest intent wins. Recalculation itself never
// changes the token.
type Task struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	StartDate    civil.Date `json:"startDate"`
	EndDate      civil.Date `json:"endDate"`
	DurationDays int        `json:"durationDays"`
	VersionToken string     `json:"versionToken"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Copy returns a deep copy of the Task.
func (t *Task) Copy() *Task {
	rv := *t
	return &rv
}

// IsMilestone returns true for zero-duration tasks.
func (t *Task) IsMilestone() bool {
	return t.DurationDays == 0
}

// Dependency is a precedence edge: the predecessor must end strictly
// before the successor starts. The pair (PredecessorID, SuccessorID)
// is unique; both tasks belong to ProjectID.
type Dependency struct {
	ProjectID     string    `json:"projectId"`
	PredecessorID string    `json:"predecessorId"`
	SuccessorID   string    `json:"successorId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Copy returns a copy of the Dependency.
func (d *Dependency) Copy() *Dependency {
	rv := *d
	return &rv
}

// TaskDates is one row of a bulk schedule update: the new start and
// end dates for a single task.
type TaskDates struct {
	TaskID    string
	StartDate civil.Date
	EndDate   civil.Date
}

// NewID returns a fresh identifier for any entity.
func NewID() string {
	return uuid.New().String()
}

// NewVersionToken returns a fresh opaque version token. Tokens are only
// ever compared for equality.
func NewVersionToken() string {
	return uuid.New().String()
}

// EndDate returns the end date of a task starting on start with the
// given duration: start + duration - 1 days, or start itself for a
// milestone.
func EndDate(start civil.Date, durationDays int) civil.Date {
	if durationDays <= 0 {
		return start
	}
	return start.AddDays(durationDays - 1)
}

// EarliestStart returns the earliest start permitted by the given
// predecessor end dates, i.e. the day after the latest of them. The
// second return value is false when there are no predecessors and any
// start date is permitted.
func EarliestStart(predEnds []civil.Date) (civil.Date, bool) {
	if len(predEnds) == 0 {
		return civil.Date{}, false
	}
	latest := predEnds[0]
	for _, d := range predEnds[1:] {
		if d.After(latest) {
			latest = d
		}
	}
	return latest.AddDays(1), true
}
