// Package api exposes the engine over HTTP as JSON.
//
// Failures are returned as an envelope with a stable machine-readable
// code:
//
//	{"error": "cycle_detected", "message": "...", "details": {...}}
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"

	"github.com/cascade-eng/cascade/go/alogin"
	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/engine"
	"github.com/cascade-eng/cascade/go/simulate"
)

const (
	defaultDatabaseTimeout = time.Minute
)

// API routes HTTP requests to the engine.
type API struct {
	loginProvider alogin.Login
	engine        *engine.Engine
}

// New returns a new instance of API.
func New(loginProvider alogin.Login, eng *engine.Engine) *API {
	return &API{
		loginProvider: loginProvider,
		engine:        eng,
	}
}

// RegisterHandlers registers the api handlers for their respective routes.
func (a *API) RegisterHandlers(router *chi.Mux) {
	router.Get("/_/login/status", a.loginStatusHandler)

	router.Post("/api/v1/projects", a.createProjectHandler)
	router.Get("/api/v1/projects", a.listProjectsHandler)
	router.Get("/api/v1/projects/{id}", a.getProjectHandler)
	router.Patch("/api/v1/projects/{id}", a.updateProjectHandler)
	router.Delete("/api/v1/projects/{id}", a.deleteProjectHandler)
	router.Get("/api/v1/projects/{id}/status", a.projectStatusHandler)
	router.Get("/api/v1/projects/{id}/critical-path", a.criticalPathHandler)
	router.Post("/api/v1/projects/{id}/simulate", a.simulateHandler)
	router.Get("/api/v1/projects/{id}/tasks", a.listTasksHandler)
	router.Post("/api/v1/projects/{id}/tasks", a.createTaskHandler)
	router.Get("/api/v1/projects/{id}/dependencies", a.listDependenciesHandler)

	router.Get("/api/v1/tasks/{id}", a.getTaskHandler)
	router.Patch("/api/v1/tasks/{id}", a.updateTaskHandler)
	router.Delete("/api/v1/tasks/{id}", a.deleteTaskHandler)
	router.Get("/api/v1/tasks/{id}/dependencies", a.taskDependenciesHandler)

	router.Post("/api/v1/dependencies", a.createDependencyHandler)
	router.Delete("/api/v1/dependencies/{predecessorID}/{successorID}", a.deleteDependencyHandler)
}

// statusFor maps an error code to its HTTP status.
func statusFor(code engine.Code) int {
	switch code {
	case engine.NotFound:
		return http.StatusNotFound
	case engine.CycleDetected:
		return http.StatusBadRequest
	case engine.DuplicateDependency:
		return http.StatusConflict
	case engine.SelfDependency:
		return http.StatusBadRequest
	case engine.CrossProjectDependency:
		return http.StatusBadRequest
	case engine.ValidationError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes the JSON error envelope for err.
func sendError(w http.ResponseWriter, err error) {
	ee := engine.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(ee.Code))
	if encodeErr := json.NewEncoder(w).Encode(ee); encodeErr != nil {
		cclog.Errorf("Error writing the error response: %s", encodeErr)
	}
}

// sendJSON writes body as the JSON response.
func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		cclog.Errorf("Error writing the response: %s", err)
	}
}

// decode reads the request body into dest, reporting malformed JSON as
// a validation error.
func decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		sendError(w, engine.NewError(engine.ValidationError, "invalid request body: %s", err))
		return false
	}
	return true
}

func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), defaultDatabaseTimeout)
}

func (a *API) loginStatusHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, a.loginProvider.Status(r))
}

// CreateProjectRequest is the body of a project creation request.
type CreateProjectRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Deadline    *civil.Date `json:"deadline,omitempty"`
}

func (a *API) createProjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	var req CreateProjectRequest
	if !decode(w, r, &req) {
		return
	}
	owner := a.loginProvider.LoggedInAs(r)
	p, err := a.engine.CreateProject(ctx, req.Name, req.Description, owner.String(), req.Deadline)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, p)
}

func (a *API) listProjectsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	ps, err := a.engine.ListProjects(ctx)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, ps)
}

func (a *API) getProjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	p, err := a.engine.GetProject(ctx, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, p)
}

// UpdateProjectRequest is the body of a project update request. Absent
// fields stay unchanged; clearDeadline removes the deadline.
type UpdateProjectRequest struct {
	Name          *string     `json:"name,omitempty"`
	Description   *string     `json:"description,omitempty"`
	Deadline      *civil.Date `json:"deadline,omitempty"`
	ClearDeadline bool        `json:"clearDeadline,omitempty"`
}

func (a *API) updateProjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	var req UpdateProjectRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := a.engine.UpdateProject(ctx, chi.URLParam(r, "id"), engine.ProjectPatch{
		Name:          req.Name,
		Description:   req.Description,
		Deadline:      req.Deadline,
		ClearDeadline: req.ClearDeadline,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, p)
}

func (a *API) deleteProjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := a.engine.DeleteProject(ctx, chi.URLParam(r, "id")); err != nil {
		sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) projectStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	status, err := a.engine.Status(ctx, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, status)
}

func (a *API) criticalPathHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	analysis, err := a.engine.CriticalPath(ctx, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, analysis)
}

// SimulateRequest is the body of a what-if simulation request.
type SimulateRequest struct {
	Changes []simulate.TaskChange `json:"changes"`
}

func (a *API) simulateHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	var req SimulateRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := a.engine.Simulate(ctx, chi.URLParam(r, "id"), req.Changes)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// CreateTaskRequest is the body of a task creation request. A missing
// startDate defaults to today.
type CreateTaskRequest struct {
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	StartDate    *civil.Date `json:"startDate,omitempty"`
	DurationDays int         `json:"durationDays"`
}

func (a *API) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	var req CreateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := a.engine.CreateTask(ctx, chi.URLParam(r, "id"), req.Title, req.Description, req.StartDate, req.DurationDays)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, t)
}

func (a *API) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	tasks, err := a.engine.ListTasks(ctx, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, tasks)
}

func (a *API) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	t, err := a.engine.GetTask(ctx, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, t)
}

// UpdateTaskRequest is the body of a task update request. Absent fields
// stay unchanged.
type UpdateTaskRequest struct {
	Title        *string     `json:"title,omitempty"`
	Description  *string     `json:"description,omitempty"`
	StartDate    *civil.Date `json:"startDate,omitempty"`
	DurationDays *int        `json:"durationDays,omitempty"`
}

func (a *API) updateTaskHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	var req UpdateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := a.engine.UpdateTask(ctx, chi.URLParam(r, "id"), engine.TaskPatch{
		Title:        req.Title,
		Description:  req.Description,
		StartDate:    req.StartDate,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, t)
}

func (a *API) deleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := a.engine.DeleteTask(ctx, chi.URLParam(r, "id")); err != nil {
		sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) taskDependenciesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	deps, err := a.engine.ListDependenciesForTask(ctx, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, deps)
}

// CreateDependencyRequest is the body of an edge creation request.
type CreateDependencyRequest struct {
	PredecessorID string `json:"predecessorId"`
	SuccessorID   string `json:"successorId"`
}

func (a *API) createDependencyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	var req CreateDependencyRequest
	if !decode(w, r, &req) {
		return
	}
	dep, err := a.engine.CreateDependency(ctx, req.PredecessorID, req.SuccessorID)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, dep)
}

func (a *API) deleteDependencyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	err := a.engine.DeleteDependency(ctx, chi.URLParam(r, "predecessorID"), chi.URLParam(r, "successorID"))
	if err != nil {
		sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listDependenciesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	deps, err := a.engine.ListDependencies(ctx, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, deps)
}
