// cascade-seed fills a cascade instance with a generated task graph
// for load and convergence testing.
//
// The graph is built in waves: every task in a wave draws one to three
// predecessors from the three preceding waves, which yields parallel
// tracks, diamonds and long chains. Roughly one task in ten is a
// milestone. All writes go through the public HTTP API, so seeding
// exercises the full mutation path including the recalculation jobs
// the dependencies fan out.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cascade-eng/cascade/go/alogin/proxylogin"
	"github.com/cascade-eng/cascade/go/api"
	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/engine"
	"github.com/cascade-eng/cascade/go/httputils"
	"github.com/cascade-eng/cascade/go/types"
)

// flags
var (
	server      = flag.String("server", "http://localhost:8000", "Base URL of the cascade API server.")
	nodes       = flag.Int("nodes", 500, "Number of tasks to generate, at least 10.")
	projectName = flag.String("project", "Performance Test", "Name of the project to create.")
	user        = flag.String("user", "seed@example.com", "Email sent in the auth header; shows up as the project owner.")
	randSeed    = flag.Int64("rand_seed", 1, "Seed for the graph generator, so runs are reproducible.")
	clearData   = flag.Bool("clear", false, "Delete all existing projects before seeding.")
	benchmark   = flag.Bool("benchmark", false, "After seeding, move a root task and time how long the schedule takes to settle.")
)

const (
	milestoneFraction = 0.1
	maxInFlight       = 8

	pollInterval = 500 * time.Millisecond
	// The projected end date must survive this many successive polls
	// before the schedule counts as settled.
	stablePolls     = 3
	settlingTimeout = 2 * time.Minute
)

type seeder struct {
	client *http.Client
	base   string
}

func main() {
	flag.Parse()
	if *nodes < 10 {
		cclog.Fatalf("--nodes must be at least 10, got %d.", *nodes)
	}

	client := httputils.NewTimeoutClient()
	client.Transport = httputils.NewConfiguredBackOffTransport(httputils.DefaultBackOffConfig(), client.Transport)
	s := &seeder{client: client, base: *server}

	if *clearData {
		if err := s.deleteAllProjects(); err != nil {
			cclog.Fatalf("Clearing existing projects: %s", err)
		}
	}

	r := rand.New(rand.NewSource(*randSeed))

	project, err := s.createProject(*projectName)
	if err != nil {
		cclog.Fatalf("Creating project: %s", err)
	}
	fmt.Printf("Created project %q (%s)\n", project.Name, project.ID)

	begin := time.Now()
	idsByWave, err := s.createTasks(r, project.ID)
	if err != nil {
		cclog.Fatalf("Creating tasks: %s", err)
	}
	fmt.Printf("Created %d tasks in %v\n", *nodes, time.Since(begin).Round(time.Millisecond))

	begin = time.Now()
	deps := generateDependencies(r, idsByWave)
	if err := s.createDependencies(deps); err != nil {
		cclog.Fatalf("Creating dependencies: %s", err)
	}
	fmt.Printf("Created %d dependencies in %v\n", len(deps), time.Since(begin).Round(time.Millisecond))

	printStats(idsByWave, deps)

	projected, settle, err := s.waitUntilSettled(project.ID)
	if err != nil {
		cclog.Fatalf("Waiting for the schedule to settle: %s", err)
	}
	fmt.Printf("\nSchedule settled in %v; projected end %s.\n", settle.Round(time.Millisecond), projected)

	if *benchmark {
		if err := s.runBenchmark(project.ID, idsByWave[0][0]); err != nil {
			cclog.Fatalf("Benchmark: %s", err)
		}
	}
}

// createTasks creates *nodes tasks through the API and returns their
// ids grouped into waves.
func (s *seeder) createTasks(r *rand.Rand, projectID string) ([][]string, error) {
	numWaves := max(10, *nodes/50)
	tasksPerWave := *nodes / numWaves
	startDate := civil.Date{Year: 2025, Month: time.January, Day: 1}

	idsByWave := make([][]string, numWaves)
	created := 0
	for wave := 0; wave < numWaves; wave++ {
		waveSize := tasksPerWave
		if wave == numWaves-1 {
			waveSize = *nodes - created
		}
		ids := make([]string, waveSize)

		// Durations are drawn up front so the rand stream does not
		// depend on request scheduling.
		durations := make([]int, waveSize)
		for i := range durations {
			if r.Float64() < milestoneFraction {
				durations[i] = 0
			} else {
				durations[i] = 1 + r.Intn(10)
			}
		}

		var eg errgroup.Group
		eg.SetLimit(maxInFlight)
		for i := 0; i < waveSize; i++ {
			i := i
			wave := wave
			eg.Go(func() error {
				req := api.CreateTaskRequest{
					Title:        fmt.Sprintf("Task W%02d-%03d", wave, i),
					Description:  fmt.Sprintf("Wave %d, Task %d", wave, i),
					StartDate:    &startDate,
					DurationDays: durations[i],
				}
				var task types.Task
				if err := s.do("POST", fmt.Sprintf("/api/v1/projects/%s/tasks", projectID), req, &task); err != nil {
					return err
				}
				ids[i] = task.ID
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		idsByWave[wave] = ids
		created += waveSize
	}
	return idsByWave, nil
}

type edge struct {
	predecessorID string
	successorID   string
}

// generateDependencies picks one to three predecessors for every task
// outside the first wave, reaching at most three waves back.
func generateDependencies(r *rand.Rand, idsByWave [][]string) []edge {
	var deps []edge
	seen := map[edge]bool{}
	for wave := 1; wave < len(idsByWave); wave++ {
		earliest := max(0, wave-3)
		for _, successor := range idsByWave[wave] {
			numDeps := 1 + r.Intn(min(3, len(idsByWave[wave-1])))
			for n := 0; n < numDeps; n++ {
				depWave := earliest + r.Intn(wave-earliest)
				candidates := idsByWave[depWave]
				e := edge{
					predecessorID: candidates[r.Intn(len(candidates))],
					successorID:   successor,
				}
				if seen[e] {
					continue
				}
				seen[e] = true
				deps = append(deps, e)
			}
		}
	}
	return deps
}

func (s *seeder) createDependencies(deps []edge) error {
	var eg errgroup.Group
	eg.SetLimit(maxInFlight)
	for _, d := range deps {
		d := d
		eg.Go(func() error {
			req := api.CreateDependencyRequest{
				PredecessorID: d.predecessorID,
				SuccessorID:   d.successorID,
			}
			return s.do("POST", "/api/v1/dependencies", req, nil)
		})
	}
	return eg.Wait()
}

func printStats(idsByWave [][]string, deps []edge) {
	numTasks := 0
	for _, ids := range idsByWave {
		numTasks += len(ids)
	}
	hasPred := map[string]bool{}
	hasSucc := map[string]bool{}
	for _, d := range deps {
		hasPred[d.successorID] = true
		hasSucc[d.predecessorID] = true
	}
	roots, leaves := 0, 0
	for _, ids := range idsByWave {
		for _, id := range ids {
			if !hasPred[id] {
				roots++
			}
			if !hasSucc[id] {
				leaves++
			}
		}
	}
	fmt.Printf("\n=== Graph Statistics ===\n")
	fmt.Printf("Tasks:         %d\n", numTasks)
	fmt.Printf("Dependencies:  %d\n", len(deps))
	fmt.Printf("Root tasks:    %d (no predecessors)\n", roots)
	fmt.Printf("Leaf tasks:    %d (no successors)\n", leaves)
	fmt.Printf("Avg deps/task: %.2f\n", float64(len(deps))/float64(numTasks))
}

// waitUntilSettled polls the project status until the projected end
// date stops moving, and returns the final date plus how long settling
// took.
func (s *seeder) waitUntilSettled(projectID string) (civil.Date, time.Duration, error) {
	begin := time.Now()
	deadline := begin.Add(settlingTimeout)
	var last civil.Date
	stable := 0
	for time.Now().Before(deadline) {
		var status engine.ProjectStatus
		if err := s.do("GET", fmt.Sprintf("/api/v1/projects/%s/status", projectID), nil, &status); err != nil {
			return civil.Date{}, 0, err
		}
		if status.ProjectedEndDate != nil && *status.ProjectedEndDate == last {
			stable++
			if stable >= stablePolls {
				return last, time.Since(begin), nil
			}
		} else {
			stable = 0
			if status.ProjectedEndDate != nil {
				last = *status.ProjectedEndDate
			}
		}
		time.Sleep(pollInterval)
	}
	return civil.Date{}, 0, errors.Errorf("projected end date still moving after %v", settlingTimeout)
}

// runBenchmark pushes a root task a week into the future and reports
// the API latency and how long the downstream schedule takes to settle
// again.
func (s *seeder) runBenchmark(projectID, rootID string) error {
	var task types.Task
	if err := s.do("GET", "/api/v1/tasks/"+rootID, nil, &task); err != nil {
		return err
	}
	fmt.Printf("\n=== Benchmark: moving root task %q a week out ===\n", task.Title)

	moved := task.StartDate.AddDays(7)
	begin := time.Now()
	req := api.UpdateTaskRequest{StartDate: &moved}
	if err := s.do("PATCH", "/api/v1/tasks/"+rootID, req, nil); err != nil {
		return err
	}
	fmt.Printf("API response time: %v\n", time.Since(begin).Round(time.Millisecond))

	projected, settle, err := s.waitUntilSettled(projectID)
	if err != nil {
		return err
	}
	fmt.Printf("Schedule settled in %v; projected end now %s.\n", settle.Round(time.Millisecond), projected)
	return nil
}

func (s *seeder) deleteAllProjects() error {
	var projects []types.Project
	if err := s.do("GET", "/api/v1/projects", nil, &projects); err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("Deleting project %q (%s)\n", p.Name, p.ID)
		if err := s.do("DELETE", "/api/v1/projects/"+p.ID, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *seeder) createProject(name string) (*types.Project, error) {
	req := api.CreateProjectRequest{
		Name:        name,
		Description: fmt.Sprintf("Performance test project with %d tasks", *nodes),
	}
	var project types.Project
	if err := s.do("POST", "/api/v1/projects", req, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// do sends one API request. A non-nil in is sent as the JSON body; a
// non-nil out receives the decoded JSON response. Responses outside the
// 2xx range become errors carrying the response body.
func (s *seeder) do(method, path string, in, out interface{}) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}
	req, err := http.NewRequest(method, s.base+path, &body)
	if err != nil {
		return errors.Wrapf(err, "building %s request for %s", method, path)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(proxylogin.DefaultHeader, *user)
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "sending %s request to %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, httputils.ReadAndClose(resp.Body))
	}
	if out == nil {
		_ = httputils.ReadAndClose(resp.Body)
		return nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding response from %s %s", method, path)
	}
	return nil
}
