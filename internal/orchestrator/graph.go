package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/fleet"
)

// DecompositionError means the plan phase could not turn a project request
// into a usable task graph. It is fatal to the project and surfaced to the
// requester; nothing is persisted.
type DecompositionError struct {
	Reason string
}

func (e *DecompositionError) Error() string {
	return "decomposition failed: " + e.Reason
}

// TaskSpec is one node of the task graph as carried by the create-project
// request. Dependencies reference other specs by name.
type TaskSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority"`
	Skills      []string `json:"skills"`
	Permissions []string `json:"permissions,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	TimeoutSecs int64    `json:"timeout_secs,omitempty"`
	MaxRetries  int      `json:"max_retries,omitempty"`
}

// buildTasks materializes the task graph from the request's specs: assigns
// IDs, resolves dependency names, and validates that the graph is non-empty
// and acyclic. Unset timeout and retry limits fall back to the configured
// defaults.
func buildTasks(projectID string, specs []TaskSpec, cfg config.SchedulerConfig) ([]*fleet.Task, error) {
	if len(specs) == 0 {
		return nil, &DecompositionError{Reason: "task graph is empty"}
	}

	ids := make(map[string]string, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, &DecompositionError{Reason: "task with empty name"}
		}
		if _, dup := ids[s.Name]; dup {
			return nil, &DecompositionError{Reason: fmt.Sprintf("duplicate task name %q", s.Name)}
		}
		ids[s.Name] = uuid.New().String()
	}

	now := time.Now()
	tasks := make([]*fleet.Task, 0, len(specs))
	edges := make(map[string][]string, len(specs))
	for _, s := range specs {
		deps := make([]string, 0, len(s.DependsOn))
		for _, name := range s.DependsOn {
			depID, ok := ids[name]
			if !ok {
				return nil, &DecompositionError{
					Reason: fmt.Sprintf("task %q depends on unknown task %q", s.Name, name),
				}
			}
			if depID == ids[s.Name] {
				return nil, &DecompositionError{
					Reason: fmt.Sprintf("task %q depends on itself", s.Name),
				}
			}
			deps = append(deps, depID)
		}
		edges[ids[s.Name]] = deps

		timeout := time.Duration(s.TimeoutSecs) * time.Second
		if timeout <= 0 {
			timeout = cfg.DefaultTaskTimeout.Std()
		}
		retries := s.MaxRetries
		if retries <= 0 {
			retries = cfg.MaxRetries
		}
		tasks = append(tasks, &fleet.Task{
			ID:           ids[s.Name],
			ProjectID:    projectID,
			Name:         s.Name,
			Description:  s.Description,
			Status:       fleet.TaskPending,
			Priority:     s.Priority,
			SkillsNeeded: s.Skills,
			PermsNeeded:  s.Permissions,
			DependsOn:    deps,
			Timeout:      timeout,
			MaxRetries:   retries,
			Version:      1,
			CreatedAt:    now,
			LastUpdated:  now,
		})
	}

	if cyclic(edges) {
		return nil, &DecompositionError{Reason: "task graph has a cycle"}
	}
	return tasks, nil
}

// cyclic detects a circular dependency with a three-color depth-first walk:
// 0 unvisited, 1 on the current path, 2 finished. A back edge to a node on
// the current path is a cycle.
func cyclic(edges map[string][]string) bool {
	colors := make(map[string]int, len(edges))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, dep := range edges[id] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range edges {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// readyTasks returns the pending tasks whose dependencies are all completed,
// highest priority first so contested agent capacity goes to urgent work.
func readyTasks(tasks []*fleet.Task) []*fleet.Task {
	done := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == fleet.TaskCompleted {
			done[t.ID] = true
		}
	}

	var ready []*fleet.Task
	for _, t := range tasks {
		if t.Ready(done) {
			ready = append(ready, t)
		}
	}
	sortByPriority(ready)
	return ready
}

// deadlocked returns the pending tasks that can never become ready because a
// dependency reached a terminal state other than completed. They are moved to
// blocked so the completion check can tell them apart from delegable work.
func deadlocked(tasks []*fleet.Task) []*fleet.Task {
	status := make(map[string]fleet.TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}

	var blocked []*fleet.Task
	for _, t := range tasks {
		if t.Status != fleet.TaskPending {
			continue
		}
		for _, dep := range t.DependsOn {
			if status[dep] == fleet.TaskFailed || status[dep] == fleet.TaskCancelled {
				blocked = append(blocked, t)
				break
			}
		}
	}
	return blocked
}

func sortByPriority(tasks []*fleet.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})
}
