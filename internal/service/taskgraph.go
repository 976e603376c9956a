package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Plan validation errors.
var (
	ErrEmptyPlan         = errors.New("plan has no tasks")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrPlanCycle         = errors.New("dependency cycle")
)

// PlanTask is one node of a delegated task plan.
type PlanTask struct {
	ID           string   `json:"id"`
	Task         string   `json:"task"`
	DependsOn    []string `json:"depends_on,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// ValidatePlan checks that task ids are unique, every dependency names a task
// of the plan, and the graph is acyclic. It returns the tasks grouped into
// levels: every task's dependencies sit in earlier levels. Ids within a
// level are sorted.
func ValidatePlan(tasks []PlanTask) ([][]string, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyPlan
	}

	indegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("%w: empty id", ErrDuplicateTask)
		}
		if _, dup := indegree[t.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
		}
		indegree[t.ID] = 0
	}

	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, fmt.Errorf("%w: %q depends on itself", ErrPlanCycle, t.ID)
			}
			if _, ok := indegree[dep]; !ok {
				return nil, fmt.Errorf("%w: %q depends on %q", ErrUnknownDependency, t.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var current []string
	for id, n := range indegree {
		if n == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	placed := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		placed += len(current)

		var next []string
		for _, id := range current {
			for _, d := range dependents[id] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		current = next
	}

	if placed < len(tasks) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w among %s", ErrPlanCycle, strings.Join(stuck, ", "))
	}
	return levels, nil
}
