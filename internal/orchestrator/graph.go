package orchestrator

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/registry"
)

// job is one (variable, rule invocation) pair.
type job struct {
	index    int
	variable domain.PlannedVariable
	position int
	inv      domain.RuleInvocation
	entry    registry.Entry
	deps     []*job
	level    int
}

func (j *job) params() registry.Params {
	return registry.Params(j.inv.Params)
}

// buildJobs expands the plan into jobs. Invocations of unknown or disabled
// rules are skipped with a warning.
func buildJobs(plan domain.ExecutionPlan, reg *registry.Registry, logger *slog.Logger) []*job {
	var jobs []*job
	for position, variable := range plan.Variables {
		for _, inv := range variable.Rules {
			entry, ok := reg.Lookup(inv.Rule)
			if !ok {
				logger.Warn("skipping rule",
					slog.String("variable", variable.Name),
					slog.Any("error", registry.UnknownRule(inv.Rule)),
				)
				continue
			}
			jobs = append(jobs, &job{
				index:    len(jobs),
				variable: variable,
				position: position,
				inv:      inv,
				entry:    entry,
			})
		}
	}
	return jobs
}

// bindDependencies resolves each declared dependency rule to concrete jobs.
// A dependency on rule d binds to (same variable, d) and to (referenced
// column, d) for every column named in the params. When neither exists it
// binds to every job running d. Dependencies matching no job are ignored.
func bindDependencies(jobs []*job) {
	byRule := make(map[string][]*job)
	for _, j := range jobs {
		byRule[j.entry.Name] = append(byRule[j.entry.Name], j)
	}
	for _, j := range jobs {
		targets := map[string]bool{j.variable.Name: true}
		for _, col := range j.params().Columns() {
			targets[col] = true
		}
		for _, dep := range j.entry.Dependencies {
			candidates := byRule[dep]
			var bound []*job
			for _, c := range candidates {
				if c != j && targets[c.variable.Name] {
					bound = append(bound, c)
				}
			}
			if len(bound) == 0 {
				for _, c := range candidates {
					if c != j {
						bound = append(bound, c)
					}
				}
			}
			j.deps = append(j.deps, bound...)
		}
	}
}

// layer assigns level = 1 + max(dependency level) and groups jobs by level.
// Within a level jobs are ordered by priority, then variable order, then plan
// order.
func layer(jobs []*job) ([][]*job, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[*job]int, len(jobs))
	var visit func(j *job) error
	visit = func(j *job) error {
		switch state[j] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle at rule %s on %s", j.entry.Name, j.variable.Name)
		}
		state[j] = visiting
		level := 0
		for _, dep := range j.deps {
			if err := visit(dep); err != nil {
				return err
			}
			if dep.level+1 > level {
				level = dep.level + 1
			}
		}
		j.level = level
		state[j] = done
		return nil
	}

	maxLevel := -1
	for _, j := range jobs {
		if err := visit(j); err != nil {
			return nil, err
		}
		if j.level > maxLevel {
			maxLevel = j.level
		}
	}

	levels := make([][]*job, maxLevel+1)
	for _, j := range jobs {
		levels[j.level] = append(levels[j.level], j)
	}
	for _, level := range levels {
		sort.SliceStable(level, func(a, b int) bool {
			if level[a].entry.Priority != level[b].entry.Priority {
				return level[a].entry.Priority > level[b].entry.Priority
			}
			if level[a].position != level[b].position {
				return level[a].position < level[b].position
			}
			return level[a].index < level[b].index
		})
	}
	return levels, nil
}
