// Package executor dispatches a single resolved step to the backend that
// can run it: a local subprocess or a Docker container, per spec.md §4.3.
package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/bioflow-run/bioflow/internal/logger"
	"github.com/bioflow-run/bioflow/internal/model"
)

// Executor is the common interface both backends implement. Accepts is a
// pure predicate; Execute records the outcome in state: a non-zero exit is
// a failed state, and a backend failure (spawn failure, daemon
// unreachable, image pull failure) is also a failed state whose message
// carries the cause. Both executors here always return nil; the engine
// records any non-nil error as a failed step.
type Executor interface {
	Accepts(step *model.Step) bool
	Execute(ctx context.Context, step *model.Step, rc *RunContext, state *model.StepExecutionState) error
}

// RunContext is the shared, read-only (after construction) state every
// executor needs for one workflow run.
type RunContext struct {
	RunID      string
	WorkingDir string
	TempDir    string
	Env        map[string]string
	Logger     logger.Logger
	Containers *ContainerTracker
}

// Registry is the closed, ordered list of executors the engine dispatches
// to. The set is fixed at compile time, per spec.md §9's redesign note
// ("dynamic executor registry... keep a small closed variant").
func Registry() []Executor {
	return []Executor{&Local{}, NewContainer()}
}

// Dispatch returns the first executor in the registry whose Accepts
// predicate matches step, or nil if none does.
func Dispatch(step *model.Step) Executor {
	for _, e := range Registry() {
		if e.Accepts(step) {
			return e
		}
	}
	return nil
}

// composeEnv merges maps in increasing-precedence order and renders the
// result as "KEY=VALUE" strings sorted by key, for deterministic argv
// construction (docker -e flags) and deterministic test assertions.
func composeEnv(layers ...map[string]string) []string {
	merged := map[string]string{}
	for _, l := range layers {
		for k, v := range l {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// ContainerTracker is the concurrent set of currently-running container
// names (spec.md §5, "Container tracking set"). The container executor adds
// a name once docker run has started and removes it when the run ends or
// is cancelled; on cancellation each executor stops and removes its own
// container by name.
type ContainerTracker struct {
	mu    sync.Mutex
	names map[string]bool
}

func NewContainerTracker() *ContainerTracker {
	return &ContainerTracker{names: map[string]bool{}}
}

func (t *ContainerTracker) Add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[name] = true
}

func (t *ContainerTracker) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.names, name)
}

func (t *ContainerTracker) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.names))
	for n := range t.names {
		out = append(out, n)
	}
	return out
}
