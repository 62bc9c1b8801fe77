// Package scheduler drives a resolved workflow's dependency graph to
// completion: layered concurrent dispatch, resource bookkeeping,
// cancellation propagation, and error_handlers-driven retries, per
// spec.md §4.4 and §5.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bioflow-run/bioflow/internal/backoff"
	"github.com/bioflow-run/bioflow/internal/bioflowerr"
	"github.com/bioflow-run/bioflow/internal/executor"
	"github.com/bioflow-run/bioflow/internal/graph"
	"github.com/bioflow-run/bioflow/internal/logger"
	"github.com/bioflow-run/bioflow/internal/model"
	"github.com/bioflow-run/bioflow/internal/resolver"
	"github.com/bioflow-run/bioflow/internal/resource"
)

// Config is the complete pre-flight tunable surface for an Engine. Config
// *loading* (files, env, flags) is out of scope for this module per
// spec.md §1 — callers construct this struct directly.
type Config struct {
	// GPUCount is the host's GPU count. Neither gopsutil nor the stdlib
	// expose a portable GPU inventory, so it is supplied here rather than
	// probed.
	GPUCount int
}

// RunOptions are the caller-supplied knobs for one Execute call.
// Cancellation is not a RunOptions field: it is folded into the ctx
// parameter Execute already takes, per Go's context-as-first-argument
// idiom — a second cancellation source on the options struct would be
// redundant.
type RunOptions struct {
	Parameters       map[string]any
	ResourcesEnabled bool
	MaxParallelism   int // 0 means unbounded
}

// Engine runs workflows. It holds no per-run state, so one Engine may run
// many workflows concurrently.
type Engine struct {
	cfg Config
	log logger.Logger
}

func New(cfg Config, log logger.Logger) *Engine {
	return &Engine{cfg: cfg, log: log}
}

// Execute runs wf's DAG to completion in workingDir/tempDir and returns a
// populated ExecutionResult. It never returns an error once steps have
// started running — failures are recorded in the result, per spec.md §7.
// An error is returned only for pre-flight failures (validation,
// dependency, resource) that stop the run before any step executes.
func (e *Engine) Execute(ctx context.Context, wf *model.Workflow, workingDir, tempDir string, opts RunOptions) (*model.ExecutionResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	g, err := graph.Build(wf)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, bioflowerr.NewValidationError("cannot create working_dir: " + err.Error())
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, bioflowerr.NewValidationError("cannot create temp_dir: " + err.Error())
	}

	resolved, err := resolver.Resolve(wf, opts.Parameters, workingDir, tempDir)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := e.log.WithStep(runID, "")

	stepStates := map[string]*model.StepExecutionState{}
	byName := map[string]*model.Step{}
	for _, s := range resolved.Flatten() {
		stepStates[s.Name] = model.NewStepExecutionState(*s)
		byName[s.Name] = s
	}

	var gate *resourceGate
	if opts.ResourcesEnabled {
		capacity, err := resource.Probe(e.cfg.GPUCount)
		if err != nil {
			return nil, err
		}
		if err := checkFeasible(resolved, capacity); err != nil {
			return nil, err
		}
		gate = newResourceGate(capacity)
	}

	var sem *semaphore.Weighted
	if opts.MaxParallelism > 0 {
		sem = semaphore.NewWeighted(int64(opts.MaxParallelism))
	}

	rc := &executor.RunContext{
		RunID:      runID,
		WorkingDir: workingDir,
		TempDir:    tempDir,
		Env:        resolved.Env,
		Logger:     log,
		Containers: executor.NewContainerTracker(),
	}

	result := &model.ExecutionResult{
		Workflow:   resolved,
		StartTime:  time.Now(),
		StepStates: stepStates,
	}

	var failed atomic.Bool
	var firstFailure atomic.Value // string

	for _, layer := range g.Layers() {
		if failed.Load() {
			markPending(layer, stepStates, model.StatusCancelled)
			continue
		}

		// Every dispatched task in this layer is allowed to run to
		// completion even if a sibling fails; only later layers are
		// stopped from starting. errgroup is used purely for the
		// fan-out/fan-in barrier — runNode never returns an error, so
		// egCtx is never auto-cancelled by a sibling's failure.
		eg, egCtx := errgroup.WithContext(ctx)
		for _, name := range layer {
			name := name
			step := byName[name]
			state := stepStates[name]
			eg.Go(func() error {
				e.runNode(egCtx, resolved, step, state, rc, gate, sem)
				if state.Status() == model.StatusFailed && failed.CompareAndSwap(false, true) {
					firstFailure.Store(fmt.Sprintf("Step '%s' failed: %s", step.Name, state.ErrorMessage()))
				}
				return nil
			})
		}
		_ = eg.Wait()
	}

	result.EndTime = time.Now()
	if failed.Load() {
		result.Status = model.RunFailed
		if msg, ok := firstFailure.Load().(string); ok {
			result.ErrorMessage = msg
		}
	} else {
		result.Status = model.RunCompleted
	}
	return result, nil
}

// markPending transitions every step in layer that is still pending to
// status, used once an earlier layer has failed so later layers never
// dispatch.
func markPending(layer []string, states map[string]*model.StepExecutionState, status model.StepStatus) {
	now := time.Now()
	for _, name := range layer {
		s := states[name]
		if s.Status() == model.StatusPending {
			switch status {
			case model.StatusCancelled:
				s.MarkCancelled(now)
			case model.StatusSkipped:
				s.MarkSkipped(now)
			}
		}
	}
}

// runNode dispatches one node of the graph: a group step transitions
// straight to completed (it is purely structural), a single step acquires
// resources/a parallelism slot, runs through its executor, and retries
// according to wf.ErrorHandlers until its budget is exhausted.
func (e *Engine) runNode(ctx context.Context, wf *model.Workflow, step *model.Step, state *model.StepExecutionState, rc *executor.RunContext, gate *resourceGate, sem *semaphore.Weighted) {
	if step.Kind != model.KindSingle {
		now := time.Now()
		state.MarkRunning(now)
		state.MarkCompleted(now, 0)
		return
	}

	if ctx.Err() != nil {
		state.MarkCancelled(time.Now())
		return
	}

	if gate != nil {
		if err := gate.acquire(ctx, step.Resources); err != nil {
			state.MarkCancelled(time.Now())
			return
		}
		defer gate.release(step.Resources)
	}
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			state.MarkCancelled(time.Now())
			return
		}
		defer sem.Release(1)
	}

	handler := matchErrorHandler(wf.ErrorHandlers, step.Name)
	var retrier backoff.Retrier
	if handler != nil {
		wait, err := parseDuration(handler.WaitTime)
		if err == nil {
			retrier = backoff.NewRetrier(backoff.NewConstantBackoffPolicy(wait))
		}
	}

	for {
		e.runOnce(ctx, step, state, rc)

		if state.Status() != model.StatusFailed {
			return
		}
		if handler == nil || retrier == nil || state.RetryCount() >= handler.MaxRetries {
			return
		}
		if err := retrier.Next(ctx, bioflowerr.NewValidationError(state.ErrorMessage())); err != nil {
			return
		}
		state.ResetForRetry(time.Now())
	}
}

// runOnce dispatches step to its executor exactly once, honoring
// resources.time as a per-step timeout per spec.md §5.
func (e *Engine) runOnce(ctx context.Context, step *model.Step, state *model.StepExecutionState, rc *executor.RunContext) {
	stepCtx := ctx
	if step.Resources != nil && step.Resources.Time != "" {
		if d, err := parseDuration(step.Resources.Time); err == nil {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	ex := executor.Dispatch(step)
	if ex == nil {
		state.MarkFailed(time.Now(), fmt.Sprintf("no executor accepts step %q", step.Name), -1)
		return
	}
	if err := ex.Execute(stepCtx, step, rc, state); err != nil {
		state.MarkFailed(time.Now(), err.Error(), -1)
	}
}

func matchErrorHandler(handlers []model.ErrorHandler, stepName string) *model.ErrorHandler {
	var wildcard *model.ErrorHandler
	for i := range handlers {
		h := &handlers[i]
		if h.Step == stepName {
			return h
		}
		if h.Step == "*" && wildcard == nil {
			wildcard = h
		}
	}
	return wildcard
}

// checkFeasible rejects, at pre-flight, any single step whose resource
// request can never be satisfied by the host alone, per spec.md §7
// ("ResourceError:... cannot ever be satisfied").
func checkFeasible(wf *model.Workflow, capacity resource.HostCapacity) error {
	for _, s := range wf.Flatten() {
		if s.Resources == nil {
			continue
		}
		if s.Resources.CPU != nil && *s.Resources.CPU > capacity.CPUs {
			return bioflowerr.NewResourceError(fmt.Sprintf("step %q requests %d cpus, host has %d", s.Name, *s.Resources.CPU, capacity.CPUs))
		}
		if s.Resources.GPU != nil && *s.Resources.GPU > capacity.GPUs {
			return bioflowerr.NewResourceError(fmt.Sprintf("step %q requests %d gpus, host has %d", s.Name, *s.Resources.GPU, capacity.GPUs))
		}
		if s.Resources.Memory != "" {
			m, err := resource.ParseMemory(s.Resources.Memory)
			if err != nil {
				return err
			}
			if m > capacity.AvailableMemory {
				return bioflowerr.NewResourceError(fmt.Sprintf("step %q requests %s, host has %d bytes available", s.Name, s.Resources.Memory, capacity.AvailableMemory))
			}
		}
	}
	return nil
}
