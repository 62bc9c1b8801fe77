package scheduler

import (
	"context"
	"sync"

	"github.com/bioflow-run/bioflow/internal/model"
	"github.com/bioflow-run/bioflow/internal/resource"
)

// resourceGate tracks cpu/memory/gpu currently allocated to running steps
// and blocks a step until capacity frees up, per spec.md §4.4
// can_run_step. Allocation happens on mark_running, release on any
// terminal transition — callers acquire before dispatch and release in a
// defer after the step reaches a terminal state.
type resourceGate struct {
	mu   sync.Mutex
	cond *sync.Cond
	cap  resource.HostCapacity

	cpus int64
	mem  int64
	gpus int64
}

func newResourceGate(cap resource.HostCapacity) *resourceGate {
	g := &resourceGate{cap: cap}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// acquire blocks until step's resource request fits within remaining host
// capacity, or ctx is done. A step requesting no resources never blocks.
func (g *resourceGate) acquire(ctx context.Context, r *model.Resources) error {
	if r == nil {
		return nil
	}
	var cpu, gpu int64
	var mem int64
	if r.CPU != nil {
		cpu = int64(*r.CPU)
	}
	if r.GPU != nil {
		gpu = int64(*r.GPU)
	}
	if r.Memory != "" {
		m, err := resource.ParseMemory(r.Memory)
		if err != nil {
			return err
		}
		mem = m
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
		<-done
	}()
	defer close(done)

	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if g.cpus+cpu <= int64(g.cap.CPUs) && g.mem+mem <= g.cap.AvailableMemory && g.gpus+gpu <= int64(g.cap.GPUs) {
			g.cpus += cpu
			g.mem += mem
			g.gpus += gpu
			return nil
		}
		g.cond.Wait()
	}
}

func (g *resourceGate) release(r *model.Resources) {
	if r == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.CPU != nil {
		g.cpus -= int64(*r.CPU)
	}
	if r.GPU != nil {
		g.gpus -= int64(*r.GPU)
	}
	if r.Memory != "" {
		if m, err := resource.ParseMemory(r.Memory); err == nil {
			g.mem -= m
		}
	}
	g.cond.Broadcast()
}
