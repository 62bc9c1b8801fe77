package resolver

import "github.com/bioflow-run/bioflow/internal/model"

// deepCopyWorkflow returns a copy of wf that shares no mutable state with
// the original, so Resolve never mutates the caller's workflow value.
func deepCopyWorkflow(wf *model.Workflow) *model.Workflow {
	out := &model.Workflow{
		Name:    wf.Name,
		Version: wf.Version,
		Env:     copyStringMap(wf.Env),
		Steps:   copySteps(wf.Steps),
	}
	for _, h := range wf.ErrorHandlers {
		out.ErrorHandlers = append(out.ErrorHandlers, h)
	}
	return out
}

func copySteps(steps []model.Step) []model.Step {
	if steps == nil {
		return nil
	}
	out := make([]model.Step, len(steps))
	for i, s := range steps {
		out[i] = model.Step{
			Name:      s.Name,
			Kind:      s.Kind,
			Command:   s.Command,
			Container: copyContainer(s.Container),
			Inputs:    copyIOs(s.Inputs),
			Outputs:   copyIOs(s.Outputs),
			DependsOn: append([]string(nil), s.DependsOn...),
			Resources: copyResources(s.Resources),
		}
		out[i].NestedSteps = copySteps(s.NestedSteps)
	}
	return out
}

func copyIOs(ios []model.IO) []model.IO {
	if ios == nil {
		return nil
	}
	return append([]model.IO(nil), ios...)
}

func copyContainer(c *model.Container) *model.Container {
	if c == nil {
		return nil
	}
	out := &model.Container{
		Kind:        c.Kind,
		Image:       c.Image,
		Version:     c.Version,
		Environment: copyStringMap(c.Environment),
	}
	for _, m := range c.Mounts {
		out.Mounts = append(out.Mounts, model.Mount{
			HostPath:      m.HostPath,
			ContainerPath: m.ContainerPath,
			Options:       append([]string(nil), m.Options...),
		})
	}
	return out
}

func copyResources(r *model.Resources) *model.Resources {
	if r == nil {
		return nil
	}
	out := &model.Resources{Memory: r.Memory, Time: r.Time}
	if r.CPU != nil {
		v := *r.CPU
		out.CPU = &v
	}
	if r.GPU != nil {
		v := *r.GPU
		out.GPU = &v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
