package model

import (
	"fmt"
	"regexp"

	"github.com/bioflow-run/bioflow/internal/bioflowerr"
)

var (
	memoryPattern   = regexp.MustCompile(`^\d+(K|M|G|T)B?$`)
	durationPattern = regexp.MustCompile(`^\d+[smhd]$`)
)

// Validate checks the structural invariants spec.md §3 places on a
// Workflow before it is ever scheduled: unique step names, exactly-one-of
// command/container per single step, non-empty nested_steps for group
// steps, absolute container mount paths, and well-formed resource strings.
// It never inspects ${...} references — that is the Resolver's job.
func (w *Workflow) Validate() error {
	seen := map[string]bool{}
	for _, s := range w.Flatten() {
		if s.Name == "" {
			return bioflowerr.NewValidationError("step has empty name")
		}
		if seen[s.Name] {
			return bioflowerr.NewValidationError(fmt.Sprintf("duplicate step name %q", s.Name))
		}
		seen[s.Name] = true

		if err := s.validateSelf(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Step) validateSelf() error {
	switch s.Kind {
	case KindSingle:
		hasCommand := s.Command != ""
		hasContainer := s.Container != nil
		if !hasCommand {
			return bioflowerr.NewValidationError(fmt.Sprintf("step %q: single step must set command", s.Name))
		}
		if hasContainer && s.Container.Kind != "" && s.Container.Kind != "docker" {
			return bioflowerr.NewValidationError(fmt.Sprintf("step %q: unsupported container kind %q", s.Name, s.Container.Kind))
		}
		if hasContainer {
			for _, m := range s.Container.Mounts {
				if err := m.validate(s.Name); err != nil {
					return err
				}
			}
		}
	case KindParallelGroup, KindSequentialGroup:
		if len(s.NestedSteps) == 0 {
			return bioflowerr.NewValidationError(fmt.Sprintf("group step %q: nested_steps must be non-empty", s.Name))
		}
	default:
		return bioflowerr.NewValidationError(fmt.Sprintf("step %q: unknown kind %q", s.Name, s.Kind))
	}

	if s.Resources != nil {
		if err := s.Resources.validate(s.Name); err != nil {
			return err
		}
	}
	return nil
}

func (m Mount) validate(stepName string) error {
	if len(m.ContainerPath) == 0 || m.ContainerPath[0] != '/' {
		return bioflowerr.NewValidationError(fmt.Sprintf("step %q: mount container_path %q must be absolute", stepName, m.ContainerPath))
	}
	return nil
}

func (r Resources) validate(stepName string) error {
	if r.Memory != "" && !memoryPattern.MatchString(r.Memory) {
		return bioflowerr.NewValidationError(fmt.Sprintf("step %q: invalid memory size %q", stepName, r.Memory))
	}
	if r.Time != "" && !durationPattern.MatchString(r.Time) {
		return bioflowerr.NewValidationError(fmt.Sprintf("step %q: invalid time duration %q", stepName, r.Time))
	}
	return nil
}
