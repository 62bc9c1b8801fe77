// Package resolver expands ${...} references in a Workflow's string
// fields into literal values, per spec.md §4.1.
package resolver

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/bioflow-run/bioflow/internal/bioflowerr"
	"github.com/bioflow-run/bioflow/internal/model"
)

// maxIterations bounds the fixed-point substitution pass. A value that
// still contains "${" after this many passes is a resolution failure.
const maxIterations = 10

var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// Resolve returns a deep copy of wf with every ${...} reference expanded
// against params, workingDir and tempDir in the workflow env and in each
// step's command, input and output values, container environment and mount
// paths. Other fields (names, depends_on, image, version, resources) are
// not expanded; a ${...} token left in any field makes Resolve fail. It
// never mutates wf.
func Resolve(wf *model.Workflow, params map[string]any, workingDir, tempDir string) (*model.Workflow, error) {
	resolved := deepCopyWorkflow(wf)

	ctx := &globalContext{
		wf:         resolved,
		params:     params,
		workingDir: workingDir,
		tempDir:    tempDir,
	}

	for i := 0; i < maxIterations; i++ {
		changed, err := resolvePass(resolved, ctx)
		if err != nil {
			return nil, err
		}
		if !changed {
			break
		}
	}

	if leftover := findUnresolved(resolved); leftover != "" {
		return nil, &bioflowerr.ValidationError{
			Message: fmt.Sprintf("unresolved reference after %d iterations: %s", maxIterations, leftover),
		}
	}
	return resolved, nil
}

type globalContext struct {
	wf         *model.Workflow
	params     map[string]any
	workingDir string
	tempDir    string
}

// resolvePass performs one substitution pass over the whole workflow and
// reports whether anything changed.
func resolvePass(wf *model.Workflow, ctx *globalContext) (bool, error) {
	changed := false

	for k, v := range wf.Env {
		nv, err := resolveString(v, ctx, nil)
		if err != nil {
			return false, err
		}
		if nv != v {
			wf.Env[k] = nv
			changed = true
		}
	}

	steps := wf.Flatten()
	for _, s := range steps {
		c, err := resolveStep(s, ctx)
		if err != nil {
			return false, err
		}
		changed = changed || c
	}
	return changed, nil
}

func resolveStep(s *model.Step, ctx *globalContext) (bool, error) {
	changed := false

	resolveField := func(v string) (string, error) { return resolveString(v, ctx, s) }

	nv, err := resolveField(s.Command)
	if err != nil {
		return false, err
	}
	if nv != s.Command {
		s.Command = nv
		changed = true
	}

	for i := range s.Inputs {
		nv, err := resolveField(s.Inputs[i].Value)
		if err != nil {
			return false, err
		}
		if nv != s.Inputs[i].Value {
			s.Inputs[i].Value = nv
			changed = true
		}
	}
	for i := range s.Outputs {
		nv, err := resolveField(s.Outputs[i].Value)
		if err != nil {
			return false, err
		}
		if nv != s.Outputs[i].Value {
			s.Outputs[i].Value = nv
			changed = true
		}
	}

	if s.Container != nil {
		for k, v := range s.Container.Environment {
			nv, err := resolveField(v)
			if err != nil {
				return false, err
			}
			if nv != v {
				s.Container.Environment[k] = nv
				changed = true
			}
		}
		for i := range s.Container.Mounts {
			m := &s.Container.Mounts[i]
			if nv, err := resolveField(m.HostPath); err != nil {
				return false, err
			} else if nv != m.HostPath {
				m.HostPath = nv
				changed = true
			}
			if nv, err := resolveField(m.ContainerPath); err != nil {
				return false, err
			} else if nv != m.ContainerPath {
				m.ContainerPath = nv
				changed = true
			}
		}
	}
	return changed, nil
}

// resolveString substitutes every ${...} token in v. step is nil when
// resolving a workflow-level field (e.g. Env), in which case any
// step-scoped prefix (resources./inputs./outputs.) is an error.
func resolveString(v string, ctx *globalContext, step *model.Step) (string, error) {
	var outerErr error
	result := refPattern.ReplaceAllStringFunc(v, func(tok string) string {
		if outerErr != nil {
			return tok
		}
		m := refPattern.FindStringSubmatch(tok)
		path := m[1]
		val, err := lookup(path, ctx, step)
		if err != nil {
			outerErr = err
			return tok
		}
		return val
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

func lookup(path string, ctx *globalContext, step *model.Step) (string, error) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "env":
		if len(parts) != 2 {
			return "", &bioflowerr.ValidationError{Message: fmt.Sprintf("malformed reference ${%s}", path)}
		}
		v, ok := ctx.wf.Env[parts[1]]
		if !ok {
			return "", unknownRef(path, "env key %q not found", parts[1])
		}
		return v, nil

	case "params":
		if len(parts) != 2 {
			return "", &bioflowerr.ValidationError{Message: fmt.Sprintf("malformed reference ${%s}", path)}
		}
		v, ok := ctx.params[parts[1]]
		if !ok {
			return "", unknownRef(path, "param %q not found", parts[1])
		}
		return stringify(v), nil

	case "resources":
		if step == nil {
			return "", unknownRef(path, "resources reference requires a step context")
		}
		if len(parts) != 2 || step.Resources == nil {
			return "", unknownRef(path, "resources field %q not set on step %q", strings.Join(parts[1:], "."), step.Name)
		}
		return resourceField(*step.Resources, parts[1], path)

	case "inputs":
		if step == nil {
			return "", unknownRef(path, "inputs reference requires a step context")
		}
		if len(parts) != 2 {
			return "", &bioflowerr.ValidationError{Message: fmt.Sprintf("malformed reference ${%s}", path)}
		}
		for _, io := range step.Inputs {
			if io.Name == parts[1] {
				return io.Value, nil
			}
		}
		return "", unknownRef(path, "input %q not found on step %q", parts[1], step.Name)

	case "outputs":
		if step == nil {
			return "", unknownRef(path, "outputs reference requires a step context")
		}
		if len(parts) != 2 {
			return "", &bioflowerr.ValidationError{Message: fmt.Sprintf("malformed reference ${%s}", path)}
		}
		for _, io := range step.Outputs {
			if io.Name == parts[1] {
				return io.Value, nil
			}
		}
		return "", unknownRef(path, "output %q not found on step %q", parts[1], step.Name)

	case "steps":
		if len(parts) != 4 || parts[2] != "outputs" {
			return "", &bioflowerr.ValidationError{Message: fmt.Sprintf("malformed reference ${%s}: expected steps.<name>.outputs.<name>", path)}
		}
		target := ctx.wf.StepByName(parts[1])
		if target == nil {
			return "", unknownRef(path, "step %q not found", parts[1])
		}
		for _, io := range target.Outputs {
			if io.Name == parts[3] {
				return io.Value, nil
			}
		}
		return "", unknownRef(path, "output %q not found on step %q", parts[3], parts[1])

	case "working_dir":
		if len(parts) != 1 {
			return "", &bioflowerr.ValidationError{Message: fmt.Sprintf("malformed reference ${%s}", path)}
		}
		return ctx.workingDir, nil

	case "temp_dir":
		if len(parts) != 1 {
			return "", &bioflowerr.ValidationError{Message: fmt.Sprintf("malformed reference ${%s}", path)}
		}
		return ctx.tempDir, nil

	default:
		return "", &bioflowerr.ValidationError{Message: fmt.Sprintf("unknown reference prefix in ${%s}", path)}
	}
}

func resourceField(r model.Resources, field, path string) (string, error) {
	switch field {
	case "cpu":
		if r.CPU == nil {
			return "", unknownRef(path, "resources.cpu not set")
		}
		return strconv.Itoa(*r.CPU), nil
	case "memory":
		if r.Memory == "" {
			return "", unknownRef(path, "resources.memory not set")
		}
		return r.Memory, nil
	case "time":
		if r.Time == "" {
			return "", unknownRef(path, "resources.time not set")
		}
		return r.Time, nil
	case "gpu":
		if r.GPU == nil {
			return "", unknownRef(path, "resources.gpu not set")
		}
		return strconv.Itoa(*r.GPU), nil
	default:
		return "", unknownRef(path, "unknown resources field %q", field)
	}
}

func unknownRef(path, format string, args ...any) error {
	return &bioflowerr.ValidationError{Message: fmt.Sprintf("unknown reference ${%s}: %s", path, fmt.Sprintf(format, args...))}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// findUnresolved returns the first remaining ${...} token found anywhere in
// the workflow, or "" if none remain. Used via reflection so the check
// covers every string field without re-listing them by hand.
func findUnresolved(wf *model.Workflow) string {
	for _, v := range wf.Env {
		if refPattern.MatchString(v) {
			return v
		}
	}
	for _, s := range wf.Flatten() {
		if found := findUnresolvedInValue(reflect.ValueOf(*s)); found != "" {
			return found
		}
	}
	return ""
}

func findUnresolvedInValue(v reflect.Value) string {
	switch v.Kind() {
	case reflect.String:
		if refPattern.MatchString(v.String()) {
			return v.String()
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if found := findUnresolvedInValue(v.Field(i)); found != "" {
				return found
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			return findUnresolvedInValue(v.Elem())
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if found := findUnresolvedInValue(v.Index(i)); found != "" {
				return found
			}
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			if found := findUnresolvedInValue(v.MapIndex(k)); found != "" {
				return found
			}
		}
	}
	return ""
}
