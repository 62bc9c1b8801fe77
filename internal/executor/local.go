package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/bioflow-run/bioflow/internal/model"
)

// Local runs a step's command through a POSIX shell on the host, per
// spec.md §4.3.1.
type Local struct{}

func (l *Local) Accepts(step *model.Step) bool {
	return step.Kind == model.KindSingle && step.Command != "" && step.Container == nil
}

func (l *Local) Execute(ctx context.Context, step *model.Step, rc *RunContext, state *model.StepExecutionState) error {
	dir := filepath.Join(rc.WorkingDir, step.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		now := time.Now()
		state.MarkFailed(now, err.Error(), -1)
		return nil
	}

	env := composeEnv(environToMap(os.Environ()), rc.Env)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", step.Command)
	cmd.Dir = dir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	state.MarkRunning(time.Now())
	runErr := cmd.Run()
	end := time.Now()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		state.MarkCancelled(end)
		return nil
	}

	if runErr == nil && exitCode == 0 {
		state.MarkCompleted(end, exitCode)
		return nil
	}

	msg := stderr.String()
	if msg == "" {
		msg = stdout.String()
	}
	if msg == "" {
		msg = fmt.Sprintf("Command failed with exit code %d", exitCode)
	}
	state.MarkFailed(end, msg, exitCode)
	return nil
}

func environToMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
