package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/bioflow-run/bioflow/internal/bioflowerr"
	"github.com/bioflow-run/bioflow/internal/model"
)

// Container runs a step's command inside a Docker container, invoking the
// docker CLI with the argument sequences of spec.md §6, plus a --name flag
// on docker run so a cancelled container can be stopped and removed.
type Container struct {
	// dockerBin lets tests point at a stub binary instead of the real
	// docker CLI; defaults to "docker".
	dockerBin string
}

func NewContainer() *Container { return &Container{dockerBin: "docker"} }

func (c *Container) bin() string {
	if c.dockerBin == "" {
		return "docker"
	}
	return c.dockerBin
}

func (c *Container) Accepts(step *model.Step) bool {
	return step.Kind == model.KindSingle && step.Container != nil && step.Container.Kind == "docker"
}

func (c *Container) Execute(ctx context.Context, step *model.Step, rc *RunContext, state *model.StepExecutionState) error {
	dir := filepath.Join(rc.WorkingDir, step.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		now := time.Now()
		state.MarkFailed(now, err.Error(), -1)
		return nil
	}

	ref := step.Container.Ref()
	state.MarkRunning(time.Now())

	if err := c.ensureImage(ctx, ref); err != nil {
		now := time.Now()
		cerr := bioflowerr.NewContainerError(ref, err.Error())
		state.MarkFailed(now, cerr.Error(), -1)
		return nil
	}

	name := fmt.Sprintf("bioflow-%s-%s", rc.RunID, step.Name)
	args := c.buildRunArgs(step, rc, dir, name, ref)

	cmd := exec.Command(c.bin(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		now := time.Now()
		cerr := bioflowerr.NewContainerError(ref, err.Error())
		state.MarkFailed(now, cerr.Error(), -1)
		return nil
	}
	rc.Containers.Add(name)
	defer rc.Containers.Remove(name)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		end := time.Now()
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		if err == nil && exitCode == 0 {
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

	case <-ctx.Done():
		c.stopAndRemove(name)
		<-waitErr
		state.MarkCancelled(time.Now())
		return nil
	}
}

// buildRunArgs assembles the docker run argv: --rm, --name <name>, one -e
// per composed env entry, one -v per mount (the
// step's own working directory mounted first at /workspace), the image
// reference, then "/bin/sh -c <command>".
func (c *Container) buildRunArgs(step *model.Step, rc *RunContext, dir, name, ref string) []string {
	args := []string{"run", "--rm", "--name", name}

	for _, kv := range composeEnv(rc.Env, step.Container.Environment) {
		args = append(args, "-e", kv)
	}

	args = append(args, "-v", dir+":/workspace")
	for _, m := range step.Container.Mounts {
		args = append(args, "-v", m.HostPath+":"+m.ContainerPath)
	}

	args = append(args, ref, "/bin/sh", "-c", step.Command)
	return args
}

// ensureImage probes for the image locally via "docker image inspect" and
// falls back to "docker pull" on a miss, per spec.md §4.3.2.
func (c *Container) ensureImage(ctx context.Context, ref string) error {
	inspect := exec.CommandContext(ctx, c.bin(), "image", "inspect", ref)
	if err := inspect.Run(); err == nil {
		return nil
	}

	var stderr bytes.Buffer
	pull := exec.CommandContext(ctx, c.bin(), "pull", ref)
	pull.Stderr = &stderr
	if err := pull.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

func (c *Container) stopAndRemove(name string) {
	_ = exec.Command(c.bin(), "stop", name).Run()
	_ = exec.Command(c.bin(), "rm", name).Run()
}
