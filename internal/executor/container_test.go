package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bioflow-run/bioflow/internal/model"
)

func writeStubDocker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestContainerAccepts(t *testing.T) {
	c := NewContainer()
	require.True(t, c.Accepts(&model.Step{Kind: model.KindSingle, Container: &model.Container{Kind: "docker"}}))
	require.False(t, c.Accepts(&model.Step{Kind: model.KindSingle}))
	require.False(t, c.Accepts(&model.Step{Kind: model.KindSingle, Container: &model.Container{Kind: "podman"}}))
}

func TestContainerBuildRunArgs(t *testing.T) {
	c := NewContainer()
	step := &model.Step{
		Name:    "align",
		Command: "bwa mem ref.fa r1.fq",
		Container: &model.Container{
			Kind: "docker", Image: "biocontainers/bwa", Version: "0.7.17",
			Environment: map[string]string{"THREADS": "4"},
			Mounts:      []model.Mount{{HostPath: "/data/ref", ContainerPath: "/ref"}},
		},
	}
	rc := &RunContext{Env: map[string]string{"RUN_ID": "r1"}}

	args := c.buildRunArgs(step, rc, "/work/align", "bioflow-r1-align", "biocontainers/bwa:0.7.17")

	require.Equal(t, []string{
		"run", "--rm", "--name", "bioflow-r1-align",
		"-e", "RUN_ID=r1",
		"-e", "THREADS=4",
		"-v", "/work/align:/workspace",
		"-v", "/data/ref:/ref",
		"biocontainers/bwa:0.7.17",
		"/bin/sh", "-c", "bwa mem ref.fa r1.fq",
	}, args)
}

func TestContainerExecuteSuccess(t *testing.T) {
	c := NewContainer()
	c.dockerBin = writeStubDocker(t, `
case "$1" in
  image) exit 0 ;;
  run) exit 0 ;;
  stop|rm) exit 0 ;;
esac
`)

	step := &model.Step{
		Name: "a", Kind: model.KindSingle, Command: "true",
		Container: &model.Container{Kind: "docker", Image: "alpine"},
	}
	state := model.NewStepExecutionState(*step)
	rc := testRunContext(t)

	require.NoError(t, c.Execute(context.Background(), step, rc, state))
	require.Equal(t, model.StatusCompleted, state.Status())
	require.Empty(t, rc.Containers.Names())
}

func TestContainerExecutePullsOnImageMiss(t *testing.T) {
	c := NewContainer()
	c.dockerBin = writeStubDocker(t, `
case "$1" in
  image) exit 1 ;;
  pull) exit 0 ;;
  run) exit 0 ;;
  stop|rm) exit 0 ;;
esac
`)

	step := &model.Step{
		Name: "a", Kind: model.KindSingle, Command: "true",
		Container: &model.Container{Kind: "docker", Image: "alpine"},
	}
	state := model.NewStepExecutionState(*step)

	require.NoError(t, c.Execute(context.Background(), step, testRunContext(t), state))
	require.Equal(t, model.StatusCompleted, state.Status())
}

func TestContainerExecutePullFailureIsAFailedStep(t *testing.T) {
	c := NewContainer()
	c.dockerBin = writeStubDocker(t, `
case "$1" in
  image) exit 1 ;;
  pull) echo "no such image" 1>&2; exit 1 ;;
esac
`)

	step := &model.Step{
		Name: "a", Kind: model.KindSingle, Command: "true",
		Container: &model.Container{Kind: "docker", Image: "alpine"},
	}
	state := model.NewStepExecutionState(*step)

	require.NoError(t, c.Execute(context.Background(), step, testRunContext(t), state))
	require.Equal(t, model.StatusFailed, state.Status())
	require.Contains(t, state.ErrorMessage(), "no such image")
}

func TestContainerExecuteCancellationStopsAndRemovesContainer(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "docker.log")
	pidPath := filepath.Join(dir, "run.pid")

	c := NewContainer()
	c.dockerBin = writeStubDocker(t, fmt.Sprintf(`
echo "$@" >> %s
case "$1" in
  image) exit 0 ;;
  run)
    echo $$ > %s
    trap 'exit 0' TERM
    sleep 5 &
    wait
    ;;
  stop)
    pid=$(cat %s 2>/dev/null)
    [ -n "$pid" ] && kill "$pid" 2>/dev/null
    exit 0
    ;;
  rm) exit 0 ;;
esac
`, logPath, pidPath, pidPath))

	step := &model.Step{
		Name: "a", Kind: model.KindSingle, Command: "sleep 5",
		Container: &model.Container{Kind: "docker", Image: "alpine"},
	}
	state := model.NewStepExecutionState(*step)
	rc := testRunContext(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Execute(ctx, step, rc, state))
	require.Equal(t, model.StatusCancelled, state.Status())
	require.Empty(t, rc.Containers.Names(), "a cancelled container must be removed from the tracker")

	logBytes, err := os.ReadFile(logPath)
	require.NoError(t, err)
	log := string(logBytes)
	stopIdx := strings.Index(log, "stop bioflow-run1-a")
	rmIdx := strings.Index(log, "rm bioflow-run1-a")
	require.GreaterOrEqual(t, stopIdx, 0, "expected docker stop to be invoked with the container name")
	require.GreaterOrEqual(t, rmIdx, 0, "expected docker rm to be invoked with the container name")
	require.Less(t, stopIdx, rmIdx, "stop must be invoked before rm")
}

func TestContainerExecuteRunFailureIsAFailedStep(t *testing.T) {
	c := NewContainer()
	c.dockerBin = writeStubDocker(t, `
case "$1" in
  image) exit 0 ;;
  run) echo "command failed" 1>&2; exit 1 ;;
esac
`)

	step := &model.Step{
		Name: "a", Kind: model.KindSingle, Command: "false",
		Container: &model.Container{Kind: "docker", Image: "alpine"},
	}
	state := model.NewStepExecutionState(*step)

	require.NoError(t, c.Execute(context.Background(), step, testRunContext(t), state))
	require.Equal(t, model.StatusFailed, state.Status())
	require.Contains(t, state.ErrorMessage(), "command failed")
}
