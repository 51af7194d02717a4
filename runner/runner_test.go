package runner

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteProducesDeclaredOutputs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	l := NewLocal()
	l.Register("touch", func(req Request) []string {
		return []string{"sh", "-c", "echo done > " + req.Outputs["result"]}
	})
	res, err := l.Execute(context.Background(), Request{
		Stage:   "touch",
		Sample:  "s1",
		Outputs: map[string]string{"result": out},
		WorkDir: dir,
	})
	require.NoError(t, err)
	assert.Equal(t, out, res.Outputs["result"])
}

func TestExecuteNonZeroExit(t *testing.T) {
	l := NewLocal()
	l.Register("boom", func(req Request) []string {
		return []string{"sh", "-c", "echo stage blew up >&2; exit 3"}
	})
	_, err := l.Execute(context.Background(), Request{Stage: "boom", Sample: "s1", WorkDir: t.TempDir()})
	require.Error(t, err)
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Equal(t, "s1", execErr.Sample)
	assert.Contains(t, execErr.Stderr, "stage blew up")
}

func TestExecuteMissingDeclaredOutput(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal()
	l.Register("noop", func(req Request) []string { return []string{"true"} })
	_, err := l.Execute(context.Background(), Request{
		Stage:   "noop",
		Sample:  "s1",
		Outputs: map[string]string{"bam": filepath.Join(dir, "never.bam")},
		WorkDir: dir,
	})
	require.Error(t, err)
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Stderr, "was not produced")
}

func TestExecuteUnregisteredStage(t *testing.T) {
	l := NewLocal()
	_, err := l.Execute(context.Background(), Request{Stage: "mystery"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command registered")
}

func TestTailWriterKeepsTail(t *testing.T) {
	w := newTailWriter(8)
	_, err := w.Write([]byte(strings.Repeat("x", 100) + "tail-end"))
	require.NoError(t, err)
	assert.Equal(t, "tail-end", w.String())
}
