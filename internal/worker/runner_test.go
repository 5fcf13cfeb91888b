package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/pricehub/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".sh"), []byte(body), 0755))
}

func newTestRunner(t *testing.T, timeout time.Duration) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	return NewRunner(RunnerConfig{
		ScriptDir:   dir,
		Interpreter: "sh",
		Ext:         ".sh",
		Timeout:     timeout,
	}, zerolog.Nop()), dir
}

func TestRunner_ScriptPath(t *testing.T) {
	runner := NewRunner(RunnerConfig{ScriptDir: "/opt/syncer", Ext: ".py"}, zerolog.Nop())

	path, err := runner.ScriptPath("yfinance_worker")
	require.NoError(t, err)
	assert.Equal(t, "/opt/syncer/yfinance_worker.py", path)

	for _, bad := range []string{"", "../evil", "a/b", ".hidden"} {
		_, err := runner.ScriptPath(bad)
		assert.Error(t, err, bad)
	}
}

func TestRunner_Fetch_PassesArgsOnStdin(t *testing.T) {
	runner, dir := newTestRunner(t, 5*time.Second)
	writeScript(t, dir, "echo_args", "cat\n")

	assignment := &domain.TaskAssignment{
		TaskID: 1,
		Script: "echo_args",
		Args:   domain.FetchArgs{Symbol: "AAPL", Year: 2024, Begin: 12, Interval: "1d"},
	}

	out, err := runner.Fetch(context.Background(), assignment)
	require.NoError(t, err)

	var args domain.FetchArgs
	require.NoError(t, json.Unmarshal(out, &args))
	assert.Equal(t, assignment.Args, args)
	assert.Contains(t, string(out), `"Symbol":"AAPL"`)
}

func TestRunner_Fetch_ReturnsStdout(t *testing.T) {
	runner, dir := newTestRunner(t, 5*time.Second)
	writeScript(t, dir, "fetch", "cat > /dev/null\necho 'FAILED'\necho 'oops' >&2\n")

	out, err := runner.Fetch(context.Background(), &domain.TaskAssignment{Script: "fetch"})
	require.NoError(t, err)
	assert.True(t, domain.IsFailureToken(out))
}

func TestRunner_Fetch_NonZeroExit(t *testing.T) {
	runner, dir := newTestRunner(t, 5*time.Second)
	writeScript(t, dir, "broken", "exit 3\n")

	_, err := runner.Fetch(context.Background(), &domain.TaskAssignment{Script: "broken"})
	assert.Error(t, err)
}

func TestRunner_Fetch_Timeout(t *testing.T) {
	runner, dir := newTestRunner(t, 200*time.Millisecond)
	writeScript(t, dir, "slow", "sleep 5\n")

	start := time.Now()
	_, err := runner.Fetch(context.Background(), &domain.TaskAssignment{Script: "slow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunner_Fetch_MissingScript(t *testing.T) {
	runner, _ := newTestRunner(t, time.Second)

	_, err := runner.Fetch(context.Background(), &domain.TaskAssignment{Script: "nope"})
	assert.Error(t, err)
}
