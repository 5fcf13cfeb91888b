package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/pricehub/internal/domain"
	"github.com/rs/zerolog"
)

const maxStderrLog = 2048

// RunnerConfig configures how fetch scripts are executed
type RunnerConfig struct {
	ScriptDir   string
	Interpreter string // empty runs the script file directly
	Ext         string
	Timeout     time.Duration
}

// Runner executes fetch scripts: the task args go in on stdin as JSON,
// the result is whatever the script prints on stdout.
type Runner struct {
	cfg RunnerConfig
	log zerolog.Logger
}

// NewRunner creates a script runner
func NewRunner(cfg RunnerConfig, log zerolog.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Runner{
		cfg: cfg,
		log: log.With().Str("component", "script_runner").Logger(),
	}
}

// ScriptPath resolves a script name inside the script directory
func (r *Runner) ScriptPath(script string) (string, error) {
	if script == "" || script != filepath.Base(script) || strings.HasPrefix(script, ".") {
		return "", fmt.Errorf("invalid script name %q", script)
	}
	return filepath.Join(r.cfg.ScriptDir, script+r.cfg.Ext), nil
}

// Fetch runs the assignment's script and returns its stdout
func (r *Runner) Fetch(ctx context.Context, assignment *domain.TaskAssignment) ([]byte, error) {
	path, err := r.ScriptPath(assignment.Script)
	if err != nil {
		return nil, err
	}

	args, err := json.Marshal(assignment.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script args: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var cmd *exec.Cmd
	if r.cfg.Interpreter != "" {
		cmd = exec.CommandContext(ctx, r.cfg.Interpreter, path)
	} else {
		cmd = exec.CommandContext(ctx, path)
	}
	cmd.Stdin = bytes.NewReader(args)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	if stderr.Len() > 0 {
		r.log.Debug().
			Int64("task_id", assignment.TaskID).
			Str("stderr", truncate(stderr.String(), maxStderrLog)).
			Msg("Script wrote to stderr")
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("script %s timed out after %s", assignment.Script, r.cfg.Timeout)
		}
		return nil, fmt.Errorf("script %s failed: %w", assignment.Script, err)
	}

	r.log.Debug().
		Int64("task_id", assignment.TaskID).
		Str("script", assignment.Script).
		Dur("duration", duration).
		Int("bytes", stdout.Len()).
		Msg("Script finished")
	return stdout.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
