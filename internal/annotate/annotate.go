// Package annotate starts and runs the opaque annotation process. The
// worker launches a detached "gas run-annotation" child per job; the child
// runs the annotation tool and then finalizes the job on its own.
package annotate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
)

var ErrNoTool = errors.New("annotation tool command is empty")

// Request identifies one annotation run.
type Request struct {
	InputPath     string
	JobID         string
	UserID        string
	InputFileName string
}

// Args renders r as the positional arguments of "gas run-annotation".
func (r Request) Args() []string {
	return []string{r.InputPath, r.JobID, r.UserID, r.InputFileName}
}

type Launcher interface {
	// Launch starts the annotation process and returns once it is running.
	Launch(ctx context.Context, req Request) error
}

// ProcessLauncher starts Executable with the run-annotation subcommand. The
// child is not tied to the caller's context; a goroutine reaps it and logs
// how it exited.
type ProcessLauncher struct {
	Executable string
	Logger     *slog.Logger

	// OnExit, when set, is called after the child has been reaped.
	OnExit func(req Request, err error)
}

func (l *ProcessLauncher) Launch(_ context.Context, req Request) error {
	args := append([]string{"run-annotation"}, req.Args()...)
	cmd := exec.Command(l.Executable, args...)
	cmd.Dir = filepath.Dir(req.InputPath)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start annotation process for job %s: %w", req.JobID, err)
	}

	logger := l.logger().With("job_id", req.JobID, "pid", cmd.Process.Pid)
	logger.Info("annotation process started")

	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Error("annotation process exited with error", "error", err)
		} else {
			logger.Info("annotation process exited")
		}
		if l.OnExit != nil {
			l.OnExit(req, err)
		}
	}()
	return nil
}

func (l *ProcessLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Runner executes the annotation tool against an input file.
type Runner interface {
	Run(ctx context.Context, inputPath string) error
}

// ToolRunner runs Command with the input path appended, in the input's
// directory. The tool writes its result and log next to the input.
type ToolRunner struct {
	Command string
	Logger  *slog.Logger
}

func (t *ToolRunner) Run(ctx context.Context, inputPath string) error {
	fields := strings.Fields(t.Command)
	if len(fields) == 0 {
		return ErrNoTool
	}
	args := append(fields[1:], inputPath)
	cmd := exec.CommandContext(ctx, fields[0], args...)
	cmd.Dir = filepath.Dir(inputPath)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := cmd.Run(); err != nil {
		logger.Error("annotation tool failed", "input", inputPath, "output", out.String(), "error", err)
		return fmt.Errorf("run annotation tool: %w", err)
	}
	logger.Debug("annotation tool finished", "input", inputPath, "output", out.String())
	return nil
}
