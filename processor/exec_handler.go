package processor

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/flywheel/errors"
	"github.com/teranos/flywheel/logger"
	"github.com/teranos/flywheel/queue"
)

// ExecHandler runs a shell command for each job. The command line comes
// from the handler's configuration; a job may override it through
// params["command"]. Arguments are split with shell quoting rules, and the
// process is killed when the job's context is cancelled.
type ExecHandler struct {
	jobType queue.JobType
	command string
	log     *zap.SugaredLogger
}

// NewExecHandler creates a command-running handler for a job type. The
// command may be empty when every job supplies its own via params.
func NewExecHandler(jobType queue.JobType, command string, log *zap.SugaredLogger) *ExecHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ExecHandler{
		jobType: jobType,
		command: command,
		log:     log.Named("exec"),
	}
}

// Type returns the job type this handler executes.
func (h *ExecHandler) Type() queue.JobType {
	return h.jobType
}

// Validate requires a command line from either the handler configuration
// or the job's params.
func (h *ExecHandler) Validate(params map[string]any) bool {
	if strings.TrimSpace(h.command) != "" {
		return true
	}
	override, ok := params["command"].(string)
	return ok && strings.TrimSpace(override) != ""
}

// Handle runs the command and captures its output into the result.
func (h *ExecHandler) Handle(ctx context.Context, job *queue.Job) (Result, error) {
	command := h.command
	if override, ok := job.Params["command"].(string); ok && strings.TrimSpace(override) != "" {
		command = override
	}

	// Split with shell quoting rules so quoted arguments survive.
	argv, err := shellquote.Split(command)
	if err != nil {
		return Result{}, errors.Wrapf(err, "invalid command %q", command)
	}
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}

	h.log.Infow("Executing command",
		logger.FieldJobID, job.ID,
		"command", argv[0],
		"args", len(argv)-1)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return Result{}, errors.Newf("command exited with code %d: %s", exitErr.ExitCode(), msg)
		}
		return Result{}, errors.Wrapf(runErr, "command failed: %s", msg)
	}

	h.log.Infow("Command completed",
		logger.FieldJobID, job.ID,
		"duration", time.Since(start),
		"stdout_length", stdout.Len())

	return Result{Data: map[string]any{
		"stdout":      stdout.String(),
		"exit_code":   0,
		"duration_ms": time.Since(start).Milliseconds(),
	}}, nil
}
