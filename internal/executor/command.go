package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/aristath/infraplan/internal/scheduler"
)

// ParamEnvPrefix prefixes the environment variables that carry task
// parameters into a command executor's subprocess.
const ParamEnvPrefix = "INFRAPLAN_PARAM_"

// CommandConfig describes a CLI that acts as an executor.
type CommandConfig struct {
	Command           string        // Binary to run
	Args              []string      // Fixed arguments
	Env               []string      // Extra KEY=VALUE entries
	WorkDir           string        // Working directory; inherited when empty
	Timeout           time.Duration // Per-attempt limit; zero means none
	DefaultConfidence float64       // Confidence for a zero exit without a JSON report
}

// CommandExecutor runs a configured command once per attempt.
//
// The task is described to the subprocess through the environment:
// INFRAPLAN_TASK_ID, INFRAPLAN_TASK_DESCRIPTION, INFRAPLAN_RESOURCE_TYPE and
// one INFRAPLAN_PARAM_<NAME> variable per parameter. If the command prints a
// JSON object matching Outcome on stdout, that object is the outcome;
// otherwise a zero exit status is a success at DefaultConfidence.
type CommandExecutor struct {
	cfg     CommandConfig
	procMgr *ProcessManager
	logger  *zap.Logger
}

// NewCommandExecutor validates cfg and returns an executor. pm and logger may
// be nil.
func NewCommandExecutor(cfg CommandConfig, pm *ProcessManager, logger *zap.Logger) (*CommandExecutor, error) {
	if cfg.Command == "" {
		return nil, errors.New("command executor: command is required")
	}
	if cfg.DefaultConfidence < 0 || cfg.DefaultConfidence > 1 {
		return nil, fmt.Errorf("command executor: default confidence %.2f outside [0,1]", cfg.DefaultConfidence)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandExecutor{cfg: cfg, procMgr: pm, logger: logger}, nil
}

// Execute runs the command for one attempt of task.
func (e *CommandExecutor) Execute(ctx context.Context, task *scheduler.Task) (Outcome, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	env, err := taskEnv(task)
	if err != nil {
		return Outcome{}, err
	}

	cmd := newCommand(ctx, e.cfg.Command, e.cfg.Args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = append(append(os.Environ(), e.cfg.Env...), env...)

	start := time.Now()
	stdout, stderr, runErr := runCommand(cmd, e.procMgr)
	elapsed := time.Since(start)

	if len(stderr) > 0 {
		e.logger.Debug("executor stderr",
			zap.String("task_id", task.ID),
			zap.String("command", e.cfg.Command),
			zap.ByteString("stderr", bytes.TrimSpace(stderr)))
	}

	outcome, parsed := parseReport(stdout)
	switch {
	case runErr != nil && ctx.Err() != nil:
		outcome = Outcome{Error: fmt.Sprintf("attempt aborted: %v", ctx.Err()), Retryable: true, Output: outcome.Output}
	case runErr != nil && !parsed:
		outcome = Outcome{Error: runErr.Error(), Retryable: true, Output: outcome.Output}
	case runErr != nil:
		// A JSON report on a non-zero exit still describes the attempt, but
		// it can never count as a success.
		outcome.Success = false
		if outcome.Error == "" {
			outcome.Error = runErr.Error()
		}
	case !parsed:
		outcome.Success = true
		outcome.Confidence = e.cfg.DefaultConfidence
	}
	outcome.Duration = elapsed
	return outcome.Normalized(), nil
}

// parseReport decodes a JSON outcome from stdout. When stdout is not a JSON
// object the trimmed text becomes the output and parsed is false.
func parseReport(stdout []byte) (Outcome, bool) {
	text := bytes.TrimSpace(stdout)
	if len(text) == 0 || text[0] != '{' {
		return Outcome{Output: string(text)}, false
	}
	var out Outcome
	if err := json.Unmarshal(text, &out); err != nil {
		return Outcome{Output: string(text)}, false
	}
	return out, true
}

func taskEnv(task *scheduler.Task) ([]string, error) {
	env := []string{
		"INFRAPLAN_TASK_ID=" + task.ID,
		"INFRAPLAN_TASK_DESCRIPTION=" + task.Description,
	}
	if task.Resource != nil {
		env = append(env,
			"INFRAPLAN_RESOURCE_ID="+task.ResourceID(),
			"INFRAPLAN_RESOURCE_TYPE="+task.Resource.Type,
			"INFRAPLAN_RESOURCE_NAME="+task.Resource.Name)
	}

	keys := make([]string, 0, len(task.Params))
	for k := range task.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, err := envValue(task.Params[k])
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		env = append(env, ParamEnvPrefix+envName(k)+"="+v)
	}
	return env, nil
}

// envName upper-cases a parameter name and replaces anything that is not a
// letter or digit with an underscore.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, name)
}

func envValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return fmt.Sprint(val), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
