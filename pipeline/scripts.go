package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
)

// ErrBusy is returned when a runner is asked to start while a previous run
// is still in flight.
var ErrBusy = errors.New("pipeline: script already running")

// ScriptRunner launches one configured external command at a time. The
// generation scripts are not reentrant, so concurrent requests are refused
// rather than queued.
type ScriptRunner struct {
	name       string
	cwdEnv     string
	cmdEnv     string
	defaultCmd string
	running    atomic.Bool
}

// NewScriptRunner builds a runner whose working directory and command come
// from the given environment variables, with defaultCmd as the fallback
// command.
func NewScriptRunner(name, cwdEnv, cmdEnv, defaultCmd string) *ScriptRunner {
	return &ScriptRunner{name: name, cwdEnv: cwdEnv, cmdEnv: cmdEnv, defaultCmd: defaultCmd}
}

// Name identifies the runner in routes and logs.
func (r *ScriptRunner) Name() string {
	return r.name
}

// Run executes the configured command and waits for it. Only one run is
// admitted at a time; the rest get ErrBusy immediately.
func (r *ScriptRunner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer r.running.Store(false)

	command := strings.TrimSpace(os.Getenv(r.cmdEnv))
	if command == "" {
		command = r.defaultCmd
	}
	if command == "" {
		return fmt.Errorf("pipeline: %s command not configured (set %s)", r.name, r.cmdEnv)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if cwd := strings.TrimSpace(os.Getenv(r.cwdEnv)); cwd != "" {
		cmd.Dir = cwd
	}

	log.Printf("pipeline: %s run: %s (cwd=%s)", r.name, command, cmd.Dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pipeline: %s failed: %w: %s", r.name, err, strings.TrimSpace(string(output)))
	}
	return nil
}
