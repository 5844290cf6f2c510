package recognition

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecEngine drives an external streaming recognizer. The command receives
// --language and --continuous and prints one EngineMessage JSON object per
// line on stdout. It is asked to finish with SIGINT and must print "ended".
type ExecEngine struct {
	args        []string
	stopTimeout time.Duration
	log         *slog.Logger
}

func NewExecEngine(command string, stopTimeout time.Duration, log *slog.Logger) (*ExecEngine, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse native command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("native command is empty")
	}
	if stopTimeout <= 0 {
		stopTimeout = 3 * time.Second
	}
	return &ExecEngine{args: args, stopTimeout: stopTimeout, log: log.With(slog.String("component", "native-engine"))}, nil
}

func (e *ExecEngine) Run(ctx context.Context, language string, emit func(EngineMessage)) error {
	cmdArgs := append([]string{}, e.args[1:]...)
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}
	cmdArgs = append(cmdArgs, "--continuous")

	cmd := exec.CommandContext(ctx, e.args[0], cmdArgs...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = e.stopTimeout
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start native engine: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg EngineMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			e.log.Warn("invalid engine message", slog.String("line", line), slog.String("error", err.Error()))
			continue
		}
		emit(msg)
		if msg.Type == EngineEnded {
			break
		}
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		// Interrupted on purpose; exit status is not interesting.
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("native engine exited: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return err
}
