// Package procexec runs local helper processes that speak JSON over stdio,
// the way the exec LLM and speech backends talk to local models.
package procexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

const (
	maxStderr = 2048
	maxLine   = 8 << 20
	waitDelay = time.Second
)

// Command is a parsed command line.
type Command struct {
	Args []string
}

// Parse splits command with shell quoting rules. $VARS are expanded from the
// daemon's environment.
func Parse(command string) (Command, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return Command{}, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return Command{}, errors.New("command is empty")
	}
	return Command{Args: args}, nil
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// ExitError reports a helper that failed, with the tail of its stderr.
type ExitError struct {
	Command string
	Err     error
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Run feeds stdin to the process and returns everything it printed.
func (c Command) Run(ctx context.Context, stdin []byte) ([]byte, error) {
	cmd := c.command(ctx, stdin)
	var stderr tailBuffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, c.exitError(ctx, err, stderr.String())
	}
	return out, nil
}

// Stream feeds stdin to the process and calls onLine for every non-empty
// line of output. An error from onLine stops the process.
func (c Command) Stream(ctx context.Context, stdin []byte, onLine func([]byte) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := c.command(ctx, stdin)
	var stderr tailBuffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return c.exitError(ctx, err, "")
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	var lineErr error
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if lineErr = onLine(line); lineErr != nil {
			cancel()
			break
		}
	}
	if lineErr == nil {
		lineErr = scanner.Err()
	}
	waitErr := cmd.Wait()
	if lineErr != nil {
		return lineErr
	}
	if waitErr != nil {
		return c.exitError(ctx, waitErr, stderr.String())
	}
	return nil
}

func (c Command) command(ctx context.Context, stdin []byte) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	// Grandchildren may hold the pipes open after the helper is killed.
	cmd.WaitDelay = waitDelay
	return cmd
}

func (c Command) exitError(ctx context.Context, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &ExitError{Command: c.Args[0], Err: err, Stderr: strings.TrimSpace(stderr)}
}

// tailBuffer keeps the last maxStderr bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - maxStderr; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
