// ABOUTME: Generator that runs an agent CLI as a subprocess in the workspace root
// ABOUTME: Reads stream-JSON lines from stdout; stderr is kept for error reports

package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const (
	maxLineSize   = 16 * 1024 * 1024
	stderrTail    = 4096
	stopWaitDelay = 3 * time.Second
)

// ProcessGenerator starts one subprocess per query. The command is invoked as
//
//	<Command> <Args...> -p <prompt> --output-format stream-json [--resume <id>] [--max-turns <n>]
//
// with the workspace root as working directory and COVEN_WORKSPACE_ROOT set.
type ProcessGenerator struct {
	Command string
	Args    []string
	Env     []string // Extra KEY=VALUE pairs
	logger  *slog.Logger
}

// NewProcessGenerator creates a generator for command. Pass nil logger for default.
func NewProcessGenerator(command string, args []string, logger *slog.Logger) *ProcessGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessGenerator{
		Command: command,
		Args:    args,
		logger:  logger.With("component", "agent"),
	}
}

func (g *ProcessGenerator) commandArgs(req Request) []string {
	args := append([]string(nil), g.Args...)
	args = append(args, "-p", req.Prompt, "--output-format", "stream-json")
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	return args
}

// Query starts the agent process. Cancelling ctx or closing the stream stops it.
func (g *ProcessGenerator) Query(ctx context.Context, req Request) (Stream, error) {
	if g.Command == "" {
		return nil, errors.New("agent command is not configured")
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, g.Command, g.commandArgs(req)...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), g.Env...)
	if req.Policy != nil {
		cmd.Env = append(cmd.Env, "COVEN_WORKSPACE_ROOT="+req.Policy.Root)
	}
	// Interrupt first so the agent can flush, then kill after stopWaitDelay
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting agent: %w", err)
	}

	s := &processStream{
		cmd:    cmd,
		cancel: cancel,
		stdout: stdout,
		stderr: stderr,
		policy: req.Policy,
		out:    make(chan streamResult),
		done:   make(chan struct{}),
		logger: g.logger.With("pid", cmd.Process.Pid),
	}
	go s.read(stdout)

	s.logger.Debug("agent process started", "resume", req.Resume, "dir", req.WorkDir)
	return s, nil
}

type streamResult struct {
	msg *Message
	err error
}

type processStream struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stdout    io.ReadCloser
	stderr    *tailBuffer
	policy    *Policy
	out       chan streamResult
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// send hands r to Next, giving up once the stream is closed.
func (s *processStream) send(r streamResult) bool {
	select {
	case s.out <- r:
		return true
	case <-s.done:
		return false
	}
}

func (s *processStream) read(stdout io.Reader) {
	defer close(s.out)

	sawResult := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := DecodeMessage(line)
		if err != nil {
			s.logger.Warn("skipping undecodable agent output", "error", err)
			continue
		}
		if msg.Type == TypeResult {
			sawResult = true
		}
		if !s.send(streamResult{msg: msg}) {
			// Closed: reap the process without reporting
			_ = s.cmd.Wait()
			return
		}
	}
	scanErr := scanner.Err()
	waitErr := s.cmd.Wait()

	final := io.EOF
	switch {
	case scanErr != nil:
		final = fmt.Errorf("reading agent output: %w", scanErr)
	case waitErr != nil && !sawResult:
		final = fmt.Errorf("agent exited without a result: %w: %s", waitErr, s.stderr.String())
	case waitErr != nil:
		s.logger.Debug("agent exited after result", "error", waitErr)
	}
	s.send(streamResult{err: final})
}

// Next returns the next message, enforcing the policy on tool calls.
func (s *processStream) Next(ctx context.Context) (*Message, error) {
	select {
	case r, ok := <-s.out:
		if !ok {
			return nil, io.EOF
		}
		if r.err != nil {
			return nil, r.err
		}
		// The CLI has already printed the call and may be running it; stopping
		// the process is as early as a violation can be acted on here.
		if err := s.policy.Check(r.msg); err != nil {
			s.Close()
			return nil, err
		}
		return r.msg, nil
	case <-s.done:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the process. Closing stdout unblocks the reader even when a
// grandchild of the agent still holds the pipe open.
func (s *processStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.stdout.Close()
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

var _ Generator = (*ProcessGenerator)(nil)
