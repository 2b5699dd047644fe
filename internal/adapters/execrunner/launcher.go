package execrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/manthysbr/scribed/internal/core/ports"
)

const defaultWaitDelay = 5 * time.Second

// Launcher runs tools as local child processes.
type Launcher struct {
	logger    *slog.Logger
	waitDelay time.Duration
}

var _ ports.ProcessLauncher = (*Launcher)(nil)

func NewLauncher(logger *slog.Logger) *Launcher {
	return &Launcher{logger: logger, waitDelay: defaultWaitDelay}
}

// Start spawns the tool. The process is not tied to ctx; callers stop it
// through Terminate or Kill.
func (l *Launcher) Start(ctx context.Context, spec ports.CommandSpec) (ports.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = l.waitDelay
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	pr, pw := io.Pipe()
	p := &process{
		cmd:    cmd,
		stdout: pr,
		exited: make(chan struct{}),
		code:   -1,
	}
	cmd.Stdout = pw
	if spec.MergeStderr {
		cmd.Stderr = pw
	} else {
		cmd.Stderr = &p.stderr
	}

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p.id = strconv.Itoa(cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		if cmd.ProcessState != nil {
			p.code = cmd.ProcessState.ExitCode()
		}
		p.mu.Unlock()

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			l.logger.Debug("tool wait ended with error", "pid", p.id, "tool", spec.Name, "error", err)
		}
		pw.Close()
		close(p.exited)
	}()
	return p, nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type process struct {
	id     string
	cmd    *exec.Cmd
	stdout *io.PipeReader
	stderr lockedBuffer
	exited chan struct{}

	mu   sync.Mutex
	code int
}

func (p *process) ID() string              { return p.id }
func (p *process) Stdout() io.ReadCloser   { return p.stdout }
func (p *process) Stderr() string          { return p.stderr.String() }
func (p *process) Exited() <-chan struct{} { return p.exited }

// ExitCode is -1 while running and after death by signal.
func (p *process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *process) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *process) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *process) signal(sig os.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
