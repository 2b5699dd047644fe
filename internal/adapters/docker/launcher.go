package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/manthysbr/scribed/internal/core/ports"
)

const (
	labelManaged = "scribed.managed"
	labelJobID   = "scribed.job_id"
	namePrefix   = "scribed-tool-"
)

// Config selects the tool image and the host directories shared with it.
// Shared directories are mounted at the same path so file arguments mean
// the same thing inside and outside the container.
type Config struct {
	Image  string
	Shared []string
}

// Launcher runs each tool invocation in its own short-lived container.
type Launcher struct {
	logger *slog.Logger
	cli    *client.Client
	cfg    Config
}

var _ ports.ProcessLauncher = (*Launcher)(nil)

func NewLauncher(logger *slog.Logger, cfg Config) (*Launcher, error) {
	if cfg.Image == "" {
		return nil, errors.New("docker runtime requires a tool image")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Launcher{logger: logger, cli: cli, cfg: cfg}, nil
}

func (l *Launcher) Close() error {
	return l.cli.Close()
}

func containerConfig(spec ports.CommandSpec, img string) *container.Config {
	return &container.Config{
		Image:        img,
		Cmd:          append([]string{spec.Name}, spec.Args...),
		Env:          spec.Env,
		Tty:          false,
		OpenStdin:    spec.Stdin != "",
		StdinOnce:    spec.Stdin != "",
		AttachStdin:  spec.Stdin != "",
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			labelManaged: "true",
			labelJobID:   string(spec.JobID),
		},
	}
}

func hostConfig(shared []string) *container.HostConfig {
	mounts := make([]mount.Mount, 0, len(shared))
	for _, dir := range shared {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: dir,
			Target: dir,
		})
	}
	return &container.HostConfig{Mounts: mounts}
}

func managedFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", labelManaged+"=true"))
}

// Start creates, attaches and starts a container for the tool, pulling the
// image first if it is missing.
func (l *Launcher) Start(ctx context.Context, spec ports.CommandSpec) (ports.Process, error) {
	cfg := containerConfig(spec, l.cfg.Image)
	hostCfg := hostConfig(l.cfg.Shared)
	name := namePrefix + uuid.New().String()

	resp, err := l.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		l.logger.Info("pulling tool image", "image", l.cfg.Image)
		reader, pullErr := l.cli.ImagePull(ctx, l.cfg.Image, image.PullOptions{})
		if pullErr != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", l.cfg.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = l.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	attach, err := l.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  spec.Stdin != "",
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		l.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	pr, pw := io.Pipe()
	p := &process{
		l:      l,
		id:     resp.ID,
		stdout: pr,
		exited: make(chan struct{}),
		code:   -1,
	}

	if spec.Stdin != "" {
		go func() {
			_, _ = io.WriteString(attach.Conn, spec.Stdin)
			_ = attach.CloseWrite()
		}()
	}
	go p.pump(attach, pw, spec.MergeStderr)
	return p, nil
}

func (l *Launcher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := l.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		l.logger.Warn("failed to remove tool container", "container", shortID(id), "error", err)
	}
}

// Reap removes every container this service left behind, e.g. after a
// crash. It returns how many were removed.
func (l *Launcher) Reap(ctx context.Context) (int, error) {
	containers, err := l.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: managedFilter()})
	if err != nil {
		return 0, fmt.Errorf("failed to list tool containers: %w", err)
	}
	for _, c := range containers {
		l.logger.Info("removing stale tool container", "container", shortID(c.ID), "job_id", c.Labels[labelJobID])
		l.remove(c.ID)
	}
	return len(containers), nil
}

type process struct {
	l      *Launcher
	id     string
	stdout *io.PipeReader
	stderr lockedBuffer
	exited chan struct{}

	mu   sync.Mutex
	code int
}

// pump demultiplexes the attached stream until the container stops, then
// records the exit code and removes the container.
func (p *process) pump(attach types.HijackedResponse, pw *io.PipeWriter, merge bool) {
	defer close(p.exited)
	defer pw.Close()
	defer attach.Close()

	var errOut io.Writer = &p.stderr
	if merge {
		errOut = pw
	}
	if _, err := stdcopy.StdCopy(pw, errOut, attach.Reader); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		p.l.logger.Debug("tool stream ended with error", "container", shortID(p.id), "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	statusCh, errCh := p.l.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		p.mu.Lock()
		p.code = int(st.StatusCode)
		p.mu.Unlock()
	case err := <-errCh:
		p.l.logger.Warn("failed to wait for tool container", "container", shortID(p.id), "error", err)
	}
	p.l.remove(p.id)
}

func (p *process) ID() string              { return shortID(p.id) }
func (p *process) Stdout() io.ReadCloser   { return p.stdout }
func (p *process) Stderr() string          { return p.stderr.String() }
func (p *process) Exited() <-chan struct{} { return p.exited }

func (p *process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *process) Terminate() error { return p.signal("SIGTERM") }
func (p *process) Kill() error      { return p.signal("SIGKILL") }

func (p *process) signal(sig string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.l.cli.ContainerKill(ctx, p.id, sig)
	if err == nil || client.IsErrNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("failed to signal container %s: %w", shortID(p.id), err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
