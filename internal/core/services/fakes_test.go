package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeScript describes how a fake tool behaves once started.
type fakeScript struct {
	lines    []string
	stderr   string
	exitCode int
	// hang keeps the process alive until it is terminated or killed.
	hang bool
	// ignoreTerm makes Terminate a no-op so only Kill stops the process.
	ignoreTerm bool
	before     func(spec ports.CommandSpec)
}

type fakeProcess struct {
	id         string
	r          *io.PipeReader
	w          *io.PipeWriter
	stderr     string
	ignoreTerm bool
	exited     chan struct{}
	once       sync.Once
	code       atomic.Int64

	terminated atomic.Bool
	killed     atomic.Bool
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code.Store(int64(code))
		_ = p.w.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) ID() string              { return p.id }
func (p *fakeProcess) Stdout() io.ReadCloser   { return p.r }
func (p *fakeProcess) Stderr() string          { return p.stderr }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }

func (p *fakeProcess) ExitCode() int {
	select {
	case <-p.exited:
		return int(p.code.Load())
	default:
		return -1
	}
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	if !p.ignoreTerm {
		p.exit(-15)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(-9)
	return nil
}

func newFakeProcess(id string, s fakeScript) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		id:         id,
		r:          r,
		w:          w,
		stderr:     s.stderr,
		ignoreTerm: s.ignoreTerm,
		exited:     make(chan struct{}),
	}
}

// fakeLauncher starts scripted processes keyed by tool name.
type fakeLauncher struct {
	mu      sync.Mutex
	scripts map[string]func(spec ports.CommandSpec) fakeScript
	started []ports.CommandSpec
	procs   []*fakeProcess
	next    int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{scripts: make(map[string]func(ports.CommandSpec) fakeScript)}
}

func (l *fakeLauncher) on(tool string, fn func(spec ports.CommandSpec) fakeScript) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripts[tool] = fn
}

func (l *fakeLauncher) Start(_ context.Context, spec ports.CommandSpec) (ports.Process, error) {
	l.mu.Lock()
	fn, ok := l.scripts[spec.Name]
	l.next++
	id := fmt.Sprintf("fake-%d", l.next)
	l.started = append(l.started, spec)
	l.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no such tool %q", spec.Name)
	}
	script := fn(spec)
	proc := newFakeProcess(id, script)

	l.mu.Lock()
	l.procs = append(l.procs, proc)
	l.mu.Unlock()

	go func() {
		if script.before != nil {
			script.before(spec)
		}
		for _, line := range script.lines {
			if _, err := io.WriteString(proc.w, line+"\n"); err != nil {
				return
			}
		}
		if script.hang {
			<-proc.exited
			return
		}
		proc.exit(script.exitCode)
	}()
	return proc, nil
}

func (l *fakeLauncher) startedCount(tool string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.started {
		if s.Name == tool {
			n++
		}
	}
	return n
}

func (l *fakeLauncher) processes() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.procs...)
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func isMetadataCall(spec ports.CommandSpec) bool {
	return len(spec.Args) > 0 && spec.Args[0] == "--dump-json"
}

// happyTools scripts every tool to succeed with a 100 second video.
func happyTools(l *fakeLauncher, transcript string) {
	l.on("yt-dlp", func(spec ports.CommandSpec) fakeScript {
		if isMetadataCall(spec) {
			return fakeScript{lines: []string{`{"title":"Demo Talk","duration":100,"channel":"Chan"}`}}
		}
		return fakeScript{
			lines: []string{
				"[youtube] abc: Downloading webpage",
				"[download]  10.0% of 5.00MiB at 1.00MiB/s ETA 00:04",
				"[download]  10.4% of 5.00MiB at 1.00MiB/s ETA 00:04",
				"[download]  55.5% of 5.00MiB at 2.00MiB/s ETA 00:02",
				"[download] 100.0% of 5.00MiB at 2.00MiB/s ETA 00:00",
				"[ExtractAudio] Destination: audio.m4a",
			},
			before: func(spec ports.CommandSpec) {
				_ = os.WriteFile(argAfter(spec.Args, "-o"), []byte("audio"), 0o644)
			},
		}
	})
	l.on("ffmpeg", func(spec ports.CommandSpec) fakeScript {
		return fakeScript{before: func(spec ports.CommandSpec) {
			_ = os.WriteFile(spec.Args[len(spec.Args)-1], []byte("part"), 0o644)
		}}
	})
	l.on("transcribe", func(spec ports.CommandSpec) fakeScript {
		return fakeScript{
			lines: []string{
				"Loading model",
				"[00:00.000 --> 00:25.000] first",
				"[00:25.000 --> 00:50.000] second",
				"[00:50.000 --> 01:40.000] third",
			},
			before: func(spec ports.CommandSpec) {
				_ = os.WriteFile(spec.Args[0]+".transcript.txt", []byte(transcript), 0o644)
			},
		}
	})
	l.on("claude", func(spec ports.CommandSpec) fakeScript {
		return fakeScript{lines: []string{"## Overview", "A summary."}}
	})
}

type memSnapshotStore struct {
	mu    sync.Mutex
	snaps map[domain.JobID]domain.Snapshot
}

func newMemSnapshotStore() *memSnapshotStore {
	return &memSnapshotStore{snaps: make(map[domain.JobID]domain.Snapshot)}
}

func (s *memSnapshotStore) Save(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.ID] = snap
	return nil
}

func (s *memSnapshotStore) Load(_ context.Context, id domain.JobID) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return domain.Snapshot{}, domain.ErrSnapshotNotFound
	}
	return snap, nil
}

func (s *memSnapshotStore) Delete(_ context.Context, id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, id)
	return nil
}

func (s *memSnapshotStore) List(_ context.Context) ([]domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memSnapshotStore) get(id domain.JobID) (domain.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	return snap, ok
}

type savedArtifact struct {
	kind    ports.ArtifactKind
	videoID string
	title   string
	content string
	path    string
}

type memArtifactStore struct {
	dir    string
	mu     sync.Mutex
	cached map[string]string
	saved  []savedArtifact
}

func newMemArtifactStore(dir string) *memArtifactStore {
	return &memArtifactStore{dir: dir, cached: make(map[string]string)}
}

func (s *memArtifactStore) FindCached(videoID string) (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.cached[videoID]
	if !ok {
		return "", "", false, nil
	}
	return filepath.Join(s.dir, "cached_"+videoID+".txt"), content, true, nil
}

func (s *memArtifactStore) Save(kind ports.ArtifactKind, videoID, title, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, string(kind), videoID+"_"+domain.Slugify(title)+".txt")
	s.saved = append(s.saved, savedArtifact{kind: kind, videoID: videoID, title: title, content: content, path: path})
	return path, nil
}

func (s *memArtifactStore) savedKinds() []ports.ArtifactKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.ArtifactKind, 0, len(s.saved))
	for _, a := range s.saved {
		out = append(out, a.kind)
	}
	return out
}

// mockSink records mirrored events.
type mockSink struct {
	mock.Mock
}

func (m *mockSink) Publish(jobID domain.JobID, e domain.Event) {
	m.Called(jobID, e)
}

// recorder collects the events a stream delivers.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) emit(e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) count(kind domain.EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	t         *testing.T
	launcher  *fakeLauncher
	store     *memSnapshotStore
	artifacts *memArtifactStore
	registry  *ProcessRegistry
	shutdown  *ShutdownSignal
	lifecycle *JobLifecycle
	logDir    string
}

type harnessOption func(*LifecycleConfig, *ToolConfig)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := testLogger()
	root := t.TempDir()

	cfg := LifecycleConfig{
		LogDir:         filepath.Join(root, "logs"),
		SubscriberWait: 50 * time.Millisecond,
		CleanupGrace:   time.Hour,
		CleanupTick:    10 * time.Millisecond,
		ShutdownWait:   2 * time.Second,
		KeepAlive:      time.Hour,
	}
	tools := DefaultToolConfig()
	for _, opt := range opts {
		opt(&cfg, &tools)
	}

	h := &harness{
		t:         t,
		launcher:  newFakeLauncher(),
		store:     newMemSnapshotStore(),
		artifacts: newMemArtifactStore(filepath.Join(root, "out")),
		registry:  NewProcessRegistry(logger, 200*time.Millisecond, 100*time.Millisecond),
		shutdown:  NewShutdownSignal(),
		logDir:    cfg.LogDir,
	}
	stages := NewStages(logger, h.launcher, h.registry, h.shutdown, tools)
	pipeline := NewPipeline(logger, stages, h.artifacts, filepath.Join(root, "tmp"), "")
	scheduler := NewJobScheduler(logger, SchedulerConfig{MaxConcurrentJobs: 1})
	h.lifecycle = NewJobLifecycle(logger, cfg, scheduler, h.registry, h.store, pipeline, h.shutdown, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.lifecycle.Shutdown(ctx)
	})
	return h
}

func (h *harness) submit(params domain.JobParams) domain.View {
	h.t.Helper()
	view, err := h.lifecycle.Submit(context.Background(), params)
	if err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	return view
}

// streamAll replays a job from seq 0 until its stream ends.
func (h *harness) streamAll(id domain.JobID) *recorder {
	h.t.Helper()
	rec := &recorder{}
	from := int64(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.lifecycle.Stream(ctx, id, &from, rec.emit); err != nil {
		h.t.Fatalf("stream: %v", err)
	}
	return rec
}

func (h *harness) waitState(id domain.JobID, want domain.JobState) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		v, err := h.lifecycle.Status(context.Background(), id, false)
		if err == nil && v.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	v, _ := h.lifecycle.Status(context.Background(), id, false)
	h.t.Fatalf("job %s never reached %s (last state %s)", id, want, v.State)
}

func (h *harness) logText(id domain.JobID) string {
	data, _ := os.ReadFile(LogPath(h.logDir, id))
	return string(data)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
