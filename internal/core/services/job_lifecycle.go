package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/ports"
)

// LifecycleConfig holds the bookkeeping limits of the job lifecycle.
type LifecycleConfig struct {
	LogDir       string
	DefaultModel string

	HistorySize int
	QueueSize   int

	// SubscriberWait bounds how long a finished job waits for its
	// subscribers to disconnect before the grace period starts.
	SubscriberWait time.Duration
	// CleanupGrace keeps a finished job queryable before eviction.
	CleanupGrace time.Duration
	// CleanupTick is the polling step of both waits.
	CleanupTick time.Duration
	// ShutdownWait bounds how long Shutdown waits for cancelled jobs.
	ShutdownWait time.Duration
	// KeepAlive is the idle interval after which a stream gets a ping.
	KeepAlive time.Duration
}

func (c LifecycleConfig) withDefaults() LifecycleConfig {
	if c.DefaultModel == "" {
		c.DefaultModel = domain.DefaultModel
	}
	if c.SubscriberWait <= 0 {
		c.SubscriberWait = 60 * time.Second
	}
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = 5 * time.Minute
	}
	if c.CleanupTick <= 0 {
		c.CleanupTick = time.Second
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = 5 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 3 * time.Second
	}
	return c
}

// jobHandle is the runtime side of a live job: its log, its event bus and
// the goroutine driving it.
type jobHandle struct {
	owner  *JobLifecycle
	job    *domain.Job
	log    *JobLogger
	bus    *JobEventBus
	cancel context.CancelFunc
	done   chan struct{}

	killRequested atomic.Bool
}

// emit publishes p on the job bus and mirrors it. Once the job is terminal
// only terminal payloads go out.
func (h *jobHandle) emit(p domain.Payload) domain.Event {
	if h.job.State().IsTerminal() && !isTerminalEvent(p.Kind()) {
		return domain.Event{Seq: -1, Kind: p.Kind(), Data: p}
	}
	e := h.bus.Publish(domain.NewEvent(p))
	if e.Seq >= 0 && h.owner.sink != nil {
		h.owner.sink.Publish(h.job.ID, e)
	}
	return e
}

func (h *jobHandle) persist() {
	h.owner.persist(h.job)
}

// enter moves the job to a non-terminal state and persists it before any
// further work happens.
func (h *jobHandle) enter(s domain.JobState) {
	if !h.job.SetState(s) {
		return
	}
	h.persist()
	h.owner.logger.Debug("job state changed", "job_id", h.job.ID, "state", s)
}

func (h *jobHandle) complete(content, path string, payload domain.CompletePayload) {
	if !h.job.Complete(content, path) {
		return
	}
	h.persist()
	h.log.Info("Job complete")
	h.owner.logger.Info("job complete", "job_id", h.job.ID, "saved_to", path, "cached", payload.Cached)
	h.emit(payload)
}

// KillResult reports the outcome of a kill request.
type KillResult struct {
	Status string          `json:"status"`
	JobID  domain.JobID    `json:"job_id"`
	State  domain.JobState `json:"state"`
}

// HealthReport summarises the live registry.
type HealthReport struct {
	Status     string              `json:"status"`
	ActiveJobs int                 `json:"active_jobs"`
	SlotBusy   bool                `json:"slot_busy"`
	Jobs       []domain.View       `json:"jobs"`
	Logs       map[string][]string `json:"logs,omitempty"`
}

// JobLifecycle admits jobs, runs them behind the scheduler, keeps them
// queryable for a while after they finish and tears everything down on
// shutdown.
type JobLifecycle struct {
	logger    *slog.Logger
	cfg       LifecycleConfig
	scheduler *JobScheduler
	registry  *ProcessRegistry
	store     ports.SnapshotStore
	pipeline  *Pipeline
	shutdown  *ShutdownSignal
	sink      ports.EventSink

	baseCtx       context.Context
	baseCancel    context.CancelFunc
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[domain.JobID]*jobHandle

	tasks    sync.WaitGroup
	cleanups sync.WaitGroup
}

func NewJobLifecycle(
	logger *slog.Logger,
	cfg LifecycleConfig,
	scheduler *JobScheduler,
	registry *ProcessRegistry,
	store ports.SnapshotStore,
	pipeline *Pipeline,
	shutdown *ShutdownSignal,
	sink ports.EventSink,
) *JobLifecycle {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())

	return &JobLifecycle{
		logger:        logger,
		cfg:           cfg.withDefaults(),
		scheduler:     scheduler,
		registry:      registry,
		store:         store,
		pipeline:      pipeline,
		shutdown:      shutdown,
		sink:          sink,
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		cleanupCtx:    cleanupCtx,
		cleanupCancel: cleanupCancel,
		jobs:          make(map[domain.JobID]*jobHandle),
	}
}

// Submit creates a job, persists it and starts it in the background. It
// returns as soon as the job is registered.
func (l *JobLifecycle) Submit(ctx context.Context, params domain.JobParams) (domain.View, error) {
	if l.shutdown.IsSet() {
		return domain.View{}, domain.ErrShuttingDown
	}
	if params.Kind != domain.JobKindTranscribe && params.Kind != domain.JobKindSummarize {
		return domain.View{}, fmt.Errorf("unknown job type %q", params.Kind)
	}
	for _, s := range params.Sections {
		if _, _, err := domain.ParseSection(s); err != nil {
			return domain.View{}, err
		}
	}
	if params.Model == "" {
		params.Model = l.cfg.DefaultModel
	}

	job := domain.NewJob(domain.JobID(uuid.New().String()), params)
	h, err := l.admit(job)
	if err != nil {
		return domain.View{}, err
	}
	h.log.Info("Job created for URL: " + job.URL)
	l.logger.Info("job submitted", "job_id", job.ID, "type", job.Kind, "url", job.URL)
	return job.View(false), nil
}

// admit wires the runtime handles of a job, registers it, persists it and
// starts its task and cleanup goroutines.
func (l *JobLifecycle) admit(job *domain.Job) (*jobHandle, error) {
	jlog, err := NewJobLogger(l.cfg.LogDir, job.ID, job.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to create job log: %w", err)
	}

	ctx, cancel := context.WithCancel(l.baseCtx)
	h := &jobHandle{
		owner:  l,
		job:    job,
		log:    jlog,
		bus:    NewJobEventBus(l.logger, job.ID, l.cfg.HistorySize, l.cfg.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	l.mu.Lock()
	l.jobs[job.ID] = h
	l.mu.Unlock()

	l.persist(job)

	l.tasks.Add(1)
	go l.run(ctx, h)
	l.cleanups.Add(1)
	go l.cleanup(h)
	return h, nil
}

func (l *JobLifecycle) run(ctx context.Context, h *jobHandle) {
	defer l.tasks.Done()
	defer close(h.done)
	defer h.bus.Complete()

	err := l.scheduler.Acquire(ctx, func() {
		h.enter(domain.JobStateQueued)
		h.log.Info("Waiting for another job to complete")
		l.logger.Info("job queued", "job_id", h.job.ID)
		h.emit(domain.QueuedPayload{Message: "Waiting for another job to complete"})
	})
	if err != nil {
		l.interrupt(h, l.reasonFor(h))
		return
	}
	defer l.scheduler.Release()

	if l.shutdown.IsSet() {
		l.interrupt(h, domain.InterruptShutdown)
		return
	}

	h.log.Info("Starting job")
	l.logger.Info("executing job", "job_id", h.job.ID)

	err = l.pipeline.Run(ctx, h)
	switch {
	case err == nil:
		if !h.job.State().IsTerminal() {
			l.fail(h, errors.New("pipeline ended without a result"))
		}
	case h.killRequested.Load() || ctx.Err() != nil || l.shutdown.IsSet() || isCancellation(err):
		l.interrupt(h, l.reasonFor(h))
	default:
		l.fail(h, err)
	}
}

func (l *JobLifecycle) reasonFor(h *jobHandle) domain.InterruptReason {
	switch {
	case h.killRequested.Load():
		return domain.InterruptKilled
	case l.shutdown.IsSet():
		return domain.InterruptShutdown
	default:
		return domain.InterruptCancelled
	}
}

func (l *JobLifecycle) fail(h *jobHandle, err error) {
	msg := err.Error()
	if !h.job.Fail(msg) {
		return
	}
	l.persist(h.job)
	h.log.Error(msg)

	var se *StageError
	if errors.As(err, &se) {
		l.logger.Error("job failed", "job_id", h.job.ID, "stage", se.Stage, "error", err)
	} else {
		l.logger.Error("job failed", "job_id", h.job.ID, "error", err)
	}
	h.emit(domain.ErrorPayload{Message: msg})
}

// interrupt ends a job as INTERRUPTED. Only the first terminal transition
// publishes anything.
func (l *JobLifecycle) interrupt(h *jobHandle, reason domain.InterruptReason) {
	if !h.job.Interrupt(reason) {
		return
	}
	l.persist(h.job)
	l.logger.Info("job interrupted", "job_id", h.job.ID, "reason", reason)

	switch reason {
	case domain.InterruptKilled:
		h.log.Info("Job killed by user")
		h.emit(domain.KilledPayload{Message: "Job killed by user"})
	case domain.InterruptShutdown:
		h.log.Info("Job interrupted by server shutdown")
		h.emit(domain.InterruptedPayload{Message: "Server shutting down"})
	default:
		h.log.Info("Job cancelled")
		h.emit(domain.InterruptedPayload{Message: "Job cancelled"})
	}
}

func (l *JobLifecycle) persist(job *domain.Job) {
	if err := l.store.Save(context.Background(), job.Snapshot()); err != nil {
		l.logger.Error("failed to persist job", "job_id", job.ID, "error", err)
	}
}

// cleanup evicts a finished job once its subscribers are gone and the
// grace period has passed.
func (l *JobLifecycle) cleanup(h *jobHandle) {
	defer l.cleanups.Done()

	select {
	case <-h.done:
	case <-l.cleanupCtx.Done():
		l.evict(h, !h.job.Snapshot().Recoverable())
		return
	}

	if !l.pause(l.cfg.SubscriberWait, func() bool { return h.bus.SubscriberCount() == 0 }) {
		l.evict(h, !h.job.Snapshot().Recoverable())
		return
	}
	if !h.job.State().IsTerminal() {
		return
	}
	if !l.pause(l.cfg.CleanupGrace, nil) {
		l.evict(h, !h.job.Snapshot().Recoverable())
		return
	}
	l.evict(h, true)
}

// pause waits up to max, in CleanupTick steps, until cond holds. It
// returns false if cleanup was cancelled.
func (l *JobLifecycle) pause(max time.Duration, cond func() bool) bool {
	ticker := time.NewTicker(l.cfg.CleanupTick)
	defer ticker.Stop()

	deadline := time.Now().Add(max)
	for {
		if cond != nil && cond() {
			return true
		}
		if !time.Now().Before(deadline) {
			return true
		}
		select {
		case <-l.cleanupCtx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (l *JobLifecycle) evict(h *jobHandle, deleteSnapshot bool) {
	l.mu.Lock()
	if cur, ok := l.jobs[h.job.ID]; ok && cur == h {
		delete(l.jobs, h.job.ID)
	}
	l.mu.Unlock()

	if deleteSnapshot {
		if err := l.store.Delete(context.Background(), h.job.ID); err != nil {
			l.logger.Warn("failed to delete job snapshot", "job_id", h.job.ID, "error", err)
		}
	}
	h.log.Info("Job cleaned up from registry")
	l.logger.Info("job evicted", "job_id", h.job.ID, "state", h.job.State())
}

// Recover restarts every persisted job that did not finish. Recovered jobs
// run their pipeline from the beginning. Stale snapshots of finished jobs
// are removed.
func (l *JobLifecycle) Recover(ctx context.Context) (int, error) {
	snaps, err := l.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list job snapshots: %w", err)
	}

	recovered := 0
	for _, snap := range snaps {
		if !snap.Recoverable() {
			if err := l.store.Delete(ctx, snap.ID); err != nil {
				l.logger.Warn("failed to delete stale snapshot", "job_id", snap.ID, "error", err)
			}
			continue
		}
		if _, ok := l.handle(snap.ID); ok {
			continue
		}

		job := domain.JobFromSnapshot(snap)
		job.ResetForRecovery()
		h, err := l.admit(job)
		if err != nil {
			l.logger.Error("failed to recover job", "job_id", snap.ID, "error", err)
			continue
		}
		h.log.Info("Restarting job (recovered from persistence)")
		l.logger.Info("recovered job", "job_id", job.ID, "type", job.Kind, "previous_state", snap.State)
		recovered++
	}
	return recovered, nil
}

// Shutdown interrupts every unfinished job, cancels all tasks, stops the
// cleanup goroutines and kills whatever tool processes remain.
func (l *JobLifecycle) Shutdown(ctx context.Context) error {
	l.shutdown.Trigger()
	l.logger.Info("shutting down job lifecycle")

	for _, h := range l.handles() {
		l.interrupt(h, domain.InterruptShutdown)
		h.bus.Complete()
		h.cancel()
	}

	if !waitTimeout(ctx, &l.tasks, l.cfg.ShutdownWait) {
		l.logger.Warn("jobs still running after shutdown wait")
	}

	l.cleanupCancel()
	if !waitTimeout(ctx, &l.cleanups, l.cfg.ShutdownWait) {
		l.logger.Warn("cleanup tasks still running after shutdown wait")
	}

	if n := l.registry.KillAll(); n > 0 {
		l.logger.Info("killed remaining tool processes", "count", n)
	}
	l.baseCancel()
	return nil
}

func waitTimeout(ctx context.Context, wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Kill stops one job: its processes first, then its task.
func (l *JobLifecycle) Kill(ctx context.Context, id domain.JobID) (KillResult, error) {
	h, ok := l.handle(id)
	if !ok {
		return KillResult{}, domain.ErrJobNotFound
	}
	if state := h.job.State(); state.IsTerminal() {
		return KillResult{Status: "already_finished", JobID: id, State: state}, nil
	}

	l.logger.Info("killing job", "job_id", id)
	h.log.Info("Kill requested")
	h.killRequested.Store(true)

	n := l.registry.KillJob(id)
	h.cancel()
	l.interrupt(h, domain.InterruptKilled)
	h.bus.Complete()

	l.logger.Info("job killed", "job_id", id, "processes", n)
	return KillResult{Status: "killed", JobID: id, State: h.job.State()}, nil
}

// KillAll stops every unfinished job and returns their ids.
func (l *JobLifecycle) KillAll(ctx context.Context) []domain.JobID {
	var killed []domain.JobID
	for _, h := range l.handles() {
		if h.job.State().IsTerminal() {
			continue
		}
		h.killRequested.Store(true)
		h.cancel()
		l.interrupt(h, domain.InterruptKilled)
		h.bus.Complete()
		killed = append(killed, h.job.ID)
	}

	if n := l.registry.KillAll(); n > 0 {
		l.logger.Info("killed tool processes", "count", n)
	}
	l.logger.Info("killed all jobs", "count", len(killed))
	return killed
}

// Status returns a view of a live job, or of its snapshot if it is no
// longer in memory.
func (l *JobLifecycle) Status(ctx context.Context, id domain.JobID, includeResult bool) (domain.View, error) {
	if h, ok := l.handle(id); ok {
		return h.job.View(includeResult), nil
	}
	snap, err := l.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrSnapshotNotFound) {
			return domain.View{}, domain.ErrJobNotFound
		}
		return domain.View{}, err
	}
	return domain.JobFromSnapshot(snap).View(false), nil
}

// Active lists the jobs that have not reached a terminal state.
func (l *JobLifecycle) Active() []domain.View {
	var out []domain.View
	for _, h := range l.handles() {
		if !h.job.State().IsTerminal() {
			out = append(out, h.job.View(false))
		}
	}
	return out
}

// Health reports the registry state, optionally with the tail of each
// active job's log.
func (l *JobLifecycle) Health(withLogs bool, tail int) HealthReport {
	active := l.Active()
	report := HealthReport{
		Status:     "ok",
		ActiveJobs: len(active),
		SlotBusy:   l.scheduler.Busy(),
		Jobs:       active,
	}
	if l.shutdown.IsSet() {
		report.Status = "shutting_down"
	}
	if withLogs {
		report.Logs = make(map[string][]string, len(active))
		for _, v := range active {
			report.Logs[string(v.ID)] = ReadJobLogs(l.cfg.LogDir, v.ID, tail)
		}
	}
	return report
}

// Logs returns the last tail lines of a job's log. Logs outlive eviction.
func (l *JobLifecycle) Logs(id domain.JobID, tail int) ([]string, error) {
	if h, ok := l.handle(id); ok {
		return h.log.ReadLogs(tail), nil
	}
	lines := ReadJobLogs(l.cfg.LogDir, id, tail)
	if lines == nil {
		return nil, domain.ErrJobNotFound
	}
	return lines, nil
}

func (l *JobLifecycle) handle(id domain.JobID) (*jobHandle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.jobs[id]
	return h, ok
}

// handles returns the live jobs ordered by start time.
func (l *JobLifecycle) handles() []*jobHandle {
	l.mu.RLock()
	out := make([]*jobHandle, 0, len(l.jobs))
	for _, h := range l.jobs {
		out = append(out, h)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].job.View(false).StartedAt.Before(out[j].job.View(false).StartedAt)
	})
	return out
}
