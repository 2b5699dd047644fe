package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/ports"
)

type trackedProcess struct {
	proc  ports.Process
	jobID domain.JobID
}

// ProcessRegistry tracks live tool processes per job so a kill request or
// shutdown can always find what is currently running.
type ProcessRegistry struct {
	logger        *slog.Logger
	killGrace     time.Duration
	shutdownGrace time.Duration

	mu    sync.Mutex
	procs map[string]trackedProcess
}

// NewProcessRegistry creates a registry. killGrace bounds how long KillJob
// waits after a graceful terminate; shutdownGrace is the equivalent for
// KillAll.
func NewProcessRegistry(logger *slog.Logger, killGrace, shutdownGrace time.Duration) *ProcessRegistry {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	if shutdownGrace <= 0 {
		shutdownGrace = time.Second
	}
	return &ProcessRegistry{
		logger:        logger,
		killGrace:     killGrace,
		shutdownGrace: shutdownGrace,
		procs:         make(map[string]trackedProcess),
	}
}

func (r *ProcessRegistry) Register(proc ports.Process, jobID domain.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[proc.ID()] = trackedProcess{proc: proc, jobID: jobID}
	r.logger.Debug("process registered", "pid", proc.ID(), "job_id", jobID)
}

// Unregister is a no-op for unknown processes.
func (r *ProcessRegistry) Unregister(proc ports.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, proc.ID())
}

// Count returns the number of tracked processes, optionally for one job.
func (r *ProcessRegistry) Count(jobID domain.JobID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if jobID == "" {
		return len(r.procs)
	}
	n := 0
	for _, tp := range r.procs {
		if tp.jobID == jobID {
			n++
		}
	}
	return n
}

// KillJob terminates every process of a job, force-killing any that are
// still alive after the grace period. It returns how many were stopped.
func (r *ProcessRegistry) KillJob(jobID domain.JobID) int {
	r.mu.Lock()
	var targets []ports.Process
	for id, tp := range r.procs {
		if tp.jobID == jobID {
			targets = append(targets, tp.proc)
			delete(r.procs, id)
		}
	}
	r.mu.Unlock()

	for _, proc := range targets {
		r.logger.Info("terminating process", "pid", proc.ID(), "job_id", jobID)
		if err := proc.Terminate(); err != nil {
			r.logger.Warn("terminate failed", "pid", proc.ID(), "error", err)
		}
		select {
		case <-proc.Exited():
		case <-time.After(r.killGrace):
			r.logger.Warn("process ignored terminate, killing", "pid", proc.ID(), "job_id", jobID)
			if err := proc.Kill(); err != nil {
				r.logger.Warn("kill failed", "pid", proc.ID(), "error", err)
			}
		}
	}
	return len(targets)
}

// KillAll terminates every tracked process, waits briefly, force-kills the
// survivors and clears the registry.
func (r *ProcessRegistry) KillAll() int {
	r.mu.Lock()
	targets := make([]ports.Process, 0, len(r.procs))
	for _, tp := range r.procs {
		targets = append(targets, tp.proc)
	}
	r.procs = make(map[string]trackedProcess)
	r.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}
	r.logger.Info("killing all tracked processes", "count", len(targets))

	for _, proc := range targets {
		if err := proc.Terminate(); err != nil {
			r.logger.Warn("terminate failed", "pid", proc.ID(), "error", err)
		}
	}

	deadline := time.NewTimer(r.shutdownGrace)
	defer deadline.Stop()
wait:
	for _, proc := range targets {
		select {
		case <-proc.Exited():
		case <-deadline.C:
			break wait
		}
	}

	for _, proc := range targets {
		select {
		case <-proc.Exited():
		default:
			if err := proc.Kill(); err != nil {
				r.logger.Warn("kill failed", "pid", proc.ID(), "error", err)
			}
		}
	}
	return len(targets)
}
