package ports

import (
	"context"
	"io"

	"github.com/manthysbr/scribed/internal/core/domain"
)

// CommandSpec describes one external tool invocation.
type CommandSpec struct {
	JobID domain.JobID
	Name  string
	Args  []string
	Env   []string
	// Stdin, when non-empty, is written to the process and then closed.
	Stdin string
	// MergeStderr routes stderr into the Stdout stream instead of
	// capturing it separately.
	MergeStderr bool
}

// Process is a running external tool.
type Process interface {
	// ID is unique among live processes of one launcher.
	ID() string

	// Stdout streams the process output. Closing it discards any
	// remaining output.
	Stdout() io.ReadCloser

	// Stderr returns captured stderr text. Valid once Exited is closed.
	Stderr() string

	// Exited is closed after the process has terminated.
	Exited() <-chan struct{}

	// ExitCode is valid once Exited is closed; -1 when killed by a signal.
	ExitCode() int

	// Terminate asks the process to stop gracefully.
	Terminate() error

	// Kill stops the process forcefully.
	Kill() error
}

// ProcessLauncher abstracts the tool runtime (host exec, Docker).
type ProcessLauncher interface {
	Start(ctx context.Context, spec CommandSpec) (Process, error)
}

// SnapshotStore persists job snapshots for crash recovery.
type SnapshotStore interface {
	// Save writes or replaces the snapshot of a job.
	Save(ctx context.Context, snap domain.Snapshot) error

	// Load returns one snapshot or domain.ErrSnapshotNotFound.
	Load(ctx context.Context, id domain.JobID) (domain.Snapshot, error)

	// Delete removes a snapshot. Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, id domain.JobID) error

	// List returns every readable snapshot. Unreadable entries are skipped.
	List(ctx context.Context) ([]domain.Snapshot, error)
}

// ArtifactKind selects the artifact directory.
type ArtifactKind string

const (
	ArtifactTranscript ArtifactKind = "transcript"
	ArtifactSummary    ArtifactKind = "summary"
)

// ArtifactStore holds finished transcripts and summaries and serves as
// the transcript cache.
type ArtifactStore interface {
	// FindCached returns the newest transcript for a video id.
	FindCached(videoID string) (path, content string, found bool, err error)

	// Save writes content under a timestamped name and returns its path.
	Save(kind ArtifactKind, videoID, title, content string) (string, error)
}

// EventSink receives a copy of every published job event.
type EventSink interface {
	Publish(jobID domain.JobID, event domain.Event)
}
