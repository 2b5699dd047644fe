package domain

import (
	"errors"
	"sync"
	"time"
)

type JobID string

// JobKind selects which pipeline stages run for a job.
type JobKind string

const (
	JobKindTranscribe JobKind = "transcribe"
	JobKindSummarize  JobKind = "summarize"
)

type JobState string

const (
	JobStatePending      JobState = "PENDING"
	JobStateQueued       JobState = "QUEUED"
	JobStateDownloading  JobState = "DOWNLOADING"
	JobStateExtracting   JobState = "EXTRACTING"
	JobStateTranscribing JobState = "TRANSCRIBING"
	JobStateSummarizing  JobState = "SUMMARIZING"
	JobStateComplete     JobState = "COMPLETE"
	JobStateError        JobState = "ERROR"
	JobStateInterrupted  JobState = "INTERRUPTED"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateComplete, JobStateError, JobStateInterrupted:
		return true
	}
	return false
}

// InterruptReason records why a job ended INTERRUPTED.
type InterruptReason string

const (
	InterruptShutdown  InterruptReason = "shutdown"
	InterruptKilled    InterruptReason = "killed"
	InterruptCancelled InterruptReason = "cancelled"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrShuttingDown     = errors.New("server shutting down")
)

// JobParams is the admission input of a job.
type JobParams struct {
	Kind     JobKind
	URL      string
	Model    string
	Sections []string
	Prompt   string
	Context  string
}

// Job is one unit of work. Lifecycle fields are guarded by an internal
// lock so status queries can read them while the pipeline runs.
type Job struct {
	ID       JobID
	Kind     JobKind
	URL      string
	Model    string
	Sections []string
	Prompt   string
	Context  string

	mu              sync.RWMutex
	videoID         string
	title           string
	state           JobState
	progress        float64
	errMsg          string
	interruptReason InterruptReason
	startedAt       time.Time
	completedAt     *time.Time
	resultContent   string
	resultPath      string
}

func NewJob(id JobID, p JobParams) *Job {
	return &Job{
		ID:        id,
		Kind:      p.Kind,
		URL:       p.URL,
		Model:     p.Model,
		Sections:  append([]string(nil), p.Sections...),
		Prompt:    p.Prompt,
		Context:   p.Context,
		state:     JobStatePending,
		startedAt: time.Now(),
	}
}

func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

func (j *Job) Progress() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progress
}

func (j *Job) Error() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.errMsg
}

func (j *Job) VideoID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.videoID
}

func (j *Job) Title() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.title
}

// Result returns the final content and the path it was saved to.
func (j *Job) Result() (content, path string) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.resultContent, j.resultPath
}

func (j *Job) SetSource(videoID, title string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if videoID != "" {
		j.videoID = videoID
	}
	if title != "" {
		j.title = title
	}
}

// SetState moves a non-terminal job to another non-terminal state.
// It returns false when the job is already terminal or s is terminal.
func (j *Job) SetState(s JobState) bool {
	if s.IsTerminal() {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return false
	}
	j.state = s
	return true
}

// SetProgress raises progress to p. Progress never decreases within a run.
func (j *Job) SetProgress(p float64) {
	if p > 100 {
		p = 100
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() || p <= j.progress {
		return
	}
	j.progress = p
}

// Complete records the result and sets progress to exactly 100.
func (j *Job) Complete(content, path string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return false
	}
	now := time.Now()
	j.state = JobStateComplete
	j.progress = 100
	j.resultContent = content
	j.resultPath = path
	j.completedAt = &now
	return true
}

func (j *Job) Fail(msg string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return false
	}
	now := time.Now()
	j.state = JobStateError
	j.errMsg = msg
	j.completedAt = &now
	return true
}

func (j *Job) Interrupt(reason InterruptReason) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return false
	}
	now := time.Now()
	j.state = JobStateInterrupted
	j.interruptReason = reason
	j.completedAt = &now
	return true
}

// ResetForRecovery puts a reloaded job back to PENDING so its pipeline
// starts over.
func (j *Job) ResetForRecovery() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = JobStatePending
	j.progress = 0
	j.errMsg = ""
	j.interruptReason = ""
	j.completedAt = nil
	j.resultContent = ""
	j.resultPath = ""
}

// View is a point-in-time copy of a job for status responses.
type View struct {
	ID              JobID           `json:"job_id"`
	Kind            JobKind         `json:"type"`
	URL             string          `json:"url"`
	VideoID         string          `json:"video_id,omitempty"`
	Title           string          `json:"title,omitempty"`
	State           JobState        `json:"state"`
	Progress        float64         `json:"progress"`
	Error           string          `json:"error,omitempty"`
	InterruptReason InterruptReason `json:"interrupt_reason,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Model           string          `json:"model"`
	Sections        []string        `json:"sections,omitempty"`
	SavedTo         string          `json:"saved_to,omitempty"`
	Result          string          `json:"result,omitempty"`
}

func (j *Job) View(includeResult bool) View {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v := View{
		ID:              j.ID,
		Kind:            j.Kind,
		URL:             j.URL,
		VideoID:         j.videoID,
		Title:           j.title,
		State:           j.state,
		Progress:        j.progress,
		Error:           j.errMsg,
		InterruptReason: j.interruptReason,
		StartedAt:       j.startedAt,
		CompletedAt:     j.completedAt,
		Model:           j.Model,
		Sections:        j.Sections,
		SavedTo:         j.resultPath,
	}
	if includeResult {
		v.Result = j.resultContent
	}
	return v
}
