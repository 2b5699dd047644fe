package domain

import "time"

// Snapshot is the durable projection of a Job. Runtime handles and the
// in-memory result are not part of it.
type Snapshot struct {
	ID              JobID           `json:"id"`
	Kind            JobKind         `json:"job_type"`
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
	Prompt          string          `json:"prompt,omitempty"`
	Sections        []string        `json:"sections,omitempty"`
	Context         string          `json:"context,omitempty"`
}

// Recoverable reports whether a persisted job should be restarted on boot.
// Jobs interrupted by a shutdown come back; jobs a user killed do not.
func (s Snapshot) Recoverable() bool {
	if !s.State.IsTerminal() {
		return true
	}
	return s.State == JobStateInterrupted && s.InterruptReason == InterruptShutdown
}

func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Snapshot{
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
		Prompt:          j.Prompt,
		Sections:        append([]string(nil), j.Sections...),
		Context:         j.Context,
	}
}

func JobFromSnapshot(s Snapshot) *Job {
	return &Job{
		ID:              s.ID,
		Kind:            s.Kind,
		URL:             s.URL,
		Model:           s.Model,
		Sections:        append([]string(nil), s.Sections...),
		Prompt:          s.Prompt,
		Context:         s.Context,
		videoID:         s.VideoID,
		title:           s.Title,
		state:           s.State,
		progress:        s.Progress,
		errMsg:          s.Error,
		interruptReason: s.InterruptReason,
		startedAt:       s.StartedAt,
		completedAt:     s.CompletedAt,
	}
}
