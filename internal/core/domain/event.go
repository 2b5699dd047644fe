package domain

import "time"

type EventKind string

const (
	EventJob          EventKind = "job"
	EventStarted      EventKind = "started"
	EventQueued       EventKind = "queued"
	EventDownloading  EventKind = "downloading"
	EventExtracting   EventKind = "extracting"
	EventTranscribing EventKind = "transcribing"
	EventSummarizing  EventKind = "summarizing"
	EventCached       EventKind = "cached"
	EventComplete     EventKind = "complete"
	EventError        EventKind = "error"
	EventInterrupted  EventKind = "interrupted"
	EventKilled       EventKind = "killed"
	EventPing         EventKind = "ping"
)

// Payload is the typed body of one event kind.
type Payload interface {
	Kind() EventKind
}

// Event is a published job event. Seq is assigned by the job's event bus.
type Event struct {
	Seq  int64     `json:"seq"`
	Kind EventKind `json:"event"`
	Data Payload   `json:"data"`
	At   time.Time `json:"at"`
}

func NewEvent(p Payload) Event {
	return Event{Kind: p.Kind(), Data: p, At: time.Now()}
}

type JobPayload struct {
	JobID JobID    `json:"job_id"`
	Type  JobKind  `json:"type"`
	State JobState `json:"state"`
}

type StartedPayload struct {
	VideoID  string   `json:"video_id"`
	Title    string   `json:"title"`
	Duration float64  `json:"duration"`
	Channel  string   `json:"channel,omitempty"`
	Sections []string `json:"sections,omitempty"`
}

type QueuedPayload struct {
	Message string `json:"message"`
}

type DownloadingPayload struct {
	Percent float64 `json:"percent"`
	Speed   string  `json:"speed,omitempty"`
	ETA     string  `json:"eta,omitempty"`
}

// ExtractingPayload covers both audio extraction during download
// (Phase "audio") and section trimming (Phase "sections").
type ExtractingPayload struct {
	Phase  string `json:"phase"`
	Status string `json:"status"`
}

type TranscribingPayload struct {
	Status    string  `json:"status"`
	Model     string  `json:"model,omitempty"`
	Percent   float64 `json:"percent"`
	Timestamp string  `json:"timestamp,omitempty"`
}

type SummarizingPayload struct {
	Status string `json:"status"`
}

type CachedPayload struct {
	Message string `json:"message"`
	Path    string `json:"path"`
}

type CompletePayload struct {
	Transcript string   `json:"transcript,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	SavedTo    string   `json:"saved_to,omitempty"`
	Cached     bool     `json:"cached"`
	Sections   []string `json:"sections,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type InterruptedPayload struct {
	Message string `json:"message"`
}

type KilledPayload struct {
	Message string `json:"message"`
}

type PingPayload struct {
	State    JobState `json:"state"`
	Progress float64  `json:"progress"`
}

func (JobPayload) Kind() EventKind          { return EventJob }
func (StartedPayload) Kind() EventKind      { return EventStarted }
func (QueuedPayload) Kind() EventKind       { return EventQueued }
func (DownloadingPayload) Kind() EventKind  { return EventDownloading }
func (ExtractingPayload) Kind() EventKind   { return EventExtracting }
func (TranscribingPayload) Kind() EventKind { return EventTranscribing }
func (SummarizingPayload) Kind() EventKind  { return EventSummarizing }
func (CachedPayload) Kind() EventKind       { return EventCached }
func (CompletePayload) Kind() EventKind     { return EventComplete }
func (ErrorPayload) Kind() EventKind        { return EventError }
func (InterruptedPayload) Kind() EventKind  { return EventInterrupted }
func (KilledPayload) Kind() EventKind       { return EventKilled }
func (PingPayload) Kind() EventKind         { return EventPing }
