package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/ports"
)

// progressWeights maps stage-local percentages onto overall job progress.
type progressWeights struct {
	downloadEnd     float64
	transcribeStart float64
	transcribeEnd   float64
}

var (
	transcribeWeights = progressWeights{downloadEnd: 30, transcribeStart: 30, transcribeEnd: 100}
	summarizeWeights  = progressWeights{downloadEnd: 25, transcribeStart: 25, transcribeEnd: 80}
)

const summarizeStart = 80.0

// Pipeline sequences the stages of a job and reports progress through the
// job handle.
type Pipeline struct {
	logger        *slog.Logger
	stages        *Stages
	artifacts     ports.ArtifactStore
	tempDir       string
	defaultPrompt string
}

func NewPipeline(logger *slog.Logger, stages *Stages, artifacts ports.ArtifactStore, tempDir, defaultPrompt string) *Pipeline {
	if defaultPrompt == "" {
		defaultPrompt = domain.DefaultSummaryPrompt
	}
	return &Pipeline{
		logger:        logger,
		stages:        stages,
		artifacts:     artifacts,
		tempDir:       tempDir,
		defaultPrompt: defaultPrompt,
	}
}

// Run executes the job to completion. A nil error means the job reached
// COMPLETE; failures are returned for the caller to record.
func (p *Pipeline) Run(ctx context.Context, h *jobHandle) error {
	videoID, err := domain.ExtractVideoID(h.job.URL)
	if err != nil {
		p.logger.Warn("invalid source url", "job_id", h.job.ID, "url", h.job.URL)
		return stageErr("validate", err.Error(), err)
	}
	h.job.SetSource(videoID, "")
	h.persist()

	switch h.job.Kind {
	case domain.JobKindTranscribe:
		return p.transcribe(ctx, h, videoID)
	case domain.JobKindSummarize:
		return p.summarize(ctx, h, videoID)
	default:
		return fmt.Errorf("unknown job type %q", h.job.Kind)
	}
}

func (p *Pipeline) transcribe(ctx context.Context, h *jobHandle, videoID string) error {
	job := h.job
	p.logger.Info("starting transcription", "job_id", job.ID, "video_id", videoID, "sections", job.Sections)
	h.log.Info("Starting transcription for " + videoID + describeSections(job.Sections))

	if path, content, ok := p.lookupCache(h, videoID); ok {
		h.emit(domain.CachedPayload{Message: "Found cached transcript", Path: path})
		h.complete(content, path, domain.CompletePayload{Transcript: content, SavedTo: path, Cached: true})
		return nil
	}

	info, err := p.start(ctx, h, videoID)
	if err != nil {
		return err
	}

	transcript, err := p.produceTranscript(ctx, h, videoID, info, transcribeWeights)
	if err != nil {
		return err
	}

	if len(job.Sections) > 0 {
		h.complete(transcript, "", domain.CompletePayload{Transcript: transcript, Sections: job.Sections})
		return nil
	}

	saved, err := p.artifacts.Save(ports.ArtifactTranscript, videoID, info.Title, transcript)
	if err != nil {
		return stageErr("save", "failed to save transcript", err)
	}
	h.log.Info("Transcript saved to " + saved)
	h.complete(transcript, saved, domain.CompletePayload{Transcript: transcript, SavedTo: saved})
	return nil
}

func (p *Pipeline) summarize(ctx context.Context, h *jobHandle, videoID string) error {
	job := h.job
	p.logger.Info("starting summarization", "job_id", job.ID, "video_id", videoID, "sections", job.Sections)
	h.log.Info("Starting summarization for " + videoID + describeSections(job.Sections))

	prompt := job.Prompt
	if prompt == "" {
		prompt = p.defaultPrompt
	}
	if job.Context != "" {
		prompt += "\n\n## Additional Context\n" + job.Context
	}

	var (
		transcript string
		title      string
	)
	cachedPath, cached, fromCache := p.lookupCache(h, videoID)
	if fromCache {
		// The title is still needed to name the summary.
		info, err := p.stages.FetchMetadata(ctx, job, h.log)
		if err != nil {
			return err
		}
		title = info.Title
		job.SetSource("", title)
		job.SetProgress(summarizeStart)
		h.persist()
		h.emit(domain.CachedPayload{Message: "Found cached transcript", Path: cachedPath})
		transcript = cached
	} else {
		info, err := p.start(ctx, h, videoID)
		if err != nil {
			return err
		}
		title = info.Title

		transcript, err = p.produceTranscript(ctx, h, videoID, info, summarizeWeights)
		if err != nil {
			return err
		}
		if len(job.Sections) == 0 {
			saved, err := p.artifacts.Save(ports.ArtifactTranscript, videoID, title, transcript)
			if err != nil {
				return stageErr("save", "failed to save transcript", err)
			}
			h.log.Info("Transcript saved to " + saved)
		}
	}

	job.SetProgress(summarizeStart)
	h.enter(domain.JobStateSummarizing)
	h.emit(domain.SummarizingPayload{Status: "running summarizer"})
	p.logger.Info("summarizing", "job_id", job.ID, "video_id", videoID)

	summary, err := p.stages.Summarize(ctx, job, h.log, transcript, prompt)
	if err != nil {
		return err
	}

	saved, err := p.artifacts.Save(ports.ArtifactSummary, videoID, title, summary)
	if err != nil {
		return stageErr("save", "failed to save summary", err)
	}
	h.log.Info("Summarization complete, saved to " + saved)
	h.complete(summary, saved, domain.CompletePayload{
		Summary:    summary,
		Transcript: transcript,
		SavedTo:    saved,
		Cached:     fromCache,
		Sections:   job.Sections,
	})
	return nil
}

// lookupCache consults the transcript cache unless the job asks for
// specific sections, which a full cached transcript cannot serve.
func (p *Pipeline) lookupCache(h *jobHandle, videoID string) (string, string, bool) {
	if len(h.job.Sections) > 0 {
		return "", "", false
	}
	path, content, found, err := p.artifacts.FindCached(videoID)
	if err != nil {
		p.logger.Warn("transcript cache lookup failed", "job_id", h.job.ID, "video_id", videoID, "error", err)
		return "", "", false
	}
	if found {
		p.logger.Info("using cached transcript", "job_id", h.job.ID, "video_id", videoID)
		h.log.Info("Using cached transcript: " + path)
	}
	return path, content, found
}

func (p *Pipeline) start(ctx context.Context, h *jobHandle, videoID string) (VideoInfo, error) {
	info, err := p.stages.FetchMetadata(ctx, h.job, h.log)
	if err != nil {
		return VideoInfo{}, err
	}
	h.job.SetSource("", info.Title)
	h.persist()
	h.emit(domain.StartedPayload{
		VideoID:  videoID,
		Title:    info.Title,
		Duration: info.Duration,
		Channel:  info.Channel,
		Sections: h.job.Sections,
	})
	return info, nil
}

// produceTranscript downloads, optionally trims and transcribes the audio
// inside a per-job temp directory that is removed afterwards.
func (p *Pipeline) produceTranscript(ctx context.Context, h *jobHandle, videoID string, info VideoInfo, w progressWeights) (string, error) {
	job := h.job

	workDir := filepath.Join(p.tempDir, string(job.ID))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", stageErr("download", "failed to create work dir", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			p.logger.Warn("failed to remove work dir", "path", workDir, "error", err)
		}
	}()

	audio := filepath.Join(workDir, videoID+".m4a")
	h.enter(domain.JobStateDownloading)
	p.logger.Info("downloading audio", "job_id", job.ID, "video_id", videoID)

	err := p.stages.Download(ctx, job, h.log, audio,
		func(dp DownloadProgress) {
			job.SetProgress(dp.Percent * w.downloadEnd / 100)
			h.emit(domain.DownloadingPayload{Percent: dp.Percent, Speed: dp.Speed, ETA: dp.ETA})
		},
		func() {
			h.enter(domain.JobStateExtracting)
			h.emit(domain.ExtractingPayload{Phase: "audio", Status: "extracting audio from video"})
		},
	)
	if err != nil {
		return "", err
	}
	job.SetProgress(w.downloadEnd)
	h.emit(domain.DownloadingPayload{Percent: 100, Speed: "-", ETA: "0s"})

	source := audio
	duration := info.Duration
	if len(job.Sections) > 0 {
		h.enter(domain.JobStateExtracting)
		h.emit(domain.ExtractingPayload{Phase: "sections", Status: "extracting sections"})
		if source, err = p.stages.ExtractSections(ctx, job, h.log, audio); err != nil {
			return "", err
		}
		duration = sectionsDuration(job.Sections)
	}

	h.enter(domain.JobStateTranscribing)
	h.emit(domain.TranscribingPayload{Status: "loading model", Model: job.Model})
	p.logger.Info("transcribing", "job_id", job.ID, "video_id", videoID, "model", job.Model)

	span := w.transcribeEnd - w.transcribeStart
	return p.stages.Transcribe(ctx, job, h.log, source, duration, func(tp TranscribeProgress) {
		job.SetProgress(w.transcribeStart + tp.Percent*span/100)
		h.emit(domain.TranscribingPayload{Status: "transcribing", Percent: tp.Percent, Timestamp: tp.Timestamp})
	})
}

func sectionsDuration(sections []string) float64 {
	var total float64
	for _, s := range sections {
		if start, end, err := domain.ParseSection(s); err == nil {
			total += end - start
		}
	}
	return total
}

func describeSections(sections []string) string {
	if len(sections) == 0 {
		return ""
	}
	return " sections=" + strings.Join(sections, ",")
}
