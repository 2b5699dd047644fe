package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/ports"
)

// ToolConfig names the external tools and bounds how long each may run.
// A zero timeout means no limit.
type ToolConfig struct {
	Fetch         string
	Trim          string
	Transcribe    string
	Summarize     string
	SummarizeArgs []string

	MetadataTimeout  time.Duration
	DownloadTimeout  time.Duration
	TrimTimeout      time.Duration
	SummarizeTimeout time.Duration
}

func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Fetch:            "yt-dlp",
		Trim:             "ffmpeg",
		Transcribe:       "transcribe",
		Summarize:        "claude",
		SummarizeArgs:    []string{"-p"},
		MetadataTimeout:  30 * time.Second,
		DownloadTimeout:  600 * time.Second,
		TrimTimeout:      120 * time.Second,
		SummarizeTimeout: 10 * time.Minute,
	}
}

// VideoInfo is the subset of the fetch tool's metadata the pipeline uses.
type VideoInfo struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
	Channel  string  `json:"channel"`
}

type DownloadProgress struct {
	Percent float64
	Speed   string
	ETA     string
}

type TranscribeProgress struct {
	Percent   float64
	Timestamp string
}

var (
	downloadProgressRe = regexp.MustCompile(`\[download\]\s+(\d+\.?\d*)%\s+of.*?at\s+(\S+)\s+ETA\s+(\S+)`)
	extractAudioRe     = regexp.MustCompile(`\[ExtractAudio\]`)
	segmentRe          = regexp.MustCompile(`\[((?:\d+:)?\d+:\d+\.\d+)\s*-->\s*((?:\d+:)?\d+:\d+\.\d+)\]`)
)

// Stages drives the external tools of the pipeline. Every tool process is
// registered with the ProcessRegistry for as long as it runs.
type Stages struct {
	logger   *slog.Logger
	launcher ports.ProcessLauncher
	registry *ProcessRegistry
	shutdown *ShutdownSignal
	tools    ToolConfig
}

func NewStages(
	logger *slog.Logger,
	launcher ports.ProcessLauncher,
	registry *ProcessRegistry,
	shutdown *ShutdownSignal,
	tools ToolConfig,
) *Stages {
	return &Stages{
		logger:   logger,
		launcher: launcher,
		registry: registry,
		shutdown: shutdown,
		tools:    tools,
	}
}

// FetchMetadata asks the fetch tool for the video's title, duration and channel.
func (s *Stages) FetchMetadata(ctx context.Context, job *domain.Job, jlog *JobLogger) (VideoInfo, error) {
	jlog.Info("Fetching video info for " + job.URL)

	out, err := s.collect(ctx, jlog, ports.CommandSpec{
		JobID: job.ID,
		Name:  s.tools.Fetch,
		Args:  []string{"--dump-json", "--no-download", job.URL},
		Env:   []string{"PYTHONUNBUFFERED=1"},
	}, s.tools.MetadataTimeout)
	if err != nil {
		if errors.Is(err, errToolTimeout) {
			return VideoInfo{}, stageErr("metadata", fmt.Sprintf("timed out fetching video info after %s", s.tools.MetadataTimeout), err)
		}
		return VideoInfo{}, stageErr("metadata", "failed to get video info: "+err.Error(), err)
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(out.Stderr)
		jlog.Error("fetch tool failed: " + msg)
		return VideoInfo{}, stageErr("metadata", "failed to get video info: "+msg, nil)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(out.Stdout), "\n")
	var info VideoInfo
	if err := json.Unmarshal([]byte(line), &info); err != nil {
		return VideoInfo{}, stageErr("metadata", "failed to parse video info", err)
	}
	if info.Title == "" {
		info.Title = "Unknown"
	}
	if info.Channel == "" {
		info.Channel = "Unknown"
	}
	return info, nil
}

// Download fetches the audio track into outPath. onProgress fires whenever
// the whole-number percentage changes; onExtracting fires once when the
// tool starts extracting audio.
func (s *Stages) Download(
	ctx context.Context,
	job *domain.Job,
	jlog *JobLogger,
	outPath string,
	onProgress func(DownloadProgress),
	onExtracting func(),
) error {
	lastBucket := 0
	lastPercent := -1
	extracting := false

	spec := ports.CommandSpec{
		JobID:       job.ID,
		Name:        s.tools.Fetch,
		Args:        []string{"-x", "--audio-format", "m4a", "--newline", "--progress", "-o", outPath, job.URL},
		Env:         []string{"PYTHONUNBUFFERED=1"},
		MergeStderr: true,
	}
	out, err := s.stream(ctx, jlog, filepath.Base(s.tools.Fetch), spec, s.tools.DownloadTimeout, func(line string) {
		if !extracting && extractAudioRe.MatchString(line) {
			extracting = true
			s.logger.Info("extracting audio", "job_id", job.ID)
			onExtracting()
			return
		}

		m := downloadProgressRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		percent, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return
		}
		if bucket := int(percent / 10); bucket > lastBucket {
			lastBucket = bucket
			s.logger.Info("download progress", "job_id", job.ID, "percent", math.Round(percent), "speed", m[2], "eta", m[3])
		}
		if int(percent) == lastPercent {
			return
		}
		lastPercent = int(percent)
		onProgress(DownloadProgress{Percent: percent, Speed: m[2], ETA: m[3]})
	})
	if err != nil {
		switch {
		case errors.Is(err, errToolTimeout):
			return stageErr("download", fmt.Sprintf("download timed out after %s", s.tools.DownloadTimeout), err)
		case errors.Is(err, domain.ErrShuttingDown):
			return stageErr("download", "server shutting down", err)
		}
		return stageErr("download", "download failed: "+err.Error(), err)
	}
	if out.ExitCode != 0 {
		jlog.Error("Download failed")
		return stageErr("download", fmt.Sprintf("download failed (exit code %d)", out.ExitCode), nil)
	}

	jlog.Info("Download complete: " + filepath.Base(outPath))
	return nil
}

// ExtractSections cuts the job's sections out of audioPath and joins them
// into one file next to it. Part files and the concat list never outlive
// the call.
func (s *Stages) ExtractSections(ctx context.Context, job *domain.Job, jlog *JobLogger, audioPath string) (string, error) {
	dir := filepath.Dir(audioPath)
	stem := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	output := filepath.Join(dir, stem+"_sections.m4a")
	concatList := filepath.Join(dir, stem+"_concat.txt")

	var parts []string
	defer func() {
		for _, p := range parts {
			s.removeQuietly(p)
		}
		s.removeQuietly(concatList)
	}()

	for i, section := range job.Sections {
		start, end, err := domain.ParseSection(section)
		if err != nil {
			return "", stageErr("extract", err.Error(), err)
		}

		part := filepath.Join(dir, fmt.Sprintf("%s_part%d.m4a", stem, i))
		parts = append(parts, part)
		jlog.Info(fmt.Sprintf("Extracting section %d/%d: %s", i+1, len(job.Sections), section))

		out, err := s.collect(ctx, jlog, ports.CommandSpec{
			JobID: job.ID,
			Name:  s.tools.Trim,
			Args: []string{
				"-y", "-i", audioPath,
				"-ss", formatSeconds(start),
				"-t", formatSeconds(end - start),
				"-c", "copy", part,
			},
		}, s.tools.TrimTimeout)
		if err != nil {
			if errors.Is(err, errToolTimeout) {
				return "", stageErr("extract", "ffmpeg timed out extracting section "+section, err)
			}
			return "", stageErr("extract", fmt.Sprintf("failed to extract section %s: %v", section, err), err)
		}
		if out.ExitCode != 0 {
			return "", stageErr("extract", "failed to extract section "+section, nil)
		}
	}

	if len(parts) == 1 {
		if err := os.Rename(parts[0], output); err != nil {
			return "", stageErr("extract", "failed to move extracted section", err)
		}
	} else {
		if err := s.concat(ctx, job, jlog, parts, concatList, output); err != nil {
			s.removeQuietly(output)
			return "", err
		}
	}

	jlog.Info("Section extraction complete: " + filepath.Base(output))
	return output, nil
}

func (s *Stages) concat(ctx context.Context, job *domain.Job, jlog *JobLogger, parts []string, listPath, output string) error {
	var list strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return stageErr("extract", "failed to write concat list", err)
	}

	out, err := s.collect(ctx, jlog, ports.CommandSpec{
		JobID: job.ID,
		Name:  s.tools.Trim,
		Args:  []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", output},
	}, s.tools.TrimTimeout)
	if err != nil {
		if errors.Is(err, errToolTimeout) {
			return stageErr("extract", "ffmpeg timed out concatenating sections", err)
		}
		return stageErr("extract", "failed to concatenate sections: "+err.Error(), err)
	}
	if out.ExitCode != 0 {
		return stageErr("extract", "failed to concatenate sections", nil)
	}
	return nil
}

// Transcribe runs speech-to-text on audioPath and returns the transcript
// read from the tool's sidecar file. duration is the audio length in
// seconds used to estimate progress; onProgress fires once per 5% step.
func (s *Stages) Transcribe(
	ctx context.Context,
	job *domain.Job,
	jlog *JobLogger,
	audioPath string,
	duration float64,
	onProgress func(TranscribeProgress),
) (string, error) {
	jlog.Info("Loading model: " + job.Model)

	lastBucket := -1
	spec := ports.CommandSpec{
		JobID:       job.ID,
		Name:        s.tools.Transcribe,
		Args:        []string{audioPath, "-m", job.Model},
		Env:         []string{"PYTHONUNBUFFERED=1"},
		MergeStderr: true,
	}
	out, err := s.stream(ctx, jlog, "transcribe", spec, 0, func(line string) {
		m := segmentRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		percent := 0.0
		if duration > 0 {
			percent = math.Min(100, domain.ParseTimestamp(m[2])/duration*100)
		}
		bucket := int(percent / 5)
		if bucket <= lastBucket {
			return
		}
		lastBucket = bucket
		onProgress(TranscribeProgress{Percent: math.Round(percent*10) / 10, Timestamp: m[2]})
	})
	if err != nil {
		if errors.Is(err, domain.ErrShuttingDown) {
			return "", stageErr("transcribe", "server shutting down", err)
		}
		return "", stageErr("transcribe", "transcription failed: "+err.Error(), err)
	}
	if out.ExitCode != 0 {
		jlog.Error("Transcription failed")
		return "", stageErr("transcribe", fmt.Sprintf("transcription failed (exit code %d)", out.ExitCode), nil)
	}

	sidecar := audioPath + ".transcript.txt"
	data, err := os.ReadFile(sidecar)
	if errors.Is(err, os.ErrNotExist) {
		return "", stageErr("transcribe", "transcript file not created", err)
	}
	if err != nil {
		return "", stageErr("transcribe", "failed to read transcript", err)
	}
	s.removeQuietly(sidecar)

	jlog.Info("Transcription complete")
	return string(data), nil
}

// Summarize feeds prompt and transcript to the summarizer on stdin.
func (s *Stages) Summarize(ctx context.Context, job *domain.Job, jlog *JobLogger, transcript, prompt string) (string, error) {
	jlog.Info("Starting summarization")

	out, err := s.collect(ctx, jlog, ports.CommandSpec{
		JobID: job.ID,
		Name:  s.tools.Summarize,
		Args:  s.tools.SummarizeArgs,
		Stdin: prompt + "\n\n---\n\nTranscript:\n\n" + transcript,
	}, s.tools.SummarizeTimeout)
	if err != nil {
		if errors.Is(err, errToolTimeout) {
			return "", stageErr("summarize", fmt.Sprintf("summarization timed out after %s", s.tools.SummarizeTimeout), err)
		}
		return "", stageErr("summarize", "summarization failed: "+err.Error(), err)
	}

	stderr := strings.TrimSpace(out.Stderr)
	if out.ExitCode != 0 {
		jlog.Error("Summarizer failed: " + truncate(stderr, 500))
		return "", stageErr("summarize", "summarization failed: "+stderr, nil)
	}

	result := strings.TrimSpace(out.Stdout)
	if result == "" {
		jlog.Error("Summarizer returned empty output: " + truncate(stderr, 500))
		return "", stageErr("summarize", "summarizer returned empty response - possible API timeout or rate limit", nil)
	}

	jlog.Info("Summarization complete")
	return result, nil
}

type toolOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type toolRun struct {
	proc ports.Process
	stop chan struct{}
}

func (s *Stages) launch(ctx context.Context, jlog *JobLogger, spec ports.CommandSpec) (*toolRun, error) {
	if s.shutdown.IsSet() {
		return nil, domain.ErrShuttingDown
	}
	proc, err := s.launcher.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	s.registry.Register(proc, spec.JobID)
	jlog.Info(fmt.Sprintf("Spawned %s (PID %s)", filepath.Base(spec.Name), proc.ID()))
	return &toolRun{proc: proc, stop: make(chan struct{})}, nil
}

// finish kills a tool that is still running and unregisters it.
func (s *Stages) finish(run *toolRun) {
	close(run.stop)
	_ = run.proc.Stdout().Close()

	select {
	case <-run.proc.Exited():
	default:
		if err := run.proc.Kill(); err != nil {
			s.logger.Warn("failed to kill tool", "pid", run.proc.ID(), "error", err)
		}
		select {
		case <-run.proc.Exited():
		case <-time.After(5 * time.Second):
			s.logger.Warn("tool did not exit after kill", "pid", run.proc.ID())
		}
	}
	s.registry.Unregister(run.proc)
}

// await blocks until done is closed, the context ends, shutdown starts or
// the deadline passes.
func (s *Stages) await(ctx context.Context, done <-chan struct{}, deadline <-chan time.Time) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown.Done():
		return domain.ErrShuttingDown
	case <-deadline:
		return errToolTimeout
	}
}

// collect runs a tool to completion and captures its output.
func (s *Stages) collect(ctx context.Context, jlog *JobLogger, spec ports.CommandSpec, timeout time.Duration) (toolOutput, error) {
	run, err := s.launch(ctx, jlog, spec)
	if err != nil {
		return toolOutput{}, err
	}
	defer s.finish(run)

	deadline, stopTimer := timerFor(timeout)
	defer stopTimer()

	var stdout []byte
	read := make(chan struct{})
	go func() {
		stdout, _ = io.ReadAll(run.proc.Stdout())
		close(read)
	}()

	if err := s.await(ctx, read, deadline); err != nil {
		return toolOutput{}, err
	}
	if err := s.await(ctx, run.proc.Exited(), deadline); err != nil {
		return toolOutput{}, err
	}
	return toolOutput{
		Stdout:   string(stdout),
		Stderr:   run.proc.Stderr(),
		ExitCode: run.proc.ExitCode(),
	}, nil
}

// stream runs a tool and hands every non-empty output line to onLine,
// after copying it to the job log under source. The shutdown flag is
// checked between lines.
func (s *Stages) stream(
	ctx context.Context,
	jlog *JobLogger,
	source string,
	spec ports.CommandSpec,
	timeout time.Duration,
	onLine func(string),
) (toolOutput, error) {
	run, err := s.launch(ctx, jlog, spec)
	if err != nil {
		return toolOutput{}, err
	}
	defer s.finish(run)

	deadline, stopTimer := timerFor(timeout)
	defer stopTimer()

	lines := scanLines(run.proc.Stdout(), run.stop)
	for {
		var (
			line string
			ok   bool
		)
		select {
		case line, ok = <-lines:
		case <-ctx.Done():
			return toolOutput{}, ctx.Err()
		case <-s.shutdown.Done():
			return toolOutput{}, domain.ErrShuttingDown
		case <-deadline:
			return toolOutput{}, errToolTimeout
		}
		if !ok {
			break
		}
		if s.shutdown.IsSet() {
			return toolOutput{}, domain.ErrShuttingDown
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		jlog.SubprocessOutput(source, line)
		onLine(line)
	}

	if err := s.await(ctx, run.proc.Exited(), deadline); err != nil {
		return toolOutput{}, err
	}
	return toolOutput{Stderr: run.proc.Stderr(), ExitCode: run.proc.ExitCode()}, nil
}

func scanLines(r io.Reader, stop <-chan struct{}) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()
	return ch
}

func timerFor(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

func (s *Stages) removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove temp file", "path", path, "error", err)
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
