package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	videoA = "dQw4w9WgXcQ"
	videoB = "aaaaaaaaaaa"
)

func watchURL(id string) string { return "https://www.youtube.com/watch?v=" + id }

// published drops the synthetic events a stream adds around the bus history.
func published(rec *recorder) []domain.Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []domain.Event
	for _, e := range rec.events {
		if e.Seq >= 0 {
			out = append(out, e)
		}
	}
	return out
}

func kindsOf(events []domain.Event) []domain.EventKind {
	out := make([]domain.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func indexOf(kinds []domain.EventKind, k domain.EventKind) int {
	for i, kk := range kinds {
		if kk == k {
			return i
		}
	}
	return -1
}

func TestLifecycle_TranscribeUsesCache(t *testing.T) {
	h := newHarness(t)
	h.artifacts.cached[videoA] = "cached text"

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	assert.Equal(t, domain.DefaultModel, view.Model)

	rec := h.streamAll(view.ID)
	events := published(rec)
	assert.Equal(t, []domain.EventKind{domain.EventCached, domain.EventComplete}, kindsOf(events))

	final := events[1].Data.(domain.CompletePayload)
	assert.True(t, final.Cached)
	assert.Equal(t, "cached text", final.Transcript)

	status, err := h.lifecycle.Status(context.Background(), view.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateComplete, status.State)
	assert.Equal(t, 100.0, status.Progress)
	assert.Equal(t, "cached text", status.Result)
	assert.Empty(t, h.launcher.processes(), "cache hit must not run any tool")
}

func TestLifecycle_SectionsBypassCache(t *testing.T) {
	h := newHarness(t)
	h.artifacts.cached[videoA] = "full cached text"
	happyTools(h.launcher, "section text")

	view := h.submit(domain.JobParams{
		Kind:     domain.JobKindTranscribe,
		URL:      watchURL(videoA),
		Sections: []string{"10:00-12:00"},
	})
	events := published(h.streamAll(view.ID))
	kinds := kindsOf(events)

	assert.Equal(t, domain.EventStarted, kinds[0])
	assert.NotContains(t, kinds, domain.EventCached)
	assert.Equal(t, domain.EventComplete, kinds[len(kinds)-1])

	final := events[len(events)-1].Data.(domain.CompletePayload)
	assert.Equal(t, "section text", final.Transcript)
	assert.Equal(t, []string{"10:00-12:00"}, final.Sections)
	assert.Empty(t, final.SavedTo)
	assert.Empty(t, h.artifacts.savedKinds(), "partial transcripts are not saved")
	assert.Equal(t, 1, h.launcher.startedCount("ffmpeg"))
}

func TestLifecycle_TranscribeFullFlow(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "fresh transcript")

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA), Model: "tiny"})
	rec := h.streamAll(view.ID)
	kinds := kindsOf(published(rec))

	started := indexOf(kinds, domain.EventStarted)
	downloading := indexOf(kinds, domain.EventDownloading)
	extracting := indexOf(kinds, domain.EventExtracting)
	transcribing := indexOf(kinds, domain.EventTranscribing)
	complete := indexOf(kinds, domain.EventComplete)
	require.True(t, started >= 0 && downloading > started && extracting > downloading &&
		transcribing > extracting && complete > transcribing, "unexpected order %v", kinds)
	assert.Equal(t, domain.EventJob, rec.kinds()[0])

	status, err := h.lifecycle.Status(context.Background(), view.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateComplete, status.State)
	assert.Equal(t, "Demo Talk", status.Title)
	assert.Equal(t, videoA, status.VideoID)
	assert.Equal(t, "fresh transcript", status.Result)
	assert.NotEmpty(t, status.SavedTo)
	assert.Equal(t, []ports.ArtifactKind{ports.ArtifactTranscript}, h.artifacts.savedKinds())

	snap, ok := h.store.get(view.ID)
	require.True(t, ok)
	assert.Equal(t, domain.JobStateComplete, snap.State)

	logs := h.logText(view.ID)
	assert.True(t, containsAll(logs, "=== Job "+string(view.ID)+" (transcribe) ===", "Loading model: tiny", "Job complete"))
}

func TestLifecycle_ProgressNeverDecreases(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "x")

	view := h.submit(domain.JobParams{Kind: domain.JobKindSummarize, URL: watchURL(videoA)})
	rec := &recorder{}
	from := int64(0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	last := -1.0
	err := h.lifecycle.Stream(ctx, view.ID, &from, func(e domain.Event) error {
		v, err := h.lifecycle.Status(ctx, view.ID, false)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v.Progress, last)
		last = v.Progress
		return rec.emit(e)
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, last)
}

func TestLifecycle_SummarizeFullFlow(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "fresh transcript")

	view := h.submit(domain.JobParams{
		Kind:    domain.JobKindSummarize,
		URL:     watchURL(videoA),
		Prompt:  "Summarize briefly.",
		Context: "Audience: engineers",
	})
	events := published(h.streamAll(view.ID))
	kinds := kindsOf(events)

	assert.Greater(t, indexOf(kinds, domain.EventSummarizing), indexOf(kinds, domain.EventTranscribing))
	final := events[len(events)-1].Data.(domain.CompletePayload)
	assert.Equal(t, "## Overview\nA summary.", final.Summary)
	assert.Equal(t, "fresh transcript", final.Transcript)
	assert.False(t, final.Cached)

	assert.Equal(t, []ports.ArtifactKind{ports.ArtifactTranscript, ports.ArtifactSummary}, h.artifacts.savedKinds())

	h.launcher.mu.Lock()
	var stdin string
	for _, spec := range h.launcher.started {
		if spec.Name == "claude" {
			stdin = spec.Stdin
		}
	}
	h.launcher.mu.Unlock()
	assert.True(t, strings.HasPrefix(stdin, "Summarize briefly.\n\n## Additional Context\nAudience: engineers"))
	assert.True(t, strings.HasSuffix(stdin, "Transcript:\n\nfresh transcript"))
}

func TestLifecycle_SummarizeFromCache(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "")
	h.artifacts.cached[videoA] = "cached text"

	view := h.submit(domain.JobParams{Kind: domain.JobKindSummarize, URL: watchURL(videoA)})
	events := published(h.streamAll(view.ID))

	assert.Equal(t, []domain.EventKind{domain.EventCached, domain.EventSummarizing, domain.EventComplete}, kindsOf(events))
	final := events[2].Data.(domain.CompletePayload)
	assert.True(t, final.Cached)
	assert.Equal(t, "cached text", final.Transcript)

	// Only the metadata lookup and the summarizer ran.
	assert.Equal(t, 1, h.launcher.startedCount("yt-dlp"))
	assert.Equal(t, 0, h.launcher.startedCount("transcribe"))
	assert.Equal(t, []ports.ArtifactKind{ports.ArtifactSummary}, h.artifacts.savedKinds())
}

func TestLifecycle_DownloadFailureEndsInError(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "")
	h.launcher.on("yt-dlp", func(spec ports.CommandSpec) fakeScript {
		if isMetadataCall(spec) {
			return fakeScript{lines: []string{`{"title":"T","duration":10}`}}
		}
		return fakeScript{
			lines:    []string{"[download]  25.0% of 5.00MiB at 1.00MiB/s ETA 00:04", "ERROR: connection reset"},
			exitCode: 1,
		}
	})

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	events := published(h.streamAll(view.ID))
	kinds := kindsOf(events)

	progress := events[indexOf(kinds, domain.EventDownloading)].Data.(domain.DownloadingPayload)
	assert.Equal(t, 25.0, progress.Percent)

	last := events[len(events)-1]
	require.Equal(t, domain.EventError, last.Kind)
	assert.Equal(t, "download failed (exit code 1)", last.Data.(domain.ErrorPayload).Message)

	status, err := h.lifecycle.Status(context.Background(), view.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateError, status.State)
	assert.Contains(t, status.Error, "download failed (exit code 1)")
	assert.Empty(t, status.InterruptReason)
}

func TestLifecycle_InvalidURLFailsWithoutTools(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "")

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: "https://example.com/video"})
	events := published(h.streamAll(view.ID))

	require.Len(t, events, 1)
	assert.Equal(t, domain.EventError, events[0].Kind)
	assert.Equal(t, "invalid YouTube URL", events[0].Data.(domain.ErrorPayload).Message)
	assert.Empty(t, h.launcher.processes())
}

func TestLifecycle_SubmitRejectsBadSection(t *testing.T) {
	h := newHarness(t)
	_, err := h.lifecycle.Submit(context.Background(), domain.JobParams{
		Kind:     domain.JobKindTranscribe,
		URL:      watchURL(videoA),
		Sections: []string{"5:00-1:00"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSection)
}

func TestLifecycle_ShutdownInterruptsRunningJob(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "")
	h.launcher.on("transcribe", func(spec ports.CommandSpec) fakeScript {
		return fakeScript{hang: true}
	})

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	h.waitState(view.ID, domain.JobStateTranscribing)
	require.Eventually(t, func() bool {
		return h.launcher.startedCount("transcribe") == 1 && h.registry.Count(view.ID) == 1
	}, 2*time.Second, 5*time.Millisecond)

	handle, ok := h.lifecycle.handle(view.ID)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.lifecycle.Shutdown(ctx))

	assert.Equal(t, domain.JobStateInterrupted, handle.job.State())
	assert.True(t, handle.bus.IsComplete())

	history := handle.bus.HistorySince(0)
	assert.Equal(t, 1, countKind(history, domain.EventInterrupted))
	assert.Equal(t, domain.EventInterrupted, history[len(history)-1].Kind)

	snap, ok := h.store.get(view.ID)
	require.True(t, ok, "shutdown-interrupted jobs keep their snapshot")
	assert.Equal(t, domain.InterruptShutdown, snap.InterruptReason)
	assert.Empty(t, snap.Error)
	assert.True(t, snap.Recoverable())

	for _, p := range h.launcher.processes() {
		assert.NotEqual(t, -1, p.ExitCode(), "no tool may outlive shutdown")
	}
	assert.Equal(t, 0, h.registry.Count(""))

	_, err := h.lifecycle.Submit(context.Background(), domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
}

func countKind(events []domain.Event, k domain.EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func TestLifecycle_SecondJobQueuesBehindFirst(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "text")

	release := make(chan struct{})
	happyDownload := h.launcher.scripts["yt-dlp"]
	h.launcher.on("yt-dlp", func(spec ports.CommandSpec) fakeScript {
		s := happyDownload(spec)
		if !isMetadataCall(spec) && strings.Contains(strings.Join(spec.Args, " "), videoA) {
			inner := s.before
			s.before = func(spec ports.CommandSpec) {
				<-release
				inner(spec)
			}
		}
		return s
	})

	first := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	h.waitState(first.ID, domain.JobStateDownloading)

	second := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoB)})
	h.waitState(second.ID, domain.JobStateQueued)

	secondHandle, ok := h.lifecycle.handle(second.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(secondHandle.bus.HistorySince(0)) == 1 }, 2*time.Second, 5*time.Millisecond)
	early := secondHandle.bus.HistorySince(0)
	assert.Equal(t, domain.EventQueued, early[0].Kind)

	close(release)
	h.streamAll(first.ID)
	events := published(h.streamAll(second.ID))

	firstStatus, err := h.lifecycle.Status(context.Background(), first.ID, false)
	require.NoError(t, err)
	require.NotNil(t, firstStatus.CompletedAt)

	assert.Equal(t, domain.EventQueued, events[0].Kind)
	dl := events[indexOf(kindsOf(events), domain.EventDownloading)]
	assert.False(t, dl.At.Before(*firstStatus.CompletedAt), "second job downloaded before the first finished")
	assert.Equal(t, domain.EventComplete, events[len(events)-1].Kind)
}

func TestLifecycle_KillStopsProcessesAndMarksKilled(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "")
	h.launcher.on("yt-dlp", func(spec ports.CommandSpec) fakeScript {
		if isMetadataCall(spec) {
			return fakeScript{lines: []string{`{"title":"T","duration":10}`}}
		}
		return fakeScript{lines: []string{"[download]   5.0% of 5.00MiB at 1.00MiB/s ETA 00:10"}, hang: true}
	})

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	h.waitState(view.ID, domain.JobStateDownloading)
	require.Eventually(t, func() bool { return h.registry.Count(view.ID) == 1 }, 2*time.Second, 5*time.Millisecond)

	res, err := h.lifecycle.Kill(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, "killed", res.Status)
	assert.Equal(t, domain.JobStateInterrupted, res.State)

	events := published(h.streamAll(view.ID))
	last := events[len(events)-1]
	assert.Equal(t, domain.EventKilled, last.Kind)
	assert.Equal(t, 1, countKind(events, domain.EventKilled))
	assert.Zero(t, countKind(events, domain.EventInterrupted))

	status, err := h.lifecycle.Status(context.Background(), view.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptKilled, status.InterruptReason)
	assert.Empty(t, status.Error)

	procs := h.launcher.processes()
	require.NotEmpty(t, procs)
	assert.True(t, procs[len(procs)-1].terminated.Load())

	again, err := h.lifecycle.Kill(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, "already_finished", again.Status)

	_, err = h.lifecycle.Kill(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestLifecycle_KillEscalatesWhenTerminateIgnored(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "")
	h.launcher.on("yt-dlp", func(spec ports.CommandSpec) fakeScript {
		if isMetadataCall(spec) {
			return fakeScript{lines: []string{`{"title":"T","duration":10}`}}
		}
		return fakeScript{hang: true, ignoreTerm: true}
	})

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	h.waitState(view.ID, domain.JobStateDownloading)
	require.Eventually(t, func() bool { return h.registry.Count(view.ID) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := h.lifecycle.Kill(context.Background(), view.ID)
	require.NoError(t, err)

	procs := h.launcher.processes()
	p := procs[len(procs)-1]
	assert.True(t, p.terminated.Load())
	assert.True(t, p.killed.Load())
}

func TestLifecycle_KillAll(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "")
	h.launcher.on("yt-dlp", func(spec ports.CommandSpec) fakeScript {
		if isMetadataCall(spec) {
			return fakeScript{lines: []string{`{"title":"T","duration":10}`}}
		}
		return fakeScript{hang: true}
	})

	first := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	h.waitState(first.ID, domain.JobStateDownloading)
	second := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoB)})
	h.waitState(second.ID, domain.JobStateQueued)

	killed := h.lifecycle.KillAll(context.Background())
	assert.ElementsMatch(t, []domain.JobID{first.ID, second.ID}, killed)

	h.waitState(first.ID, domain.JobStateInterrupted)
	h.waitState(second.ID, domain.JobStateInterrupted)
	assert.Empty(t, h.lifecycle.Active())
	assert.Equal(t, 0, h.launcher.startedCount("transcribe"))
}

func TestLifecycle_RecoverRestartsUnfinishedJobs(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "recovered")
	ctx := context.Background()

	started := time.Now().Add(-time.Hour)
	seed := []domain.Snapshot{
		{ID: "a-downloading", Kind: domain.JobKindTranscribe, URL: watchURL(videoA), State: domain.JobStateDownloading, Progress: 12, Model: "small", StartedAt: started},
		{ID: "b-shutdown", Kind: domain.JobKindTranscribe, URL: watchURL(videoB), State: domain.JobStateInterrupted, InterruptReason: domain.InterruptShutdown, Model: "small", StartedAt: started.Add(time.Second)},
		{ID: "c-killed", Kind: domain.JobKindTranscribe, URL: watchURL(videoA), State: domain.JobStateInterrupted, InterruptReason: domain.InterruptKilled, StartedAt: started},
		{ID: "d-complete", Kind: domain.JobKindTranscribe, URL: watchURL(videoA), State: domain.JobStateComplete, StartedAt: started},
	}
	for _, s := range seed {
		require.NoError(t, h.store.Save(ctx, s))
	}

	n, err := h.lifecycle.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := h.store.get("c-killed")
	assert.False(t, ok, "killed jobs are not recovered")
	_, ok = h.store.get("d-complete")
	assert.False(t, ok)

	h.waitState("a-downloading", domain.JobStateComplete)
	h.waitState("b-shutdown", domain.JobStateComplete)

	status, err := h.lifecycle.Status(ctx, "b-shutdown", true)
	require.NoError(t, err)
	assert.Equal(t, "recovered", status.Result)
	assert.Empty(t, status.InterruptReason)
	assert.Contains(t, h.logText("a-downloading"), "recovered from persistence")

	again, err := h.lifecycle.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, again, "jobs already live are not recovered twice")
}

func TestLifecycle_CleanupEvictsFinishedJobs(t *testing.T) {
	h := newHarness(t, func(cfg *LifecycleConfig, _ *ToolConfig) {
		cfg.CleanupGrace = 50 * time.Millisecond
	})
	h.artifacts.cached[videoA] = "cached"

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	h.waitState(view.ID, domain.JobStateComplete)

	require.Eventually(t, func() bool {
		_, ok := h.lifecycle.handle(view.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, err := h.lifecycle.Status(context.Background(), view.ID, false)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, ok := h.store.get(view.ID)
	assert.False(t, ok)

	lines, err := h.lifecycle.Logs(view.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(lines, "\n"), "Job cleaned up from registry")
}

func TestLifecycle_CleanupWaitsForSubscribers(t *testing.T) {
	h := newHarness(t, func(cfg *LifecycleConfig, _ *ToolConfig) {
		cfg.SubscriberWait = time.Hour
		cfg.CleanupGrace = 10 * time.Millisecond
	})
	h.artifacts.cached[videoA] = "cached"

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	handle, ok := h.lifecycle.handle(view.ID)
	require.True(t, ok)
	handle.bus.Subscribe("lingering")
	h.waitState(view.ID, domain.JobStateComplete)

	time.Sleep(100 * time.Millisecond)
	_, ok = h.lifecycle.handle(view.ID)
	assert.True(t, ok, "job evicted while a subscriber was attached")

	handle.bus.Unsubscribe("lingering")
	require.Eventually(t, func() bool {
		_, ok := h.lifecycle.handle(view.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLifecycle_StreamSendsKeepAlive(t *testing.T) {
	h := newHarness(t, func(cfg *LifecycleConfig, _ *ToolConfig) {
		cfg.KeepAlive = 20 * time.Millisecond
	})
	happyTools(h.launcher, "")
	h.launcher.on("yt-dlp", func(spec ports.CommandSpec) fakeScript {
		return fakeScript{hang: true}
	})

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &recorder{}
	err := h.lifecycle.Stream(ctx, view.ID, nil, func(e domain.Event) error {
		_ = rec.emit(e)
		if e.Kind == domain.EventPing {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	kinds := rec.kinds()
	assert.Equal(t, domain.EventJob, kinds[0])
	ping := rec.last()
	assert.Equal(t, domain.EventPing, ping.Kind)
	assert.Equal(t, int64(-1), ping.Seq)
}

func TestLifecycle_StreamAfterCompletionSendsFinalResult(t *testing.T) {
	h := newHarness(t, func(cfg *LifecycleConfig, _ *ToolConfig) {
		cfg.HistorySize = 1
	})
	happyTools(h.launcher, "text")

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	h.waitState(view.ID, domain.JobStateComplete)

	// With a one-event history the complete event is still retained.
	rec := h.streamAll(view.ID)
	assert.Equal(t, []domain.EventKind{domain.EventJob, domain.EventComplete}, rec.kinds())
	assert.Equal(t, 1, rec.count(domain.EventComplete))

	// Without replay the final result is synthesized once.
	rec = &recorder{}
	require.NoError(t, h.lifecycle.Stream(context.Background(), view.ID, nil, rec.emit))
	assert.Equal(t, []domain.EventKind{domain.EventJob, domain.EventComplete}, rec.kinds())
	assert.Equal(t, int64(-1), rec.last().Seq)
}

func TestLifecycle_StreamUnknownJob(t *testing.T) {
	h := newHarness(t)
	err := h.lifecycle.Stream(context.Background(), "missing", nil, func(domain.Event) error { return nil })
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestLifecycle_StreamStopsOnEmitError(t *testing.T) {
	h := newHarness(t)
	h.artifacts.cached[videoA] = "cached"
	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})

	boom := errors.New("client went away")
	err := h.lifecycle.Stream(context.Background(), view.ID, nil, func(domain.Event) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestLifecycle_MirrorsEventsToSink(t *testing.T) {
	h := newHarness(t)
	sink := new(mockSink)
	sink.On("Publish", mock.Anything, mock.Anything).Return()
	h.lifecycle.sink = sink
	h.artifacts.cached[videoA] = "cached"

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	h.streamAll(view.ID)

	sink.AssertCalled(t, "Publish", view.ID, mock.MatchedBy(func(e domain.Event) bool { return e.Kind == domain.EventCached }))
	sink.AssertCalled(t, "Publish", view.ID, mock.MatchedBy(func(e domain.Event) bool { return e.Kind == domain.EventComplete }))
}

func TestLifecycle_HealthAndLogs(t *testing.T) {
	h := newHarness(t)
	happyTools(h.launcher, "")
	h.launcher.on("yt-dlp", func(spec ports.CommandSpec) fakeScript {
		return fakeScript{hang: true}
	})

	view := h.submit(domain.JobParams{Kind: domain.JobKindTranscribe, URL: watchURL(videoA)})
	require.Eventually(t, func() bool { return h.registry.Count(view.ID) == 1 }, 2*time.Second, 5*time.Millisecond)

	report := h.lifecycle.Health(true, 5)
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, 1, report.ActiveJobs)
	assert.True(t, report.SlotBusy)
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, view.ID, report.Jobs[0].ID)
	assert.NotEmpty(t, report.Logs[string(view.ID)])
	assert.LessOrEqual(t, len(report.Logs[string(view.ID)]), 5)

	lines, err := h.lifecycle.Logs(view.ID, 2)
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	_, err = h.lifecycle.Logs("missing", 10)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
