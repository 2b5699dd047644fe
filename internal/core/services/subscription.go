package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/scribed/internal/core/domain"
)

// syntheticSeq marks events generated for one stream rather than published
// on the job's bus.
const syntheticSeq int64 = -1

// Stream delivers the events of a job to emit until the job's stream ends,
// ctx is cancelled or emit fails. The first event always describes the job.
// A nil replayFrom skips history; otherwise retained events with
// seq >= *replayFrom are sent before live ones.
func (l *JobLifecycle) Stream(ctx context.Context, id domain.JobID, replayFrom *int64, emit func(domain.Event) error) error {
	h, ok := l.handle(id)
	if !ok {
		return domain.ErrJobNotFound
	}

	subID := uuid.New().String()
	from := int64(-1)
	if replayFrom != nil {
		from = *replayFrom
	}
	replay, live, completed := h.bus.SubscribeFrom(subID, from)
	defer h.bus.Unsubscribe(subID)

	l.logger.Debug("stream attached", "job_id", id, "subscriber", subID, "replay", len(replay))

	if err := emit(synthetic(domain.JobPayload{JobID: id, Type: h.job.Kind, State: h.job.State()})); err != nil {
		return err
	}

	sawTerminal := false
	for _, e := range replay {
		if err := emit(e); err != nil {
			return err
		}
		sawTerminal = sawTerminal || isTerminalEvent(e.Kind)
	}

	if completed {
		if !sawTerminal {
			if final, ok := h.bus.FinalResult(); ok {
				return emit(synthetic(final))
			}
		}
		return nil
	}

	idle := time.NewTimer(l.cfg.KeepAlive)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-live:
			if !ok {
				return nil
			}
			if err := emit(e); err != nil {
				return err
			}
			resetTimer(idle, l.cfg.KeepAlive)
		case <-idle.C:
			if err := emit(synthetic(domain.PingPayload{State: h.job.State(), Progress: h.job.Progress()})); err != nil {
				return err
			}
			idle.Reset(l.cfg.KeepAlive)
		}
	}
}

func synthetic(p domain.Payload) domain.Event {
	e := domain.NewEvent(p)
	e.Seq = syntheticSeq
	return e
}

func isTerminalEvent(k domain.EventKind) bool {
	switch k {
	case domain.EventComplete, domain.EventError, domain.EventInterrupted, domain.EventKilled:
		return true
	}
	return false
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
