package redis

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/ports"
)

const DefaultChannelPrefix = "progress:"

// Publisher is the part of the redis client the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

func Connect(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type envelope struct {
	JobID domain.JobID `json:"job_id"`
	domain.Event
}

// Mirror republishes job events on redis pub/sub channels named
// <prefix><job-id>. Publishing never blocks the job: events that do not
// fit in the buffer are dropped.
type Mirror struct {
	logger *slog.Logger
	pub    Publisher
	prefix string
	queue  chan envelope
}

var _ ports.EventSink = (*Mirror)(nil)

func NewMirror(logger *slog.Logger, pub Publisher, prefix string, buffer int) *Mirror {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Mirror{
		logger: logger,
		pub:    pub,
		prefix: prefix,
		queue:  make(chan envelope, buffer),
	}
}

func (m *Mirror) Publish(jobID domain.JobID, e domain.Event) {
	select {
	case m.queue <- envelope{JobID: jobID, Event: e}:
	default:
		m.logger.Warn("redis mirror full, dropping event", "job_id", jobID, "seq", e.Seq)
	}
}

// Run forwards queued events until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-m.queue:
			m.forward(ctx, env)
		}
	}
}

func (m *Mirror) forward(ctx context.Context, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		m.logger.Warn("failed to encode event for redis", "job_id", env.JobID, "error", err)
		return
	}
	if err := m.pub.Publish(ctx, m.prefix+string(env.JobID), payload).Err(); err != nil {
		m.logger.Warn("failed to publish event to redis", "job_id", env.JobID, "seq", env.Seq, "error", err)
	}
}
