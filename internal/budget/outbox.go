package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Outbox buffers usage entries whose synchronous recording failed. The
// request has already been answered by then, so recording is retried here
// until it lands or exhausts its retries.
type Outbox struct {
	client     *redis.Client
	tracker    *Tracker
	logger     *zap.Logger
	queueName  string
	batchSize  int
	maxRetries int
	interval   time.Duration
}

type OutboxConfig struct {
	Client     *redis.Client
	Tracker    *Tracker
	Logger     *zap.Logger
	QueueName  string
	BatchSize  int
	MaxRetries int
	Interval   time.Duration
}

type outboxEnvelope struct {
	ID      string      `json:"id"`
	Entry   *UsageEntry `json:"entry"`
	Retries int         `json:"retries"`
}

func NewOutbox(cfg *OutboxConfig) *Outbox {
	if cfg.QueueName == "" {
		cfg.QueueName = "relaycore:usage_outbox"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Outbox{
		client:     cfg.Client,
		tracker:    cfg.Tracker,
		logger:     cfg.Logger,
		queueName:  cfg.QueueName,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		interval:   cfg.Interval,
	}
}

// Enqueue pushes an entry for asynchronous recording.
func (o *Outbox) Enqueue(ctx context.Context, entry *UsageEntry) error {
	env := outboxEnvelope{ID: uuid.New().String(), Entry: entry}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox entry: %w", err)
	}
	if err := o.client.LPush(ctx, o.queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	o.logger.Debug("usage entry queued for async recording",
		zap.String("outbox_id", env.ID),
		zap.String("request_id", entry.RequestID))
	return nil
}

// Run drains the queue until the context is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.drain(ctx)
		}
	}
}

// Drain processes at most one batch. Exposed for shutdown flushing and tests.
func (o *Outbox) Drain(ctx context.Context) {
	o.drain(ctx)
}

func (o *Outbox) drain(ctx context.Context) {
	for i := 0; i < o.batchSize; i++ {
		data, err := o.client.RPop(ctx, o.queueName).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			o.logger.Error("outbox dequeue failed", zap.Error(err))
			return
		}

		var env outboxEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			o.logger.Error("malformed outbox entry dropped", zap.Error(err))
			continue
		}

		if _, err := o.tracker.RecordUsage(ctx, env.Entry); err != nil {
			o.requeue(ctx, &env, err)
		}
	}
}

func (o *Outbox) requeue(ctx context.Context, env *outboxEnvelope, cause error) {
	env.Retries++
	data, err := json.Marshal(env)
	if err != nil {
		o.logger.Error("failed to re-marshal outbox entry", zap.Error(err))
		return
	}

	if env.Retries >= o.maxRetries {
		if err := o.client.LPush(ctx, o.queueName+":dead", data).Err(); err != nil {
			o.logger.Error("failed to dead-letter outbox entry", zap.Error(err))
		}
		o.logger.Error("usage entry dead-lettered",
			zap.String("outbox_id", env.ID),
			zap.String("request_id", env.Entry.RequestID),
			zap.Error(cause))
		return
	}

	if err := o.client.LPush(ctx, o.queueName, data).Err(); err != nil {
		o.logger.Error("failed to requeue outbox entry", zap.Error(err))
		return
	}
	o.logger.Warn("usage recording failed, will retry",
		zap.String("outbox_id", env.ID),
		zap.Int("retries", env.Retries),
		zap.Error(cause))
}
