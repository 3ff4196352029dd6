package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/durable-streams/stream-engine/store"
)

// Consumer replays queued deliveries by appending each envelope to its
// session stream. Failed deliveries retry with capped exponential
// backoff; gone sessions are acked away.
type Consumer struct {
	engine  *store.Engine
	js      nats.JetStreamContext
	cfg     store.Config
	logger  *zap.Logger
	metrics *store.Metrics

	sub *nats.Subscription
}

// NewConsumer builds the replay worker.
func NewConsumer(engine *store.Engine, js nats.JetStreamContext, cfg store.Config, logger *zap.Logger, metrics *store.Metrics) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{engine: engine, js: js, cfg: cfg, logger: logger, metrics: metrics}
}

// Start subscribes the durable consumer. Deliveries are acked manually:
// success, session-gone, and retry-exhaustion all ack; everything else
// naks with a delay.
func (c *Consumer) Start() error {
	sub, err := c.js.Subscribe(Subject, c.handle,
		nats.Durable(DurableName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(c.cfg.FanoutRetryMaxAttempts),
		nats.AckWait(2*time.Duration(c.cfg.FanoutRetryCapSeconds)*time.Second),
	)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop drains the subscription.
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn("fan-out consumer drain failed", zap.Error(err))
		}
	}
}

func (c *Consumer) handle(msg *nats.Msg) {
	var d Delivery
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		c.logger.Error("malformed fan-out delivery", zap.Error(err))
		_ = msg.Ack()
		return
	}

	_, err := c.engine.FanInAppend(context.Background(), d.SessionID, d.Envelope)
	if err == nil {
		_ = msg.Ack()
		return
	}

	// 404/410 equivalents: the session is gone, the delivery is moot.
	if errors.Is(err, store.ErrSessionNotFound) ||
		errors.Is(err, store.ErrSessionExpired) ||
		errors.Is(err, store.ErrStreamNotFound) {
		_ = msg.Ack()
		return
	}

	meta, metaErr := msg.Metadata()
	attempts := 1
	if metaErr == nil {
		attempts = int(meta.NumDelivered)
	}
	if attempts >= c.cfg.FanoutRetryMaxAttempts {
		c.metrics.FanoutDropped.Inc()
		c.logger.Error("fan-out delivery dropped after max attempts",
			zap.String("delivery", d.ID),
			zap.String("session", d.SessionID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		_ = msg.Ack()
		return
	}

	c.metrics.FanoutRetries.Inc()
	delay := RetryDelay(c.cfg, attempts)
	c.logger.Warn("fan-out delivery failed, retrying",
		zap.String("delivery", d.ID),
		zap.String("session", d.SessionID),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
	_ = msg.NakWithDelay(delay)
}

// RetryDelay computes base·2^(attempts-1) seconds, capped.
func RetryDelay(cfg store.Config, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	secs := float64(cfg.FanoutRetryBaseSeconds) * math.Pow(2, float64(attempts-1))
	if limit := float64(cfg.FanoutRetryCapSeconds); secs > limit {
		secs = limit
	}
	return time.Duration(secs * float64(time.Second))
}
