// Package fanout delivers append envelopes to subscribed sessions.
// Small subscriber sets are served inline before the original request
// returns; large ones go through a durable NATS JetStream queue whose
// consumer replays each delivery as a session-stream append.
package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/durable-streams/stream-engine/store"
)

const (
	// StreamName is the JetStream stream buffering deferred deliveries.
	StreamName = "STREAM_FANOUT"
	// Subject carries one delivery per message.
	Subject = "stream.fanout.deliver"
	// DurableName identifies the replay consumer.
	DurableName = "stream-fanout-worker"

	// enqueueBatchSize bounds one async publish burst.
	enqueueBatchSize = 100
)

// Envelope is the JSON object written into a subscriber's session
// stream. Payload is the parsed JSON value for JSON streams; opaque
// bodies (and JSON that fails to parse) fall back to base64 with the
// encoding marker set.
type Envelope struct {
	Stream   string          `json:"stream"`
	Offset   string          `json:"offset"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Encoding string          `json:"encoding,omitempty"`
}

// Delivery is the queue message: one envelope bound for one session.
// The id ties a delivery's retries together in logs.
type Delivery struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Envelope  json.RawMessage `json:"envelope"`
}

// Manager observes append events and routes envelopes to subscribers.
type Manager struct {
	engine  *store.Engine
	js      nats.JetStreamContext // nil means inline-only
	cfg     store.Config
	logger  *zap.Logger
	metrics *store.Metrics
}

// NewManager wires fan-out. js may be nil, in which case every
// delivery is inline regardless of the threshold.
func NewManager(engine *store.Engine, js nats.JetStreamContext, cfg store.Config, logger *zap.Logger, metrics *store.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{engine: engine, js: js, cfg: cfg, logger: logger, metrics: metrics}
}

// StreamAppended implements store.Observer. It runs inside the source
// stream's critical section, so envelopes for consecutive appends reach
// the queue (or the sessions) in append order.
func (m *Manager) StreamAppended(ev store.AppendEvent) {
	if store.IsSessionStream(ev.StreamID) {
		// Session streams are sinks, never fan-out sources.
		return
	}
	if ev.SubscriberCount == 0 || len(ev.Messages) == 0 {
		return
	}

	sessions, err := m.engine.Subscribers(ev.StreamID)
	if err != nil {
		m.logger.Error("subscriber listing failed",
			zap.String("stream", ev.StreamID), zap.Error(err))
		return
	}
	if len(sessions) == 0 {
		return
	}

	env, err := BuildEnvelope(ev)
	if err != nil {
		m.logger.Error("envelope build failed",
			zap.String("stream", ev.StreamID), zap.Error(err))
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("envelope marshal failed", zap.Error(err))
		return
	}

	if m.js == nil || len(sessions) <= m.cfg.FanoutSubscriberThreshold {
		m.deliverInline(sessions, raw)
		return
	}
	m.enqueue(sessions, raw)
}

// StreamDeleted implements store.Observer; fan-out has nothing to tear
// down per stream.
func (m *Manager) StreamDeleted(string, store.Offset) {}

// BuildEnvelope shapes the fan-out envelope for one append event.
func BuildEnvelope(ev store.AppendEvent) (*Envelope, error) {
	env := &Envelope{
		Stream: ev.StreamID,
		Offset: ev.HeadOffset.String(),
		Type:   "data",
	}
	if ev.IsJSON {
		// Messages are validated JSON values; a single message rides
		// bare, several ride as an array.
		var payload []byte
		if len(ev.Messages) == 1 {
			payload = ev.Messages[0]
		} else {
			payload = store.JoinJSONMessages(ev.Messages)
		}
		if json.Valid(payload) {
			env.Payload = payload
			return env, nil
		}
		// Parse failure on a JSON-typed stream: base64 fallback.
	}
	enc := base64.StdEncoding.EncodeToString(ev.Payload)
	quoted, err := json.Marshal(enc)
	if err != nil {
		return nil, err
	}
	env.Payload = quoted
	env.Encoding = "base64"
	return env, nil
}

// deliverInline appends the envelope to each session stream, in
// subscriber-iteration order, before the source append returns.
func (m *Manager) deliverInline(sessions []string, envelope []byte) {
	ctx := context.Background()
	for _, sid := range sessions {
		if _, err := m.engine.FanInAppend(ctx, sid, envelope); err != nil {
			// Gone sessions are dropped; anything else is logged and
			// dropped too — inline fan-out is at-least-once only through
			// producer retries upstream.
			m.logger.Warn("inline fan-out delivery failed",
				zap.String("session", sid), zap.Error(err))
			continue
		}
		m.metrics.FanoutInline.Inc()
	}
}

// enqueue hands {session, envelope} tuples to JetStream in batches.
func (m *Manager) enqueue(sessions []string, envelope []byte) {
	for start := 0; start < len(sessions); start += enqueueBatchSize {
		end := start + enqueueBatchSize
		if end > len(sessions) {
			end = len(sessions)
		}
		futures := make([]nats.PubAckFuture, 0, end-start)
		for _, sid := range sessions[start:end] {
			data, err := json.Marshal(Delivery{ID: uuid.NewString(), SessionID: sid, Envelope: envelope})
			if err != nil {
				m.logger.Error("delivery marshal failed", zap.Error(err))
				continue
			}
			fut, err := m.js.PublishAsync(Subject, data)
			if err != nil {
				m.logger.Error("fan-out enqueue failed",
					zap.String("session", sid), zap.Error(err))
				continue
			}
			futures = append(futures, fut)
		}
		for _, fut := range futures {
			select {
			case <-fut.Ok():
				m.metrics.FanoutQueued.Inc()
			case err := <-fut.Err():
				m.logger.Error("fan-out publish failed", zap.Error(err))
			}
		}
	}
}

// EnsureStream creates the JetStream stream if it does not exist.
func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	return err
}
