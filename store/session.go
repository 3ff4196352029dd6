package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EnsureSession verifies or creates the session-meta row and the
// session's own stream. Idempotent; touching an expired session
// cascades its removal and reports ErrSessionExpired.
func (e *Engine) EnsureSession(ctx context.Context, sessionID string) (*SessionMeta, error) {
	streamID := SessionStreamID(sessionID)
	mu := e.lockFor(streamID)
	mu.Lock()

	now := time.Now()
	sess, err := e.storage.GetSession(sessionID)
	switch {
	case err == nil:
		if !sess.ExpiresAt.After(now) {
			detach := e.expireSessionLocked(ctx, sess)
			mu.Unlock()
			e.detachEdges(sessionID, detach)
			return nil, ErrSessionExpired
		}
		sess.LastActive = now
		sess.ExpiresAt = now.Add(e.cfg.SessionTTL())
		if err := e.storage.PutSession(sess); err != nil {
			mu.Unlock()
			return nil, err
		}
	case err == ErrSessionNotFound:
		sess = &SessionMeta{
			SessionID:  sessionID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(e.cfg.SessionTTL()),
			LastActive: now,
		}
		if err := e.storage.PutSession(sess); err != nil {
			mu.Unlock()
			return nil, err
		}
	default:
		mu.Unlock()
		return nil, err
	}

	// The session stream carries JSON fan-out envelopes.
	if _, err := e.storage.GetStream(streamID); err == ErrStreamNotFound {
		meta := &StreamMeta{
			StreamID:    streamID,
			ContentType: "application/json",
			CreatedAt:   now,
		}
		if err := e.storage.InsertStream(meta); err != nil && err != ErrStreamExists {
			mu.Unlock()
			return nil, err
		}
	} else if err != nil {
		mu.Unlock()
		return nil, err
	}
	mu.Unlock()
	return sess, nil
}

// TouchSession validates session liveness on access, extending the TTL.
// An expired session is cascade-removed and reported as such.
func (e *Engine) TouchSession(ctx context.Context, sessionID string) (*SessionMeta, error) {
	streamID := SessionStreamID(sessionID)
	mu := e.lockFor(streamID)
	mu.Lock()

	sess, err := e.storage.GetSession(sessionID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	now := time.Now()
	if !sess.ExpiresAt.After(now) {
		detach := e.expireSessionLocked(ctx, sess)
		mu.Unlock()
		e.detachEdges(sessionID, detach)
		return nil, ErrSessionExpired
	}
	sess.LastActive = now
	sess.ExpiresAt = now.Add(e.cfg.SessionTTL())
	if err := e.storage.PutSession(sess); err != nil {
		mu.Unlock()
		return nil, err
	}
	mu.Unlock()
	return sess, nil
}

// expireSessionLocked starts the expiry cascade under the session
// stream's lock: the session stream's rows and the session row go away
// now, and the caller detaches the returned source-stream edges after
// releasing the lock (source locks are never taken under a session
// lock).
func (e *Engine) expireSessionLocked(ctx context.Context, sess *SessionMeta) []string {
	streamID := SessionStreamID(sess.SessionID)
	if meta, err := e.storage.GetStream(streamID); err == nil {
		detach, derr := e.deleteLocked(ctx, streamID, meta)
		if derr == nil {
			return detach
		}
		e.logger.Warn("session stream delete failed",
			zap.String("session", sess.SessionID), zap.Error(derr))
	}
	if err := e.storage.DeleteSession(sess.SessionID); err != nil {
		e.logger.Warn("session meta delete failed",
			zap.String("session", sess.SessionID), zap.Error(err))
	}
	return append([]string(nil), sess.Streams...)
}

// detachEdges removes the source-side subscriber rows left behind by a
// session that went away. Never called with a session lock held.
func (e *Engine) detachEdges(sessionID string, sources []string) {
	if len(sources) == 0 {
		return
	}
	own := SessionStreamID(sessionID)
	for _, src := range sources {
		if src == own {
			continue
		}
		e.removeSubscriberEdge(src, sessionID)
	}
}

// Subscribe adds a subscription edge from a session to a source stream.
// The source-stream side (subscriber row + count) mutates under the
// source stream's critical section; the session mirror follows.
// Session streams are not valid fan-out sources.
func (e *Engine) Subscribe(ctx context.Context, sessionID, sourceStreamID string) error {
	if IsSessionStream(sourceStreamID) {
		return ErrConfigMismatch
	}
	if _, err := e.TouchSession(ctx, sessionID); err != nil {
		return err
	}

	if err := e.addSubscriberEdge(sourceStreamID, sessionID); err != nil {
		return err
	}

	streamID := SessionStreamID(sessionID)
	mu := e.lockFor(streamID)
	mu.Lock()
	defer mu.Unlock()
	sess, err := e.storage.GetSession(sessionID)
	if err != nil {
		return err
	}
	for _, s := range sess.Streams {
		if s == sourceStreamID {
			return nil
		}
	}
	sess.Streams = append(sess.Streams, sourceStreamID)
	return e.storage.PutSession(sess)
}

// Unsubscribe removes a subscription edge.
func (e *Engine) Unsubscribe(ctx context.Context, sessionID, sourceStreamID string) error {
	if _, err := e.TouchSession(ctx, sessionID); err != nil {
		return err
	}

	e.removeSubscriberEdge(sourceStreamID, sessionID)

	streamID := SessionStreamID(sessionID)
	mu := e.lockFor(streamID)
	mu.Lock()
	defer mu.Unlock()
	sess, err := e.storage.GetSession(sessionID)
	if err != nil {
		return err
	}
	kept := sess.Streams[:0]
	for _, s := range sess.Streams {
		if s != sourceStreamID {
			kept = append(kept, s)
		}
	}
	sess.Streams = kept
	return e.storage.PutSession(sess)
}

// ListSubscriptions returns the source streams a session subscribes to.
func (e *Engine) ListSubscriptions(ctx context.Context, sessionID string) ([]string, error) {
	sess, err := e.TouchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), sess.Streams...), nil
}

// AddSubscriberDirect mutates only the source-stream side of the edge.
// It backs the /internal/subscribers endpoint.
func (e *Engine) AddSubscriberDirect(sourceStreamID, sessionID string) error {
	return e.addSubscriberEdge(sourceStreamID, sessionID)
}

// RemoveSubscriberDirect mutates only the source-stream side of the edge.
func (e *Engine) RemoveSubscriberDirect(sourceStreamID, sessionID string) error {
	e.removeSubscriberEdge(sourceStreamID, sessionID)
	return nil
}

func (e *Engine) addSubscriberEdge(sourceStreamID, sessionID string) error {
	mu := e.lockFor(sourceStreamID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := e.storage.GetStream(sourceStreamID); err != nil {
		return err
	}
	added, err := e.storage.AddSubscriber(sourceStreamID, sessionID)
	if err != nil {
		return err
	}
	if added {
		return e.storage.UpdateStream(sourceStreamID, MetaUpdate{SubscriberDelta: 1})
	}
	return nil
}

func (e *Engine) removeSubscriberEdge(sourceStreamID, sessionID string) {
	mu := e.lockFor(sourceStreamID)
	mu.Lock()
	defer mu.Unlock()

	removed, err := e.storage.RemoveSubscriber(sourceStreamID, sessionID)
	if err != nil {
		e.logger.Warn("subscriber remove failed",
			zap.String("source", sourceStreamID),
			zap.String("session", sessionID), zap.Error(err))
		return
	}
	if removed {
		if err := e.storage.UpdateStream(sourceStreamID, MetaUpdate{SubscriberDelta: -1}); err != nil && err != ErrStreamNotFound {
			e.logger.Warn("subscriber count update failed",
				zap.String("source", sourceStreamID), zap.Error(err))
		}
	}
}

// FanInAppend appends a fan-out envelope to a session's stream as if it
// were a normal POST, bypassing external auth. Session liveness is
// validated first so deliveries to an expired session cascade and
// report gone.
func (e *Engine) FanInAppend(ctx context.Context, sessionID string, envelope []byte) (*AppendOutcome, error) {
	if _, err := e.TouchSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Append(ctx, SessionStreamID(sessionID), envelope, AppendOptions{
		ContentType: "application/json",
	})
}
