package store

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maybeRotateLocked seals the hot region when it crosses the message or
// byte thresholds, or unconditionally when force is set (close, debug).
// Caller holds the stream's critical section.
func (e *Engine) maybeRotateLocked(ctx context.Context, streamID string, force bool) error {
	stats, err := e.storage.HotStats(streamID)
	if err != nil {
		return err
	}
	if stats.MessageCount == 0 {
		return nil
	}
	if !force &&
		stats.MessageCount <= e.cfg.SegmentMaxMessages &&
		stats.Bytes <= e.cfg.SegmentMaxBytes {
		return nil
	}
	return e.rotateLocked(ctx, streamID)
}

// rotateLocked seals the current hot region into an immutable segment
// blob, records its index row, bumps read_seq, and resets the hot
// region. A failure between blob upload and index insert leaves an
// orphan blob; the sweeper reclaims those.
func (e *Engine) rotateLocked(ctx context.Context, streamID string) error {
	meta, err := e.storage.GetStream(streamID)
	if err != nil {
		return err
	}
	rows, err := e.storage.HotFrom(streamID, meta.SegmentStart, 0)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	bodies := make([][]byte, len(rows))
	for i, r := range rows {
		bodies[i] = r.Body
	}
	data, err := EncodeSegment(bodies)
	if err != nil {
		return err
	}

	key := SegmentBlobKey(streamID, meta.ReadSeq)
	if err := e.blobs.Put(ctx, key, data); err != nil {
		return err
	}

	rec := &SegmentRecord{
		StreamID:     streamID,
		ReadSeq:      meta.ReadSeq,
		StartOffset:  meta.SegmentStart,
		EndOffset:    meta.TailOffset,
		BlobKey:      key,
		ContentType:  meta.ContentType,
		SizeBytes:    int64(len(data)),
		MessageCount: len(rows),
		CreatedAt:    time.Now(),
		ExpiresAt:    meta.ExpiresAt,
	}
	if err := e.storage.InsertSegment(rec); err != nil {
		return err
	}

	newStart := meta.TailOffset
	newSeq := meta.ReadSeq + 1
	if err := e.storage.UpdateStream(streamID, MetaUpdate{
		SegmentStart: &newStart,
		ReadSeq:      &newSeq,
	}); err != nil {
		return err
	}

	if !e.cfg.RetainOps {
		if err := e.storage.DeleteHotBelow(streamID, meta.TailOffset); err != nil {
			return err
		}
	}
	e.metrics.Rotations.Inc()
	e.logger.Debug("rotated hot region",
		zap.String("stream", streamID),
		zap.Uint64("read_seq", meta.ReadSeq),
		zap.Int("messages", len(rows)),
		zap.Int64("bytes", rec.SizeBytes))

	if e.onSegment != nil {
		// Observability only: failures inside the hook are its problem.
		e.onSegment(*rec)
	}
	return nil
}

// SweepOrphanBlobs deletes segment blobs that have no index row, the
// leftovers of rotations that failed between upload and insert and of
// stream deletions whose async blob cleanup died midway.
func (e *Engine) SweepOrphanBlobs(ctx context.Context) (int, error) {
	keys, err := e.blobs.List(ctx, "stream/")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		streamID, readSeq, ok := parseSegmentBlobKey(key)
		if !ok {
			continue
		}
		rec, err := e.storage.SegmentByReadSeq(streamID, readSeq)
		if err != nil {
			return removed, err
		}
		if rec != nil {
			continue
		}
		// Re-check under the stream lock so an in-flight rotation's
		// freshly uploaded blob is not swept before its index insert.
		mu := e.lockFor(streamID)
		mu.Lock()
		rec, err = e.storage.SegmentByReadSeq(streamID, readSeq)
		if err == nil && rec == nil {
			if derr := e.blobs.Delete(ctx, key); derr != nil {
				e.logger.Warn("orphan blob delete failed", zap.String("key", key), zap.Error(derr))
			} else {
				removed++
			}
		}
		mu.Unlock()
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// parseSegmentBlobKey inverts SegmentBlobKey.
func parseSegmentBlobKey(key string) (streamID string, readSeq uint64, ok bool) {
	rest, found := strings.CutPrefix(key, "stream/")
	if !found {
		return "", 0, false
	}
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "", 0, false
	}
	idEnc, segPart := rest[:slash], rest[slash+1:]
	segPart, found = strings.CutPrefix(segPart, "segment-")
	if !found {
		return "", 0, false
	}
	segPart, found = strings.CutSuffix(segPart, ".seg")
	if !found {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(segPart, 10, 64)
	if err != nil {
		return "", 0, false
	}
	id, err := base64.RawURLEncoding.DecodeString(idEnc)
	if err != nil {
		return "", 0, false
	}
	return string(id), seq, true
}
