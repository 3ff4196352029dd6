package store

import (
	"context"
	"fmt"
	"time"
)

// readCacheTTL absorbs bursts of identical reads: completed results are
// replayed for this long before hitting storage again.
const readCacheTTL = 25 * time.Millisecond

// ReadResult is one chunk of a stream read.
type ReadResult struct {
	Messages [][]byte
	Body     []byte

	StartAbs uint64
	NextAbs  uint64

	NextOffset Offset

	UpToDate     bool
	ClosedAtTail bool

	ContentType string
}

// Read serves up to maxChunkBytes from the absolute offset, hot rows
// first and segment blobs second. Identical concurrent reads (same
// stream, tail, closed flag, offset, and chunk cap) share one
// underlying storage read.
func (e *Engine) Read(ctx context.Context, meta *StreamMeta, abs uint64, maxChunkBytes int) (*ReadResult, error) {
	if maxChunkBytes <= 0 {
		maxChunkBytes = e.cfg.MaxChunkBytes
	}
	e.metrics.Reads.Inc()

	key := fmt.Sprintf("%s|%d|%t|%d|%d", meta.StreamID, meta.TailOffset, meta.Closed, abs, maxChunkBytes)
	if cached, ok := e.readCache.Get(key); ok {
		return cached.(*ReadResult), nil
	}
	v, err, _ := e.readGroup.Do(key, func() (interface{}, error) {
		e.metrics.InternalReads.Inc()
		res, err := e.doRead(ctx, meta, abs, maxChunkBytes)
		if err != nil {
			return nil, err
		}
		e.readCache.Set(key, res, readCacheTTL)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ReadResult), nil
}

func (e *Engine) doRead(ctx context.Context, meta *StreamMeta, abs uint64, maxChunkBytes int) (*ReadResult, error) {
	if abs > meta.TailOffset {
		return nil, fmt.Errorf("%w: beyond tail", ErrInvalidOffset)
	}
	isJSON := meta.IsJSON()

	res := &ReadResult{
		StartAbs:    abs,
		NextAbs:     abs,
		ContentType: meta.ContentType,
	}

	if abs >= meta.SegmentStart {
		if err := e.readHot(meta, abs, maxChunkBytes, isJSON, res); err != nil {
			return nil, err
		}
	} else {
		if err := e.readSegment(ctx, meta, abs, maxChunkBytes, isJSON, res); err != nil {
			return nil, err
		}
	}

	if isJSON {
		res.Body = JoinJSONMessages(res.Messages)
	} else {
		res.Body = ConcatMessages(res.Messages)
	}
	res.UpToDate = res.NextAbs == meta.TailOffset
	res.ClosedAtTail = meta.Closed && res.UpToDate

	next, err := e.encodeAbs(meta, res.NextAbs)
	if err != nil {
		return nil, err
	}
	res.NextOffset = next
	return res, nil
}

func (e *Engine) readHot(meta *StreamMeta, abs uint64, maxChunkBytes int, isJSON bool, res *ReadResult) error {
	row, err := e.storage.HotOverlap(meta.StreamID, abs)
	if err != nil {
		return err
	}
	if row == nil {
		// At the tail: nothing to serve yet.
		return nil
	}
	if isJSON && abs != row.StartOffset {
		return ErrNotJSONBoundary
	}

	rows, err := e.storage.HotFrom(meta.StreamID, row.StartOffset, 0)
	if err != nil {
		return err
	}

	size := 0
	pos := abs
	for _, r := range rows {
		body := r.Body
		if !isJSON && pos > r.StartOffset {
			body = body[pos-r.StartOffset:]
		}
		if len(res.Messages) > 0 && size+len(body) > maxChunkBytes {
			break
		}
		if !isJSON && size+len(body) > maxChunkBytes {
			body = body[:maxChunkBytes-size]
		}
		res.Messages = append(res.Messages, body)
		size += len(body)
		if isJSON {
			pos = r.EndOffset
		} else {
			pos += uint64(len(body))
		}
		res.NextAbs = pos
		if size >= maxChunkBytes {
			break
		}
	}
	return nil
}

func (e *Engine) readSegment(ctx context.Context, meta *StreamMeta, abs uint64, maxChunkBytes int, isJSON bool, res *ReadResult) error {
	seg, err := e.storage.SegmentCovering(meta.StreamID, abs)
	if err != nil {
		return err
	}
	if seg == nil {
		// A segment boundary with no covering row: hand the caller an
		// empty chunk pointing at the same place so it retries on the
		// next segment.
		start, err := e.storage.SegmentStartingAt(meta.StreamID, abs)
		if err != nil {
			return err
		}
		if start != nil {
			res.NextAbs = abs
			return nil
		}
		return fmt.Errorf("%w: no segment covers offset", ErrInvalidOffset)
	}

	body, err := e.blobs.Get(ctx, seg.BlobKey)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSegmentMissing, seg.BlobKey)
	}
	defer body.Close()

	scan := NewSegmentScan(body)
	var slice SegmentSlice
	if isJSON {
		slice, err = scan.ReadJSONSlice(abs-seg.StartOffset, maxChunkBytes)
	} else {
		slice, err = scan.ReadOpaqueSlice(abs-seg.StartOffset, maxChunkBytes)
	}
	if err != nil {
		return err
	}
	res.Messages = slice.Messages
	res.NextAbs = abs + slice.Units
	return nil
}
