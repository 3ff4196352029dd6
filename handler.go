package streamengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/stream-engine/store"
)

// Protocol header names
const (
	HeaderStreamID         = "X-Stream-Id"
	HeaderNextOffset       = "X-Stream-Next-Offset"
	HeaderCursor           = "X-Stream-Cursor"
	HeaderUpToDate         = "X-Stream-Up-To-Date"
	HeaderStreamClosed     = "X-Stream-Closed"
	HeaderStreamSeq        = "X-Stream-Seq"
	HeaderStreamTTL        = "X-Stream-TTL"
	HeaderStreamExpiresAt  = "X-Stream-Expires-At"
	HeaderProducerID       = "Producer-Id"
	HeaderProducerEpoch    = "Producer-Epoch"
	HeaderProducerSeq      = "Producer-Seq"
	HeaderProducerExpected = "Producer-Expected-Seq"
	HeaderProducerReceived = "Producer-Received-Seq"
	HeaderSSEDataEncoding  = "Stream-SSE-Data-Encoding"
)

// streamPathPrefix addresses streams when the edge dispatcher's
// X-Stream-Id header is absent.
const streamPathPrefix = "/v1/stream/"

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers",
		"Content-Type, If-None-Match, "+
			HeaderStreamID+", "+HeaderStreamSeq+", "+HeaderStreamTTL+", "+
			HeaderStreamExpiresAt+", "+HeaderStreamClosed+", "+
			HeaderProducerID+", "+HeaderProducerEpoch+", "+HeaderProducerSeq)
	w.Header().Set("Access-Control-Expose-Headers",
		HeaderNextOffset+", "+HeaderCursor+", "+HeaderUpToDate+", "+
			HeaderStreamClosed+", "+HeaderStreamTTL+", "+HeaderStreamExpiresAt+", "+
			HeaderProducerEpoch+", "+HeaderProducerSeq+", "+
			HeaderProducerExpected+", "+HeaderProducerReceived+", "+
			HeaderSSEDataEncoding+", ETag, Location")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	if strings.HasPrefix(r.URL.Path, "/internal/") {
		if err := h.serveInternal(w, r); err != nil {
			h.writeError(w, err)
		}
		return nil
	}

	streamID, ok := h.resolveStreamID(r)
	if !ok {
		return next.ServeHTTP(w, r)
	}

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("stream", streamID),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamID)
	case http.MethodHead:
		err = h.handleHead(w, r, streamID)
	case http.MethodGet:
		err = h.handleRead(w, r, streamID)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamID)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// resolveStreamID prefers the edge dispatcher's X-Stream-Id header and
// falls back to the /v1/stream/<id> path.
func (h *Handler) resolveStreamID(r *http.Request) (string, bool) {
	if id := r.Header.Get(HeaderStreamID); id != "" {
		return id, true
	}
	if strings.HasPrefix(r.URL.Path, streamPathPrefix) {
		raw := strings.TrimPrefix(r.URL.Path, streamPathPrefix)
		if raw == "" {
			return "", false
		}
		id, err := url.PathUnescape(raw)
		if err != nil {
			return raw, true
		}
		return id, true
	}
	return "", false
}

// readRequestBody enforces the append size cap and the Content-Length
// contract before any stream state is touched.
func (h *Handler) readRequestBody(r *http.Request) ([]byte, error) {
	maxBytes := int64(h.cfg.MaxAppendBytes)
	if r.ContentLength > maxBytes {
		return nil, newHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if int64(len(body)) > maxBytes {
		return nil, newHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	if r.ContentLength >= 0 && int64(len(body)) != r.ContentLength {
		return nil, newHTTPError(http.StatusBadRequest, "Content-Length mismatch")
	}
	return body, nil
}

// parseProducerHeaders reads the producer triple. The three headers are
// all-or-nothing; presence of any requires all three, well formed.
func parseProducerHeaders(r *http.Request) (*store.ProducerTriple, error) {
	id := r.Header.Get(HeaderProducerID)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)
	if id == "" && epochStr == "" && seqStr == "" {
		return nil, nil
	}
	if id == "" || epochStr == "" || seqStr == "" {
		return nil, newHTTPError(http.StatusBadRequest, store.ErrPartialProducer.Error())
	}
	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil || epoch < 0 {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch")
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || seq < 0 {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Seq")
	}
	return &store.ProducerTriple{ID: id, Epoch: epoch, Seq: seq}, nil
}

func closedHeaderSet(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get(HeaderStreamClosed), "true")
}

// handleCreate handles PUT create-or-verify.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, streamID string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest,
			"cannot specify both "+HeaderStreamTTL+" and "+HeaderStreamExpiresAt)
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid "+HeaderStreamExpiresAt+" format")
		}
		expiresAt = &t
	}

	producer, err := parseProducerHeaders(r)
	if err != nil {
		return err
	}

	body, err := h.readRequestBody(r)
	if err != nil {
		return err
	}

	meta, created, err := h.engine.Create(r.Context(), streamID, store.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: body,
		Closed:      closedHeaderSet(r),
		Producer:    producer,
		StreamSeq:   r.Header.Get(HeaderStreamSeq),
	})
	if err != nil {
		if errors.Is(err, store.ErrConfigMismatch) {
			return newHTTPError(http.StatusConflict, "stream exists with different configuration")
		}
		return err
	}

	next, err := h.engine.EncodeAbs(meta, meta.TailOffset)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderNextOffset, next.String())
	writeMetaHeaders(w, meta)

	if created {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		w.Header().Set("Location", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

func writeMetaHeaders(w http.ResponseWriter, meta *store.StreamMeta) {
	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, meta.ExpiresAt.Format(time.RFC3339))
	}
	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
}

// handleHead returns the metadata snapshot.
func (h *Handler) handleHead(w http.ResponseWriter, _ *http.Request, streamID string) error {
	meta, err := h.engine.Meta(streamID)
	if err != nil {
		return err
	}
	next, err := h.engine.EncodeAbs(meta, meta.TailOffset)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderNextOffset, next.String())
	w.Header().Set("Cache-Control", "no-store")
	writeMetaHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleAppend handles POST append-or-close.
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, streamID string) error {
	meta, err := h.engine.Meta(streamID)
	if err != nil {
		return err
	}

	closeStream := closedHeaderSet(r)
	contentType := r.Header.Get("Content-Type")
	if contentType == "" && !closeStream {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}
	if contentType != "" && !store.ContentTypeMatches(meta.ContentType, contentType) {
		return newHTTPError(http.StatusConflict, "content type mismatch")
	}

	producer, err := parseProducerHeaders(r)
	if err != nil {
		return err
	}

	body, err := h.readRequestBody(r)
	if err != nil {
		return err
	}

	outcome, err := h.engine.Append(r.Context(), streamID, body, store.AppendOptions{
		ContentType: contentType,
		StreamSeq:   r.Header.Get(HeaderStreamSeq),
		Close:       closeStream,
		Producer:    producer,
	})
	if err != nil {
		return err
	}

	w.Header().Set(HeaderNextOffset, outcome.NextOffset.String())
	if outcome.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if producer != nil {
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(producer.Epoch, 10))
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(outcome.Producer.LastSeq, 10))
		if outcome.Producer.Result == store.ProducerResultDuplicate {
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		w.WriteHeader(http.StatusOK)
		return nil
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleDelete drops the stream.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, streamID string) error {
	if err := h.engine.Delete(r.Context(), streamID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleRead serves GET in its three modes: one-shot catch-up,
// long-poll, and SSE.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, streamID string) error {
	meta, err := h.engine.Meta(streamID)
	if err != nil {
		return err
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	if (liveMode == "long-poll" || liveMode == "sse") && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for "+liveMode+" mode")
	}

	abs, err := h.engine.ResolveReadOffset(meta, offsetStr)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	if liveMode == "sse" {
		return h.handleSSE(w, r, streamID, meta, abs, cursor)
	}

	res, err := h.engine.Read(r.Context(), meta, abs, h.cfg.MaxChunkBytes)
	if err != nil {
		return err
	}

	if liveMode == "long-poll" && len(res.Messages) == 0 && res.UpToDate && !res.ClosedAtTail {
		timedOut, err := h.engine.WaitForData(r.Context(), streamID, abs, h.longPollTimeout())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil // client went away
			}
			return err
		}
		// Meta is re-read after the wake so a close or delete that
		// happened mid-wait shows up in the response.
		meta, err = h.engine.Meta(streamID)
		if err != nil {
			return err
		}
		if timedOut {
			tail, err := h.engine.EncodeAbs(meta, meta.TailOffset)
			if err != nil {
				return err
			}
			w.Header().Set("Content-Type", meta.ContentType)
			w.Header().Set(HeaderNextOffset, tail.String())
			w.Header().Set(HeaderUpToDate, "true")
			w.Header().Set(HeaderCursor, generateResponseCursor(cursor))
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		res, err = h.engine.Read(r.Context(), meta, abs, h.cfg.MaxChunkBytes)
		if err != nil {
			return err
		}
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderNextOffset, res.NextOffset.String())
	if res.UpToDate {
		w.Header().Set(HeaderUpToDate, "true")
	}
	if res.ClosedAtTail {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if liveMode == "long-poll" {
		w.Header().Set(HeaderCursor, generateResponseCursor(cursor))
	}

	etag := store.ETag(streamID, res.StartAbs, res.NextAbs, res.ClosedAtTail)
	w.Header().Set("ETag", etag)
	if !res.UpToDate && len(res.Messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}
	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" && ifNoneMatch == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
	return nil
}

func (h *Handler) longPollTimeout() time.Duration {
	if h.LongPollTimeout > 0 {
		return time.Duration(h.LongPollTimeout)
	}
	return h.cfg.LongPollTimeout()
}

// handleSSE serves one EventSource connection: catch-up burst from the
// requested offset, then live frames until idle timeout, stream close,
// delete, or client disconnect.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, streamID string, meta *store.StreamMeta, abs uint64, cursor string) error {
	b64 := !store.IsTextualContentType(meta.ContentType)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if b64 {
		w.Header().Set(HeaderSSEDataEncoding, "base64")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := &sseClient{frames: make(chan sseFrame, 32)}
	h.broadcaster.register(streamID, client)
	defer h.broadcaster.unregister(streamID, client)

	ctx := r.Context()
	idle := time.NewTimer(h.sseIdleTimeout())
	defer idle.Stop()

	current := abs

	// catchUp drains committed data from current to the tail. Returns
	// whether the stream is closed at the position we reached.
	catchUp := func() (bool, error) {
		for {
			m, err := h.engine.Meta(streamID)
			if err != nil {
				return false, err
			}
			res, err := h.engine.Read(ctx, m, current, h.cfg.MaxChunkBytes)
			if err != nil {
				return false, err
			}
			if len(res.Messages) > 0 {
				if err := writeSSEData(w, res.Body, b64); err != nil {
					return false, err
				}
			}
			current = res.NextAbs
			upToDate := res.UpToDate
			ctrl := sseControl{
				StreamNextOffset: res.NextOffset.String(),
				StreamCursor:     generateResponseCursor(cursor),
				UpToDate:         &upToDate,
				StreamClosed:     res.ClosedAtTail,
			}
			if err := writeSSEControl(w, ctrl); err != nil {
				return false, err
			}
			flusher.Flush()
			if upToDate || len(res.Messages) == 0 {
				return res.ClosedAtTail, nil
			}
		}
	}

	closed, err := catchUp()
	if err != nil {
		return nil // connection-level failure; client reconnects
	}
	if closed {
		return nil
	}
	resetTimer(idle, h.sseIdleTimeout())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
			// Idle close prompts the browser EventSource to reconnect.
			return nil
		case frame := <-client.frames:
			if frame.deleted {
				_ = writeSSEControl(w, sseControl{
					StreamNextOffset: store.Offset{}.String(),
					StreamClosed:     true,
				})
				flusher.Flush()
				return nil
			}
			if frame.newTail <= current {
				if frame.closed {
					// Close-only append: no data moved, but the client
					// still gets its final control frame.
					m, err := h.engine.Meta(streamID)
					if err != nil {
						return nil
					}
					tok, err := h.engine.EncodeAbs(m, current)
					if err != nil {
						return nil
					}
					upToDate := current == m.TailOffset
					_ = writeSSEControl(w, sseControl{
						StreamNextOffset: tok.String(),
						StreamCursor:     generateResponseCursor(cursor),
						UpToDate:         &upToDate,
						StreamClosed:     true,
					})
					flusher.Flush()
					return nil
				}
				continue
			}
			if frame.prevTail == current && len(frame.payload) > 0 {
				// Contiguous push: use the broadcast payload directly.
				if err := writeSSEData(w, frame.payload, b64); err != nil {
					return nil
				}
				current = frame.newTail
				m, err := h.engine.Meta(streamID)
				if err != nil {
					return nil
				}
				tok, err := h.engine.EncodeAbs(m, current)
				if err != nil {
					return nil
				}
				upToDate := current == m.TailOffset
				if err := writeSSEControl(w, sseControl{
					StreamNextOffset: tok.String(),
					StreamCursor:     generateResponseCursor(cursor),
					UpToDate:         &upToDate,
					StreamClosed:     frame.closed && upToDate,
				}); err != nil {
					return nil
				}
				flusher.Flush()
				if frame.closed && upToDate {
					return nil
				}
			} else {
				closed, err := catchUp()
				if err != nil || closed {
					return nil
				}
			}
			resetTimer(idle, h.sseIdleTimeout())
		}
	}
}

func (h *Handler) sseIdleTimeout() time.Duration {
	if h.SSEIdleTimeout > 0 {
		return time.Duration(h.SSEIdleTimeout)
	}
	return 55 * time.Second
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

// HTTP error handling

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

// writeError converts engine classifications into HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	var closedErr *store.ClosedError
	if errors.As(err, &closedErr) {
		w.Header().Set(HeaderStreamClosed, "true")
		w.Header().Set(HeaderNextOffset, closedErr.Tail.String())
		http.Error(w, "stream is closed", http.StatusConflict)
		return
	}

	var prodErr *store.ProducerError
	if errors.As(err, &prodErr) {
		switch {
		case errors.Is(prodErr.Err, store.ErrStaleEpoch):
			w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(prodErr.CurrentEpoch, 10))
			http.Error(w, "stale producer epoch", http.StatusForbidden)
		case errors.Is(prodErr.Err, store.ErrProducerSeqGap):
			w.Header().Set(HeaderProducerExpected, strconv.FormatInt(prodErr.ExpectedSeq, 10))
			w.Header().Set(HeaderProducerReceived, strconv.FormatInt(prodErr.ReceivedSeq, 10))
			http.Error(w, "producer sequence gap", http.StatusConflict)
		default:
			// first-use seq != 0 and new-epoch seq != 0
			http.Error(w, prodErr.Err.Error(), http.StatusBadRequest)
		}
		return
	}

	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		http.Error(w, "stream not found", http.StatusNotFound)
	case errors.Is(err, store.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, store.ErrSessionExpired):
		http.Error(w, "session expired", http.StatusGone)
	case errors.Is(err, store.ErrConfigMismatch):
		http.Error(w, "stream exists with different configuration", http.StatusConflict)
	case errors.Is(err, store.ErrContentTypeMismatch):
		http.Error(w, "content type mismatch", http.StatusConflict)
	case errors.Is(err, store.ErrSequenceConflict):
		http.Error(w, "Stream-Seq regression", http.StatusConflict)
	case errors.Is(err, store.ErrStreamClosed):
		w.Header().Set(HeaderStreamClosed, "true")
		http.Error(w, "stream is closed", http.StatusConflict)
	case errors.Is(err, store.ErrInvalidJSON),
		errors.Is(err, store.ErrEmptyJSONArray),
		errors.Is(err, store.ErrEmptyBody),
		errors.Is(err, store.ErrInvalidOffset),
		errors.Is(err, store.ErrNotJSONBoundary),
		errors.Is(err, store.ErrPartialProducer),
		errors.Is(err, store.ErrProducerFirstSeq),
		errors.Is(err, store.ErrInvalidEpochSeq):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrPayloadTooLarge), errors.Is(err, store.ErrMessageTooLarge):
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, store.ErrSegmentMissing), errors.Is(err, store.ErrSegmentTruncated):
		h.logger.Error("segment read failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// parseTTL validates a TTL header value: a non-negative integer with no
// leading zeros, sign, or exponent.
var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}
	return ttl, nil
}

// Cursor epoch: October 9, 2024 00:00:00 UTC
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const cursorIntervalSeconds = 20

// generateCursor produces a time-interval cursor used to keep CDN cache
// keys from colliding across long-poll generations.
func generateCursor() string {
	intervalMs := int64(cursorIntervalSeconds * 1000)
	interval := (time.Now().UnixMilli() - cursorEpoch.UnixMilli()) / intervalMs
	return strconv.FormatInt(interval, 10)
}

// generateResponseCursor ensures monotonic cursor progression: a client
// cursor at or ahead of the current interval is advanced past it.
func generateResponseCursor(clientCursor string) string {
	current := generateCursor()
	if clientCursor == "" {
		return current
	}
	currentInterval, _ := strconv.ParseInt(current, 10, 64)
	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientInterval < currentInterval {
		return current
	}
	return strconv.FormatInt(clientInterval+1, 10)
}
