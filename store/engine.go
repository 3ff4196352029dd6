package store

import (
	"context"
	"io"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Engine owns every stream's state machine. All mutating operations on
// a stream run under that stream's exclusive critical section, which is
// held across the storage batch and the in-memory notifications; reads
// observe committed snapshots without the lock.
type Engine struct {
	storage Storage
	blobs   BlobStore
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	locks sync.Map // streamID -> *sync.Mutex

	longPoll *longPollRegistry

	readGroup singleflight.Group
	readCache *gocache.Cache

	observers []Observer
	onSegment func(SegmentRecord)
}

// BlobStore mirrors blob.Store; declared locally so the core package
// stays decoupled from any particular backend.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// AppendEvent is handed to observers after an append commits (and after
// any rotation it triggered). Dispatch happens while the stream's
// critical section is still held, so observers see events in append
// order.
type AppendEvent struct {
	StreamID    string
	ContentType string
	IsJSON      bool

	Messages [][]byte
	Payload  []byte // response-shaped body: JSON array or concatenated bytes

	PrevTail   uint64
	NewTail    uint64
	NextOffset Offset
	HeadOffset Offset // token for PrevTail; names the first new message

	Closed          bool
	SubscriberCount int
}

// Observer receives post-commit stream events.
type Observer interface {
	StreamAppended(ev AppendEvent)
	StreamDeleted(streamID string, finalOffset Offset)
}

// NewEngine wires the core. metrics may not be nil; pass
// NewMetrics(nil) in tests.
func NewEngine(storage Storage, blobs BlobStore, cfg Config, logger *zap.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		storage:   storage,
		blobs:     blobs,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		longPoll:  newLongPollRegistry(),
		readCache: gocache.New(readCacheTTL, time.Minute),
	}
}

// AddObserver registers a post-commit observer. Not safe after serving
// starts.
func (e *Engine) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// OnSegmentSealed registers the fire-and-forget segment index hook.
func (e *Engine) OnSegmentSealed(fn func(SegmentRecord)) {
	e.onSegment = fn
}

// Config exposes the engine's immutable configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Storage exposes the facade for collaborators (fan-out subscriber
// listing, tests).
func (e *Engine) Storage() Storage {
	return e.storage
}

func (e *Engine) lockFor(streamID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(streamID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Meta returns the stream's metadata, treating expired streams as
// missing.
func (e *Engine) Meta(streamID string) (*StreamMeta, error) {
	meta, err := e.storage.GetStream(streamID)
	if err != nil {
		return nil, err
	}
	if meta.IsExpired() {
		return nil, ErrStreamNotFound
	}
	return meta, nil
}

// ClosedError carries the frozen tail of a closed stream alongside
// ErrStreamClosed so the handler can echo it.
type ClosedError struct {
	Tail Offset
}

func (e *ClosedError) Error() string { return ErrStreamClosed.Error() }
func (e *ClosedError) Unwrap() error { return ErrStreamClosed }

// ProducerError decorates a producer validation failure with the
// response-header context.
type ProducerError struct {
	Err          error
	CurrentEpoch int64
	ExpectedSeq  int64
	ReceivedSeq  int64
}

func (e *ProducerError) Error() string { return e.Err.Error() }
func (e *ProducerError) Unwrap() error { return e.Err }

// AppendOutcome is the result of a committed (or deduplicated) append.
type AppendOutcome struct {
	Meta       *StreamMeta // post-commit, post-rotation
	NextOffset Offset
	NewTail    uint64
	PrevTail   uint64
	Messages   [][]byte
	Payload    []byte
	Closed     bool
	Producer   ProducerDecision
}

// Create implements PUT create-or-verify. The bool reports whether the
// stream was newly created. Recreating over an expired stream drops the
// old data first.
func (e *Engine) Create(ctx context.Context, streamID string, opts CreateOptions) (*StreamMeta, bool, error) {
	mu := e.lockFor(streamID)
	mu.Lock()
	var pendingDetach []string
	defer func() {
		mu.Unlock()
		e.detachEdges(SessionID(streamID), pendingDetach)
	}()

	existing, err := e.storage.GetStream(streamID)
	if err == nil {
		if existing.IsExpired() {
			detach, err := e.deleteLocked(ctx, streamID, existing)
			if err != nil {
				return nil, false, err
			}
			pendingDetach = detach
		} else if existing.ConfigMatches(opts) {
			return existing, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	} else if err != ErrStreamNotFound {
		return nil, false, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := &StreamMeta{
		StreamID:    streamID,
		ContentType: contentType,
		TTLSeconds:  opts.TTLSeconds,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   time.Now(),
	}
	if err := e.storage.InsertStream(meta); err != nil {
		return nil, false, err
	}

	if len(opts.InitialData) > 0 || opts.Closed {
		_, err := e.appendLocked(ctx, streamID, opts.InitialData, AppendOptions{
			ContentType: contentType,
			StreamSeq:   opts.StreamSeq,
			Close:       opts.Closed,
			Producer:    opts.Producer,
		}, true)
		if err != nil {
			return nil, false, err
		}
	}

	meta, err = e.storage.GetStream(streamID)
	if err != nil {
		return nil, false, err
	}
	return meta, true, nil
}

// Append implements POST: validate, stage the atomic batch, commit,
// then notify while still holding the stream's critical section.
func (e *Engine) Append(ctx context.Context, streamID string, body []byte, opts AppendOptions) (*AppendOutcome, error) {
	mu := e.lockFor(streamID)
	mu.Lock()
	defer mu.Unlock()
	return e.appendLocked(ctx, streamID, body, opts, false)
}

func (e *Engine) appendLocked(ctx context.Context, streamID string, body []byte, opts AppendOptions, allowEmpty bool) (*AppendOutcome, error) {
	meta, err := e.storage.GetStream(streamID)
	if err != nil {
		return nil, err
	}
	if meta.IsExpired() {
		return nil, ErrStreamNotFound
	}

	if opts.ContentType != "" && !ContentTypeMatches(meta.ContentType, opts.ContentType) {
		return nil, ErrContentTypeMismatch
	}

	// Producer validation runs first so transport retries deduplicate
	// even when a Stream-Seq or closed check would otherwise conflict.
	var decision ProducerDecision
	var upsert *ProducerUpsert
	if opts.Producer != nil {
		state, err := e.freshProducerState(streamID, opts.Producer.ID)
		if err != nil {
			return nil, err
		}
		decision, err = EvaluateProducer(state, *opts.Producer)
		if err != nil {
			return nil, &ProducerError{
				Err:          err,
				CurrentEpoch: decision.CurrentEpoch,
				ExpectedSeq:  decision.ExpectedSeq,
				ReceivedSeq:  decision.ReceivedSeq,
			}
		}
		if decision.Result == ProducerResultDuplicate {
			next, err := e.encodeAbs(meta, decision.LastOffset)
			if err != nil {
				return nil, err
			}
			return &AppendOutcome{
				Meta:       meta,
				NextOffset: next,
				NewTail:    meta.TailOffset,
				PrevTail:   meta.TailOffset,
				Closed:     meta.Closed,
				Producer:   decision,
			}, nil
		}
		if decision.NewState != nil {
			upsert = &ProducerUpsert{ProducerID: opts.Producer.ID, State: *decision.NewState}
		}
	}

	if meta.Closed {
		// Replaying the exact close is idempotent; anything else bounces
		// off the frozen tail.
		if opts.Close && tripleMatches(opts.Producer, meta.ClosedBy) {
			next, err := e.encodeAbs(meta, meta.TailOffset)
			if err != nil {
				return nil, err
			}
			return &AppendOutcome{
				Meta:       meta,
				NextOffset: next,
				NewTail:    meta.TailOffset,
				PrevTail:   meta.TailOffset,
				Closed:     true,
				Producer:   decision,
			}, nil
		}
		tail, err := e.encodeAbs(meta, meta.TailOffset)
		if err != nil {
			tail = Offset{ReadSeq: meta.ReadSeq}
		}
		return nil, &ClosedError{Tail: tail}
	}

	if opts.StreamSeq != "" && meta.LastStreamSeq != "" && opts.StreamSeq <= meta.LastStreamSeq {
		return nil, ErrSequenceConflict
	}

	closeOnly := len(body) == 0 && opts.Close
	isJSON := meta.IsJSON()

	var messages [][]byte
	if !closeOnly {
		if isJSON {
			messages, err = SplitJSONBody(body, allowEmpty)
			if err != nil {
				return nil, err
			}
		} else {
			if len(body) == 0 {
				if !allowEmpty {
					return nil, ErrEmptyBody
				}
			} else {
				messages = [][]byte{body}
			}
		}
	}
	for _, m := range messages {
		if len(m) > MaxMessageSize {
			return nil, ErrMessageTooLarge
		}
	}

	prevTail := meta.TailOffset
	now := time.Now()
	ops := make([]HotOp, 0, len(messages))
	tail := prevTail
	for _, m := range messages {
		units := uint64(len(m))
		if isJSON {
			units = 1
		}
		op := HotOp{
			StreamID:    streamID,
			StartOffset: tail,
			EndOffset:   tail + units,
			SizeBytes:   len(m),
			Body:        m,
			CreatedAt:   now,
			StreamSeq:   opts.StreamSeq,
			Producer:    opts.Producer,
		}
		tail += units
		ops = append(ops, op)
	}

	update := MetaUpdate{TailOffset: &tail}
	if opts.StreamSeq != "" {
		update.LastStreamSeq = &opts.StreamSeq
	}
	if opts.Close {
		closed := true
		update.Closed = &closed
		update.ClosedAt = &now
		if opts.Producer != nil {
			update.ClosedBy = opts.Producer
		}
	}
	if upsert != nil {
		upsert.State.LastOffset = tail
	}

	if err := e.storage.AppendBatch(streamID, AppendBatch{
		Ops:      ops,
		Meta:     update,
		Producer: upsert,
	}); err != nil {
		return nil, err
	}
	e.metrics.Appends.Inc()

	// The commit invalidates coalesced read results for the old tail.
	e.readCache.Flush()

	if err := e.maybeRotateLocked(ctx, streamID, opts.Close); err != nil {
		// The append is durable; a failed rotation retries on the next
		// append or close.
		e.logger.Error("rotation failed", zap.String("stream", streamID), zap.Error(err))
	}

	fresh, err := e.storage.GetStream(streamID)
	if err != nil {
		return nil, err
	}
	next, err := e.encodeAbs(fresh, tail)
	if err != nil {
		return nil, err
	}
	head := next
	if tok, err := e.encodeAbs(fresh, prevTail); err == nil {
		head = tok
	}

	var payload []byte
	if isJSON {
		payload = JoinJSONMessages(messages)
	} else {
		payload = ConcatMessages(messages)
	}

	outcome := &AppendOutcome{
		Meta:       fresh,
		NextOffset: next,
		NewTail:    tail,
		PrevTail:   prevTail,
		Messages:   messages,
		Payload:    payload,
		Closed:     fresh.Closed,
		Producer:   decision,
	}

	// Notifications happen inside the critical section: append order and
	// delivery order stay identical for every consumer.
	e.longPoll.Notify(streamID, tail)
	if fresh.Closed {
		e.longPoll.NotifyAll(streamID)
	}
	ev := AppendEvent{
		StreamID:        streamID,
		ContentType:     fresh.ContentType,
		IsJSON:          isJSON,
		Messages:        messages,
		Payload:         payload,
		PrevTail:        prevTail,
		NewTail:         tail,
		NextOffset:      next,
		HeadOffset:      head,
		Closed:          fresh.Closed,
		SubscriberCount: fresh.SubscriberCount,
	}
	for _, o := range e.observers {
		o.StreamAppended(ev)
	}

	return outcome, nil
}

// freshProducerState loads producer state, lazily pruning entries past
// the inactivity TTL.
func (e *Engine) freshProducerState(streamID, producerID string) (*ProducerState, error) {
	state, err := e.storage.GetProducer(streamID, producerID)
	if err != nil {
		return nil, err
	}
	if state != nil && !producerStateFresh(state) {
		if err := e.storage.DeleteProducer(streamID, producerID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return state, nil
}

func tripleMatches(a, b *ProducerTriple) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ID == b.ID && a.Epoch == b.Epoch && a.Seq == b.Seq
}

// Delete implements DELETE: drop all persistent rows, wake every
// waiter, close every SSE client, schedule blob deletion. Deleting a
// session stream also drops the session row; its source-stream edges
// are detached after the session lock releases, which keeps the lock
// order source-before-session everywhere.
func (e *Engine) Delete(ctx context.Context, streamID string) error {
	mu := e.lockFor(streamID)
	mu.Lock()
	meta, err := e.storage.GetStream(streamID)
	if err != nil {
		mu.Unlock()
		return err
	}
	detach, err := e.deleteLocked(ctx, streamID, meta)
	mu.Unlock()
	if err != nil {
		return err
	}
	e.detachEdges(SessionID(streamID), detach)
	return nil
}

// deleteLocked drops a stream's rows under its critical section and
// returns the source streams whose subscriber edges still point at the
// deleted session (empty for non-session streams). The caller removes
// those edges after releasing the lock.
func (e *Engine) deleteLocked(_ context.Context, streamID string, meta *StreamMeta) ([]string, error) {
	segments, err := e.storage.ListSegments(streamID)
	if err != nil {
		return nil, err
	}

	var detach []string
	if IsSessionStream(streamID) {
		sessionID := SessionID(streamID)
		if sess, err := e.storage.GetSession(sessionID); err == nil {
			detach = append([]string(nil), sess.Streams...)
			if err := e.storage.DeleteSession(sessionID); err != nil {
				e.logger.Warn("session meta delete failed",
					zap.String("session", sessionID), zap.Error(err))
			}
		}
	}

	if err := e.storage.DeleteStreamData(streamID); err != nil {
		return nil, err
	}
	e.metrics.Deletes.Inc()
	e.readCache.Flush()

	finalOffset := Offset{ReadSeq: meta.ReadSeq, Rel: meta.TailOffset - meta.SegmentStart}
	e.longPoll.NotifyAll(streamID)
	for _, o := range e.observers {
		o.StreamDeleted(streamID, finalOffset)
	}

	// Blob deletion is best-effort; the sweeper reclaims stragglers.
	if len(segments) > 0 && e.blobs != nil {
		go func(recs []SegmentRecord) {
			for _, rec := range recs {
				if err := e.blobs.Delete(context.Background(), rec.BlobKey); err != nil {
					e.logger.Warn("segment blob delete failed",
						zap.String("key", rec.BlobKey), zap.Error(err))
				}
			}
		}(segments)
	}
	return detach, nil
}

// WaitForData parks a long-poll waiter until the tail advances past
// offset or the timeout fires.
func (e *Engine) WaitForData(ctx context.Context, streamID string, offset uint64, timeout time.Duration) (bool, error) {
	e.metrics.LongPollWaits.Inc()
	return e.longPoll.Wait(ctx, streamID, offset, timeout)
}

// ResolveReadOffset turns the query parameter into an absolute
// position. "now" resolves to the current tail; empty means the very
// beginning.
func (e *Engine) ResolveReadOffset(meta *StreamMeta, param string) (uint64, error) {
	if param == "now" {
		return meta.TailOffset, nil
	}
	tok, err := ParseOffset(param)
	if err != nil {
		return 0, err
	}
	return DecodeOffset(e.storage, meta, tok)
}

// EncodeAbs exposes offset encoding against live segment state.
func (e *Engine) EncodeAbs(meta *StreamMeta, abs uint64) (Offset, error) {
	return e.encodeAbs(meta, abs)
}

func (e *Engine) encodeAbs(meta *StreamMeta, abs uint64) (Offset, error) {
	return EncodeOffset(e.storage, meta, abs)
}

// Subscribers lists the session ids subscribed to a source stream.
func (e *Engine) Subscribers(sourceStreamID string) ([]string, error) {
	return e.storage.ListSubscribers(sourceStreamID)
}
