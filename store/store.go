package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExists        = errors.New("stream already exists")
	ErrConfigMismatch      = errors.New("stream configuration mismatch")
	ErrSequenceConflict    = errors.New("Stream-Seq regression")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrEmptyBody           = errors.New("empty body not allowed")
	ErrInvalidOffset       = errors.New("invalid offset")
	ErrEmptyJSONArray      = errors.New("empty JSON array not allowed")
	ErrInvalidJSON         = errors.New("invalid JSON")
	ErrStreamClosed        = errors.New("stream is closed")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrSegmentMissing      = errors.New("segment blob missing")
	ErrSegmentTruncated    = errors.New("segment truncated")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrNotJSONBoundary     = errors.New("offset does not land on a message boundary")
)

// Producer validation errors
var (
	ErrStaleEpoch       = errors.New("producer epoch is stale")
	ErrInvalidEpochSeq  = errors.New("new epoch must start at sequence 0")
	ErrProducerSeqGap   = errors.New("producer sequence gap detected")
	ErrProducerFirstSeq = errors.New("first producer sequence must be 0")
	ErrPartialProducer  = errors.New("all producer headers must be provided together")
)

// SessionStreamPrefix names the streams that receive fan-out envelopes.
// A stream "subscriptions/<session-id>" belongs to exactly one session
// and is never itself a fan-out source.
const SessionStreamPrefix = "subscriptions/"

// IsSessionStream reports whether a stream id names a session stream.
func IsSessionStream(streamID string) bool {
	return strings.HasPrefix(streamID, SessionStreamPrefix)
}

// SessionID extracts the session id from a session stream id.
func SessionID(streamID string) string {
	return strings.TrimPrefix(streamID, SessionStreamPrefix)
}

// SessionStreamID builds the stream id owned by a session.
func SessionStreamID(sessionID string) string {
	return SessionStreamPrefix + sessionID
}

// ProducerTriple identifies one idempotent-producer request.
type ProducerTriple struct {
	ID    string `json:"id"`
	Epoch int64  `json:"epoch"`
	Seq   int64  `json:"seq"`
}

// ProducerState tracks the epoch and sequence for an idempotent producer.
type ProducerState struct {
	Epoch       int64  `json:"epoch"`
	LastSeq     int64  `json:"last_seq"`
	LastOffset  uint64 `json:"last_offset"`
	LastUpdated int64  `json:"last_updated"` // Unix timestamp
}

// ProducerStateTTL is how long producer state survives without activity.
// Entries older than this are pruned lazily on access.
const ProducerStateTTL = 7 * 24 * time.Hour

// StreamMeta is the per-stream metadata row.
//
// TailOffset counts everything ever appended in offset units: one unit
// per message for JSON streams, one unit per byte for opaque streams.
// SegmentStart is the absolute offset where the current hot region
// begins; ReadSeq names that hot region in wire offsets.
type StreamMeta struct {
	StreamID    string `json:"stream_id"`
	ContentType string `json:"content_type"`

	TailOffset   uint64 `json:"tail_offset"`
	SegmentStart uint64 `json:"segment_start"`
	ReadSeq      uint64 `json:"read_seq"`

	LastStreamSeq string `json:"last_stream_seq,omitempty"`

	Closed   bool            `json:"closed,omitempty"`
	ClosedBy *ProducerTriple `json:"closed_by,omitempty"`
	ClosedAt *time.Time      `json:"closed_at,omitempty"`

	TTLSeconds *int64     `json:"ttl_seconds,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`

	SubscriberCount int `json:"subscriber_count,omitempty"`
}

// IsExpired checks whether the stream has expired via TTL or ExpiresAt.
func (m *StreamMeta) IsExpired() bool {
	now := time.Now()
	if m.ExpiresAt != nil && now.After(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil {
		if now.After(m.CreatedAt.Add(time.Duration(*m.TTLSeconds) * time.Second)) {
			return true
		}
	}
	return false
}

// IsJSON reports whether the stream carries JSON messages, which makes
// the offset unit one message instead of one byte.
func (m *StreamMeta) IsJSON() bool {
	return IsJSONContentType(m.ContentType)
}

// ConfigMatches checks a PUT verify against the stored configuration.
func (m *StreamMeta) ConfigMatches(opts CreateOptions) bool {
	if !ContentTypeMatches(m.ContentType, opts.ContentType) {
		return false
	}
	if (m.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if m.TTLSeconds != nil && *m.TTLSeconds != *opts.TTLSeconds {
		return false
	}
	if (m.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}
	if m.Closed != opts.Closed {
		return false
	}
	return true
}

// HotOp is one row of the hot-region message log. Rows are contiguous
// in absolute offset: EndOffset of row i equals StartOffset of row i+1.
type HotOp struct {
	StreamID    string          `json:"stream_id"`
	StartOffset uint64          `json:"start_offset"`
	EndOffset   uint64          `json:"end_offset"`
	SizeBytes   int             `json:"size_bytes"`
	Body        []byte          `json:"body"`
	CreatedAt   time.Time       `json:"created_at"`
	StreamSeq   string          `json:"stream_seq,omitempty"`
	Producer    *ProducerTriple `json:"producer,omitempty"`
}

// SegmentRecord indexes one rotated, immutable segment blob.
type SegmentRecord struct {
	StreamID     string     `json:"stream_id"`
	ReadSeq      uint64     `json:"read_seq"`
	StartOffset  uint64     `json:"start_offset"`
	EndOffset    uint64     `json:"end_offset"`
	BlobKey      string     `json:"blob_key"`
	ContentType  string     `json:"content_type"`
	SizeBytes    int64      `json:"size_bytes"`
	MessageCount int        `json:"message_count"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// SessionMeta describes one subscriber session and its edges.
type SessionMeta struct {
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastActive time.Time `json:"last_active"`
	Streams    []string  `json:"streams,omitempty"` // subscribed source streams
}

// CreateOptions parameterize PUT create-or-verify.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool
	Producer    *ProducerTriple
	StreamSeq   string
}

// AppendOptions parameterize POST append.
type AppendOptions struct {
	ContentType string
	StreamSeq   string
	Close       bool
	Producer    *ProducerTriple
}

// MetaUpdate is a partial update of a stream's metadata row. Nil fields
// are left untouched; all set fields commit in one transaction.
type MetaUpdate struct {
	TailOffset      *uint64
	SegmentStart    *uint64
	ReadSeq         *uint64
	LastStreamSeq   *string
	Closed          *bool
	ClosedBy        *ProducerTriple
	ClosedAt        *time.Time
	SubscriberDelta int
}

func (u MetaUpdate) apply(m *StreamMeta) {
	if u.TailOffset != nil {
		m.TailOffset = *u.TailOffset
	}
	if u.SegmentStart != nil {
		m.SegmentStart = *u.SegmentStart
	}
	if u.ReadSeq != nil {
		m.ReadSeq = *u.ReadSeq
	}
	if u.LastStreamSeq != nil {
		m.LastStreamSeq = *u.LastStreamSeq
	}
	if u.Closed != nil {
		m.Closed = *u.Closed
	}
	if u.ClosedBy != nil {
		m.ClosedBy = u.ClosedBy
	}
	if u.ClosedAt != nil {
		m.ClosedAt = u.ClosedAt
	}
	m.SubscriberCount += u.SubscriberDelta
	if m.SubscriberCount < 0 {
		m.SubscriberCount = 0
	}
}

// AppendBatch is the atomic unit of an append: hot-op inserts, the meta
// update, and the optional producer upsert commit together or not at all.
type AppendBatch struct {
	Ops      []HotOp
	Meta     MetaUpdate
	Producer *ProducerUpsert
}

// ProducerUpsert stores updated producer state inside an append batch.
type ProducerUpsert struct {
	ProducerID string
	State      ProducerState
}

// HotStats summarizes the current hot region.
type HotStats struct {
	MessageCount int
	Bytes        int64
}

// Storage is the narrow capability set the engine consumes. Backed by
// bbolt in production and by an in-memory map store in tests; the
// engine's contracts do not change across backends.
type Storage interface {
	// Stream metadata
	GetStream(streamID string) (*StreamMeta, error)
	InsertStream(meta *StreamMeta) error
	UpdateStream(streamID string, up MetaUpdate) error
	// DeleteStreamData removes the meta row and cascades to hot ops,
	// producer state, segment index rows, and the subscriber set.
	DeleteStreamData(streamID string) error
	ListStreams() ([]string, error)

	// Atomic append commit
	AppendBatch(streamID string, batch AppendBatch) error

	// Producer state
	GetProducer(streamID, producerID string) (*ProducerState, error)
	DeleteProducer(streamID, producerID string) error

	// Hot region
	HotOverlap(streamID string, offset uint64) (*HotOp, error)
	HotFrom(streamID string, offset uint64, limit int) ([]HotOp, error)
	HotStats(streamID string) (HotStats, error)
	// DeleteHotBelow removes hot rows with EndOffset <= upTo (rotation).
	DeleteHotBelow(streamID string, upTo uint64) error

	// Segment index
	InsertSegment(rec *SegmentRecord) error
	SegmentCovering(streamID string, offset uint64) (*SegmentRecord, error)
	SegmentStartingAt(streamID string, offset uint64) (*SegmentRecord, error)
	SegmentByReadSeq(streamID string, readSeq uint64) (*SegmentRecord, error)
	ListSegments(streamID string) ([]SegmentRecord, error)

	// Subscriber set (source stream -> session edges)
	AddSubscriber(sourceStreamID, sessionID string) (bool, error)
	RemoveSubscriber(sourceStreamID, sessionID string) (bool, error)
	ListSubscribers(sourceStreamID string) ([]string, error)

	// Session metadata
	GetSession(sessionID string) (*SessionMeta, error)
	PutSession(meta *SessionMeta) error
	DeleteSession(sessionID string) error

	Close() error
}

// ContentTypeMatches compares two content types, ignoring case and
// parameters such as charset.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}
	return strings.EqualFold(ExtractMediaType(a), ExtractMediaType(b))
}

// ExtractMediaType strips parameters from a content-type header value.
func ExtractMediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// IsJSONContentType reports whether the media type is application/json.
func IsJSONContentType(ct string) bool {
	return strings.EqualFold(ExtractMediaType(ct), "application/json")
}

// IsTextualContentType reports whether SSE payloads of this type can be
// sent verbatim; anything else is base64 framed.
func IsTextualContentType(ct string) bool {
	mt := strings.ToLower(ExtractMediaType(ct))
	return strings.HasPrefix(mt, "text/") || mt == "application/json"
}

// SplitJSONBody validates a JSON append body and splits it into
// messages. A non-array value is wrapped into a single-element list;
// an empty array is rejected unless allowEmpty (PUT initial body).
func SplitJSONBody(data []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return [][]byte{}, nil
		}
		out := make([][]byte, len(arr))
		for i, elem := range arr {
			out[i] = []byte(elem)
		}
		return out, nil
	}
	return [][]byte{trimmed}, nil
}

// JoinJSONMessages renders messages as one JSON array body.
func JoinJSONMessages(msgs [][]byte) []byte {
	if len(msgs) == 0 {
		return []byte("[]")
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, m := range msgs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(m)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// ConcatMessages renders opaque messages as one byte body.
func ConcatMessages(msgs [][]byte) []byte {
	var total int
	for _, m := range msgs {
		total += len(m)
	}
	out := make([]byte, 0, total)
	for _, m := range msgs {
		out = append(out, m...)
	}
	return out
}

// ETag builds the cache validator for a read: "<id>:<start>:<end>",
// with a ":c" suffix when the read's tail coincides with a closed stream.
func ETag(streamID string, start, end uint64, closedAtTail bool) string {
	if closedAtTail {
		return fmt.Sprintf("%q", fmt.Sprintf("%s:%d:%d:c", streamID, start, end))
	}
	return fmt.Sprintf("%q", fmt.Sprintf("%s:%d:%d", streamID, start, end))
}
