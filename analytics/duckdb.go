// Package analytics is the passive admin-index sink: every sealed
// segment gets a row in a local DuckDB file for offline SQL. Writes are
// fire-and-forget; a failure is logged, never surfaced.
package analytics

import (
	"database/sql"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/durable-streams/stream-engine/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS segment_index (
    stream_id     VARCHAR NOT NULL,
    read_seq      UBIGINT NOT NULL,
    start_offset  UBIGINT NOT NULL,
    end_offset    UBIGINT NOT NULL,
    blob_key      VARCHAR NOT NULL,
    content_type  VARCHAR,
    size_bytes    BIGINT,
    message_count INTEGER,
    created_at    TIMESTAMP
);`

// Sink buffers segment rows onto a writer goroutine so rotation never
// waits on DuckDB.
type Sink struct {
	db     *sql.DB
	rows   chan store.SegmentRecord
	done   chan struct{}
	logger *zap.Logger
}

// Open creates (or reopens) the DuckDB file and starts the writer.
func Open(path string, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	s := &Sink{
		db:     db,
		rows:   make(chan store.SegmentRecord, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.writer()
	return s, nil
}

// Record enqueues one segment row. Never blocks: when the buffer is
// full the row is dropped with a log line.
func (s *Sink) Record(rec store.SegmentRecord) {
	select {
	case s.rows <- rec:
	default:
		s.logger.Warn("analytics buffer full, segment row dropped",
			zap.String("stream", rec.StreamID),
			zap.Uint64("read_seq", rec.ReadSeq))
	}
}

func (s *Sink) writer() {
	defer close(s.done)
	for rec := range s.rows {
		_, err := s.db.Exec(
			`INSERT INTO segment_index
			 (stream_id, read_seq, start_offset, end_offset, blob_key,
			  content_type, size_bytes, message_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.StreamID, rec.ReadSeq, rec.StartOffset, rec.EndOffset,
			rec.BlobKey, rec.ContentType, rec.SizeBytes, rec.MessageCount,
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			s.logger.Warn("analytics insert failed",
				zap.String("stream", rec.StreamID), zap.Error(err))
		}
	}
}

// Close drains buffered rows and closes the database.
func (s *Sink) Close() error {
	close(s.rows)
	<-s.done
	return s.db.Close()
}
