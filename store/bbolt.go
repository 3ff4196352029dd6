package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// BboltStorage implements Storage on a single bbolt database. Every
// concern gets its own bucket; composite keys use a NUL separator so
// per-stream ranges stay contiguous under the cursor.
type BboltStorage struct {
	db *bbolt.DB
}

var (
	bucketStreams     = []byte("streams")
	bucketOps         = []byte("ops")
	bucketProducers   = []byte("producers")
	bucketSegments    = []byte("segments")
	bucketSubscribers = []byte("subscribers")
	bucketSessions    = []byte("sessions")
)

var allBuckets = [][]byte{
	bucketStreams, bucketOps, bucketProducers,
	bucketSegments, bucketSubscribers, bucketSessions,
}

// NewBboltStorage opens (or creates) the database under dataDir.
func NewBboltStorage(dataDir string) (*BboltStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dataDir, "streams.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BboltStorage{db: db}, nil
}

const keySep = "\x00"

func compositeKey(streamID, suffix string) []byte {
	return []byte(streamID + keySep + suffix)
}

func offsetKey(streamID string, offset uint64) []byte {
	return compositeKey(streamID, fmt.Sprintf("%020d", offset))
}

func readSeqKey(streamID string, readSeq uint64) []byte {
	return compositeKey(streamID, fmt.Sprintf("%020d", readSeq))
}

func streamPrefix(streamID string) []byte {
	return []byte(streamID + keySep)
}

// --- stream metadata ---

func (s *BboltStorage) GetStream(streamID string) (*StreamMeta, error) {
	var meta *StreamMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStreams).Get([]byte(streamID))
		if data == nil {
			return ErrStreamNotFound
		}
		meta = new(StreamMeta)
		return json.Unmarshal(data, meta)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *BboltStorage) InsertStream(meta *StreamMeta) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStreams)
		if b.Get([]byte(meta.StreamID)) != nil {
			return ErrStreamExists
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(meta.StreamID), data)
	})
}

func (s *BboltStorage) UpdateStream(streamID string, up MetaUpdate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return updateStreamInTx(tx, streamID, up)
	})
}

func updateStreamInTx(tx *bbolt.Tx, streamID string, up MetaUpdate) error {
	b := tx.Bucket(bucketStreams)
	data := b.Get([]byte(streamID))
	if data == nil {
		return ErrStreamNotFound
	}
	var meta StreamMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	up.apply(&meta)
	out, err := json.Marshal(&meta)
	if err != nil {
		return err
	}
	return b.Put([]byte(streamID), out)
}

func (s *BboltStorage) DeleteStreamData(streamID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketStreams).Get([]byte(streamID)) == nil {
			return ErrStreamNotFound
		}
		if err := tx.Bucket(bucketStreams).Delete([]byte(streamID)); err != nil {
			return err
		}
		prefix := streamPrefix(streamID)
		for _, name := range [][]byte{bucketOps, bucketProducers, bucketSegments, bucketSubscribers} {
			if err := deletePrefix(tx.Bucket(name), prefix); err != nil {
				return err
			}
		}
		return nil
	})
}

func deletePrefix(b *bbolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	var doomed [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		key := make([]byte, len(k))
		copy(key, k)
		doomed = append(doomed, key)
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BboltStorage) ListStreams() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// --- atomic append ---

func (s *BboltStorage) AppendBatch(streamID string, batch AppendBatch) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(bucketOps)
		for i := range batch.Ops {
			op := &batch.Ops[i]
			data, err := json.Marshal(op)
			if err != nil {
				return err
			}
			if err := ops.Put(offsetKey(streamID, op.StartOffset), data); err != nil {
				return err
			}
		}
		if err := updateStreamInTx(tx, streamID, batch.Meta); err != nil {
			return err
		}
		if batch.Producer != nil {
			data, err := json.Marshal(&batch.Producer.State)
			if err != nil {
				return err
			}
			key := compositeKey(streamID, batch.Producer.ProducerID)
			if err := tx.Bucket(bucketProducers).Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- producer state ---

func (s *BboltStorage) GetProducer(streamID, producerID string) (*ProducerState, error) {
	var state *ProducerState
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketProducers).Get(compositeKey(streamID, producerID))
		if data == nil {
			return nil
		}
		state = new(ProducerState)
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *BboltStorage) DeleteProducer(streamID, producerID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProducers).Delete(compositeKey(streamID, producerID))
	})
}

// --- hot region ---

func (s *BboltStorage) HotOverlap(streamID string, offset uint64) (*HotOp, error) {
	var row *HotOp
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOps).Cursor()
		prefix := streamPrefix(streamID)
		target := offsetKey(streamID, offset)
		k, v := c.Seek(target)
		if k != nil && bytes.Equal(k, target) {
			row = new(HotOp)
			return json.Unmarshal(v, row)
		}
		// Step back to the row starting below the offset.
		if k == nil || !bytes.HasPrefix(k, prefix) {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		var op HotOp
		if err := json.Unmarshal(v, &op); err != nil {
			return err
		}
		if op.StartOffset <= offset && offset < op.EndOffset {
			row = &op
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *BboltStorage) HotFrom(streamID string, offset uint64, limit int) ([]HotOp, error) {
	var rows []HotOp
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOps).Cursor()
		prefix := streamPrefix(streamID)
		for k, v := c.Seek(offsetKey(streamID, offset)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var op HotOp
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			rows = append(rows, op)
			if limit > 0 && len(rows) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *BboltStorage) HotStats(streamID string) (HotStats, error) {
	var stats HotStats
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOps).Cursor()
		prefix := streamPrefix(streamID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var op HotOp
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			stats.MessageCount++
			stats.Bytes += int64(op.SizeBytes)
		}
		return nil
	})
	return stats, err
}

func (s *BboltStorage) DeleteHotBelow(streamID string, upTo uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOps)
		c := b.Cursor()
		prefix := streamPrefix(streamID)
		var doomed [][]byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var op HotOp
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.EndOffset > upTo {
				break
			}
			key := make([]byte, len(k))
			copy(key, k)
			doomed = append(doomed, key)
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- segment index ---

func (s *BboltStorage) InsertSegment(rec *SegmentRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSegments).Put(readSeqKey(rec.StreamID, rec.ReadSeq), data)
	})
}

func (s *BboltStorage) SegmentCovering(streamID string, offset uint64) (*SegmentRecord, error) {
	return s.findSegment(streamID, func(rec *SegmentRecord) bool {
		return rec.StartOffset <= offset && offset < rec.EndOffset
	})
}

func (s *BboltStorage) SegmentStartingAt(streamID string, offset uint64) (*SegmentRecord, error) {
	return s.findSegment(streamID, func(rec *SegmentRecord) bool {
		return rec.StartOffset == offset
	})
}

func (s *BboltStorage) SegmentByReadSeq(streamID string, readSeq uint64) (*SegmentRecord, error) {
	var rec *SegmentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSegments).Get(readSeqKey(streamID, readSeq))
		if data == nil {
			return nil
		}
		rec = new(SegmentRecord)
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BboltStorage) findSegment(streamID string, match func(*SegmentRecord) bool) (*SegmentRecord, error) {
	var found *SegmentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSegments).Cursor()
		prefix := streamPrefix(streamID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec SegmentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if match(&rec) {
				found = &rec
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *BboltStorage) ListSegments(streamID string) ([]SegmentRecord, error) {
	var recs []SegmentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSegments).Cursor()
		prefix := streamPrefix(streamID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec SegmentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// --- subscriber set ---

func (s *BboltStorage) AddSubscriber(sourceStreamID, sessionID string) (bool, error) {
	added := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscribers)
		key := compositeKey(sourceStreamID, sessionID)
		if b.Get(key) != nil {
			return nil
		}
		added = true
		return b.Put(key, []byte("1"))
	})
	return added, err
}

func (s *BboltStorage) RemoveSubscriber(sourceStreamID, sessionID string) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscribers)
		key := compositeKey(sourceStreamID, sessionID)
		if b.Get(key) == nil {
			return nil
		}
		removed = true
		return b.Delete(key)
	})
	return removed, err
}

func (s *BboltStorage) ListSubscribers(sourceStreamID string) ([]string, error) {
	var sessions []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSubscribers).Cursor()
		prefix := streamPrefix(sourceStreamID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			sessions = append(sessions, string(k[len(prefix):]))
		}
		return nil
	})
	return sessions, err
}

// --- sessions ---

func (s *BboltStorage) GetSession(sessionID string) (*SessionMeta, error) {
	var meta *SessionMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if data == nil {
			return ErrSessionNotFound
		}
		meta = new(SessionMeta)
		return json.Unmarshal(data, meta)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *BboltStorage) PutSession(meta *SessionMeta) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(meta.SessionID), data)
	})
}

func (s *BboltStorage) DeleteSession(sessionID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(sessionID))
	})
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}
