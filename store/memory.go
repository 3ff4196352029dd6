package store

import (
	"sort"
	"sync"
)

// MemoryStorage is a map-backed Storage used in tests. A single mutex
// stands in for bbolt's transaction, which keeps AppendBatch atomic.
type MemoryStorage struct {
	mu          sync.RWMutex
	streams     map[string]*StreamMeta
	ops         map[string][]HotOp // sorted by StartOffset
	producers   map[string]map[string]*ProducerState
	segments    map[string][]SegmentRecord // sorted by ReadSeq
	subscribers map[string]map[string]struct{}
	sessions    map[string]*SessionMeta
}

// NewMemoryStorage builds an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		streams:     make(map[string]*StreamMeta),
		ops:         make(map[string][]HotOp),
		producers:   make(map[string]map[string]*ProducerState),
		segments:    make(map[string][]SegmentRecord),
		subscribers: make(map[string]map[string]struct{}),
		sessions:    make(map[string]*SessionMeta),
	}
}

func (s *MemoryStorage) GetStream(streamID string) (*StreamMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	cp := *meta
	return &cp, nil
}

func (s *MemoryStorage) InsertStream(meta *StreamMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[meta.StreamID]; ok {
		return ErrStreamExists
	}
	cp := *meta
	s.streams[meta.StreamID] = &cp
	return nil
}

func (s *MemoryStorage) UpdateStream(streamID string, up MetaUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.streams[streamID]
	if !ok {
		return ErrStreamNotFound
	}
	up.apply(meta)
	return nil
}

func (s *MemoryStorage) DeleteStreamData(streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[streamID]; !ok {
		return ErrStreamNotFound
	}
	delete(s.streams, streamID)
	delete(s.ops, streamID)
	delete(s.producers, streamID)
	delete(s.segments, streamID)
	delete(s.subscribers, streamID)
	return nil
}

func (s *MemoryStorage) ListStreams() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStorage) AppendBatch(streamID string, batch AppendBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.streams[streamID]
	if !ok {
		return ErrStreamNotFound
	}
	s.ops[streamID] = append(s.ops[streamID], batch.Ops...)
	batch.Meta.apply(meta)
	if batch.Producer != nil {
		if s.producers[streamID] == nil {
			s.producers[streamID] = make(map[string]*ProducerState)
		}
		cp := batch.Producer.State
		s.producers[streamID][batch.Producer.ProducerID] = &cp
	}
	return nil
}

func (s *MemoryStorage) GetProducer(streamID, producerID string) (*ProducerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.producers[streamID][producerID]
	if !ok {
		return nil, nil
	}
	cp := *state
	return &cp, nil
}

func (s *MemoryStorage) DeleteProducer(streamID, producerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers[streamID], producerID)
	return nil
}

func (s *MemoryStorage) HotOverlap(streamID string, offset uint64) (*HotOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.ops[streamID] {
		op := &s.ops[streamID][i]
		if op.StartOffset <= offset && offset < op.EndOffset {
			cp := *op
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) HotFrom(streamID string, offset uint64, limit int) ([]HotOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []HotOp
	for _, op := range s.ops[streamID] {
		if op.StartOffset >= offset {
			rows = append(rows, op)
			if limit > 0 && len(rows) >= limit {
				break
			}
		}
	}
	return rows, nil
}

func (s *MemoryStorage) HotStats(streamID string) (HotStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats HotStats
	for _, op := range s.ops[streamID] {
		stats.MessageCount++
		stats.Bytes += int64(op.SizeBytes)
	}
	return stats, nil
}

func (s *MemoryStorage) DeleteHotBelow(streamID string, upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.ops[streamID][:0]
	for _, op := range s.ops[streamID] {
		if op.EndOffset > upTo {
			kept = append(kept, op)
		}
	}
	s.ops[streamID] = kept
	return nil
}

func (s *MemoryStorage) InsertSegment(rec *SegmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	segs := s.segments[rec.StreamID]
	for i := range segs {
		if segs[i].ReadSeq == rec.ReadSeq {
			segs[i] = cp
			return nil
		}
	}
	s.segments[rec.StreamID] = append(segs, cp)
	sort.Slice(s.segments[rec.StreamID], func(i, j int) bool {
		return s.segments[rec.StreamID][i].ReadSeq < s.segments[rec.StreamID][j].ReadSeq
	})
	return nil
}

func (s *MemoryStorage) SegmentCovering(streamID string, offset uint64) (*SegmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.segments[streamID] {
		rec := &s.segments[streamID][i]
		if rec.StartOffset <= offset && offset < rec.EndOffset {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) SegmentStartingAt(streamID string, offset uint64) (*SegmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.segments[streamID] {
		rec := &s.segments[streamID][i]
		if rec.StartOffset == offset {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) SegmentByReadSeq(streamID string, readSeq uint64) (*SegmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.segments[streamID] {
		rec := &s.segments[streamID][i]
		if rec.ReadSeq == readSeq {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) ListSegments(streamID string) ([]SegmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SegmentRecord, len(s.segments[streamID]))
	copy(out, s.segments[streamID])
	return out, nil
}

func (s *MemoryStorage) AddSubscriber(sourceStreamID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subscribers[sourceStreamID]
	if set == nil {
		set = make(map[string]struct{})
		s.subscribers[sourceStreamID] = set
	}
	if _, ok := set[sessionID]; ok {
		return false, nil
	}
	set[sessionID] = struct{}{}
	return true, nil
}

func (s *MemoryStorage) RemoveSubscriber(sourceStreamID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subscribers[sourceStreamID]
	if _, ok := set[sessionID]; !ok {
		return false, nil
	}
	delete(set, sessionID)
	return true, nil
}

func (s *MemoryStorage) ListSubscribers(sourceStreamID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []string
	for sid := range s.subscribers[sourceStreamID] {
		sessions = append(sessions, sid)
	}
	sort.Strings(sessions)
	return sessions, nil
}

func (s *MemoryStorage) GetSession(sessionID string) (*SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *meta
	cp.Streams = append([]string(nil), meta.Streams...)
	return &cp, nil
}

func (s *MemoryStorage) PutSession(meta *SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *meta
	cp.Streams = append([]string(nil), meta.Streams...)
	s.sessions[meta.SessionID] = &cp
	return nil
}

func (s *MemoryStorage) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
