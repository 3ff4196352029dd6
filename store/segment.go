package store

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
)

// Segment blob format:
// Each message is stored as:
//   [4-byte big-endian length][data bytes]
// Messages are concatenated without separators.
//
// For JSON streams each JSON value is one record and one offset unit;
// for opaque streams each record is one append and every payload byte
// is one offset unit.

const (
	// LengthPrefixSize is the size of the length prefix in bytes
	LengthPrefixSize = 4

	// MaxMessageSize is the maximum allowed message size (64MB)
	MaxMessageSize = 64 * 1024 * 1024
)

var (
	// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize
	ErrMessageTooLarge = errors.New("message too large")

	// ErrCorruptedSegment is returned when a segment blob appears corrupted
	ErrCorruptedSegment = errors.New("corrupted segment blob")
)

// SegmentBlobKey builds the blob key for a stream's rotated segment.
// The stream id is base64url-encoded so arbitrary ids stay key-safe.
func SegmentBlobKey(streamID string, readSeq uint64) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(streamID))
	return "stream/" + enc + "/segment-" + strconv.FormatUint(readSeq, 10) + ".seg"
}

// WriteMessage writes one length-prefixed record.
// Returns the number of bytes written including the prefix.
func WriteMessage(w io.Writer, data []byte) (int, error) {
	if len(data) > MaxMessageSize {
		return 0, ErrMessageTooLarge
	}
	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}
	n2, err := w.Write(data)
	return n + n2, err
}

// ReadMessage reads one length-prefixed record.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, ErrCorruptedSegment
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// EncodeSegment frames a hot region's message bodies into one blob.
func EncodeSegment(msgs [][]byte) ([]byte, error) {
	var total int
	for _, m := range msgs {
		total += LengthPrefixSize + len(m)
	}
	var buf bytes.Buffer
	buf.Grow(total)
	for _, m := range msgs {
		if _, err := WriteMessage(&buf, m); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// SegmentScan streams records out of a segment blob. It can skip until
// a target offset within the segment's unit space and then collect
// messages while accumulating at most maxChunkBytes of output.
type SegmentScan struct {
	r         *bufio.Reader
	Truncated bool
}

// NewSegmentScan wraps a blob body for streaming decode.
func NewSegmentScan(r io.Reader) *SegmentScan {
	return &SegmentScan{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next yields the next record, io.EOF at a clean end, or
// ErrSegmentTruncated when the blob ends mid-record.
func (s *SegmentScan) Next() ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	n, err := io.ReadFull(s.r, lenBuf[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		if n > 0 || errors.Is(err, io.ErrUnexpectedEOF) {
			s.Truncated = true
			return nil, ErrSegmentTruncated
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, ErrCorruptedSegment
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(s.r, data); err != nil {
		s.Truncated = true
		return nil, ErrSegmentTruncated
	}
	return data, nil
}

// SegmentSlice is the result of reading a span out of a segment blob.
type SegmentSlice struct {
	Messages [][]byte
	// Units consumed in the segment's offset space (messages for JSON,
	// payload bytes for opaque), counted from the requested skip point.
	Units uint64
	// Exhausted is true when the scan reached the blob's clean end.
	Exhausted bool
}

// ReadJSONSlice skips skipMessages records, then collects records until
// maxChunkBytes of output would be exceeded. At least one record is
// returned when available regardless of the cap.
func (s *SegmentScan) ReadJSONSlice(skipMessages uint64, maxChunkBytes int) (SegmentSlice, error) {
	var out SegmentSlice
	for i := uint64(0); i < skipMessages; i++ {
		if _, err := s.Next(); err != nil {
			if err == io.EOF {
				out.Exhausted = true
				return out, nil
			}
			return out, err
		}
	}
	var size int
	for {
		msg, err := s.Next()
		if err == io.EOF {
			out.Exhausted = true
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if len(out.Messages) > 0 && size+len(msg) > maxChunkBytes {
			return out, nil
		}
		out.Messages = append(out.Messages, msg)
		out.Units++
		size += len(msg)
		if size >= maxChunkBytes {
			return out, nil
		}
	}
}

// ReadOpaqueSlice skips skipBytes of payload (slicing mid-record when
// the skip lands inside one), then collects payload bytes until
// maxChunkBytes would be exceeded.
func (s *SegmentScan) ReadOpaqueSlice(skipBytes uint64, maxChunkBytes int) (SegmentSlice, error) {
	var out SegmentSlice
	var pos uint64
	var size int
	for {
		msg, err := s.Next()
		if err == io.EOF {
			out.Exhausted = true
			return out, nil
		}
		if err != nil {
			return out, err
		}
		end := pos + uint64(len(msg))
		if end <= skipBytes {
			pos = end
			continue
		}
		if pos < skipBytes {
			msg = msg[skipBytes-pos:]
			pos = skipBytes
		}
		if size > 0 && size+len(msg) > maxChunkBytes {
			return out, nil
		}
		if size+len(msg) > maxChunkBytes {
			msg = msg[:maxChunkBytes-size]
		}
		out.Messages = append(out.Messages, msg)
		out.Units += uint64(len(msg))
		size += len(msg)
		pos = end
		if size >= maxChunkBytes {
			return out, nil
		}
	}
}
