package store

import (
	"strings"
	"testing"
	"time"
)

func TestOffsetString(t *testing.T) {
	tests := []struct {
		offset Offset
		want   string
	}{
		{Offset{}, "0000000000000000_0000000000000000"},
		{Offset{ReadSeq: 1, Rel: 42}, "0000000000000001_0000000000000042"},
		{Offset{ReadSeq: 12345, Rel: 9876543210}, "0000000000012345_0000009876543210"},
	}
	for _, tt := range tests {
		if got := tt.offset.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Offset
		wantErr bool
	}{
		{"empty means beginning", "", ZeroOffset, false},
		{"legacy -1 means beginning", "-1", ZeroOffset, false},
		{"canonical zero", "0000000000000000_0000000000000000", ZeroOffset, false},
		{"simple", "1_5", Offset{ReadSeq: 1, Rel: 5}, false},
		{"padded", "0000000000000002_0000000000000010", Offset{ReadSeq: 2, Rel: 10}, false},
		{"no underscore", "12345", Offset{}, true},
		{"two underscores", "1_2_3", Offset{}, true},
		{"leading underscore", "_5", Offset{}, true},
		{"trailing underscore", "5_", Offset{}, true},
		{"letters", "1_5a", Offset{}, true},
		{"spaces", "1 _5", Offset{}, true},
		{"negative component", "1_-5", Offset{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOffset(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseOffset(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOffset(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseOffset(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseOffsetRoundTrip(t *testing.T) {
	for _, o := range []Offset{
		{},
		{ReadSeq: 3, Rel: 999},
		{ReadSeq: 18446744073709551615, Rel: 1},
	} {
		parsed, err := ParseOffset(o.String())
		if err != nil {
			t.Fatalf("round trip failed for %v: %v", o, err)
		}
		if parsed != o {
			t.Errorf("round trip %v -> %v", o, parsed)
		}
	}
}

func TestCompare(t *testing.T) {
	a := Offset{ReadSeq: 1, Rel: 10}
	b := Offset{ReadSeq: 2, Rel: 0}
	if Compare(a, b) != -1 {
		t.Error("lower read seq should sort first")
	}
	if Compare(b, a) != 1 {
		t.Error("higher read seq should sort last")
	}
	if Compare(a, a) != 0 {
		t.Error("equal offsets should compare 0")
	}
	if Compare(Offset{ReadSeq: 1, Rel: 5}, a) != -1 {
		t.Error("same seq, lower rel should sort first")
	}
}

// segmentedMeta builds a stream with two sealed segments and a hot
// region: seg0 [0,100), seg1 [100,250), hot [250,tail).
func segmentedMeta(t *testing.T) (*StreamMeta, *MemoryStorage) {
	t.Helper()
	st := NewMemoryStorage()
	meta := &StreamMeta{
		StreamID:     "orders/events",
		ContentType:  "application/octet-stream",
		TailOffset:   300,
		SegmentStart: 250,
		ReadSeq:      2,
		CreatedAt:    time.Now(),
	}
	if err := st.InsertStream(meta); err != nil {
		t.Fatal(err)
	}
	for _, rec := range []SegmentRecord{
		{StreamID: meta.StreamID, ReadSeq: 0, StartOffset: 0, EndOffset: 100, BlobKey: "k0"},
		{StreamID: meta.StreamID, ReadSeq: 1, StartOffset: 100, EndOffset: 250, BlobKey: "k1"},
	} {
		rec := rec
		if err := st.InsertSegment(&rec); err != nil {
			t.Fatal(err)
		}
	}
	return meta, st
}

func TestEncodeOffset(t *testing.T) {
	meta, st := segmentedMeta(t)

	tests := []struct {
		name string
		abs  uint64
		want Offset
	}{
		{"hot region", 260, Offset{ReadSeq: 2, Rel: 10}},
		{"hot start", 250, Offset{ReadSeq: 2, Rel: 0}},
		{"tail", 300, Offset{ReadSeq: 2, Rel: 50}},
		{"first segment", 50, Offset{ReadSeq: 0, Rel: 50}},
		{"second segment", 100, Offset{ReadSeq: 1, Rel: 0}},
		{"segment interior", 249, Offset{ReadSeq: 1, Rel: 149}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeOffset(st, meta, tt.abs)
			if err != nil {
				t.Fatalf("EncodeOffset(%d) failed: %v", tt.abs, err)
			}
			if got != tt.want {
				t.Errorf("EncodeOffset(%d) = %+v, want %+v", tt.abs, got, tt.want)
			}
		})
	}

	if _, err := EncodeOffset(st, meta, 301); err == nil {
		t.Error("encoding beyond tail should fail")
	}
}

func TestEncodeOffsetClosedEmptyHot(t *testing.T) {
	// A stream closed right after rotation has an empty hot region; its
	// tail keeps encoding against the last sealed segment.
	meta, st := segmentedMeta(t)
	meta.Closed = true
	meta.SegmentStart = 250
	meta.TailOffset = 250

	got, err := EncodeOffset(st, meta, 250)
	if err != nil {
		t.Fatalf("EncodeOffset failed: %v", err)
	}
	want := Offset{ReadSeq: 1, Rel: 150}
	if got != want {
		t.Errorf("closed-tail encoding = %+v, want %+v", got, want)
	}

	// The token still decodes back to the tail.
	abs, err := DecodeOffset(st, meta, got)
	if err != nil {
		t.Fatalf("DecodeOffset failed: %v", err)
	}
	if abs != 250 {
		t.Errorf("decoded %d, want 250", abs)
	}
}

func TestDecodeOffset(t *testing.T) {
	meta, st := segmentedMeta(t)

	tests := []struct {
		name    string
		tok     Offset
		want    uint64
		wantErr bool
	}{
		{"zero", ZeroOffset, 0, false},
		{"hot", Offset{ReadSeq: 2, Rel: 25}, 275, false},
		{"hot tail", Offset{ReadSeq: 2, Rel: 50}, 300, false},
		{"first segment", Offset{ReadSeq: 0, Rel: 99}, 99, false},
		{"segment end boundary", Offset{ReadSeq: 0, Rel: 100}, 100, false},
		{"future read seq", Offset{ReadSeq: 3, Rel: 0}, 0, true},
		{"beyond tail", Offset{ReadSeq: 2, Rel: 51}, 0, true},
		{"beyond segment end", Offset{ReadSeq: 0, Rel: 101}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeOffset(st, meta, tt.tok)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeOffset(%+v) succeeded, want error", tt.tok)
				}
				if !strings.Contains(err.Error(), "invalid offset") {
					t.Errorf("error should classify as invalid offset, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeOffset(%+v) failed: %v", tt.tok, err)
			}
			if got != tt.want {
				t.Errorf("DecodeOffset(%+v) = %d, want %d", tt.tok, got, tt.want)
			}
		})
	}
}
