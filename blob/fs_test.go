package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestFSStoreRoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	key := "stream/c3RyZWFt/segment-0.seg"
	data := []byte("length-prefixed segment body")
	if err := s.Put(ctx, key, data); err != nil {
		t.Fatal(err)
	}

	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data mismatch")
	}

	// Put is idempotent by key.
	if err := s.Put(ctx, key, data); err != nil {
		t.Fatalf("re-put failed: %v", err)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
	// Deleting a missing key is not an error.
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
}

func TestFSStoreList(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	keys := []string{
		"stream/a/segment-0.seg",
		"stream/a/segment-1.seg",
		"stream/b/segment-0.seg",
		"other/thing",
	}
	for _, k := range keys {
		if err := s.Put(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, "stream/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("List(stream/) = %v, want 3 keys", got)
	}
	got, err = s.List(ctx, "stream/a/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("List(stream/a/) = %v, want 2 keys", got)
	}
}
