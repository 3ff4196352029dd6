package streamengine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/stream-engine/blob"
	"github.com/durable-streams/stream-engine/fanout"
	"github.com/durable-streams/stream-engine/store"
)

func newTestHandler(t *testing.T, mutate func(*store.Config)) *Handler {
	t.Helper()
	cfg := store.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	metrics := store.NewMetrics(nil)
	engine := store.NewEngine(store.NewMemoryStorage(), blobs, cfg, nil, metrics)

	h := &Handler{
		cfg:         cfg,
		engine:      engine,
		metrics:     metrics,
		logger:      zap.NewNop(),
		broadcaster: NewBroadcaster(metrics),
	}
	engine.AddObserver(h.broadcaster)
	engine.AddObserver(fanout.NewManager(engine, nil, cfg, nil, metrics))
	return h
}

var passThrough = caddyhttp.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusTeapot)
	return nil
})

func (h *Handler) do(t *testing.T, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	if err := h.ServeHTTP(rec, req, passThrough); err != nil {
		t.Fatalf("ServeHTTP returned error: %v", err)
	}
	return rec
}

func zeroToken() string { return store.Offset{}.String() }

func token(readSeq, rel uint64) string {
	return store.Offset{ReadSeq: readSeq, Rel: rel}.String()
}

func TestPutCreateAndVerify(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := h.do(t, http.MethodPut, "/v1/stream/s1", nil, map[string]string{
		"Content-Type": "text/plain",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("PUT = %d, want 201: %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("Location") == "" {
		t.Error("created stream should carry Location")
	}
	if got := rec.Header().Get(HeaderNextOffset); got != zeroToken() {
		t.Errorf("next offset %q", got)
	}

	// Idempotent verify.
	rec = h.do(t, http.MethodPut, "/v1/stream/s1", nil, map[string]string{
		"Content-Type": "text/plain",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify PUT = %d, want 200", rec.Code)
	}

	// Config mismatch conflicts.
	rec = h.do(t, http.MethodPut, "/v1/stream/s1", nil, map[string]string{
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("mismatched PUT = %d, want 409", rec.Code)
	}
}

func TestPutTTLValidation(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := h.do(t, http.MethodPut, "/v1/stream/t", nil, map[string]string{
		"Content-Type":        "text/plain",
		HeaderStreamTTL:       "60",
		HeaderStreamExpiresAt: time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("TTL+ExpiresAt = %d, want 400", rec.Code)
	}

	for _, bad := range []string{"007", "-1", "1.5", "1e3", "+2"} {
		rec := h.do(t, http.MethodPut, "/v1/stream/t", nil, map[string]string{
			"Content-Type":  "text/plain",
			HeaderStreamTTL: bad,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("TTL %q = %d, want 400", bad, rec.Code)
		}
	}

	rec = h.do(t, http.MethodPut, "/v1/stream/t", nil, map[string]string{
		"Content-Type":  "text/plain",
		HeaderStreamTTL: "3600",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("valid TTL PUT = %d: %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get(HeaderStreamTTL); got != "3600" {
		t.Errorf("TTL echo = %q", got)
	}
}

func TestAppendAndCatchUpReads(t *testing.T) {
	h := newTestHandler(t, nil)
	h.do(t, http.MethodPut, "/v1/stream/s1", nil, map[string]string{"Content-Type": "text/plain"})

	for _, chunk := range []string{"abc", "de", "f"} {
		rec := h.do(t, http.MethodPost, "/v1/stream/s1", []byte(chunk), map[string]string{
			"Content-Type": "text/plain",
		})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("POST %q = %d: %s", chunk, rec.Code, rec.Body)
		}
	}

	rec := h.do(t, http.MethodGet, "/v1/stream/s1?offset="+zeroToken(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET = %d", rec.Code)
	}
	if rec.Body.String() != "abcdef" {
		t.Errorf("body = %q, want abcdef", rec.Body.String())
	}
	if rec.Header().Get(HeaderUpToDate) != "true" {
		t.Error("read to tail should set up-to-date")
	}
	if got := rec.Header().Get(HeaderNextOffset); got != token(0, 6) {
		t.Errorf("next offset %q", got)
	}

	rec = h.do(t, http.MethodGet, "/v1/stream/s1?offset="+token(0, 3), nil, nil)
	if rec.Body.String() != "def" {
		t.Errorf("offset 3 body = %q, want def", rec.Body.String())
	}

	// offset=now lands at the tail.
	rec = h.do(t, http.MethodGet, "/v1/stream/s1?offset=now", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("offset=now = %d body %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(HeaderUpToDate) != "true" {
		t.Error("offset=now should be up to date")
	}

	// Malformed offsets reject.
	for _, bad := range []string{"nonsense", "1_2_3", "999_0"} {
		rec := h.do(t, http.MethodGet, "/v1/stream/s1?offset="+bad, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("offset %q = %d, want 400", bad, rec.Code)
		}
	}
	rec = h.do(t, http.MethodGet, "/v1/stream/s1?offset=", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("explicit empty offset = %d, want 400", rec.Code)
	}
}

func TestJSONStreamHTTP(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := h.do(t, http.MethodPut, "/v1/stream/j", []byte(`[{"a":1},{"a":2}]`), map[string]string{
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("PUT = %d: %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get(HeaderNextOffset); got != token(0, 2) {
		t.Errorf("JSON tail counts messages: %q", got)
	}

	rec = h.do(t, http.MethodGet, "/v1/stream/j?offset="+token(0, 1), nil, nil)
	if rec.Body.String() != `[{"a":2}]` {
		t.Errorf("offset 1 = %s", rec.Body.String())
	}

	rec = h.do(t, http.MethodPost, "/v1/stream/j", []byte(`[]`), map[string]string{
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty array POST = %d, want 400", rec.Code)
	}
	rec = h.do(t, http.MethodPost, "/v1/stream/j", []byte(`{broken`), map[string]string{
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON POST = %d, want 400", rec.Code)
	}
}

func TestPostErrors(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/stream/nope", []byte("x"), map[string]string{
		"Content-Type": "text/plain",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST missing stream = %d, want 404", rec.Code)
	}

	h.do(t, http.MethodPut, "/v1/stream/s", nil, map[string]string{"Content-Type": "text/plain"})

	rec = h.do(t, http.MethodPost, "/v1/stream/s", nil, map[string]string{"Content-Type": "text/plain"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body POST = %d, want 400", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/v1/stream/s", []byte("x"), map[string]string{
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("content type mismatch = %d, want 409", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/v1/stream/s", []byte("x"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST without content type = %d, want 400", rec.Code)
	}
}

func TestProducerHTTP(t *testing.T) {
	h := newTestHandler(t, nil)
	h.do(t, http.MethodPut, "/v1/stream/p", nil, map[string]string{"Content-Type": "text/plain"})

	rec := h.do(t, http.MethodPost, "/v1/stream/p", []byte("A"), map[string]string{
		"Content-Type":      "text/plain",
		HeaderProducerID:    "p",
		HeaderProducerEpoch: "0",
		HeaderProducerSeq:   "0",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("producer POST = %d: %s", rec.Code, rec.Body)
	}
	firstNext := rec.Header().Get(HeaderNextOffset)

	// Gap: seq 2 after 0.
	rec = h.do(t, http.MethodPost, "/v1/stream/p", []byte("B"), map[string]string{
		"Content-Type":      "text/plain",
		HeaderProducerID:    "p",
		HeaderProducerEpoch: "0",
		HeaderProducerSeq:   "2",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("gap POST = %d, want 409", rec.Code)
	}
	if rec.Header().Get(HeaderProducerExpected) != "1" || rec.Header().Get(HeaderProducerReceived) != "2" {
		t.Errorf("gap headers = %q/%q", rec.Header().Get(HeaderProducerExpected), rec.Header().Get(HeaderProducerReceived))
	}

	// Duplicate replay: same seq again, 204, same next offset.
	rec = h.do(t, http.MethodPost, "/v1/stream/p", []byte("A"), map[string]string{
		"Content-Type":      "text/plain",
		HeaderProducerID:    "p",
		HeaderProducerEpoch: "0",
		HeaderProducerSeq:   "0",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("duplicate POST = %d, want 204", rec.Code)
	}
	if rec.Header().Get(HeaderNextOffset) != firstNext {
		t.Errorf("duplicate next offset %q, want %q", rec.Header().Get(HeaderNextOffset), firstNext)
	}

	// Stale epoch after an epoch bump.
	h.do(t, http.MethodPost, "/v1/stream/p", []byte("C"), map[string]string{
		"Content-Type":      "text/plain",
		HeaderProducerID:    "p",
		HeaderProducerEpoch: "2",
		HeaderProducerSeq:   "0",
	})
	rec = h.do(t, http.MethodPost, "/v1/stream/p", []byte("D"), map[string]string{
		"Content-Type":      "text/plain",
		HeaderProducerID:    "p",
		HeaderProducerEpoch: "1",
		HeaderProducerSeq:   "0",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stale epoch = %d, want 403", rec.Code)
	}
	if rec.Header().Get(HeaderProducerEpoch) != "2" {
		t.Errorf("stale epoch echo = %q, want 2", rec.Header().Get(HeaderProducerEpoch))
	}

	// Partial producer headers reject.
	rec = h.do(t, http.MethodPost, "/v1/stream/p", []byte("E"), map[string]string{
		"Content-Type":   "text/plain",
		HeaderProducerID: "p",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("partial headers = %d, want 400", rec.Code)
	}

	// First use must start at seq 0.
	rec = h.do(t, http.MethodPost, "/v1/stream/p", []byte("F"), map[string]string{
		"Content-Type":      "text/plain",
		HeaderProducerID:    "fresh",
		HeaderProducerEpoch: "0",
		HeaderProducerSeq:   "5",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("first-use seq 5 = %d, want 400", rec.Code)
	}
}

func TestCloseOverHTTP(t *testing.T) {
	h := newTestHandler(t, nil)
	h.do(t, http.MethodPut, "/v1/stream/c", nil, map[string]string{"Content-Type": "text/plain"})
	h.do(t, http.MethodPost, "/v1/stream/c", []byte("end"), map[string]string{"Content-Type": "text/plain"})

	// Close-only POST: empty body plus the closed header.
	rec := h.do(t, http.MethodPost, "/v1/stream/c", nil, map[string]string{
		HeaderStreamClosed: "true",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close POST = %d: %s", rec.Code, rec.Body)
	}
	if rec.Header().Get(HeaderStreamClosed) != "true" {
		t.Error("close response should flag closed")
	}

	// Appends now conflict, echoing the frozen tail.
	rec = h.do(t, http.MethodPost, "/v1/stream/c", []byte("more"), map[string]string{
		"Content-Type": "text/plain",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("append after close = %d, want 409", rec.Code)
	}
	if rec.Header().Get(HeaderStreamClosed) != "true" {
		t.Error("conflict should carry X-Stream-Closed")
	}
	if rec.Header().Get(HeaderNextOffset) == "" {
		t.Error("conflict should echo the frozen tail")
	}

	// Reads at the tail flag closure; HEAD reflects it too.
	rec = h.do(t, http.MethodGet, "/v1/stream/c?offset="+zeroToken(), nil, nil)
	if rec.Body.String() != "end" {
		t.Errorf("closed stream read = %q", rec.Body.String())
	}
	if rec.Header().Get(HeaderStreamClosed) != "true" {
		t.Error("read at closed tail should flag closed")
	}
	if !strings.HasSuffix(strings.TrimSuffix(rec.Header().Get("ETag"), `"`), ":c") {
		t.Errorf("closed-tail ETag %q should end in :c", rec.Header().Get("ETag"))
	}

	rec = h.do(t, http.MethodHead, "/v1/stream/c", nil, nil)
	if rec.Header().Get(HeaderStreamClosed) != "true" {
		t.Error("HEAD should flag closed")
	}
}

func TestETag304(t *testing.T) {
	h := newTestHandler(t, nil)
	h.do(t, http.MethodPut, "/v1/stream/e", nil, map[string]string{"Content-Type": "text/plain"})
	h.do(t, http.MethodPost, "/v1/stream/e", []byte("body"), map[string]string{"Content-Type": "text/plain"})

	rec := h.do(t, http.MethodGet, "/v1/stream/e?offset="+zeroToken(), nil, nil)
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	rec = h.do(t, http.MethodGet, "/v1/stream/e?offset="+zeroToken(), nil, map[string]string{
		"If-None-Match": etag,
	})
	if rec.Code != http.StatusNotModified {
		t.Errorf("matching If-None-Match = %d, want 304", rec.Code)
	}
}

func TestDeleteOverHTTP(t *testing.T) {
	h := newTestHandler(t, nil)
	h.do(t, http.MethodPut, "/v1/stream/d", nil, map[string]string{"Content-Type": "text/plain"})

	rec := h.do(t, http.MethodDelete, "/v1/stream/d", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rec.Code)
	}
	rec = h.do(t, http.MethodDelete, "/v1/stream/d", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double DELETE = %d, want 404", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/v1/stream/d?offset="+zeroToken(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET after DELETE = %d, want 404", rec.Code)
	}
}

func TestStreamIDHeaderRouting(t *testing.T) {
	h := newTestHandler(t, nil)

	// The edge dispatcher addresses streams via X-Stream-Id on any path.
	rec := h.do(t, http.MethodPut, "/anything", nil, map[string]string{
		"Content-Type": "text/plain",
		HeaderStreamID: "routed/by/header",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("header-routed PUT = %d", rec.Code)
	}
	rec = h.do(t, http.MethodHead, "/v1/stream/routed%2Fby%2Fheader", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("path-routed HEAD = %d", rec.Code)
	}

	// No header, no stream path: passes through to the next handler.
	rec = h.do(t, http.MethodGet, "/unrelated", nil, nil)
	if rec.Code != http.StatusTeapot {
		t.Errorf("unrelated path = %d, want pass-through", rec.Code)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	h := newTestHandler(t, func(c *store.Config) { c.MaxAppendBytes = 8 })
	h.do(t, http.MethodPut, "/v1/stream/big", nil, map[string]string{"Content-Type": "text/plain"})

	rec := h.do(t, http.MethodPost, "/v1/stream/big", bytes.Repeat([]byte("x"), 9), map[string]string{
		"Content-Type": "text/plain",
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize POST = %d, want 413", rec.Code)
	}
}

func TestLongPollHTTP(t *testing.T) {
	h := newTestHandler(t, nil)
	h.LongPollTimeout = caddy.Duration(80 * time.Millisecond)
	h.do(t, http.MethodPut, "/v1/stream/lp", nil, map[string]string{"Content-Type": "text/plain"})
	h.do(t, http.MethodPost, "/v1/stream/lp", []byte("x"), map[string]string{"Content-Type": "text/plain"})

	t.Run("timeout returns 204", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v1/stream/lp?live=long-poll&offset="+token(0, 1), nil, nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("long-poll timeout = %d, want 204", rec.Code)
		}
		if rec.Header().Get(HeaderUpToDate) != "true" {
			t.Error("timeout should flag up-to-date")
		}
		if rec.Header().Get(HeaderCursor) == "" {
			t.Error("long-poll responses carry a cursor")
		}
	})

	t.Run("wakes on append", func(t *testing.T) {
		h.LongPollTimeout = caddy.Duration(5 * time.Second)
		type result struct {
			code int
			body string
			next string
		}
		done := make(chan result, 1)
		go func() {
			rec := h.do(t, http.MethodGet, "/v1/stream/lp?live=long-poll&offset="+token(0, 1), nil, nil)
			done <- result{rec.Code, rec.Body.String(), rec.Header().Get(HeaderNextOffset)}
		}()
		time.Sleep(30 * time.Millisecond)
		h.do(t, http.MethodPost, "/v1/stream/lp", []byte("Z"), map[string]string{"Content-Type": "text/plain"})

		select {
		case res := <-done:
			if res.code != http.StatusOK {
				t.Fatalf("woken long-poll = %d", res.code)
			}
			if res.body != "Z" {
				t.Errorf("woken body = %q, want Z", res.body)
			}
			if res.next != token(0, 2) {
				t.Errorf("woken next offset = %q", res.next)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("long-poll did not wake")
		}
	})

	t.Run("requires offset", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v1/stream/lp?live=long-poll", nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("long-poll without offset = %d, want 400", rec.Code)
		}
	})
}

func TestSSEStream(t *testing.T) {
	h := newTestHandler(t, nil)
	h.SSEIdleTimeout = caddy.Duration(2 * time.Second)
	h.do(t, http.MethodPut, "/v1/stream/sse", nil, map[string]string{"Content-Type": "text/plain"})
	h.do(t, http.MethodPost, "/v1/stream/sse", []byte("first"), map[string]string{"Content-Type": "text/plain"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeHTTP(w, r, passThrough)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stream/sse?live=sse&offset=" + zeroToken())
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readFrame := func() (event string, data []string) {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read frame: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return event, data
			}
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				event = v
			} else if v, ok := strings.CutPrefix(line, "data: "); ok {
				data = append(data, v)
			}
		}
	}

	// Catch-up burst: the existing payload, then a control frame.
	event, data := readFrame()
	if event != "data" || strings.Join(data, "\n") != "first" {
		t.Fatalf("catch-up frame = %q %v", event, data)
	}
	event, data = readFrame()
	if event != "control" {
		t.Fatalf("expected control frame, got %q", event)
	}
	var ctrl map[string]any
	if err := json.Unmarshal([]byte(strings.Join(data, "")), &ctrl); err != nil {
		t.Fatalf("control frame is not JSON: %v", err)
	}
	if ctrl["streamNextOffset"] != token(0, 5) {
		t.Errorf("control next offset = %v", ctrl["streamNextOffset"])
	}
	if ctrl["upToDate"] != true {
		t.Errorf("control upToDate = %v", ctrl["upToDate"])
	}

	// A live append pushes a new data frame.
	h.do(t, http.MethodPost, "/v1/stream/sse", []byte("second"), map[string]string{"Content-Type": "text/plain"})
	event, data = readFrame()
	if event != "data" || strings.Join(data, "\n") != "second" {
		t.Fatalf("live frame = %q %v", event, data)
	}
	event, _ = readFrame()
	if event != "control" {
		t.Fatalf("expected control after live data, got %q", event)
	}
}

func TestSSEBase64ForBinaryStreams(t *testing.T) {
	h := newTestHandler(t, nil)
	h.SSEIdleTimeout = caddy.Duration(time.Second)
	h.do(t, http.MethodPut, "/v1/stream/bin", nil, map[string]string{"Content-Type": "application/octet-stream"})
	h.do(t, http.MethodPost, "/v1/stream/bin", []byte{0x01, 0x02}, map[string]string{"Content-Type": "application/octet-stream"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeHTTP(w, r, passThrough)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stream/bin?live=sse&offset=" + zeroToken())
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get(HeaderSSEDataEncoding) != "base64" {
		t.Error("binary SSE should advertise base64 framing")
	}
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != "event: data" {
		t.Fatalf("first line %q", line)
	}
	line, _ = reader.ReadString('\n')
	payload := strings.TrimPrefix(strings.TrimSpace(line), "data: ")
	if payload != "AQI=" {
		t.Errorf("base64 payload = %q, want AQI=", payload)
	}
}

func TestInternalSessionAndFanOut(t *testing.T) {
	h := newTestHandler(t, nil)

	// Source stream.
	h.do(t, http.MethodPut, "/v1/stream/src", nil, map[string]string{"Content-Type": "application/json"})

	// Session init.
	rec := h.do(t, http.MethodPost, "/internal/session", nil, map[string]string{
		HeaderStreamID: "subscriptions/sess-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("session init = %d: %s", rec.Code, rec.Body)
	}

	// Subscribe sess-1 to src.
	rec = h.do(t, http.MethodPost, "/internal/subscriptions", []byte(`{"stream":"src"}`), map[string]string{
		HeaderStreamID: "subscriptions/sess-1",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("subscribe = %d: %s", rec.Code, rec.Body)
	}

	rec = h.do(t, http.MethodGet, "/internal/subscriptions", nil, map[string]string{
		HeaderStreamID: "subscriptions/sess-1",
	})
	var listing struct {
		Streams []string `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil || len(listing.Streams) != 1 {
		t.Fatalf("subscription listing = %s", rec.Body)
	}

	// Append to the source; inline fan-out lands in the session stream.
	rec = h.do(t, http.MethodPost, "/v1/stream/src", []byte(`{"hello":"world"}`), map[string]string{
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("source POST = %d: %s", rec.Code, rec.Body)
	}

	rec = h.do(t, http.MethodGet, "/v1/stream/subscriptions%2Fsess-1?offset="+zeroToken(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session stream GET = %d: %s", rec.Code, rec.Body)
	}
	var envs []struct {
		Stream  string          `json:"stream"`
		Offset  string          `json:"offset"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envs); err != nil {
		t.Fatalf("session stream body: %v (%s)", err, rec.Body)
	}
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	if envs[0].Stream != "src" || envs[0].Type != "data" {
		t.Errorf("envelope = %+v", envs[0])
	}
	if string(envs[0].Payload) != `{"hello":"world"}` {
		t.Errorf("payload = %s", envs[0].Payload)
	}

	// Unsubscribe stops fan-out.
	rec = h.do(t, http.MethodDelete, "/internal/subscriptions", []byte(`{"stream":"src"}`), map[string]string{
		HeaderStreamID: "subscriptions/sess-1",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unsubscribe = %d", rec.Code)
	}
	h.do(t, http.MethodPost, "/v1/stream/src", []byte(`{"n":2}`), map[string]string{
		"Content-Type": "application/json",
	})
	rec = h.do(t, http.MethodGet, "/v1/stream/subscriptions%2Fsess-1?offset="+zeroToken(), nil, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &envs); err != nil || len(envs) != 1 {
		t.Errorf("after unsubscribe: %s", rec.Body)
	}
}

func TestInternalFanInAppend(t *testing.T) {
	h := newTestHandler(t, nil)

	h.do(t, http.MethodPost, "/internal/session", nil, map[string]string{
		HeaderStreamID: "subscriptions/s",
	})

	env := `{"stream":"src","offset":"` + zeroToken() + `","type":"data","payload":{"k":1}}`
	rec := h.do(t, http.MethodPost, "/internal/fan-in-append", []byte(env), map[string]string{
		HeaderStreamID: "subscriptions/s",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("fan-in append = %d: %s", rec.Code, rec.Body)
	}
	if rec.Header().Get(HeaderNextOffset) != token(0, 1) {
		t.Errorf("fan-in next offset = %q", rec.Header().Get(HeaderNextOffset))
	}

	// Unknown session: 404.
	rec = h.do(t, http.MethodPost, "/internal/fan-in-append", []byte(env), map[string]string{
		HeaderStreamID: "subscriptions/ghost",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("fan-in to unknown session = %d, want 404", rec.Code)
	}

	// Non-session stream id rejected.
	rec = h.do(t, http.MethodPost, "/internal/fan-in-append", []byte(env), map[string]string{
		HeaderStreamID: "plain/stream",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("fan-in to non-session stream = %d, want 400", rec.Code)
	}
}

func TestSessionExpiryOverHTTP(t *testing.T) {
	h := newTestHandler(t, func(c *store.Config) { c.SessionTTLSeconds = 1 })
	h.do(t, http.MethodPut, "/v1/stream/src", nil, map[string]string{"Content-Type": "application/json"})
	h.do(t, http.MethodPost, "/internal/session", nil, map[string]string{
		HeaderStreamID: "subscriptions/old",
	})
	h.do(t, http.MethodPost, "/internal/subscriptions", []byte(`{"stream":"src"}`), map[string]string{
		HeaderStreamID: "subscriptions/old",
	})

	// Age the session out.
	sess, err := h.engine.Storage().GetSession("old")
	if err != nil {
		t.Fatal(err)
	}
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	if err := h.engine.Storage().PutSession(sess); err != nil {
		t.Fatal(err)
	}

	rec := h.do(t, http.MethodGet, "/internal/subscriptions", nil, map[string]string{
		HeaderStreamID: "subscriptions/old",
	})
	if rec.Code != http.StatusGone {
		t.Fatalf("expired session access = %d, want 410", rec.Code)
	}

	// Cascade removed the subscriber edge.
	meta, err := h.engine.Meta("src")
	if err != nil {
		t.Fatal(err)
	}
	if meta.SubscriberCount != 0 {
		t.Error("expiry cascade should drop the edge")
	}
}

func TestRotationOverHTTP(t *testing.T) {
	h := newTestHandler(t, func(c *store.Config) { c.SegmentMaxMessages = 5 })
	h.do(t, http.MethodPut, "/v1/stream/r", nil, map[string]string{"Content-Type": "text/plain"})

	for i := 0; i < 20; i++ {
		h.do(t, http.MethodPost, "/v1/stream/r", []byte("x"), map[string]string{"Content-Type": "text/plain"})
	}

	// Walk from offset 3 to the tail across segment boundaries.
	var total bytes.Buffer
	next := token(0, 3)
	for i := 0; i < 50; i++ {
		rec := h.do(t, http.MethodGet, "/v1/stream/r?offset="+next, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("walk GET = %d at %s", rec.Code, next)
		}
		total.Write(rec.Body.Bytes())
		if rec.Header().Get(HeaderUpToDate) == "true" {
			break
		}
		next = rec.Header().Get(HeaderNextOffset)
	}
	if got := total.String(); got != strings.Repeat("x", 17) {
		t.Errorf("walked %d bytes, want 17", len(got))
	}
}

func TestOptionsPreflight(t *testing.T) {
	h := newTestHandler(t, nil)
	rec := h.do(t, http.MethodOptions, "/v1/stream/any", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("OPTIONS = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS headers")
	}
}

func TestCursorMonotonic(t *testing.T) {
	current := generateCursor()
	if c := generateResponseCursor(""); c != current {
		t.Errorf("no client cursor: got %q, want %q", c, current)
	}
	if c := generateResponseCursor("not-a-number"); c != current {
		t.Errorf("bad client cursor: got %q, want %q", c, current)
	}
	ahead := fmt.Sprintf("%d", mustParseInt(t, current)+100)
	advanced := generateResponseCursor(ahead)
	if mustParseInt(t, advanced) <= mustParseInt(t, ahead) {
		t.Errorf("cursor %q did not advance past client cursor %q", advanced, ahead)
	}
}

func mustParseInt(t *testing.T, s string) int64 {
	t.Helper()
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}
