package streamengine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/durable-streams/stream-engine/store"
)

// sseControl is the JSON body of an "event: control" frame.
type sseControl struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor,omitempty"`
	UpToDate         *bool  `json:"upToDate,omitempty"`
	StreamClosed     bool   `json:"streamClosed,omitempty"`
}

// sseFrame is one unit of work for a connected client: a payload to
// push (possibly nil for control-only wakeups) plus the append window
// it covers, so the serve loop can detect catch-up overlap.
type sseFrame struct {
	payload  []byte
	prevTail uint64
	newTail  uint64
	closed   bool
	deleted  bool
}

// sseClient is one connected EventSource.
type sseClient struct {
	frames chan sseFrame
}

// Broadcaster keeps the per-stream SSE client sets and implements
// store.Observer: committed appends fan out to every client in append
// order, and close/delete push a final control frame.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[string]map[*sseClient]struct{}
	metrics *store.Metrics
}

// NewBroadcaster builds an empty broadcaster.
func NewBroadcaster(metrics *store.Metrics) *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]map[*sseClient]struct{}),
		metrics: metrics,
	}
}

// StreamAppended implements store.Observer.
func (b *Broadcaster) StreamAppended(ev store.AppendEvent) {
	b.push(ev.StreamID, sseFrame{
		payload:  ev.Payload,
		prevTail: ev.PrevTail,
		newTail:  ev.NewTail,
		closed:   ev.Closed,
	})
}

// StreamDeleted implements store.Observer.
func (b *Broadcaster) StreamDeleted(streamID string, _ store.Offset) {
	b.push(streamID, sseFrame{deleted: true})
}

func (b *Broadcaster) push(streamID string, frame sseFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients[streamID] {
		select {
		case c.frames <- frame:
		default:
			// A slow client misses the wakeup; its serve loop re-reads
			// from storage on the next frame, so no data is lost.
		}
	}
}

func (b *Broadcaster) register(streamID string, c *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.clients[streamID]
	if set == nil {
		set = make(map[*sseClient]struct{})
		b.clients[streamID] = set
	}
	set[c] = struct{}{}
	b.metrics.SSEClients.Inc()
}

func (b *Broadcaster) unregister(streamID string, c *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.clients[streamID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(b.clients, streamID)
	}
	b.metrics.SSEClients.Dec()
}

// writeSSEData writes one "event: data" frame. Non-textual payloads are
// base64 framed; textual payloads are split per line as the SSE wire
// format requires.
func writeSSEData(w io.Writer, payload []byte, b64 bool) error {
	if _, err := fmt.Fprint(w, "event: data\n"); err != nil {
		return err
	}
	if b64 {
		if _, err := fmt.Fprintf(w, "data: %s\n", base64.StdEncoding.EncodeToString(payload)); err != nil {
			return err
		}
	} else {
		for _, line := range strings.Split(string(payload), "\n") {
			if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEControl writes one "event: control" frame.
func writeSSEControl(w io.Writer, ctrl sseControl) error {
	data, err := json.Marshal(ctrl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: control\ndata: %s\n\n", data)
	return err
}
