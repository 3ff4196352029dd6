package streamengine

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/durable-streams/stream-engine/store"
)

// Internal endpoints: the subscription/session service and the fan-out
// queue consumer talk to the core through these. They carry the target
// stream in X-Stream-Id and JSON bodies, and they flow through the same
// engine-owned locks as the public surface. External auth never reaches
// them; the edge keeps them unrouteable.

type subscribeRequest struct {
	Stream string `json:"stream"`
}

type subscriberRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) serveInternal(w http.ResponseWriter, r *http.Request) error {
	switch r.URL.Path {
	case "/internal/session":
		return h.handleSessionInit(w, r)
	case "/internal/subscriptions":
		return h.handleSubscriptions(w, r)
	case "/internal/subscribers":
		return h.handleSubscribers(w, r)
	case "/internal/fan-in-append":
		return h.handleFanInAppend(w, r)
	default:
		return newHTTPError(http.StatusNotFound, "unknown internal route")
	}
}

// sessionStreamFromRequest requires an X-Stream-Id naming a session
// stream and returns the session id.
func sessionStreamFromRequest(r *http.Request) (string, error) {
	streamID := r.Header.Get(HeaderStreamID)
	if streamID == "" {
		return "", newHTTPError(http.StatusBadRequest, HeaderStreamID+" header is required")
	}
	if !store.IsSessionStream(streamID) {
		return "", newHTTPError(http.StatusBadRequest, "not a session stream")
	}
	return store.SessionID(streamID), nil
}

// handleSessionInit verifies or creates the session-meta row and the
// session's own stream.
func (h *Handler) handleSessionInit(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return newHTTPError(http.StatusMethodNotAllowed, "method not allowed")
	}
	sessionID, err := sessionStreamFromRequest(r)
	if err != nil {
		return err
	}
	sess, err := h.engine.EnsureSession(r.Context(), sessionID)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(map[string]any{
		"sessionId": sess.SessionID,
		"streamId":  store.SessionStreamID(sess.SessionID),
		"expiresAt": sess.ExpiresAt,
	})
}

// handleSubscriptions mutates or lists a session's subscription edges.
func (h *Handler) handleSubscriptions(w http.ResponseWriter, r *http.Request) error {
	sessionID, err := sessionStreamFromRequest(r)
	if err != nil {
		return err
	}

	switch r.Method {
	case http.MethodGet:
		streams, err := h.engine.ListSubscriptions(r.Context(), sessionID)
		if err != nil {
			return err
		}
		if streams == nil {
			streams = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(map[string]any{"streams": streams})

	case http.MethodPost, http.MethodDelete:
		var req subscribeRequest
		if err := decodeJSONBody(r, &req); err != nil {
			return err
		}
		if req.Stream == "" {
			return newHTTPError(http.StatusBadRequest, "missing required field: stream")
		}
		if r.Method == http.MethodPost {
			if err := h.engine.Subscribe(r.Context(), sessionID, req.Stream); err != nil {
				return err
			}
		} else {
			if err := h.engine.Unsubscribe(r.Context(), sessionID, req.Stream); err != nil {
				return err
			}
		}
		w.WriteHeader(http.StatusNoContent)
		return nil

	default:
		return newHTTPError(http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSubscribers mutates the source-stream side of a subscription
// edge. The subscription route above calls this endpoint's logic
// in-process; the standalone route exists for the session service.
func (h *Handler) handleSubscribers(w http.ResponseWriter, r *http.Request) error {
	sourceStreamID := r.Header.Get(HeaderStreamID)
	if sourceStreamID == "" {
		return newHTTPError(http.StatusBadRequest, HeaderStreamID+" header is required")
	}
	if store.IsSessionStream(sourceStreamID) {
		return newHTTPError(http.StatusBadRequest, "session streams cannot have subscribers")
	}

	var req subscriberRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return newHTTPError(http.StatusBadRequest, "missing required field: sessionId")
	}

	switch r.Method {
	case http.MethodPost:
		if err := h.engine.AddSubscriberDirect(sourceStreamID, req.SessionID); err != nil {
			return err
		}
	case http.MethodDelete:
		if err := h.engine.RemoveSubscriberDirect(sourceStreamID, req.SessionID); err != nil {
			return err
		}
	default:
		return newHTTPError(http.StatusMethodNotAllowed, "method not allowed")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleFanInAppend appends a fan-out envelope to a session stream as
// if it were a normal POST, bypassing external auth.
func (h *Handler) handleFanInAppend(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return newHTTPError(http.StatusMethodNotAllowed, "method not allowed")
	}
	sessionID, err := sessionStreamFromRequest(r)
	if err != nil {
		return err
	}
	body, err := h.readRequestBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}
	outcome, err := h.engine.FanInAppend(r.Context(), sessionID, body)
	if err != nil {
		return err
	}
	w.Header().Set(HeaderNextOffset, outcome.NextOffset.String())
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func decodeJSONBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	return nil
}
