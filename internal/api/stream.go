package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/overlay"
)

const (
	streamBuffer       = 32
	streamWriteTimeout = 5 * time.Second
)

// Stream message types.
const (
	StreamState = "state"
	StreamEvent = "event"
	StreamView  = "view"
)

// StreamMessage is one websocket frame. The first frame is always a state
// snapshot; afterwards engine events and overlay views are sent as they
// happen.
type StreamMessage struct {
	Type  string          `json:"type"`
	State *coaching.State `json:"state,omitempty"`
	Event *coaching.Event `json:"event,omitempty"`
	View  *overlay.View   `json:"view,omitempty"`
}

// Stream handles GET /stream. Clients only listen; any frame they send is
// discarded. Slow clients miss events rather than stall the engine.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("api: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	events, cancelEvents := h.engine.Subscribe(streamBuffer)
	defer cancelEvents()

	var views <-chan overlay.View
	if h.view != nil {
		ch, cancelViews := h.view.Subscribe(streamBuffer)
		defer cancelViews()
		views = ch
	}

	st := h.engine.State()
	if err := writeFrame(ctx, conn, StreamMessage{Type: StreamState, State: &st}); err != nil {
		return
	}
	if h.view != nil {
		v := h.view.Current()
		if err := writeFrame(ctx, conn, StreamMessage{Type: StreamView, View: &v}); err != nil {
			return
		}
	}

	for {
		var msg StreamMessage
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "engine closed")
				return
			}
			msg = StreamMessage{Type: StreamEvent, Event: &ev}
		case v, ok := <-views:
			if !ok {
				views = nil
				continue
			}
			msg = StreamMessage{Type: StreamView, View: &v}
		}
		if err := writeFrame(ctx, conn, msg); err != nil {
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg StreamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	err := wsjson.Write(ctx, conn, msg)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("api: stream write failed", "type", msg.Type, "err", err)
	}
	return err
}
