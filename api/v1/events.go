package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/tinoosan/modeld/internal/events"
	"github.com/tinoosan/modeld/internal/reqid"
)

const eventWriteTimeout = 5 * time.Second

// StreamEvents upgrades to a websocket and forwards bus events as JSON text
// messages. ?model restricts the stream to one model id. There is no replay:
// a client sees events published after it connected.
func (h *ModelHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("model")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		markErr(w, err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	sub := h.svc.Subscribe()
	defer sub.Close()

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if filter != "" && e.ModelID != filter {
				continue
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				reqid.Logger(r.Context(), h.l).Debug("event stream closed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}
