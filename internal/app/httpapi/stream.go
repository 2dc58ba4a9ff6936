package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	"github.com/R3E-Network/sessionpay/internal/httputil"
)

const streamWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamEvents pushes newly published engine events over a websocket. The
// request_id and type query parameters narrow the stream.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	// Subscribe before the handshake so nothing published after the client
	// connects is missed.
	events, cancel := h.app.Feed.Stream(64, func(e session.Event) bool { return filter.Matches(e) })
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reader goroutine: detects client close and answers control frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.streamPing)
	defer ping.Stop()

	log := h.log.WithContext(r.Context())
	log.Debug("event stream opened")
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			log.Debug("event stream closed by client")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				log.WithError(err).Debug("event stream write failed")
				return
			}
		}
	}
}
