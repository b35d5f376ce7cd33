package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"campaignd/internal/statushub"
	logx "campaignd/pkg/logx"
)

const (
	writeWait   = 10 * time.Second
	maxReadSize = 4096
)

// stream forwards the owner's events as JSON text frames until the client
// goes away, falls too far behind, or the server stops.
func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		a.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}

	obs := statushub.NewChanObserver(a.cfg.StreamBuffer)
	unsubscribe := a.streams.Subscribe(owner, obs)

	pings := make(chan struct{}, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		a.readLoop(conn, pings)
	}()

	defer func() {
		unsubscribe()
		obs.Close()
		_ = conn.Close()
		<-readDone
	}()

	log := a.log.With(logx.String("owner", owner))
	log.Debug("stream opened")

	ticker := time.NewTicker(a.cfg.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-obs.Events():
			if !ok {
				log.Debug("stream dropped: client too slow")
				closeWith(conn, websocket.ClosePolicyViolation, "too slow")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-pings:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-readDone:
			log.Debug("stream closed by client")
			return
		case <-r.Context().Done():
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// readLoop answers text "ping" and keeps the read deadline alive on pongs.
func (a *API) readLoop(conn *websocket.Conn, pings chan<- struct{}) {
	conn.SetReadLimit(maxReadSize)
	deadline := func() time.Time { return time.Now().Add(2 * a.cfg.WSPingInterval) }
	_ = conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(deadline()) })

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(deadline())
		if typ == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(msg)), "ping") {
			select {
			case pings <- struct{}{}:
			default:
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}
