package hub

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxInboundMessage = 64 << 10

// ServeWS upgrades the request and serves one observer until its connection
// ends or the hub drops it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxInboundMessage)

	obs := &wsObserver{ws: ws, writeTimeout: h.cfg.WriteTimeout}
	connID, err := h.Join(obs)
	if err != nil {
		h.logger.Error("observer join failed", "error", err)
		_ = obs.Close()
		return
	}
	defer h.Leave(connID)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("observer read failed", "conn_id", connID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		h.HandleInbound(connID, data)
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(h.cfg.AllowedOrigins, "*") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, strings.ToLower(origin))
}

type wsObserver struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
}

func (o *wsObserver) Send(data []byte) error {
	if err := o.ws.SetWriteDeadline(time.Now().Add(o.writeTimeout)); err != nil {
		return err
	}
	return o.ws.WriteMessage(websocket.TextMessage, data)
}

func (o *wsObserver) Close() error {
	var err error
	o.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = o.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(o.writeTimeout))
		err = o.ws.Close()
	})
	return err
}
