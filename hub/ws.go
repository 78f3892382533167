package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

// ServeWS upgrades browser connection and runs it until either side closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.alive.Add(2) {
		http.Error(w, ErrClosing.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with error status
		h.log.Errorf("hub: websocket upgrade remote=%s err=%v", r.RemoteAddr, err)
		h.alive.Done()
		h.alive.Done()
		return
	}
	sub, err := h.Subscribe()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()), time.Now().Add(writeWait))
		_ = conn.Close()
		h.alive.Done()
		h.alive.Done()
		return
	}
	h.log.Infof("hub: browser connected id=%s remote=%s", sub.ID, r.RemoteAddr)

	go h.writeLoop(conn, sub)
	h.readLoop(conn, sub)
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *Subscriber) {
	defer h.alive.Done()
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case b, ok := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok { // unsubscribed
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.Debugf("hub: write id=%s err=%v", sub.ID, err)
				h.Unsubscribe(sub)
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unsubscribe(sub)
				return
			}
		}
	}
}

func (h *Hub) readLoop(conn *websocket.Conn, sub *Subscriber) {
	defer h.alive.Done()
	defer h.Unsubscribe(sub)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Errorf("hub: read id=%s err=%v", sub.ID, err)
			}
			h.log.Infof("hub: browser disconnected id=%s", sub.ID)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var m Message
		if err = json.Unmarshal(b, &m); err != nil {
			h.log.Errorf("hub: id=%s invalid message err=%v", sub.ID, err)
			continue
		}
		switch m.Event {
		case EventUserInfo:
			if err = h.SubmitRecord(m.Data); err != nil {
				h.log.Errorf("hub: id=%s user_info err=%v", sub.ID, err)
			}
		default:
			h.log.Debugf("hub: id=%s ignore event=%q", sub.ID, m.Event)
		}
	}
}
