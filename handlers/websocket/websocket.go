package websocket

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"slidesync-server/collab"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var errSendBufferFull = errors.New("send buffer full")

// Handler receives the lifecycle and inbound frames of every connection.
type Handler interface {
	Connect(conn collab.Conn)
	Handle(conn collab.Conn, data []byte)
	Disconnect(conn collab.Conn)
}

// wsConn adapts one gorilla connection to collab.Conn. Outbound frames are
// queued and written by a single goroutine.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:   ulid.Make().String(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		return errSendBufferFull
	}
}

func (c *wsConn) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func HandleWebSocket(h Handler, checkOrigin func(r *http.Request) bool) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithField("error", err).Warn("WebSocket upgrade failed")
			return
		}

		conn := newConn(ws)
		logrus.WithFields(logrus.Fields{
			"connection_id": conn.id,
			"remote_addr":   r.RemoteAddr,
		}).Debug("WebSocket connected")

		h.Connect(conn)
		go conn.writePump()
		go conn.readPump(h)
	}
}

func (c *wsConn) readPump(h Handler) {
	defer func() {
		c.close()
		h.Disconnect(c)
		logrus.WithField("connection_id", c.id).Debug("WebSocket disconnected")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logrus.WithFields(logrus.Fields{
					"connection_id": c.id,
					"error":         err,
				}).Warn("WebSocket read error")
			}
			return
		}

		h.Handle(c, data)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
