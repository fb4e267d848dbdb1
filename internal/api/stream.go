package api

import (
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/restxmpp/gateway/internal/pool"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	waitInterval = 30 * time.Second
)

// streamClient pushes notification wakeups over a websocket instead of
// having the client long-poll. Each wakeup is a single JSON frame; the
// client re-fetches whatever changed through the regular endpoints.
type streamClient struct {
	conn    *websocket.Conn
	session *pool.Session
	log     *log.Logger
	send    chan NotificationResponse
	stop    chan struct{}
}

func newStreamClient(session *pool.Session, conn *websocket.Conn, l *log.Logger) *streamClient {
	return &streamClient{
		conn:    conn,
		session: session,
		log:     l,
		send:    make(chan NotificationResponse, 16),
		stop:    make(chan struct{}),
	}
}

// watch blocks on the session notifier and queues a frame per wakeup. A
// wait that returns early without a wakeup means the notifier stopped,
// so the session is gone and the stream ends.
func (c *streamClient) watch() {
	defer close(c.send)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		start := time.Now()
		woken := c.session.WaitForNotification(waitInterval)
		if !woken {
			if time.Since(start) < waitInterval {
				return
			}
			continue
		}

		select {
		case c.send <- NotificationResponse{Notification: true}:
		case <-c.stop:
			return
		default:
			// slow reader, drop the frame; the next wakeup re-signals
		}
	}
}

func (c *streamClient) write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					c.log.Printf("stream write: %v", err)
				}
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// read discards inbound frames; it exists to process pongs and to notice
// the peer going away.
func (c *streamClient) read() {
	defer func() {
		close(c.stop)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("stream read: %v", err)
			}
			return
		}
	}
}

func (s *GatewayApp) serveStream(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := newStreamClient(session, conn, s.log)
	go client.watch()
	go client.write()
	go client.read()
}
