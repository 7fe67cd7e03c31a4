package rpchub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // 4 MiB — jobs carry arbitrary parameter payloads
	outboundBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// conn is the Hub's per-agent connection handle: exactly one outstanding
// write at a time, enforced by routing every send through the outbound
// channel consumed by a single writePump goroutine.
type conn struct {
	agentID string
	ws      *websocket.Conn
	id      string // connection id, distinct per (re)connect

	outbound  chan Envelope
	closed    chan struct{}
	closeOnce sync.Once

	logger *zap.Logger
}

func newConn(agentID, connectionID string, ws *websocket.Conn, logger *zap.Logger) *conn {
	return &conn{
		agentID:  agentID,
		ws:       ws,
		id:       connectionID,
		outbound: make(chan Envelope, outboundBuffer),
		closed:   make(chan struct{}),
		logger:   logger,
	}
}

// close signals the connection's pumps to stop. Safe to call more than
// once and from either the reader goroutine (on read error) or the hub
// (when a newer connection for the same agent supersedes this one).
func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// send enqueues an envelope for delivery. Returns AgentOverloaded if the
// bounded outbound queue is full, per §5's "additional sends queue with
// bounded capacity, oldest wins" policy.
func (c *conn) send(e Envelope) error {
	select {
	case c.outbound <- e:
		return nil
	default:
		// Already-queued envelopes keep their place; the new one is refused.
		return orberrors.New(orberrors.KindAgentOverloaded, "outbound queue full for agent "+c.agentID)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case e, ok := <-c.outbound:
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := marshalEnvelope(e)
			if err != nil {
				c.logger.Warn("failed to encode envelope", zap.Error(err))
				continue
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.logger.Warn("write error", zap.String("agent_id", c.agentID), zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}

func (c *conn) readPump(onEnvelope func(Envelope), onClose func()) {
	defer func() {
		c.close()
		c.ws.Close()
		onClose()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("unexpected close", zap.String("agent_id", c.agentID), zap.Error(err))
			}
			return
		}
		e, err := unmarshalEnvelope(data)
		if err != nil {
			c.logger.Warn("malformed envelope", zap.String("agent_id", c.agentID), zap.Error(err))
			continue
		}
		onEnvelope(e)
	}
}
