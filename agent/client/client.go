// Package client is the reference agent's half of the RPC hub protocol: it
// dials the control plane's websocket endpoint, registers, keeps a
// heartbeat going, and runs jobs the server pushes down through a
// handlers.Registry — reconnecting with exponential backoff and jitter on
// any transport failure, the same shape as the teacher's gRPC connection
// manager generalized to this module's websocket+msgpack transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/agent/handlers"
	"github.com/orbitmesh/orbitmesh/internal/rpchub"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	registerTimeout    = 15 * time.Second
	defaultHeartbeat   = 15 * time.Second
	writeWait          = 10 * time.Second
	outboundBufferSize = 64
)

// Config describes this agent's identity and how to reach the control
// plane. Status, RegisteredAt, LastHeartbeat, and ConnectionID on Agent are
// ignored — the server assigns those.
type Config struct {
	ServerURL   string // ws(s)://host:port/api/v1/agent/connect
	AgentSecret string
	Agent       types.Agent
}

// Client owns one logical agent connection. Run manages the full
// connect/register/heartbeat/execute lifecycle and reconnects on failure
// until ctx is cancelled or the server sends shutdown.
type Client struct {
	cfg      Config
	registry *handlers.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	ws       *websocket.Conn
	outbound chan rpchub.Envelope

	pendingMu sync.Mutex
	pending   map[string]chan rpchub.Envelope

	jobsMu      sync.Mutex
	runningJobs map[string]context.CancelFunc

	shutdownCh chan string
}

// New constructs a Client. registry resolves JobRequest.Command to the
// local function that executes it.
func New(cfg Config, registry *handlers.Registry, logger *zap.Logger) *Client {
	return &Client{
		cfg:         cfg,
		registry:    registry,
		logger:      logger.Named("agent-client"),
		pending:     make(map[string]chan rpchub.Envelope),
		runningJobs: make(map[string]context.CancelFunc),
		shutdownCh:  make(chan string, 1),
	}
}

// Run connects, registers, and serves the connection until ctx is
// cancelled or the server sends a shutdown command. On any transport
// failure it reconnects with exponential backoff and jitter.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			c.logger.Info("agent client stopped")
			return
		}

		c.logger.Info("connecting to control plane", zap.String("url", c.cfg.ServerURL))
		if err := c.connect(ctx); err != nil {
			if errors.Is(err, errShutdownRequested) {
				c.logger.Info("shutdown requested by server, not reconnecting")
				return
			}
			c.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial
	}
}

var errShutdownRequested = errors.New("client: shutdown requested by server")

// connect runs one websocket session end to end: dial, register, run the
// read/write pumps and heartbeat loop until the session ends.
func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.AgentSecret != "" {
		header.Set("X-Agent-Secret", c.cfg.AgentSecret)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer ws.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.ws = ws
	c.outbound = make(chan rpchub.Envelope, outboundBufferSize)
	c.mu.Unlock()

	errCh := make(chan error, 3)
	go c.writePump(ws, c.outbound, errCh)
	go c.readPump(ws, errCh)

	heartbeatInterval, err := c.register(sessionCtx)
	if err != nil {
		cancel()
		<-errCh
		return fmt.Errorf("registration failed: %w", err)
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeat
	}

	go c.heartbeatLoop(sessionCtx, heartbeatInterval, errCh)

	select {
	case reason := <-c.shutdownCh:
		c.logger.Info("received shutdown", zap.String("reason", reason))
		return errShutdownRequested
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (c *Client) writePump(ws *websocket.Conn, outbound chan rpchub.Envelope, errCh chan<- error) {
	for e := range outbound {
		data, err := marshalEnvelope(e)
		if err != nil {
			c.logger.Warn("failed to encode envelope", zap.Error(err))
			continue
		}
		if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			errCh <- err
			return
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			errCh <- fmt.Errorf("write failed: %w", err)
			return
		}
	}
}

func (c *Client) readPump(ws *websocket.Conn, errCh chan<- error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			errCh <- fmt.Errorf("read failed: %w", err)
			return
		}
		e, err := unmarshalEnvelope(data)
		if err != nil {
			c.logger.Warn("malformed envelope from server", zap.Error(err))
			continue
		}
		c.dispatchInbound(e)
	}
}

// send enqueues an envelope for the write pump. Silently dropped if the
// outbound channel is not yet established (not connected).
func (c *Client) send(e rpchub.Envelope) {
	c.mu.Lock()
	out := c.outbound
	c.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- e:
	default:
		c.logger.Warn("outbound queue full, dropping envelope", zap.String("method", e.Method))
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, interval time.Duration, errCh chan<- error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.send(rpchub.Envelope{Method: "heartbeat", Direction: rpchub.DirToServer})
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

