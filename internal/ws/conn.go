package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/arcade-server/internal/obslog"
	"github.com/park285/arcade-server/pkg/roomdto"
)

const (
	writeTimeout  = 5 * time.Second
	sendQueueSize = 32
)

// Conn wraps one live websocket session. Identity is unset until the
// client's hello frame is processed.
type Conn struct {
	id string
	c  *websocket.Conn

	mu     sync.RWMutex
	userID string
	name   string

	sendCh    chan *roomdto.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(c *websocket.Conn) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		c:      c,
		sendCh: make(chan *roomdto.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Conn) SetIdentity(userID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.name = name
}

// Send queues an envelope for delivery. A slow consumer's queue overflow
// drops the frame rather than blocking the caller; clients recover via
// request-sync.
func (c *Conn) Send(env *roomdto.Envelope) {
	select {
	case <-c.done:
	case c.sendCh <- env:
	default:
		obslog.L().Warn("ws_send_queue_full", zap.String("conn_id", c.id), zap.String("type", env.Type))
	}
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.c.Close(code, reason)
	})
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case env := <-c.sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.c, env)
			cancel()
			if err != nil {
				c.close(websocket.StatusAbnormalClosure, "write failure")
				return
			}
		}
	}
}
