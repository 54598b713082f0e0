package ws

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/arcade-server/internal/obslog"
	"github.com/park285/arcade-server/pkg/roomdto"
)

// Handler consumes decoded frames and disconnects. HandleEvent runs on the
// connection's read goroutine, so handlers must not block indefinitely.
type Handler interface {
	HandleEvent(ctx context.Context, c *Conn, env *roomdto.Envelope)
	HandleDisconnect(c *Conn)
}

// Gateway upgrades HTTP requests to websocket sessions and pumps frames
// into the handler.
type Gateway struct {
	handler Handler
}

func NewGateway(h Handler) *Gateway { return &Gateway{handler: h} }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_failed", zap.Error(err))
		return
	}
	conn := newConn(wc)
	ctx := r.Context()

	go conn.writeLoop(ctx)
	obslog.L().Debug("ws_connected", zap.String("conn_id", conn.ID()))

	for {
		var env roomdto.Envelope
		if err := wsjson.Read(ctx, wc, &env); err != nil {
			break
		}
		g.handler.HandleEvent(ctx, conn, &env)
	}

	conn.close(websocket.StatusNormalClosure, "bye")
	g.handler.HandleDisconnect(conn)
	obslog.L().Debug("ws_disconnected", zap.String("conn_id", conn.ID()), zap.String("user_id", conn.UserID()))
}
