package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/solrouter/solrouter/internal/broadcast"
	"github.com/solrouter/solrouter/pkg/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// orderStream streams status events for one order. The first frame is always
// the order's current state, so a client connecting mid-flight starts from
// the present instead of a gap.
func (s *Server) orderStream(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid order id"})
		return
	}
	sub, err := s.engine.SubscribeStatus(c.Request.Context(), id.String())
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "order not found"})
			return
		}
		s.logger.Error("status subscribe failed", zap.String("order_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "subscribe failed"})
		return
	}
	s.serveSubscription(c, sub)
}

// systemStream is the administrative channel. Clients get a connection
// confirmation and keepalives, never per-order content.
func (s *Server) systemStream(c *gin.Context) {
	s.serveSubscription(c, s.engine.SubscribeGlobal())
}

func (s *Server) serveSubscription(c *gin.Context, sub *broadcast.Subscription) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.engine.Unsubscribe(sub)
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	go s.readPump(conn, sub)
	s.writePump(conn, sub)
}

// readPump drains client frames. Pongs refresh the subscription's keepalive;
// a silent client times out and the purge loop reclaims its slot.
func (s *Server) readPump(conn *websocket.Conn, sub *broadcast.Subscription) {
	defer func() {
		s.engine.Unsubscribe(sub)
		conn.Close()
	}()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		sub.Touch()
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", zap.String("order_id", sub.OrderID()), zap.Error(err))
			}
			return
		}
		sub.Touch()
	}
}

// writePump pushes status events and periodic pings. It exits when the
// subscription channel closes or a write fails.
func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
