package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/rendiffdev/conductor/stream"
)

// stream upgrades to a websocket and forwards every lifecycle event on the
// caller's client topic as a JSON text frame. The connection is read only
// to observe control frames and the close handshake.
func (a *API) stream(c *gin.Context) {
	owner := clientID(c)
	conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			slog.String("client_id", owner),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	subID := "ws:" + uuid.NewString()
	broker := a.eng.Broker()
	sub := broker.Subscribe(subID, stream.ClientTopic(owner))
	defer broker.RemoveSubscriber(subID)

	log := a.logger.With(
		slog.String("client_id", owner),
		slog.String("subscriber_id", subID),
	)
	log.Debug("stream connected")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	for {
		evt, ok := sub.Next(ctx)
		if !ok {
			log.Debug("stream closed")
			return
		}
		data, err := json.Marshal(evt)
		if err != nil {
			log.Error("marshal stream event", slog.String("error", err.Error()))
			continue
		}
		if err := wsutil.WriteServerText(conn, data); err != nil {
			log.Debug("stream write failed", slog.String("error", err.Error()))
			return
		}
	}
}
