package runnerchannel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// conn is one runner's live websocket connection. Grounded on
// tombee-conductor's handleConnection: a pong handler that pushes out the
// read deadline, a ping ticker, and a mutex-guarded write path since
// gorilla/websocket forbids concurrent writers on one *websocket.Conn.
type conn struct {
	ws       *websocket.Conn
	hub      *Hub
	runnerID uuid.UUID

	writeMu sync.Mutex
}

func (c *conn) run(ctx context.Context) {
	defer c.ws.Close()

	c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	first, err := c.readFrame()
	if err != nil {
		c.hub.logger.Warn("runnerchannel: connection closed before hello", "error", err)
		return
	}
	runnerID, err := c.hub.helloAndRegister(ctx, first)
	if err != nil {
		c.hub.logger.Warn("runnerchannel: hello rejected", "error", err)
		return
	}
	c.runnerID = runnerID
	c.hub.register(runnerID, c)
	defer c.hub.unregister(runnerID)
	defer func() {
		if derr := c.hub.reg.Disconnect(context.Background(), runnerID); derr != nil {
			c.hub.logger.Warn("runnerchannel: disconnect bookkeeping failed", "runner_id", runnerID, "error", derr)
		}
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(connCtx)

	for {
		frame, err := c.readFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("runnerchannel: read error", "runner_id", runnerID, "error", err)
			}
			return
		}
		c.hub.handle(ctx, runnerID, frame)
	}
}

func (c *conn) readFrame() (Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func (c *conn) send(f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteWait))
}

func (c *conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.hub.logger.Debug("runnerchannel: ping failed", "runner_id", c.runnerID, "error", err)
				return
			}
		}
	}
}
