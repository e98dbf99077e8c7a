package uichannel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
)

// conn is one UI session's live websocket connection. Grounded on
// runnerchannel.conn: a pong handler pushing out the read deadline, a ping
// ticker, and a mutex-guarded write path, since gorilla/websocket forbids
// concurrent writers on one *websocket.Conn. Unlike a runner connection
// (one fixed identity, one inbound frame loop), a UI connection owns a set
// of live subscriptions that each relay onto the same socket.
type conn struct {
	ws  *websocket.Conn
	hub *Hub

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[domain.Topic]*eventbus.Subscription
}

func (c *conn) run(ctx context.Context) {
	defer c.closeAll()
	defer c.ws.Close()

	c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(connCtx)

	for {
		frame, err := c.readFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("uichannel: read error", "error", err)
			}
			return
		}
		c.handle(connCtx, frame)
	}
}

func (c *conn) handle(ctx context.Context, frame Frame) {
	switch frame.Type {
	case FrameSubscribe:
		if frame.Subscribe != nil {
			c.subscribe(ctx, frame.Subscribe.Topic, frame.Subscribe.SinceSeq)
		}
	case FrameUnsubscribe:
		if frame.Unsubscribe != nil {
			c.unsubscribe(frame.Unsubscribe.Topic)
		}
	}
}

// subscribe opens a bus subscription for topic and starts a goroutine
// relaying its events onto this connection. A sinceSeq past the retained
// window gets a resync_required frame instead, per spec §4.4's backpressure
// policy for lossless topics.
func (c *conn) subscribe(ctx context.Context, topic domain.Topic, sinceSeq uint64) {
	c.mu.Lock()
	if _, exists := c.subs[topic]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sub, ok := c.hub.bus.Subscribe(topic, sinceSeq, 32)
	if !ok {
		c.send(Frame{Type: FrameResyncRequired, Resync: &TopicFrame{Topic: topic}})
		return
	}

	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()

	c.send(Frame{Type: FrameSubscribed, Subscribed: &TopicFrame{Topic: topic}})
	go c.relay(ctx, topic, sub)
}

func (c *conn) unsubscribe(topic domain.Topic) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if ok {
		c.hub.bus.Unsubscribe(sub)
	}
}

// relay forwards sub's events onto the socket until the subscription closes
// (lossless topics close a subscriber outright rather than drop for it, see
// eventbus.Bus.Publish) or the connection itself is torn down.
func (c *conn) relay(ctx context.Context, topic domain.Topic, sub *eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				c.send(Frame{Type: FrameResyncRequired, Resync: &TopicFrame{Topic: topic}})
				return
			}
			if err := c.send(Frame{Type: FrameEvent, Event: &ev}); err != nil {
				return
			}
		}
	}
}

func (c *conn) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = map[domain.Topic]*eventbus.Subscription{}
	c.mu.Unlock()
	for _, sub := range subs {
		c.hub.bus.Unsubscribe(sub)
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
	data, err := json.Marshal(f)
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
				c.hub.logger.Debug("uichannel: ping failed", "error", err)
				return
			}
		}
	}
}
