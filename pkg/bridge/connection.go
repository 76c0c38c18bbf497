package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/anse-dev/anse/pkg/worldmodel"
)

const writeTimeout = 5 * time.Second

// Connection is one bridge client's live WebSocket session, mirroring
// ConnectionManager's per-connection bookkeeping: an identity (agent
// id), a set of active event subscriptions, and a cancelable context
// tied to the connection's lifetime.
type Connection struct {
	ID      string
	AgentID string
	Conn    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	subMu sync.Mutex
	subs  map[string]*worldmodel.Subscription // channel name -> subscription

	writeMu sync.Mutex
	logger  *slog.Logger
}

func newConnection(parentCtx context.Context, id, agentID string, conn *websocket.Conn, logger *slog.Logger) *Connection {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Connection{
		ID:      id,
		AgentID: agentID,
		Conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*worldmodel.Subscription),
		logger:  logger,
	}
}

// sendJSON writes v as a single WebSocket text frame, serialized against
// writeMu so concurrent notification pushes never interleave with a
// request's response.
func (c *Connection) sendJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.Conn, v)
}

// addSubscription registers a World Model Subscription under name and
// starts a goroutine forwarding its events as JSON-RPC notifications
// until the subscription or the connection closes.
func (c *Connection) addSubscription(name string, sub *worldmodel.Subscription) {
	c.subMu.Lock()
	c.subs[name] = sub
	c.subMu.Unlock()

	go func() {
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					// The channel closes only after broadcast queues a
					// DropNotice (if the disconnect was for
					// backpressure) — deliver it before returning so
					// the consumer is never silently dropped.
					select {
					case d, ok2 := <-sub.Dropped():
						if ok2 {
							c.sendJSON(Notification{JSONRPC: jsonrpcVersion, Method: "event", Params: map[string]interface{}{
								"type":     "dropped",
								"channel":  name,
								"from_seq": d.FromSeq,
								"to_seq":   d.ToSeq,
							}})
						}
					default:
					}
					return
				}
				notif := Notification{JSONRPC: jsonrpcVersion, Method: "event", Params: e}
				if err := c.sendJSON(notif); err != nil {
					c.logger.Warn("bridge: notify failed, dropping subscriber", "connection", c.ID, "error", err)
					sub.Close()
					return
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// removeSubscription closes and forgets a named subscription.
func (c *Connection) removeSubscription(name string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	sub, ok := c.subs[name]
	if !ok {
		return false
	}
	sub.Close()
	delete(c.subs, name)
	return true
}

// closeAllSubscriptions tears down every subscription on disconnect.
func (c *Connection) closeAllSubscriptions() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for name, sub := range c.subs {
		sub.Close()
		delete(c.subs, name)
	}
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
