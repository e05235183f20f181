package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// ConnState is the connection lifecycle.
type ConnState int32

const (
	Handshaking ConnState = iota
	Authenticated
	Active
	Closing
	Closed
)

// CloseReason labels why the hub closed a connection.
type CloseReason string

const (
	CloseNormal       CloseReason = "normal"
	CloseUnauthorized CloseReason = "unauthorized"
	CloseSlowConsumer CloseReason = "slow_consumer"
	CloseRateLimited  CloseReason = "rate_limited"
)

// Conn is one live transport session owned by one identity. The outbound
// queue is bounded; overflow sheds non-critical events first, then the
// connection is evicted as a slow consumer.
type Conn struct {
	ID        int64
	Identity  string
	DeviceTag string

	sock    *websocket.Conn
	out     chan *Frame
	limiter *RateLimiter
	logger  *slog.Logger

	mu      sync.Mutex
	state   ConnState
	dropped int

	relMu    sync.Mutex
	relCache map[string]relationsEntry
	relTTL   time.Duration

	maxFrameBytes int64
	onFrame       func(*InFrame)
	onClose       func(*Conn, CloseReason)
	closeOnce     sync.Once
	reason        CloseReason

	ticker *time.Ticker
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// TrySend enqueues an event frame without blocking. At the high-water mark
// non-critical frames are dropped; a critical frame that does not fit evicts
// the connection with SlowConsumer. Fan-out never blocks on a slow consumer.
func (c *Conn) TrySend(f *Frame) bool {
	c.mu.Lock()
	if c.state == Closing || c.state == Closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.out <- f:
		c.mu.Unlock()
		return true
	default:
	}
	if !Critical(f.Kind) {
		c.dropped++
		c.mu.Unlock()
		return false
	}
	c.state = Closing
	c.mu.Unlock()
	c.evict(CloseSlowConsumer)
	return false
}

// Dropped returns how many non-critical frames were shed on this connection.
func (c *Conn) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// evict closes the connection from the server side with a taxonomy reason.
func (c *Conn) evict(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		c.setState(Closing)
		if c.sock != nil {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(reason))
			if reason == CloseNormal {
				msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			}
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			c.sock.WriteMessage(websocket.CloseMessage, msg)
			c.sock.Close()
		}
		close(c.out)
		if c.onClose != nil {
			// TrySend can evict from inside a room operation that holds the
			// room's locks, and close handling takes those same locks. Cleanup
			// runs on its own goroutine so eviction never re-enters the room.
			go c.onClose(c, reason)
		}
	})
}

// relations serves the access predicates from a short-TTL per-connection
// cache in front of the identity port.
func (c *Conn) relations(ctx context.Context, ident IdentityPort, id string) (*Relations, error) {
	c.relMu.Lock()
	e, ok := c.relCache[id]
	if ok && time.Since(e.fetched) < c.relTTL {
		c.relMu.Unlock()
		return e.rel, nil
	}
	c.relMu.Unlock()

	rel, err := ident.Relations(ctx, id)
	if err != nil {
		return nil, err
	}
	c.relMu.Lock()
	c.relCache[id] = relationsEntry{rel: rel, fetched: time.Now()}
	c.relMu.Unlock()
	return rel, nil
}

func (c *Conn) readLoop() {
	defer func() {
		c.evict(CloseNormal)
		c.logger.Debug("read loop stopped")
	}()

	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		mt, r, err := c.sock.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Error(fmt.Sprintf("NextReader: %v", err))
			return
		}
		if mt != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", mt))
			continue
		}

		var f Frame
		if err := DecodeFrame(r, c.maxFrameBytes, &f); err != nil {
			c.TrySend(NewErrorFrame("", err))
			continue
		}

		if ok, retry := c.limiter.Allow(f.Kind); !ok {
			e := NewError(KindRateLimited, "rate limit exceeded")
			e.RetryAfterMS = retry.Milliseconds()
			throttle, _ := NewReply(KThrottle, f.CID, ErrorPayload{
				Kind:         KindRateLimited,
				Message:      e.Public(),
				RetryAfterMS: e.RetryAfterMS,
			})
			c.TrySend(throttle)
			continue
		}

		c.onFrame(&InFrame{Frame: f, Sender: c.Identity, ConnID: c.ID})
	}
}

func (c *Conn) writeLoop() {
	defer func() {
		c.ticker.Stop()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case f, ok := <-c.out:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.setState(Closed)
				return
			}
			w, err := c.sock.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("NextWriter: %v", err))
				c.sock.Close()
				return
			}
			if err := EncodeFrame(w, f); err != nil {
				c.logger.Error(err.Error())
			}
			w.Close()
		case <-c.ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("WritePing: %v", err))
				c.sock.Close()
				return
			}
		}
	}
}
