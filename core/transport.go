package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// handshakeWait is how long a freshly upgraded session has to present its
// hello frame before it is dropped.
const handshakeWait = 10 * time.Second

// HelloPayload is the body of the first inbound frame.
type HelloPayload struct {
	Token      string     `json:"token"`
	ClientInfo ClientInfo `json:"client_info"`
}

type ClientInfo struct {
	DeviceTag    string   `json:"device_tag"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// WelcomePayload is the handshake reply.
type WelcomePayload struct {
	IdentityID string   `json:"identity_id"`
	ServerTime int64    `json:"server_time"`
	Features   []string `json:"features"`
}

// TransportConfig carries the per-connection knobs the transport applies.
type TransportConfig struct {
	MaxFrameBytes int64
	OutboundHWM   int
	ControlRate   int
	DataRate      int
	RateWindow    time.Duration
	RelationsTTL  time.Duration
	Features      []string
}

// Transport accepts websocket upgrades, runs the hello/welcome handshake
// against the identity port, and hands authenticated connections to the hub.
type Transport struct {
	upgrader websocket.Upgrader
	ident    IdentityPort
	cfg      TransportConfig
	logger   *slog.Logger
	wg       *sync.WaitGroup
	nextID   atomic.Int64

	onConnect func(*Conn, *Identity)
	onFrame   func(*InFrame)
	onClose   func(*Conn, CloseReason)
}

func NewTransport(ident IdentityPort, cfg TransportConfig, logger *slog.Logger, wg *sync.WaitGroup) *Transport {
	return &Transport{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			return true
		}},
		ident:  ident,
		cfg:    cfg,
		logger: logger,
		wg:     wg,
	}
}

func (t *Transport) OnConnect(f func(*Conn, *Identity)) { t.onConnect = f }
func (t *Transport) OnFrame(f func(*InFrame))           { t.onFrame = f }
func (t *Transport) OnClose(f func(*Conn, CloseReason)) { t.onClose = f }

// ServeHTTP upgrades the request and runs the handshake. The session is not
// visible to the hub until the credential verifies.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	identity, hello, err := t.handshake(r.Context(), sock)
	if err != nil {
		t.logger.Debug(fmt.Sprintf("handshake failed: %v", err))
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(CloseUnauthorized))
		sock.SetWriteDeadline(time.Now().Add(writeWait))
		sock.WriteMessage(websocket.CloseMessage, msg)
		sock.Close()
		return
	}

	id := t.nextID.Add(1)
	c := &Conn{
		ID:            id,
		Identity:      identity.ID,
		DeviceTag:     hello.ClientInfo.DeviceTag,
		sock:          sock,
		out:           make(chan *Frame, t.cfg.OutboundHWM),
		limiter:       NewRateLimiter(t.cfg.ControlRate, t.cfg.DataRate, t.cfg.RateWindow),
		relCache:      make(map[string]relationsEntry),
		relTTL:        t.cfg.RelationsTTL,
		maxFrameBytes: t.cfg.MaxFrameBytes,
		onFrame:       t.onFrame,
		onClose:       t.onClose,
		ticker:        time.NewTicker(pingPeriod),
		logger: t.logger.With(
			slog.String("conn", fmt.Sprintf("%s:%d", identity.ID, id))),
		state: Authenticated,
	}

	welcome, _ := NewReply(KWelcome, "", WelcomePayload{
		IdentityID: identity.ID,
		ServerTime: time.Now().UnixMilli(),
		Features:   t.cfg.Features,
	})
	c.out <- welcome
	c.setState(Active)

	if t.onConnect != nil {
		t.onConnect(c, identity)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		c.readLoop()
	}()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		c.writeLoop()
	}()
}

// handshake reads the hello frame and verifies its bearer token.
func (t *Transport) handshake(ctx context.Context, sock *websocket.Conn) (*Identity, *HelloPayload, error) {
	sock.SetReadDeadline(time.Now().Add(handshakeWait))
	mt, r, err := sock.NextReader()
	if err != nil {
		return nil, nil, fmt.Errorf("read hello: %w", err)
	}
	if mt != websocket.TextMessage {
		return nil, nil, NewError(KindBadFrame, "hello must be a text frame")
	}
	var f Frame
	if err := DecodeFrame(r, t.cfg.MaxFrameBytes, &f); err != nil {
		return nil, nil, err
	}
	if f.Kind != KHello {
		return nil, nil, NewErrorf(KindBadFrame, "expected hello, got %q", f.Kind)
	}
	var hello HelloPayload
	if err := json.Unmarshal(f.Data, &hello); err != nil {
		return nil, nil, WrapError(KindBadFrame, "malformed hello payload", err)
	}
	identity, err := t.ident.Verify(ctx, hello.Token)
	if err != nil {
		return nil, nil, WrapError(KindUnauthorized, "credential rejected", err)
	}
	return identity, &hello, nil
}
