package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/gluk-w/claworc/termrt/internal/portfwd"
	"github.com/gluk-w/claworc/termrt/internal/revtunnel"
	"github.com/gluk-w/claworc/termrt/internal/terminal"
)

// Message types. Session events reuse the registry's event names.
const (
	msgInput          = "terminal:input"
	msgResize         = "terminal:resize"
	msgAttach         = "terminal:attach"
	msgOutput         = string(terminal.EventOutput)
	msgTunnelState    = "tunnel:state"
	msgForwardChanged = "forward:changed"
	msgError          = "error"
)

const (
	// terminalRateLimit and terminalRateBurst bound client messages per
	// connection. Messages beyond the rate are dropped.
	terminalRateLimit = 200
	terminalRateBurst = 200

	wsReadLimit    = 1024 * 1024
	wsOutboxSize   = 1024
	wsWriteTimeout = 10 * time.Second
)

type wsMessage struct {
	Type       string                 `json:"type"`
	InstanceID string                 `json:"instanceId,omitempty"`
	Data       string                 `json:"data,omitempty"`
	Cols       int                    `json:"cols,omitempty"`
	Rows       int                    `json:"rows,omitempty"`
	Code       *int                   `json:"code,omitempty"`
	Cwd        string                 `json:"cwd,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Tunnel     *revtunnel.StateChange `json:"tunnel,omitempty"`
	Forward    *portfwd.Forward       `json:"forward,omitempty"`
}

func eventMessage(ev terminal.Event) wsMessage {
	msg := wsMessage{Type: string(ev.Type), InstanceID: ev.SessionID, Data: ev.Data, Cwd: ev.Cwd}
	if ev.Type == terminal.EventExit {
		code := ev.Code
		msg.Code = &code
	}
	return msg
}

// wsClient queues messages for one connection. Events arrive on backend
// goroutines and must never block them, so a client that falls a full
// outbox behind is disconnected.
type wsClient struct {
	out       chan wsMessage
	closeSlow func()
	once      sync.Once
}

func (c *wsClient) send(msg wsMessage) {
	select {
	case c.out <- msg:
	default:
		c.once.Do(c.closeSlow)
	}
}

type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) broadcast(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.send(msg)
	}
}

// ServeWS runs the session protocol. Every session event is delivered to
// every connection; clients filter by instanceId. One terminal:output
// message carries exactly one framer emission.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// Same-origin pages and clients that send no Origin are always
	// accepted; other origins must match a configured pattern.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("accept websocket")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsClient{
		out: make(chan wsMessage, wsOutboxSize),
		closeSlow: func() {
			h.log.Warn().Msg("websocket client too slow, closing")
			go conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with output")
		},
	}
	h.hub.add(c)
	defer h.hub.remove(c)
	unsubscribe := h.rt.Subscribe(func(ev terminal.Event) { c.send(eventMessage(ev)) })
	defer unsubscribe()

	go func() {
		defer cancel()
		for {
			select {
			case msg := <-c.out:
				if err := writeMessage(ctx, conn, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(terminalRateLimit), terminalRateBurst)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if !limiter.Allow() {
			continue
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(wsMessage{Type: msgError, Error: "invalid message"})
			continue
		}
		if err := h.handleMessage(c, msg); err != nil {
			c.send(wsMessage{Type: msgError, InstanceID: msg.InstanceID, Error: err.Error()})
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (h *Handler) handleMessage(c *wsClient, msg wsMessage) error {
	switch msg.Type {
	case msgInput:
		return h.rt.Input(msg.InstanceID, []byte(msg.Data))
	case msgResize:
		cols, rows := min(msg.Cols, terminal.MaxCols), min(msg.Rows, terminal.MaxRows)
		return h.rt.Resize(msg.InstanceID, cols, rows)
	case msgAttach:
		history, err := h.rt.History(msg.InstanceID)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			c.send(wsMessage{Type: msgOutput, InstanceID: msg.InstanceID, Data: string(history)})
		}
		return nil
	default:
		return errUnknownMessage(msg.Type)
	}
}

type errUnknownMessage string

func (e errUnknownMessage) Error() string {
	return "unknown message type " + string(e)
}
