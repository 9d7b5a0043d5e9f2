// Package gameclient connects bots to the game server through a protocol
// gateway reached over a websocket.
package gameclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zulandar/botfleet/internal/session"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	eventBuffer  = 32
)

// ErrNotConnected is returned by Send before the login frame went out or after
// the connection ended.
var ErrNotConnected = errors.New("gameclient: not connected")

// TokenSource supplies access tokens for accounts that sign in online.
type TokenSource interface {
	Token(ctx context.Context, account string, prompt func(session.AuthChallenge)) (string, error)
}

// tokenForgetter is implemented by token sources that cache per account.
type tokenForgetter interface {
	Forget(account string)
}

// Client implements session.Dialer.
type Client struct {
	url     string
	host    string
	port    int
	version string
	tokens  TokenSource
	dialer  *websocket.Dialer
}

// Options holds parameters for creating a Client.
type Options struct {
	GatewayURL string
	Host       string
	Port       int
	Version    string
	// Tokens is required only for accounts with auth "microsoft".
	Tokens           TokenSource
	HandshakeTimeout time.Duration
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.GatewayURL == "" {
		return nil, fmt.Errorf("gameclient: gateway url is required")
	}
	if opts.Host == "" {
		return nil, fmt.Errorf("gameclient: server host is required")
	}
	d := *websocket.DefaultDialer
	if opts.HandshakeTimeout > 0 {
		d.HandshakeTimeout = opts.HandshakeTimeout
	}
	return &Client{
		url:     opts.GatewayURL,
		host:    opts.Host,
		port:    opts.Port,
		version: opts.Version,
		tokens:  opts.Tokens,
		dialer:  &d,
	}, nil
}

// frame is the gateway wire message.
type frame struct {
	Type        string `json:"type"`
	Username    string `json:"username,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Version     string `json:"version,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	Text        string `json:"text,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Open starts a connection in the background. It fails only when the account
// cannot be connected at all.
func (c *Client) Open(ctx context.Context, id session.Identity, onAuth func(session.AuthChallenge)) (session.Conn, error) {
	if id.Auth == "microsoft" && c.tokens == nil {
		return nil, fmt.Errorf("gameclient: %s: microsoft auth is not configured", id.AccountID)
	}
	// The connection outlives the request that started it.
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := &gatewayConn{
		events: make(chan session.Event, eventBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go conn.run(cctx, c, id, onAuth)
	return conn, nil
}

type gatewayConn struct {
	events chan session.Event
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	mu      sync.Mutex
	writeMu sync.Mutex
	ws      *websocket.Conn
}

func (g *gatewayConn) Events() <-chan session.Event { return g.events }

// Close stops the connection. Pending events are abandoned.
func (g *gatewayConn) Close() error {
	var err error
	g.once.Do(func() {
		close(g.done)
		g.cancel()
		g.mu.Lock()
		ws := g.ws
		g.ws = nil
		g.mu.Unlock()
		if ws != nil {
			g.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(time.Second))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			g.writeMu.Unlock()
			err = ws.Close()
		}
	})
	return err
}

func (g *gatewayConn) Send(text string) error {
	g.mu.Lock()
	ws := g.ws
	g.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return g.write(ws, frame{Type: "chat", Text: text})
}

func (g *gatewayConn) write(ws *websocket.Conn, f frame) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(f); err != nil {
		return fmt.Errorf("gameclient: write %s: %w", f.Type, err)
	}
	return nil
}

// emit delivers ev unless the connection was closed.
func (g *gatewayConn) emit(ev session.Event) bool {
	select {
	case g.events <- ev:
		return true
	case <-g.done:
		return false
	}
}

func (g *gatewayConn) closed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func (g *gatewayConn) run(ctx context.Context, c *Client, id session.Identity, onAuth func(session.AuthChallenge)) {
	defer close(g.events)

	var token string
	if id.Auth == "microsoft" {
		var err error
		token, err = c.tokens.Token(ctx, id.AccountID, onAuth)
		if err != nil {
			if !g.closed() {
				g.emit(session.Event{Kind: session.EventEnded, Reason: session.EndGenericError, Err: err})
			}
			return
		}
	}

	header := http.Header{}
	header.Set("X-Fleet-Account", id.AccountID)
	ws, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if !g.closed() {
			g.emit(session.Event{Kind: session.EventEnded, Reason: session.EndGenericError,
				Err: fmt.Errorf("gameclient: dial %s: %w", c.url, err)})
		}
		return
	}

	g.mu.Lock()
	if g.closed() {
		g.mu.Unlock()
		ws.Close()
		return
	}
	g.ws = ws
	g.mu.Unlock()

	login := frame{
		Type:        "login",
		Username:    id.Username,
		Host:        c.host,
		Port:        c.port,
		Version:     c.version,
		AccessToken: token,
	}
	if err := g.write(ws, login); err != nil {
		g.finish(session.Event{Kind: session.EventEnded, Reason: session.EndGenericError, Err: err})
		return
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	go g.pingLoop(ctx, ws)

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			g.finish(classifyReadError(err))
			return
		}
		switch f.Type {
		case "joined":
			g.emit(session.Event{Kind: session.EventJoined})
		case "spawned":
			g.emit(session.Event{Kind: session.EventSpawned})
		case "chat":
			g.emit(session.Event{Kind: session.EventText, Text: f.Text})
		case "kicked":
			g.finish(session.Event{Kind: session.EventEnded, Reason: session.EndExplicitNotice, Detail: f.Reason})
			return
		case "error":
			g.finish(session.Event{Kind: session.EventEnded, Reason: session.EndGenericError, Detail: f.Reason})
			return
		case "auth_failed":
			// The cached token was rejected; the next attempt signs in again.
			if tf, ok := c.tokens.(tokenForgetter); ok && id.Auth == "microsoft" {
				tf.Forget(id.AccountID)
			}
			log.Printf("gameclient: [%s] authentication rejected: %s", id.AccountID, f.Reason)
			g.finish(session.Event{Kind: session.EventEnded, Reason: session.EndGenericError, Detail: f.Reason})
			return
		default:
			log.Printf("gameclient: [%s] unknown frame type %q", id.AccountID, f.Type)
		}
	}
}

// finish reports the end of the connection and releases the socket.
func (g *gatewayConn) finish(ev session.Event) {
	g.mu.Lock()
	ws := g.ws
	g.ws = nil
	g.mu.Unlock()
	if ws == nil {
		// Close already ran; the controller knows.
		return
	}
	ws.Close()
	g.emit(ev)
}

func (g *gatewayConn) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			g.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// classifyReadError maps a read failure onto an end reason.
func classifyReadError(err error) session.Event {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ev := session.Event{Kind: session.EventEnded, Reason: session.EndCleanClose}
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Text != "" {
			ev.Detail = ce.Text
		}
		return ev
	}
	return session.Event{Kind: session.EventEnded, Reason: session.EndAbruptClose, Err: err}
}

// Addr formats the game server address for display.
func (c *Client) Addr() string {
	if c.port == 0 {
		return c.host
	}
	return c.host + ":" + strconv.Itoa(c.port)
}
