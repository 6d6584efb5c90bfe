// Package push runs the persistent push connection of the chat protocol.
//
// A Channel moves through Closed -> Connecting -> Open -> Closed (or
// ClosedWithError when the remote end fails). Right after opening it sends a
// single handshake frame holding the raw session token; afterwards every
// inbound frame is one JSON message. Events are emitted in the order the
// transport delivers them. The channel never reconnects on its own.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"agora/internal/models"
	"agora/internal/session"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Kind int

const (
	KindState Kind = iota
	KindMessage
)

// Event is one value emitted by the channel into its single consumer queue.
type Event struct {
	Kind    Kind
	State   models.ChannelState
	Message models.Message
	Err     error
}

type Channel struct {
	url    string
	dialer Dialer
	tokens session.TokenSource
	logger *slog.Logger

	mu    sync.RWMutex
	state models.ChannelState
}

type Option func(*Channel)

func WithDialer(d Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

func New(url string, tokens session.TokenSource, opts ...Option) *Channel {
	c := &Channel{
		url:    url,
		dialer: WebsocketDialer{},
		tokens: tokens,
		logger: slog.Default(),
		state:  models.ChannelClosed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) State() models.ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionChanged is meant to be subscribed to the token store. An open
// channel is not re-authenticated; the new credential is used by the next
// handshake.
func (c *Channel) SessionChanged(t session.Transition) {
	if c.State() == models.ChannelOpen {
		c.logger.Info("session changed, new credential applies at next connect", "present", t.Present)
	}
}

// Run connects, performs the handshake and forwards messages to out until
// the connection closes or ctx is cancelled. A normal remote close or a
// local cancellation returns nil.
func (c *Channel) Run(ctx context.Context, out chan<- Event) error {
	token, ok := c.tokens.Current()
	if !ok {
		c.setState(ctx, out, models.ChannelClosedWithError, models.ErrUnauthorized)
		return models.ErrUnauthorized
	}

	c.setState(ctx, out, models.ChannelConnecting, nil)
	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		if ctx.Err() != nil {
			c.setState(ctx, out, models.ChannelClosed, nil)
			return nil
		}
		err = fmt.Errorf("%w: dial: %v", models.ErrUnreachable, err)
		c.setState(ctx, out, models.ChannelClosedWithError, err)
		return err
	}

	c.setState(ctx, out, models.ChannelOpen, nil)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
		_ = conn.Close()
		err = fmt.Errorf("%w: handshake: %v", models.ErrUnreachable, err)
		c.setState(ctx, out, models.ChannelClosedWithError, err)
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		<-connCtx.Done()
		if ctx.Err() != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		_ = conn.Close()
	})

	err = c.pumpMessages(connCtx, conn, out)
	cancel()
	wg.Wait()

	switch {
	case ctx.Err() != nil:
		c.setState(ctx, out, models.ChannelClosed, nil)
		return nil
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Info("push channel closed by server")
		c.setState(ctx, out, models.ChannelClosed, nil)
		return nil
	case websocket.IsCloseError(err, websocket.ClosePolicyViolation):
		// The server refused the handshake token; redialing with it is futile.
		err = fmt.Errorf("%w: handshake rejected: %v", models.ErrUnauthorized, err)
		c.logger.Warn("push channel rejected credential", "error", err)
		c.setState(ctx, out, models.ChannelClosedWithError, err)
		return err
	default:
		err = fmt.Errorf("%w: %v", models.ErrUnreachable, err)
		c.logger.Warn("push channel failed", "error", err)
		c.setState(ctx, out, models.ChannelClosedWithError, err)
		return err
	}
}

func (c *Channel) pumpMessages(ctx context.Context, conn Conn, out chan<- Event) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := decode(data)
		if err != nil {
			c.logger.Warn("dropping push frame", "error", err, "size", len(data))
			continue
		}

		select {
		case out <- Event{Kind: KindMessage, Message: msg}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decode(data []byte) (models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", models.ErrMalformedEvent, err)
	}
	if msg.ID == "" {
		return models.Message{}, fmt.Errorf("%w: missing id", models.ErrMalformedEvent)
	}
	return msg, nil
}

func (c *Channel) setState(ctx context.Context, out chan<- Event, state models.ChannelState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.logger.Debug("push channel state", "state", state.String(), "error", err)

	select {
	case out <- Event{Kind: KindState, State: state, Err: err}:
	case <-ctx.Done():
	}
}
