package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agora/internal/models"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteTimeout       = time.Second
)

var ErrSlowConsumer = errors.New("push subscriber fell behind")

type wsConnection interface {
	Close() error
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
}

type messageHub interface {
	Join(username string) chan models.Message
	Identify(ch chan models.Message, username string)
	Leave(ch chan models.Message)
}

type authenticator interface {
	GetUsername(token string) (string, error)
}

type Connection struct {
	ws               wsConnection
	hub              messageHub
	auth             authenticator
	handshakeTimeout time.Duration

	username   string
	fromServer chan models.Message
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	auth authenticator,
	ws wsConnection,
) *Connection {
	return &Connection{
		ws:               ws,
		hub:              hub,
		auth:             auth,
		handshakeTimeout: defaultHandshakeTimeout,
		errorCh:          make(chan error, 2),
	}
}

// Handle authenticates the socket with its first frame, then streams every
// broadcast message to it until either side goes away.
//
// The socket is subscribed before the handshake is read: the client loads its
// snapshot as soon as the socket opens, so broadcasts from that point on are
// queued and delivered once the token checks out.
func (c *Connection) Handle(ctx context.Context) error {
	c.fromServer = c.hub.Join("")
	if err := c.handshake(); err != nil {
		c.hub.Leave(c.fromServer)
		c.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		_ = c.ws.Close()
		return err
	}
	c.hub.Identify(c.fromServer, c.username)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.errorCh)
		c.hub.Leave(c.fromServer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
		select {
		case err = <-c.errorCh:
		default:
		}
	}

	switch {
	case errors.Is(err, ErrSlowConsumer):
		c.closeWith(websocket.CloseTryAgainLater, "resync required")
	case err == nil && ctx.Err() != nil:
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) &&
		!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return err
	}

	return nil
}

func (c *Connection) handshake() error {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		return err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	username, err := c.auth.GetUsername(string(data))
	if err != nil {
		return fmt.Errorf("handshake: %w", models.ErrUnauthorized)
	}
	c.username = username
	return c.ws.SetReadDeadline(time.Time{})
}

// pumpMessages only watches for the client going away; clients send
// nothing after the handshake.
func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-c.fromServer:
			if !ok {
				return ErrSlowConsumer
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteTimeout))
}
