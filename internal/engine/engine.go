// Package engine runs the synchronization core on a single owner goroutine.
//
// The loop goroutine is the only code that touches the history reconciler
// and the vote coordinator. Public methods submit closures to it and wait;
// network calls always happen outside the loop. Push channel events arrive
// on their own queue and are applied in arrival order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"agora/internal/history"
	"agora/internal/models"
	"agora/internal/push"
	"agora/internal/votes"

	"golang.org/x/sync/errgroup"
)

var ErrStopped = errors.New("engine stopped")

// Gateway is the request/response side the engine calls.
type Gateway interface {
	FetchHistory(ctx context.Context) ([]models.Message, error)
	CreateMessage(ctx context.Context, content string) (models.Message, error)
	CastVote(ctx context.Context, id string, dir models.Direction) (int, error)
}

// Channel is a push connection that emits events until it closes.
type Channel interface {
	Run(ctx context.Context, out chan<- push.Event) error
}

type Config struct {
	Gateway Gateway
	Channel Channel
	Logger  *slog.Logger

	// ReconnectDelay enables the reconnect supervisor when positive. The
	// delay doubles after every failed attempt up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// OnAppend is called from the loop for every message appended after the
	// snapshot. It must not block.
	OnAppend func(msg models.Message)
}

type Engine struct {
	gateway Gateway
	channel Channel
	logger  *slog.Logger

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	history *history.Reconciler
	votes   *votes.Coordinator
	// Bumped whenever the channel closes; snapshots fetched under an older
	// epoch are discarded.
	epoch uint64

	ops     chan func()
	events  chan push.Event
	stopped chan struct{}
	wg      sync.WaitGroup

	projection atomic.Pointer[[]models.Message]
	state      atomic.Int32
	updates    chan struct{}
}

func New(config Config) *Engine {
	e := &Engine{
		gateway:           config.Gateway,
		channel:           config.Channel,
		logger:            config.Logger,
		reconnectDelay:    config.ReconnectDelay,
		maxReconnectDelay: config.MaxReconnectDelay,
		ops:               make(chan func()),
		events:            make(chan push.Event, 64),
		stopped:           make(chan struct{}),
		updates:           make(chan struct{}, 1),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.maxReconnectDelay < e.reconnectDelay {
		e.maxReconnectDelay = e.reconnectDelay * 32
	}

	e.history = history.New(history.Config{AppendCallback: config.OnAppend})
	e.votes = votes.New(e.history)

	empty := []models.Message{}
	e.projection.Store(&empty)
	e.state.Store(int32(models.ChannelClosed))
	return e
}

// Run drives the loop and the push channel until ctx is cancelled or the
// channel stops for good. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(e.stopped)
		e.loop(gCtx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return e.supervise(gCtx)
	})

	err := g.Wait()
	e.wg.Wait()
	return err
}

func (e *Engine) loop(ctx context.Context) {
	for {
		select {
		case op := <-e.ops:
			op()
		case ev := <-e.events:
			e.handleEvent(ctx, ev)
			e.publish()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev push.Event) {
	switch ev.Kind {
	case push.KindState:
		e.state.Store(int32(ev.State))
		switch ev.State {
		case models.ChannelOpen:
			epoch := e.epoch
			e.wg.Go(func() {
				if err := e.refresh(ctx, epoch); err != nil && ctx.Err() == nil {
					e.logger.Warn("snapshot fetch failed", "error", err)
				}
			})
		case models.ChannelClosed, models.ChannelClosedWithError:
			// Events missed while disconnected are only recoverable from
			// the next snapshot.
			e.epoch++
			e.history.Resync()
		}
	case push.KindMessage:
		outcome := e.history.ApplyIncoming(ev.Message)
		e.logger.Debug("push message", "id", ev.Message.ID, "outcome", outcome.String())
	}
}

func (e *Engine) publish() {
	p := e.history.Projection()
	e.projection.Store(&p)
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// do runs fn on the loop goroutine and waits until its effect is published.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		fn()
		e.publish()
		close(done)
	}
	select {
	case e.ops <- op:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Refresh fetches a fresh snapshot and loads it. On failure the history is
// left empty and the error is returned.
func (e *Engine) Refresh(ctx context.Context) error {
	var epoch uint64
	if err := e.do(ctx, func() { epoch = e.epoch }); err != nil {
		return err
	}
	return e.refresh(ctx, epoch)
}

func (e *Engine) refresh(ctx context.Context, epoch uint64) error {
	msgs, fetchErr := e.gateway.FetchHistory(ctx)

	var stale bool
	err := e.do(context.WithoutCancel(ctx), func() {
		if epoch != e.epoch {
			stale = true
			return
		}
		if fetchErr != nil {
			e.history.FailSnapshot()
			return
		}
		replayed := e.history.LoadSnapshot(msgs)
		e.votes.Rebase()
		e.logger.Debug("snapshot loaded", "messages", len(msgs), "replayed", replayed)
	})
	switch {
	case err != nil:
		return err
	case stale:
		return fmt.Errorf("snapshot from a previous connection: %w", models.ErrSuperseded)
	default:
		return fetchErr
	}
}

// CreateMessage posts a message and inserts the server's answer. The echo
// over the push channel is de-duplicated by id.
func (e *Engine) CreateMessage(ctx context.Context, content string) (models.Message, error) {
	msg, err := e.gateway.CreateMessage(ctx, content)
	if err != nil {
		return models.Message{}, err
	}
	if err := e.do(context.WithoutCancel(ctx), func() { e.history.ApplyLocalCreate(msg) }); err != nil {
		return msg, err
	}
	return msg, nil
}

// CastVote applies the vote optimistically, then reconciles it with the
// server. If a later vote on the same message superseded this one, its
// response is ignored and models.ErrSuperseded is returned.
func (e *Engine) CastVote(ctx context.Context, id string, dir models.Direction) (int, error) {
	var (
		ticket votes.Ticket
		err    error
	)
	if doErr := e.do(ctx, func() { ticket, err = e.votes.Begin(id, dir) }); doErr != nil {
		return 0, doErr
	}
	if err != nil {
		return 0, err
	}

	count, callErr := e.gateway.CastVote(ctx, id, dir)

	if doErr := e.do(context.WithoutCancel(ctx), func() { err = e.votes.Resolve(ticket, count, callErr) }); doErr != nil {
		return 0, doErr
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Projection returns the latest view of the history.
func (e *Engine) Projection() []models.Message {
	return slices.Clone(*e.projection.Load())
}

// Updates signals that the projection or the channel state may have changed.
// Signals are coalesced.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

func (e *Engine) State() models.ChannelState {
	return models.ChannelState(e.state.Load())
}

func (e *Engine) supervise(ctx context.Context) error {
	delay := e.reconnectDelay
	for {
		err := e.channel.Run(ctx, e.events)
		if ctx.Err() != nil {
			return nil
		}
		if e.reconnectDelay <= 0 || errors.Is(err, models.ErrUnauthorized) {
			return err
		}

		if err == nil {
			delay = e.reconnectDelay
		}
		e.logger.Info("push channel closed, reconnecting", "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		if err != nil {
			delay = min(delay*2, e.maxReconnectDelay)
		}
	}
}
