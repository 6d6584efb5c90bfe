// Package terminal is a line-oriented front end for the chat engine.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"agora/internal/models"
)

type Chat interface {
	CreateMessage(ctx context.Context, content string) (models.Message, error)
	CastVote(ctx context.Context, id string, dir models.Direction) (int, error)
	Refresh(ctx context.Context) error
	Projection() []models.Message
	State() models.ChannelState
}

type Session interface {
	Logout(ctx context.Context) error
}

const help = `commands:
  <text>          post a message
  /up ID          upvote (ID may be the short id shown in listings)
  /down ID        downvote
  /unvote ID      clear your vote
  /list           print the history
  /refresh        reload the history from the server
  /status         show the push connection state
  /logout         end the session and quit
  /quit           quit`

type REPL struct {
	chat    Chat
	session Session
	timeout time.Duration

	mu  sync.Mutex
	out io.Writer
}

func New(chat Chat, session Session, out io.Writer, timeout time.Duration) *REPL {
	return &REPL{
		chat:    chat,
		session: session,
		out:     out,
		timeout: timeout,
	}
}

// PrintMessage writes one message line. It is safe to call from the engine's
// goroutine.
func (r *REPL) PrintMessage(msg models.Message) {
	r.printf("%s  %-12s %+d%s  %s\n",
		shortID(msg.ID), msg.Author, msg.Votes, marker(msg.MyVote), msg.Content)
}

func (r *REPL) Notice(text string) {
	r.printf("-- %s\n", text)
}

// Run reads commands from in until EOF, /quit, /logout or ctx is done.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			done, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				r.printf("error: %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

func (r *REPL) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.post(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/up":
		return false, r.vote(ctx, arg, models.Up)
	case "/down":
		return false, r.vote(ctx, arg, models.Down)
	case "/unvote":
		return false, r.vote(ctx, arg, models.None)
	case "/list":
		for _, msg := range r.chat.Projection() {
			r.PrintMessage(msg)
		}
		return false, nil
	case "/refresh":
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := r.chat.Refresh(ctx); err != nil {
			return false, err
		}
		r.printf("%d messages\n", len(r.chat.Projection()))
		return false, nil
	case "/status":
		r.printf("push: %s\n", r.chat.State())
		return false, nil
	case "/logout":
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return true, r.session.Logout(ctx)
	case "/quit":
		return true, nil
	case "/help":
		r.printf("%s\n", help)
		return false, nil
	}
	return false, fmt.Errorf("unknown command %s, try /help", cmd)
}

// post relies on the engine's append callback to print the message.
func (r *REPL) post(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.chat.CreateMessage(ctx, text)
	return err
}

func (r *REPL) vote(ctx context.Context, short string, dir models.Direction) error {
	id, err := r.resolve(short)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	count, err := r.chat.CastVote(ctx, id, dir)
	switch {
	case errors.Is(err, models.ErrSuperseded):
		return nil
	case err != nil:
		return err
	}
	r.printf("%s  %+d%s\n", shortID(id), count, marker(dir))
	return nil
}

// resolve expands a short id, which is a unique suffix, against the current
// history.
func (r *REPL) resolve(short string) (string, error) {
	if short == "" {
		return "", errors.New("missing message id")
	}
	var match string
	for _, msg := range r.chat.Projection() {
		if msg.ID == short {
			return msg.ID, nil
		}
		if strings.HasSuffix(msg.ID, short) {
			if match != "" {
				return "", fmt.Errorf("id %q is ambiguous", short)
			}
			match = msg.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("message %q: %w", short, models.ErrNotFound)
	}
	return match, nil
}

func (r *REPL) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}

// shortID shows the tail of an id: UUIDv7 prefixes are timestamps and
// collide for messages created close together.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func marker(dir models.Direction) string {
	switch dir {
	case models.Up:
		return " ^"
	case models.Down:
		return " v"
	}
	return ""
}
