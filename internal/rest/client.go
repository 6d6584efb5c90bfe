// Package rest is the request/response side of the chat protocol.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"agora/internal/models"
	"agora/internal/session"

	"github.com/google/uuid"
)

// Token store mutations performed by Signup, Login and Logout.
type TokenStore interface {
	session.TokenSource
	Set(token string) error
	Clear() error
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenStore
	logger  *slog.Logger
	newKey  func() string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

func New(baseURL string, tokens TokenStore, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    http.DefaultClient,
		tokens:  tokens,
		logger:  slog.Default(),
		newKey:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchHistory retrieves the whole message history, oldest first.
func (c *Client) FetchHistory(ctx context.Context) ([]models.Message, error) {
	var messages []models.Message
	if err := c.do(ctx, http.MethodGet, "/messages", nil, nil, &messages); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

// CreateMessage posts a new message under a fresh idempotency key.
// Creation is not idempotent by itself: to retry an ambiguous failure
// without risking a duplicate, use CreateMessageWithKey with the same key.
func (c *Client) CreateMessage(ctx context.Context, content string) (models.Message, error) {
	return c.CreateMessageWithKey(ctx, c.newKey(), content)
}

func (c *Client) CreateMessageWithKey(ctx context.Context, key, content string) (models.Message, error) {
	header := http.Header{}
	if key != "" {
		header.Set(models.IdempotencyKeyHeader, key)
	}
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/messages", header, models.CreateMessageRequest{Content: content}, &msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// CastVote sets the user's vote on a message and returns the updated count.
// Sending the same direction twice does not count twice; models.None clears.
func (c *Client) CastVote(ctx context.Context, id string, dir models.Direction) (int, error) {
	var resp models.VoteResponse
	path := "/messages/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, nil, models.VoteRequest{Vote: dir}, &resp); err != nil {
		return 0, fmt.Errorf("cast vote on %s: %w", id, err)
	}
	return resp.Votes, nil
}

// Signup creates an account and stores the returned token.
func (c *Client) Signup(ctx context.Context, username, password string) error {
	return c.authenticate(ctx, "/users/signup", http.StatusCreated, username, password)
}

// Login authenticates and stores the returned token.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.authenticate(ctx, "/users/login", http.StatusOK, username, password)
}

// Logout revokes the token on the server when possible and always clears
// the local session.
func (c *Client) Logout(ctx context.Context) error {
	if _, ok := c.tokens.Current(); ok {
		if err := c.do(ctx, http.MethodPost, "/users/logout", nil, nil, nil); err != nil {
			c.logger.Warn("logout request failed", "error", err)
		}
	}
	return c.tokens.Clear()
}

func (c *Client) authenticate(ctx context.Context, path string, want int, username, password string) error {
	body, err := json.Marshal(models.AuthRequest{Username: username, Password: password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUnreachable, err)
	}
	if resp.StatusCode != want {
		return statusError(resp.StatusCode, data)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("%w: empty token", models.ErrUnauthorized)
	}
	return c.tokens.Set(token)
}

// do performs an authenticated JSON request.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, ok := c.tokens.Current()
	if !ok {
		return models.ErrUnauthorized
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated response", models.ErrUnreachable)
		}
		return fmt.Errorf("%w: undecodable response: %v", models.ErrUnreachable, err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", models.ErrUnauthorized, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", models.ErrNotFound, msg)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", models.ErrUnreachable, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", models.ErrRejected, status, msg)
	}
}
