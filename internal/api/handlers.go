package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"agora/internal/auth"
	"agora/internal/content"
	"agora/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/sync/singleflight"
)

const maxBodySize = 64 << 10

type Authenticator interface {
	Signup(username, password string) (string, error)
	Login(username, password string) (string, error)
	Logoff(token string) error
	GetUsername(token string) (string, error)
}

type MessageStore interface {
	AddMessage(author, content string) (models.Message, error)
	ListMessages(username string) ([]models.Message, error)
	SetVote(username, messageID string, dir models.Direction) (int, error)
}

type Broadcaster interface {
	Broadcast(msg models.Message)
}

type API struct {
	auth       Authenticator
	store      MessageStore
	hub        Broadcaster
	tokenTTL   time.Duration
	idempotent geche.Geche[string, models.Message]
	creating   singleflight.Group
	limiter    *limiterPool
}

type Config struct {
	TokenExpiry time.Duration
	// IdempotencyTTL bounds how long a creation key replays its message.
	IdempotencyTTL time.Duration
	// RateLimit and RateBurst bound writes per user; zero picks the defaults.
	RateLimit float64
	RateBurst int
}

func New(ctx context.Context, config Config, authenticator Authenticator, store MessageStore, hub Broadcaster) *API {
	return &API{
		auth:     authenticator,
		store:    store,
		hub:      hub,
		tokenTTL: config.TokenExpiry,
		idempotent: geche.NewMapTTLCache[string, models.Message](ctx, config.IdempotencyTTL, time.Minute),
		limiter: &limiterPool{rps: config.RateLimit, burst: config.RateBurst},
	}
}

type ctxKey struct{}

func usernameFrom(ctx context.Context) string {
	username, _ := ctx.Value(ctxKey{}).(string)
	return username
}

// getToken accepts a bearer credential or the session cookie.
func (a *API) getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, err := a.auth.GetUsername(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, username)))
	}
}

func (a *API) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AuthRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	token, err := a.auth.Signup(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		http.Error(w, "Account already exists.", http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.writeToken(w, http.StatusCreated, token)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AuthRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	token, err := a.auth.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrThrottled):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	a.writeToken(w, http.StatusOK, token)
}

// writeToken sends the token as the plain response body and mirrors it in a
// session cookie for browser clients.
func (a *API) writeToken(w http.ResponseWriter, status int, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		MaxAge:   int(a.tokenTTL.Seconds()),
	})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, token); err != nil {
		log.Printf("failed to write token: %v", err)
	}
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := a.store.ListMessages(usernameFrom(r.Context()))
	if err != nil {
		log.Printf("failed to list messages: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// CreateMessageHandler stores and broadcasts a message. A repeated
// Idempotency-Key from the same user replays the first result instead of
// creating a duplicate.
func (a *API) CreateMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateMessageRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	text, err := content.Message(req.Content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	username := usernameFrom(r.Context())
	key := r.Header.Get(models.IdempotencyKeyHeader)
	if key == "" {
		msg, err := a.create(username, text)
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
		return
	}

	msg, replayed, err := a.createOnce(username+"\x00"+key, username, text)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if replayed {
		idempotentReplays.Inc()
	}
	writeJSON(w, http.StatusCreated, msg)
}

type keyedCreate struct {
	msg    models.Message
	cached bool
}

// createOnce runs at most one creation per key. Concurrent requests with the
// same key wait for the first one; requests with different keys do not
// block each other. The result is cached before the in-flight entry is
// released.
func (a *API) createOnce(cacheKey, username, text string) (models.Message, bool, error) {
	var leader bool
	v, err, _ := a.creating.Do(cacheKey, func() (any, error) {
		leader = true
		if msg, err := a.idempotent.Get(cacheKey); err == nil {
			return keyedCreate{msg: msg, cached: true}, nil
		}
		msg, err := a.create(username, text)
		if err != nil {
			return nil, err
		}
		a.idempotent.Set(cacheKey, msg)
		return keyedCreate{msg: msg}, nil
	})
	if err != nil {
		return models.Message{}, false, err
	}
	res := v.(keyedCreate)
	return res.msg, res.cached || !leader, nil
}

func (a *API) create(username, text string) (models.Message, error) {
	msg, err := a.store.AddMessage(username, text)
	if err != nil {
		log.Printf("failed to add message: %v", err)
		return models.Message{}, err
	}
	messagesCreated.Inc()
	a.hub.Broadcast(msg)
	return msg, nil
}

func (a *API) VoteHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req models.VoteRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Vote.Valid() {
		http.Error(w, "bad value for vote", http.StatusBadRequest)
		return
	}

	votes, err := a.store.SetVote(usernameFrom(r.Context()), id, req.Vote)
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, fmt.Sprintf("message %s not found", id), http.StatusNotFound)
		return
	case err != nil:
		log.Printf("failed to set vote on %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	votesCast.WithLabelValues(req.Vote.String()).Inc()
	writeJSON(w, http.StatusOK, models.VoteResponse{ID: id, Votes: votes})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// CORS lets browser clients on other origins call the API. Preflight
// requests stop here.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+models.IdempotencyKeyHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
