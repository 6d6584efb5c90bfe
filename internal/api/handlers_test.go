package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agora/internal/auth"
	"agora/internal/models"
)

type fakeAuth struct {
	users  map[string]string
	tokens map[string]string
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{users: map[string]string{}, tokens: map[string]string{}}
}

func (f *fakeAuth) Signup(username, password string) (string, error) {
	if _, ok := f.users[username]; ok {
		return "", auth.ErrUserExists
	}
	if password == "" {
		return "", auth.ErrInvalidPassword
	}
	f.users[username] = password
	return f.issue(username), nil
}

func (f *fakeAuth) Login(username, password string) (string, error) {
	if username == "locked" {
		return "", auth.ErrThrottled
	}
	if p, ok := f.users[username]; !ok || p != password {
		return "", auth.ErrInvalidCredentials
	}
	return f.issue(username), nil
}

func (f *fakeAuth) issue(username string) string {
	token := "tok-" + username
	f.tokens[token] = username
	return token
}

func (f *fakeAuth) Logoff(token string) error {
	delete(f.tokens, token)
	return nil
}

func (f *fakeAuth) GetUsername(token string) (string, error) {
	if u, ok := f.tokens[token]; ok {
		return u, nil
	}
	return "", auth.ErrInvalidCredentials
}

type fakeStore struct {
	mu       sync.Mutex
	messages []models.Message
	votes    map[string]models.Direction
	// gate, when set, runs before a message is stored.
	gate func(content string)
}

func (f *fakeStore) AddMessage(author, content string) (models.Message, error) {
	if f.gate != nil {
		f.gate(content)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := models.Message{
		ID:      fmt.Sprintf("m%d", len(f.messages)+1),
		Author:  author,
		Content: content,
		Created: time.Unix(int64(len(f.messages)), 0),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) ListMessages(username string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, 0, len(f.messages))
	for _, m := range f.messages {
		m.MyVote = f.votes[username+"/"+m.ID]
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) SetVote(username, messageID string, dir models.Direction) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID != messageID {
			continue
		}
		key := username + "/" + messageID
		f.messages[i].Votes += int(dir - f.votes[key])
		f.votes[key] = dir
		return f.messages[i].Votes, nil
	}
	return 0, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
}

type fakeHub struct {
	mu         sync.Mutex
	broadcasts []models.Message
}

func (f *fakeHub) Broadcast(msg models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
}

func (f *fakeHub) Online() int {
	return 7
}

func newTestAPI(t *testing.T) (*API, *fakeAuth, *fakeStore, *fakeHub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := newFakeAuth()
	store := &fakeStore{votes: map[string]models.Direction{}}
	hub := &fakeHub{}
	return New(ctx, Config{TokenExpiry: time.Hour, IdempotencyTTL: time.Minute}, a, store, hub), a, store, hub
}

func request(method, target, body, token string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestSignupAndLogin(t *testing.T) {
	api, fa, _, _ := newTestAPI(t)

	w := httptest.NewRecorder()
	api.SignupHandler(w, request(http.MethodPost, "/users/signup", `{"username":"alice","password":"pw"}`, ""))
	if w.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d", w.Code)
	}
	if w.Body.String() != "tok-alice" {
		t.Errorf("signup body should be the raw token, got %q", w.Body.String())
	}
	if c := w.Result().Cookies(); len(c) != 1 || c[0].Value != "tok-alice" {
		t.Errorf("expected a token cookie, got %v", c)
	}

	w = httptest.NewRecorder()
	api.SignupHandler(w, request(http.MethodPost, "/users/signup", `{"username":"alice","password":"pw"}`, ""))
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "Account already exists.") {
		t.Errorf("duplicate signup: got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	api.SignupHandler(w, request(http.MethodPost, "/users/signup", `not json`, ""))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", w.Code)
	}

	delete(fa.tokens, "tok-alice")
	w = httptest.NewRecorder()
	api.LoginHandler(w, request(http.MethodPost, "/users/login", `{"username":"alice","password":"pw"}`, ""))
	if w.Code != http.StatusOK || w.Body.String() != "tok-alice" {
		t.Errorf("login: got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	api.LoginHandler(w, request(http.MethodPost, "/users/login", `{"username":"alice","password":"nope"}`, ""))
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong password: expected 403, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	api.LoginHandler(w, request(http.MethodPost, "/users/login", `{"username":"locked","password":"x"}`, ""))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("throttled: expected 429, got %d", w.Code)
	}
}

func TestLogoff(t *testing.T) {
	api, fa, _, _ := newTestAPI(t)
	fa.issue("alice")

	w := httptest.NewRecorder()
	api.LogoffHandler(w, request(http.MethodPost, "/users/logout", "", "tok-alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := fa.tokens["tok-alice"]; ok {
		t.Error("token should be revoked")
	}
	if c := w.Result().Cookies(); len(c) != 1 || c[0].MaxAge >= 0 {
		t.Errorf("expected the cookie to be cleared, got %v", c)
	}
}

func TestRequireAuth(t *testing.T) {
	api, fa, _, _ := newTestAPI(t)
	fa.issue("alice")

	var seen string
	h := api.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		seen = usernameFrom(r.Context())
	})

	w := httptest.NewRecorder()
	h(w, request(http.MethodGet, "/messages", "", ""))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h(w, request(http.MethodGet, "/messages", "", "forged"))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("forged token: expected 401, got %d", w.Code)
	}

	h(httptest.NewRecorder(), request(http.MethodGet, "/messages", "", "tok-alice"))
	if seen != "alice" {
		t.Errorf("bearer token should resolve to alice, got %q", seen)
	}

	seen = ""
	r := request(http.MethodGet, "/messages", "", "")
	r.AddCookie(&http.Cookie{Name: "token", Value: "tok-alice"})
	h(httptest.NewRecorder(), r)
	if seen != "alice" {
		t.Errorf("cookie token should resolve to alice, got %q", seen)
	}
}

func withUser(r *http.Request, username string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKey{}, username))
}

func TestCreateAndListMessages(t *testing.T) {
	api, _, store, hub := newTestAPI(t)

	w := httptest.NewRecorder()
	api.CreateMessageHandler(w, withUser(request(http.MethodPost, "/messages", `{"content":"  <b>hi</b><script>x</script>  "}`, ""), "alice"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var msg models.Message
	if err := json.NewDecoder(w.Body).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Author != "alice" || msg.Content != "<b>hi</b>" {
		t.Errorf("unexpected message %+v", msg)
	}
	if len(hub.broadcasts) != 1 || hub.broadcasts[0].ID != msg.ID {
		t.Errorf("message should be broadcast once, got %v", hub.broadcasts)
	}

	w = httptest.NewRecorder()
	api.CreateMessageHandler(w, withUser(request(http.MethodPost, "/messages", `{"content":"   "}`, ""), "alice"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank message: expected 400, got %d", w.Code)
	}

	store.votes["bob/"+msg.ID] = models.Up
	w = httptest.NewRecorder()
	api.ListMessagesHandler(w, withUser(request(http.MethodGet, "/messages", "", ""), "bob"))
	var list []models.Message
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].MyVote != models.Up {
		t.Errorf("expected bob's vote in the listing, got %+v", list)
	}
}

func TestListMessagesEmpty(t *testing.T) {
	api, _, _, _ := newTestAPI(t)

	w := httptest.NewRecorder()
	api.ListMessagesHandler(w, withUser(request(http.MethodGet, "/messages", "", ""), "bob"))
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty history should encode as [], got %q", w.Body.String())
	}
}

func TestCreateMessageIdempotency(t *testing.T) {
	api, _, store, hub := newTestAPI(t)

	post := func(user, key string) models.Message {
		r := withUser(request(http.MethodPost, "/messages", `{"content":"once"}`, ""), user)
		r.Header.Set(models.IdempotencyKeyHeader, key)
		w := httptest.NewRecorder()
		api.CreateMessageHandler(w, r)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", w.Code)
		}
		var msg models.Message
		if err := json.NewDecoder(w.Body).Decode(&msg); err != nil {
			t.Fatal(err)
		}
		return msg
	}

	first := post("alice", "k1")
	retry := post("alice", "k1")
	if first.ID != retry.ID {
		t.Errorf("retry should replay %s, got %s", first.ID, retry.ID)
	}
	if len(store.messages) != 1 || len(hub.broadcasts) != 1 {
		t.Errorf("retry must not create or broadcast again: %d stored, %d broadcast",
			len(store.messages), len(hub.broadcasts))
	}

	// Keys are scoped per user.
	if other := post("bob", "k1"); other.ID == first.ID {
		t.Error("another user's key must not replay alice's message")
	}
}

func postKeyed(api *API, user, key, text string) (models.Message, int) {
	r := withUser(request(http.MethodPost, "/messages", fmt.Sprintf(`{"content":%q}`, text), ""), user)
	r.Header.Set(models.IdempotencyKeyHeader, key)
	w := httptest.NewRecorder()
	api.CreateMessageHandler(w, r)
	var msg models.Message
	_ = json.NewDecoder(w.Body).Decode(&msg)
	return msg, w.Code
}

func TestCreateMessageKeysRunConcurrently(t *testing.T) {
	api, _, store, hub := newTestAPI(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	store.gate = func(content string) {
		if content == "slow" {
			close(entered)
			<-release
		}
	}

	type result struct {
		msg  models.Message
		code int
	}
	slow := make(chan result, 2)
	for range 2 {
		go func() {
			msg, code := postKeyed(api, "alice", "k1", "slow")
			slow <- result{msg, code}
		}()
	}
	<-entered

	fast := make(chan int, 1)
	go func() {
		_, code := postKeyed(api, "bob", "k2", "fast")
		fast <- code
	}()
	select {
	case code := <-fast:
		if code != http.StatusCreated {
			t.Errorf("expected 201, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("a create with another key waited for an unrelated in-flight create")
	}

	close(release)
	a, b := <-slow, <-slow
	if a.code != http.StatusCreated || b.code != http.StatusCreated {
		t.Fatalf("expected 201 for both, got %d and %d", a.code, b.code)
	}
	if a.msg.ID != b.msg.ID {
		t.Errorf("same key should yield one message, got %s and %s", a.msg.ID, b.msg.ID)
	}

	store.mu.Lock()
	stored := len(store.messages)
	store.mu.Unlock()
	hub.mu.Lock()
	broadcast := len(hub.broadcasts)
	hub.mu.Unlock()
	if stored != 2 || broadcast != 2 {
		t.Errorf("expected 2 messages stored and broadcast, got %d and %d", stored, broadcast)
	}
}

func TestVoteHandler(t *testing.T) {
	api, _, store, _ := newTestAPI(t)
	msg, _ := store.AddMessage("alice", "hello")

	vote := func(id, body string) *httptest.ResponseRecorder {
		r := withUser(request(http.MethodPatch, "/messages/"+id, body, ""), "bob")
		r.SetPathValue("id", id)
		w := httptest.NewRecorder()
		api.VoteHandler(w, r)
		return w
	}

	for i, want := range []int{1, 1} {
		w := vote(msg.ID, `{"vote":1}`)
		if w.Code != http.StatusOK {
			t.Fatalf("vote %d: expected 200, got %d", i, w.Code)
		}
		var resp models.VoteResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.ID != msg.ID || resp.Votes != want {
			t.Errorf("vote %d: got %+v, want %d votes", i, resp, want)
		}
	}

	if w := vote(msg.ID, `{"vote":2}`); w.Code != http.StatusBadRequest {
		t.Errorf("out of range vote: expected 400, got %d", w.Code)
	}
	if w := vote("missing", `{"vote":1}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown message: expected 404, got %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/messages", nil))
	if called {
		t.Error("preflight must not reach the handler")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing allow-origin header")
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/messages", nil))
	if !called {
		t.Error("regular request should reach the handler")
	}
}

type fakeProvisioner struct{}

func (fakeProvisioner) AddUser(username string) (string, error) {
	if username == "taken" {
		return "", auth.ErrUserExists
	}
	return "generated", nil
}

func TestAdminHandler(t *testing.T) {
	h := NewAdminHandler(fakeProvisioner{}, &fakeHub{})

	w := httptest.NewRecorder()
	h.AddUserHandler(w, request(http.MethodPost, "/admin/users", `{"username":"carol"}`, ""))
	var resp AddUserResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || !resp.Success || resp.Password != "generated" {
		t.Errorf("unexpected response %d %+v", w.Code, resp)
	}

	w = httptest.NewRecorder()
	h.AddUserHandler(w, request(http.MethodPost, "/admin/users", `{"username":"taken"}`, ""))
	if w.Code != http.StatusConflict {
		t.Errorf("existing user: expected 409, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.AddUserHandler(w, request(http.MethodPost, "/admin/users", `{}`, ""))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing username: expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.StatsHandler(w, request(http.MethodGet, "/admin/stats", "", ""))
	var stats StatsResponse
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Online != 7 {
		t.Errorf("expected 7 online, got %d", stats.Online)
	}
}

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api := New(ctx, Config{IdempotencyTTL: time.Minute, RateLimit: 0.001, RateBurst: 2},
		newFakeAuth(), &fakeStore{votes: map[string]models.Direction{}}, &fakeHub{})

	calls := 0
	h := api.RateLimit(func(w http.ResponseWriter, r *http.Request) { calls++ })

	codes := make([]int, 0, 3)
	for range 3 {
		w := httptest.NewRecorder()
		h(w, withUser(request(http.MethodPost, "/messages", "", ""), "alice"))
		codes = append(codes, w.Code)
	}
	if calls != 2 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected the burst of 2 to pass and the third to be refused, got %v", codes)
	}

	// Buckets are per user.
	w := httptest.NewRecorder()
	h(w, withUser(request(http.MethodPost, "/messages", "", ""), "bob"))
	if w.Code != http.StatusOK {
		t.Errorf("bob should not share alice's bucket, got %d", w.Code)
	}
}
