package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"agora/internal/api"
	"agora/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIHandler builds the public router. It is separate from NewAPIServer
// so tests can mount it on an httptest server.
func NewAPIHandler(apiHandlers *api.API, push *ws.Server) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /users/signup", apiHandlers.SignupHandler)
	mux.HandleFunc("POST /users/login", apiHandlers.LoginHandler)
	mux.HandleFunc("POST /users/logout", apiHandlers.LogoffHandler)

	mux.HandleFunc("GET /messages", apiHandlers.RequireAuth(apiHandlers.ListMessagesHandler))
	mux.HandleFunc("POST /messages", apiHandlers.RequireAuth(apiHandlers.RateLimit(apiHandlers.CreateMessageHandler)))
	mux.HandleFunc("PATCH /messages/{id}", apiHandlers.RequireAuth(apiHandlers.RateLimit(apiHandlers.VoteHandler)))

	// The push socket authenticates with its first frame.
	mux.HandleFunc("/ws", push.HandleConnections)

	return api.CORS(mux)
}

func NewAPIServer(handler http.Handler, addr string) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
