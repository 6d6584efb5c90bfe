package ws

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

type Server struct {
	ctx      context.Context
	hub      messageHub
	auth     authenticator
	upgrader *websocket.Upgrader
}

// NewServer serves push sockets until ctx is cancelled. Authentication
// happens inside the socket, so the upgrade itself is open.
func NewServer(ctx context.Context, hub messageHub, auth authenticator) *Server {
	return &Server{
		ctx:  ctx,
		hub:  hub,
		auth: auth,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	if err := NewConnection(s.hub, s.auth, ws).Handle(s.ctx); err != nil {
		log.Printf("push connection closed: %v", err)
	}
}
