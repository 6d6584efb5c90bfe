package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"agora/internal/auth"
)

type UserProvisioner interface {
	AddUser(username string) (string, error)
}

type PresenceCounter interface {
	Online() int
}

type AdminHandler struct {
	users UserProvisioner
	hub   PresenceCounter
}

func NewAdminHandler(users UserProvisioner, hub PresenceCounter) *AdminHandler {
	return &AdminHandler{users: users, hub: hub}
}

type AddUserRequest struct {
	Username string `json:"username"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type StatsResponse struct {
	Online int `json:"online"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	password, err := h.users.AddUser(req.Username)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUserExists) {
			status = http.StatusConflict
		}
		writeJSON(w, status, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:  true,
		Username: req.Username,
		Password: password,
	})
}

func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{Online: h.hub.Online()})
}
