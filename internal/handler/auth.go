package handler

import (
	"net/http"
	"time"

	"github.com/deskrelay/relay-server-go/internal/httputil"
	"github.com/deskrelay/relay-server-go/internal/service"
)

type AuthHandler struct {
	users *service.UserService
}

func NewAuthHandler(users *service.UserService) *AuthHandler {
	return &AuthHandler{users: users}
}

// POST /v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	token, user, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"id":          user.ID,
			"email":       user.Email,
			"createdAt":   user.CreatedAt.Format(time.RFC3339),
			"lastLoginAt": formatTime(user.LastLoginAt),
		},
	})
}
