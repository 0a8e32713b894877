package handler

import (
	"encoding/json"
	"net/http"

	"github.com/livechat/internal/chat"
	"github.com/livechat/internal/middleware"
	"github.com/livechat/internal/model"
)

type UserHandler struct {
	chat *chat.Handler
}

func NewUserHandler(c *chat.Handler) *UserHandler {
	return &UserHandler{chat: c}
}

// GetMe returns the caller's own view, where a stored offline shows as online.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	me, err := h.chat.Me(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}

type updateStatusRequest struct {
	Status        string `json:"status"`
	CustomMessage string `json:"custom_message"`
}

func (h *UserHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	status, err := model.ParseStatus(req.Status)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Code: "validation", Error: err.Error()})
		return
	}
	change, err := h.chat.SetStatus(r.Context(), middleware.GetUserID(r.Context()), status, req.CustomMessage)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (h *UserHandler) OnlineFriends(w http.ResponseWriter, r *http.Request) {
	friends, err := h.chat.OnlineFriends(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, friends)
}
