package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/livechat/internal/chat"
	"github.com/livechat/internal/middleware"
)

type MessageHandler struct {
	chat *chat.Handler
}

func NewMessageHandler(c *chat.Handler) *MessageHandler {
	return &MessageHandler{chat: c}
}

// GetMessages serves the same pages as the websocket history events. Without
// a cursor it returns the most recent page.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	page, err := h.chat.History(r.Context(),
		middleware.GetUserID(r.Context()),
		chi.URLParam(r, "id"),
		r.URL.Query().Get("cursor"),
		queryInt(r, "limit", 0),
	)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *MessageHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.chat.MarkRead(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}
