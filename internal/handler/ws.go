package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/middleware"
	"github.com/livechat/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	dispatcher     ws.Dispatcher
	opts           ws.Options
	allowedOrigins string
}

// NewWSHandler builds the upgrade handler. allowedOrigins follows the CORS
// setting: a comma separated list or "*".
func NewWSHandler(hub *ws.Hub, d ws.Dispatcher, opts ws.Options, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, dispatcher: d, opts: opts, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeConversation upgrades /ws/conversations/{id}.
func (h *WSHandler) ServeConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id required")
		return
	}
	h.serve(w, r, id)
}

// ServePresence upgrades /ws/presence, the connection that makes a user online.
func (h *WSHandler) ServePresence(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, conversationID string) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	client := ws.NewClient(h.hub, h.dispatcher, conn, userID, conversationID, h.opts)
	if err := h.hub.Admit(client); err != nil {
		code := websocket.CloseTryAgainLater
		if errors.Is(err, ws.ErrHubClosed) {
			code = websocket.CloseGoingAway
		}
		logger.Warnf("ws admit user=%s: %v", userID, err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx, cancel)
}
