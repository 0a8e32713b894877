package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/livechat/internal/apperr"
	"github.com/livechat/internal/logger"
)

type errorResponse struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
	Retry bool   `json:"retry,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeAppError maps a classified failure onto an HTTP status.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	if ae.Code == apperr.CodeInternal || ae.Code == apperr.CodeUnavailable {
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, ae.Code.HTTPStatus(), errorResponse{Code: string(ae.Code), Error: ae.Message, Retry: ae.Retryable()})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
