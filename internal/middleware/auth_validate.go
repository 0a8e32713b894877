package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/livechat/internal/logger"
)

type credentials struct {
	sessionID string
	timestamp string
	signature string
}

// readCredentials takes headers first, then query parameters, since browsers
// cannot set headers on a websocket upgrade.
func readCredentials(r *http.Request) (credentials, bool) {
	get := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return r.URL.Query().Get(query)
	}
	c := credentials{
		sessionID: get("X-Session-Id", "session_id"),
		timestamp: get("X-Timestamp", "timestamp"),
		signature: get("X-Signature", "signature"),
	}
	return c, c.sessionID != "" && c.timestamp != "" && c.signature != ""
}

// AuthServiceValidate resolves the caller once per request through the auth
// service's /internal/validate endpoint. The signature covers method, path
// (without query) and body.
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	authServiceURL = strings.TrimSuffix(authServiceURL, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := readCredentials(r)
			if !ok {
				unauthorized(w)
				return
			}
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			userID, err := validate(r.Context(), client, authServiceURL, creds, r.Method, r.URL.Path, string(body))
			if err != nil || userID == "" {
				logger.Debugf("auth validate session=%s: %v", MaskSessionID(creds.sessionID), err)
				unauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			ctx = context.WithValue(ctx, SessionIDKey, creds.sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validate(ctx context.Context, client *http.Client, baseURL string, c credentials, method, path, body string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"session_id": c.sessionID,
		"timestamp":  c.timestamp,
		"signature":  c.signature,
		"method":     method,
		"path":       path,
		"body":       body,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/internal/validate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode}
	}
	var result struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.UserID, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "auth service returned " + http.StatusText(e.code) }

// DevIdentity trusts the X-User-ID header (or user_id query parameter). Only
// for local runs without an auth service.
func DevIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			userID = r.URL.Query().Get("user_id")
		}
		if userID == "" {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func unauthorized(w http.ResponseWriter) {
	http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
}
