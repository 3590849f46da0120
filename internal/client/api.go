// Package client is the terminal-side chat client: an HTTP API client, a
// websocket connection and the controller that merges both into one view.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"campus-chat/internal/apperr"
	"campus-chat/internal/models"
)

// ChatDetail is the response of GET /chats/{chatId}.
type ChatDetail struct {
	ChatID       string           `json:"chatId"`
	Participants []models.User    `json:"participants"`
	Messages     []models.Message `json:"messages"`
}

// ChatSummary is one entry of GET /chats.
type ChatSummary struct {
	ChatID         string        `json:"chatId"`
	Participants   []models.User `json:"participants"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
}

// API calls the chat HTTP endpoints with a bearer token.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI builds an API client. A nil httpClient uses a 10s timeout client.
func NewAPI(baseURL, token string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// GetChat loads chat details and history.
func (a *API) GetChat(ctx context.Context, chatID string) (ChatDetail, error) {
	var out ChatDetail
	err := a.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, &out)
	return out, err
}

// StartChat opens (or finds) the direct chat with targetUserID.
func (a *API) StartChat(ctx context.Context, targetUserID string) (string, error) {
	var out struct {
		ChatID string `json:"chatId"`
	}
	err := a.do(ctx, http.MethodPost, "/chats", map[string]string{"targetUserId": targetUserID}, &out)
	return out.ChatID, err
}

// ListChats returns the caller's chats.
func (a *API) ListChats(ctx context.Context) ([]ChatSummary, error) {
	var out struct {
		Chats []ChatSummary `json:"chats"`
	}
	err := a.do(ctx, http.MethodGet, "/chats", nil, &out)
	return out.Chats, err
}

// Me returns the caller's identity.
func (a *API) Me(ctx context.Context) (models.User, error) {
	var out models.User
	err := a.do(ctx, http.MethodGet, "/users/me", nil, &out)
	return out, err
}

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, apperr.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var failure struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&failure)
		sentinel := apperr.FromCode(failure.Code)
		if sentinel == nil {
			sentinel = apperr.FromStatus(resp.StatusCode)
		}
		if failure.Error == "" {
			failure.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s: %w", method, path, failure.Error, sentinel)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
