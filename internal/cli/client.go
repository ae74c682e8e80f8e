package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ggpay/internal/game"
)

// APIError is a non-2xx answer from the server. Anything else returned by
// the client is a transport failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type LoginResult struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

func (c *Client) Login(ctx context.Context, key string) (LoginResult, error) {
	var out LoginResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/login", "", map[string]any{"key": key}, &out, "")
	return out, err
}

func PlayerPath(userID int64, action string) string {
	p := fmt.Sprintf("/v1/admin/users/%d", userID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) Player(ctx context.Context, accessToken string, userID int64) (game.Account, error) {
	var out game.Account
	err := c.jsonRequest(ctx, http.MethodGet, PlayerPath(userID, ""), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Ban(ctx context.Context, accessToken string, userID int64, idem string) (map[string]any, error) {
	return c.Do(ctx, http.MethodPost, PlayerPath(userID, "ban"), accessToken, nil, idem)
}

func (c *Client) Unban(ctx context.Context, accessToken string, userID int64, idem string) (map[string]any, error) {
	return c.Do(ctx, http.MethodPost, PlayerPath(userID, "unban"), accessToken, nil, idem)
}

func (c *Client) Credit(ctx context.Context, accessToken string, userID int64, amount float64, idem string) (map[string]any, error) {
	return c.Do(ctx, http.MethodPost, PlayerPath(userID, "credit"), accessToken, map[string]any{"amount": amount}, idem)
}

func (c *Client) Boosts(ctx context.Context, accessToken string) ([]game.BoostConfig, error) {
	var out struct {
		Boosts []game.BoostConfig `json:"boosts"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/admin/boosts", accessToken, nil, &out, "")
	return out.Boosts, err
}

func (c *Client) UpdateBoosts(ctx context.Context, accessToken string, cfgs []game.BoostConfig) error {
	return c.jsonRequest(ctx, http.MethodPut, "/v1/admin/boosts", accessToken, map[string]any{"boosts": cfgs}, nil, "")
}

func (c *Client) Settings(ctx context.Context, accessToken string) (game.Settings, error) {
	var out game.Settings
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/admin/settings", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) UpdateSettings(ctx context.Context, accessToken string, s game.Settings) error {
	return c.jsonRequest(ctx, http.MethodPut, "/v1/admin/settings", accessToken, s, nil, "")
}

func (c *Client) Broadcast(ctx context.Context, accessToken, message, idem string) (map[string]any, error) {
	return c.Do(ctx, http.MethodPost, "/v1/admin/notifications", accessToken, map[string]any{"message": message}, idem)
}

func (c *Client) Verifications(ctx context.Context, accessToken string) ([]game.VerificationRequest, error) {
	var out struct {
		Requests []game.VerificationRequest `json:"requests"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/admin/verifications", accessToken, nil, &out, "")
	return out.Requests, err
}

func (c *Client) DecideVerification(ctx context.Context, accessToken string, userID int64, approve bool) (game.VerificationRequest, error) {
	action := "reject"
	if approve {
		action = "approve"
	}
	var out game.VerificationRequest
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/admin/verifications/%d/%s", userID, action), accessToken, nil, &out, "")
	return out, err
}

// Leaderboard reads the public leaderboard as a player, so it needs the
// player's Telegram initData rather than an admin token.
func (c *Client) Leaderboard(ctx context.Context, initData string, by game.LeaderboardSort) ([]game.LeaderboardRow, error) {
	var out struct {
		Rows []game.LeaderboardRow `json:"rows"`
	}
	path := "/v1/leaderboard?sort=" + url.QueryEscape(string(by))
	err := c.request(ctx, http.MethodGet, path, "tma "+initData, nil, &out, "")
	return out.Rows, err
}

func (c *Client) Do(ctx context.Context, method, path, accessToken string, body map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	var in any
	if body != nil {
		in = body
	}
	err := c.jsonRequest(ctx, method, path, accessToken, in, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	authz := ""
	if accessToken != "" {
		authz = "Bearer " + accessToken
	}
	return c.request(ctx, method, path, authz, in, out, idem)
}

func (c *Client) request(ctx context.Context, method, path, authz string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
