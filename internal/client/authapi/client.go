// Package authapi talks to the /auth endpoints and adapts the refresh coordinator
// to net/http and gRPC clients.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"identity/internal/client/coordinator"
	"identity/internal/client/session"
	"identity/internal/domain/models"

	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-Id"

var ErrUnauthorized = coordinator.ErrUnauthorized

// StatusError is a non-2xx answer of the auth API. A 401 matches ErrUnauthorized.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth api: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("auth api: %d %s", e.Code, e.Message)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the identity service at baseURL. A nil httpClient uses a
// client with a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken"`
}

type tokens struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

func (t tokens) pair() models.TokenPair {
	return models.TokenPair{
		AccessToken:     t.AccessToken,
		RefreshToken:    t.RefreshToken,
		AccessExpiresAt: t.AccessExpiresAt,
	}
}

func (c *Client) Register(ctx context.Context, email, password, role string) (int64, error) {
	const op = "authapi.Register"

	var out struct {
		UserID int64 `json:"userId"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", credentials{email, password, role}, &out); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return out.UserID, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (models.TokenPair, error) {
	const op = "authapi.Login"

	var out tokens
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", credentials{Email: email, Password: password}, &out); err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	return out.pair(), nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	const op = "authapi.Refresh"

	var out tokens
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", refreshBody{refreshToken}, &out); err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	return out.pair(), nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	const op = "authapi.Logout"

	if err := c.do(ctx, http.MethodPost, "/auth/logout", "", refreshBody{refreshToken}, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Client) Me(ctx context.Context, accessToken string) (session.User, error) {
	const op = "authapi.Me"

	var out session.User
	if err := c.do(ctx, http.MethodGet, "/auth/me", accessToken, nil, &out); err != nil {
		return session.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(correlationHeader, uuid.NewString())
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
