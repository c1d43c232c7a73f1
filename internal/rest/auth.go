package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/matheus3301/chatsync/internal/credential"
	"go.uber.org/zap"
)

// AuthResult is the body of a successful login or signup.
type AuthResult struct {
	AccessToken string           `json:"accessToken"`
	User        *credential.User `json:"user"`
}

// Login exchanges email and password for a credential. The server also sets
// the refresh cookie, which the client's jar keeps.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	return c.authenticate(ctx, "auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Register creates an account and signs it in.
func (c *Client) Register(ctx context.Context, name, email, password string) (*AuthResult, error) {
	return c.authenticate(ctx, "auth/register", map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	})
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (*AuthResult, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
	if err != nil {
		return nil, err
	}
	var out AuthResult
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("%s: response carried no access token", path)
	}
	return &out, nil
}

// RefreshToken asks the server for a new access token using the refresh
// cookie. It bypasses the pipeline: no bearer header and no 401 handling.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	req := Request{Method: http.MethodPost, Path: "auth/refresh"}
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return "", err
	}
	status, resp, err := c.roundTrip(req, httpReq)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		c.metrics.Request(http.MethodPost, "refresh_rejected")
		return "", &ServerError{Method: http.MethodPost, Path: req.Path, Status: status}
	}
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", fmt.Errorf("decode refresh: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("refresh response carried no access token")
	}
	c.metrics.Request(http.MethodPost, "ok")
	return out.AccessToken, nil
}

// Logout tells the server to drop the refresh cookie. Failures are only
// logged; the caller clears local state regardless.
func (c *Client) Logout(ctx context.Context) {
	if _, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "auth/logout"}); err != nil {
		c.logger.Warn("logout request failed", zap.Error(err))
	}
}
