package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mvolkov/roomsync/internal/backend"
)

type authResponse struct {
	AccessToken string `json:"access_token"`
	User        struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (r authResponse) session() *backend.Session {
	return &backend.Session{
		UserID:      r.User.ID,
		Email:       r.User.Email,
		AccessToken: r.AccessToken,
	}
}

func (c *Client) authRequest(ctx context.Context, path, email, password string) (*backend.Session, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	s := ar.session()
	c.setSession(s)
	return s, nil
}

// GetSession returns the signed-in session, or nil when signed out.
func (c *Client) GetSession(_ context.Context) (*backend.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, nil
}

// SignUp registers a new account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password string) (*backend.Session, error) {
	return c.authRequest(ctx, "/auth/v1/signup", email, password)
}

// SignInWithPassword authenticates with email/password credentials.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error) {
	return c.authRequest(ctx, "/auth/v1/token?grant_type=password", email, password)
}

// SignOut revokes the session. The local session is cleared even if the
// revocation round trip fails.
func (c *Client) SignOut(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/v1/logout", nil)
	if err != nil {
		return err
	}
	c.setSession(nil)
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
