// Package acmedns talks to a Joohoi acme-dns instance: one-time account
// registration and authenticated TXT record updates. See
// https://github.com/joohoi/acme-dns for the API it targets.
package acmedns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redentordev/acme-dns-hook/pkg/httputil"
	"github.com/redentordev/acme-dns-hook/pkg/resilience"
)

// Client is an acme-dns API client. Each call is a single request with a
// fixed timeout; failed calls are surfaced immediately, not retried.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.APIBreaker
}

// NewClient creates a client for the acme-dns instance at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httputil.NewClientWithTimeout(timeout),
		breaker: resilience.NewAPIBreaker("acme-dns"),
	}
}

// Register creates a brand-new account on the acme-dns instance. The remote
// side is not idempotent: every call mints a fresh delegated subdomain, so
// callers must persist the result and reuse it on later runs.
func (c *Client) Register(ctx context.Context, allowFrom []string) (*Account, error) {
	return resilience.ExecuteWithResult(c.breaker, func() (*Account, error) {
		return c.register(ctx, allowFrom)
	})
}

func (c *Client) register(ctx context.Context, allowFrom []string) (*Account, error) {
	var body io.Reader
	if len(allowFrom) > 0 {
		payload, err := json.Marshal(map[string][]string{"allowfrom": allowFrom})
		if err != nil {
			return nil, &RegistrationError{Err: err}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", body)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}

	// The reference server answers 201 Created.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RegistrationError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var account Account
	if err := json.Unmarshal(respBody, &account); err != nil {
		return nil, &RegistrationError{Err: fmt.Errorf("malformed response body: %w", err)}
	}
	if account.Subdomain == "" || account.Username == "" {
		return nil, &RegistrationError{Err: fmt.Errorf("incomplete response body: %s", respBody)}
	}

	return &account, nil
}

// Update pushes token as the TXT value of the account's delegated
// subdomain. The call is idempotent: repeating it with the same token
// leaves the remote record in the same final state.
func (c *Client) Update(ctx context.Context, account *Account, token string) error {
	return c.breaker.Execute(func() error {
		return c.update(ctx, account, token)
	})
}

func (c *Client) update(ctx context.Context, account *Account, token string) error {
	payload, err := json.Marshal(map[string]string{
		"subdomain": account.Subdomain,
		"txt":       token,
	})
	if err != nil {
		return &UpdateError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/update", bytes.NewReader(payload))
	if err != nil {
		return &UpdateError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-User", account.Username)
	req.Header.Set("X-Api-Key", account.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return &UpdateError{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthRejectedError{StatusCode: resp.StatusCode, Body: string(respBody)}
	default:
		return &UpdateError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
}
