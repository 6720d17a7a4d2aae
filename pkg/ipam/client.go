// Package ipam publishes the _acme-challenge CNAME record through an
// OpenIPAM instance, so first-time registrations need no manual DNS edit.
// Without OpenIPAM credentials the hook prints CNAME instructions instead.
package ipam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redentordev/acme-dns-hook/pkg/httputil"
)

// CNAME records are created with a low TTL so the propagation wait, not
// resolver caching, dominates turnaround on re-issuance.
const cnameTTL = 60

// Client talks to the OpenIPAM DNS API with token authentication.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an OpenIPAM client.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httputil.NewClientWithTimeout(timeout),
	}
}

// CreateCNAME publishes name CNAME target.
func (c *Client) CreateCNAME(ctx context.Context, name, target string) error {
	form := url.Values{}
	form.Set("name", name)
	form.Set("dns_type", "CNAME")
	form.Set("content", target)
	form.Set("ttl", fmt.Sprint(cnameTTL))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/dns/add/", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build OpenIPAM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("OpenIPAM CNAME creation failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("OpenIPAM CNAME creation failed: HTTP %d: %s", resp.StatusCode, body)
	}
	return nil
}

// DeleteCNAME removes every CNAME record named name. A name with no
// records is not an error.
func (c *Client) DeleteCNAME(ctx context.Context, name string) error {
	ids, err := c.findCNAMEs(ctx, name)
	if err != nil {
		return err
	}

	for _, id := range ids {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			fmt.Sprintf("%s/api/dns/%d/delete", c.baseURL, id), nil)
		if err != nil {
			return fmt.Errorf("failed to build OpenIPAM request: %w", err)
		}
		req.Header.Set("Authorization", "Token "+c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("OpenIPAM CNAME deletion failed: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("OpenIPAM CNAME deletion failed: HTTP %d", resp.StatusCode)
		}
	}
	return nil
}

// findCNAMEs lists the record IDs for name. With limit=0 the API skips
// pagination and returns a bare array.
func (c *Client) findCNAMEs(ctx context.Context, name string) ([]int64, error) {
	query := url.Values{}
	query.Set("name", name)
	query.Set("type", "CNAME")
	query.Set("limit", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/dns/?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenIPAM request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OpenIPAM record lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("OpenIPAM record lookup failed: HTTP %d", resp.StatusCode)
	}

	var records []struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to parse OpenIPAM record list: %w", err)
	}

	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids, nil
}
