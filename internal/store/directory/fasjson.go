// SPDX-License-Identifier: Apache-2.0

// Package directory is the default identity.Directory implementation: an
// HTTP client for a FASJSON-compatible account-directory service.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/oops"
)

var errDomain = oops.Code("directory")

// Client is a minimal FASJSON client covering the lookups
// internal/identity.Resolver needs: by-username existence, and
// single-field search by email or GitHub login.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (used by tests to
// point at an httptest.Server, and in production to set timeouts).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New builds a Client against baseURL, e.g. "https://fasjson.fedoraproject.org/v1/".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type userResult struct {
	Username string `json:"username"`
}

type searchResponse struct {
	Result []userResult `json:"result"`
}

// Exists reports whether username resolves to a real FAS account.
func (c *Client) Exists(ctx context.Context, username string) (bool, error) {
	req, err := c.newRequest(ctx, fmt.Sprintf("/users/%s/", url.PathEscape(username)))
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, errDomain.Wrapf(err, "checking existence of %q", username)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, errDomain.Errorf("unexpected status %d checking existence of %q", resp.StatusCode, username)
	}
	return true, nil
}

// LookupByEmail searches for the single account whose email matches
// exactly, returning found=false if none or more than one match.
func (c *Client) LookupByEmail(ctx context.Context, email string) (string, bool, error) {
	return c.searchExact(ctx, "email", email)
}

// LookupByNickname searches for the single account whose IRC nickname
// matches exactly.
func (c *Client) LookupByNickname(ctx context.Context, nickname string) (string, bool, error) {
	return c.searchExact(ctx, "ircnick", nickname)
}

// LookupByGithubUsername searches for the single account whose linked
// GitHub username matches exactly.
func (c *Client) LookupByGithubUsername(ctx context.Context, ghLogin string) (string, bool, error) {
	return c.searchExact(ctx, "github_username", ghLogin)
}

func (c *Client) searchExact(ctx context.Context, field, value string) (string, bool, error) {
	path := fmt.Sprintf("/search/users/?%s__exact=%s", field, url.QueryEscape(value))
	req, err := c.newRequest(ctx, path)
	if err != nil {
		return "", false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, errDomain.Wrapf(err, "searching %s=%q", field, value)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, errDomain.Errorf("unexpected status %d searching %s=%q", resp.StatusCode, field, value)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, errDomain.Wrapf(err, "decoding search response for %s=%q", field, value)
	}

	if len(parsed.Result) != 1 {
		return "", false, nil
	}
	return parsed.Result[0].Username, true, nil
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errDomain.Wrapf(err, "building request for %q", path)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}
