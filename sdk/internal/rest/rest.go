// Package rest is the shared HTTP plumbing under the typed service clients:
// JSON round-trips, the uniform error envelope and bounded retries for
// idempotent calls.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agora/api"
)

// TokenSource mints a bearer token for one request. A nil source sends no
// Authorization header.
type TokenSource func() (string, error)

// Client talks to one service base URL.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   TokenSource

	// Retries bounds the attempts for idempotent calls. Zero means 3.
	Retries int
	// Backoff is the initial retry delay, doubled per attempt. Zero means 100ms.
	Backoff time.Duration
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Do performs one non-idempotent round-trip.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	return c.attempt(ctx, method, path, in, out)
}

// DoIdempotent retries transient failures. Callers must only use it for
// requests the server deduplicates by reference.
func (c *Client) DoIdempotent(ctx context.Context, method, path string, in, out any) error {
	retries := c.Retries
	if retries <= 0 {
		retries = 3
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var err error
	for i := 0; i < retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}
		err = c.attempt(ctx, method, path, in, out)
		if err == nil || !transient(err) {
			return err
		}
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, err := c.Token()
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return &api.Error{Kind: api.KindTransient, Message: err.Error(), Status: http.StatusServiceUnavailable}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError turns the uniform envelope into a typed error. Bodies that are
// not the envelope degrade to internal or transient by status class.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var envelope api.ErrorBody
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return &api.Error{Kind: envelope.Error, Message: envelope.Message, Status: resp.StatusCode}
	}
	kind := api.KindInternal
	if resp.StatusCode >= 500 {
		kind = api.KindTransient
	}
	return &api.Error{Kind: kind, Message: http.StatusText(resp.StatusCode), Status: resp.StatusCode}
}

func transient(err error) bool {
	return api.KindOf(err) == api.KindTransient
}
