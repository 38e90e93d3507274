// Package court is the typed client for the adjudication service. Only the
// board files claims; the rest of the surface is agent-facing.
package court

import (
	"context"
	"net/http"
	"time"

	mw "agora/middleware"
	"agora/sdk/internal/rest"
)

// Config wires one client instance.
type Config struct {
	BaseURL       string
	HTTPClient    *http.Client
	ServiceSecret string
	ServiceName   string
}

// Client calls the court service.
type Client struct {
	cfg Config
}

// New builds a court client.
func New(cfg Config) *Client { return &Client{cfg: cfg} }

func (c *Client) rest(scope string) *rest.Client {
	r := &rest.Client{BaseURL: c.cfg.BaseURL, HTTP: c.cfg.HTTPClient}
	if scope != "" && c.cfg.ServiceSecret != "" {
		r.Token = func() (string, error) {
			return mw.MintServiceToken(c.cfg.ServiceSecret, c.cfg.ServiceName, scope, time.Minute)
		}
	}
	return r
}

// FileClaim opens a case for a disputed task and returns the claim id.
func (c *Client) FileClaim(ctx context.Context, taskID, claimantID, respondentID, reason string) (string, error) {
	in := map[string]string{
		"task_id":       taskID,
		"claimant_id":   claimantID,
		"respondent_id": respondentID,
		"reason":        reason,
	}
	var out struct {
		ClaimID string `json:"claim_id"`
	}
	err := c.rest("court:claims").Do(ctx, http.MethodPost, "/claims", in, &out)
	return out.ClaimID, err
}
