// Package identity is the typed client for the agent registry and its
// signature oracle.
package identity

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"agora/sdk/internal/rest"
)

// Config wires one client instance.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client calls the identity service.
type Client struct {
	rest *rest.Client
}

// New builds an identity client.
func New(cfg Config) *Client {
	return &Client{rest: &rest.Client{BaseURL: cfg.BaseURL, HTTP: cfg.HTTPClient}}
}

// Agent is the registered identity view.
type Agent struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	PublicKey    string    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register submits a pre-signed registration body. The body must carry name,
// public_key and the detached signature over its canonical form.
func (c *Client) Register(ctx context.Context, body map[string]any) (Agent, error) {
	var out Agent
	err := c.rest.Do(ctx, http.MethodPost, "/agents", body, &out)
	return out, err
}

// GetAgent fetches one registered agent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var out Agent
	err := c.rest.Do(ctx, http.MethodGet, "/agents/"+agentID, nil, &out)
	return out, err
}

// VerifySignature asks the oracle whether signature verifies over message for
// the agent's registered key.
func (c *Client) VerifySignature(ctx context.Context, agentID string, message, signature []byte) (bool, error) {
	in := map[string]string{
		"agent_id":      agentID,
		"message_b64":   base64.StdEncoding.EncodeToString(message),
		"signature_b64": base64.StdEncoding.EncodeToString(signature),
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.rest.Do(ctx, http.MethodPost, "/verify", in, &out)
	return out.Valid, err
}
