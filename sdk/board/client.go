// Package board is the typed client for the task board. The court and the
// reputation service consume the read surface; the court also writes rulings
// back through the privileged callback.
package board

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

// Client calls the task board.
type Client struct {
	cfg Config
}

// New builds a board client.
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

// Task is the board's task view.
type Task struct {
	TaskID        string     `json:"task_id"`
	PosterID      string     `json:"poster_id"`
	Title         string     `json:"title"`
	Specification string     `json:"specification"`
	Reward        int64      `json:"reward"`
	Status        string     `json:"status"`
	EscrowID      string     `json:"escrow_id"`
	WorkerID      string     `json:"worker_id"`
	AcceptedBidID string     `json:"accepted_bid_id"`
	DisputeReason string     `json:"dispute_reason"`
	RulingID      string     `json:"ruling_id"`
	CreatedAt     time.Time  `json:"created_at"`
	RuledAt       *time.Time `json:"ruled_at,omitempty"`
}

// Asset is one uploaded artifact reference.
type Asset struct {
	AssetID     string    `json:"asset_id"`
	TaskID      string    `json:"task_id"`
	UploaderID  string    `json:"uploader_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var out Task
	err := c.rest("").Do(ctx, http.MethodGet, "/tasks/"+taskID, nil, &out)
	return out, err
}

// ListAssets returns the task's artifacts. The court scope grants access to
// assets that are otherwise visible only to the task parties.
func (c *Client) ListAssets(ctx context.Context, taskID string) ([]Asset, error) {
	var out struct {
		Assets []Asset `json:"assets"`
	}
	err := c.rest("board:assets").Do(ctx, http.MethodGet, "/tasks/"+taskID+"/assets", nil, &out)
	return out.Assets, err
}

// ApplyRuling writes the court's verdict back onto a disputed task.
func (c *Client) ApplyRuling(ctx context.Context, taskID, rulingID string, workerPct int, summary string) error {
	in := map[string]any{
		"ruling_id":      rulingID,
		"worker_pct":     workerPct,
		"ruling_summary": summary,
	}
	return c.rest("board:ruled").Do(ctx, http.MethodPost, "/tasks/"+taskID+"/ruled", in, nil)
}
