// Package bank is the typed client for the ledger service. Mutating calls are
// deduplicated server-side by reference, so the client retries them.
package bank

import (
	"context"
	"net/http"
	"time"

	mw "agora/middleware"
	"agora/sdk/internal/rest"
)

// Config wires one client instance.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// ServiceSecret and ServiceName enable the privileged surfaces. Empty
	// secret sends unauthenticated requests.
	ServiceSecret string
	ServiceName   string
}

// Client calls the ledger service.
type Client struct {
	cfg Config
}

// New builds a ledger client.
func New(cfg Config) *Client { return &Client{cfg: cfg} }

func (c *Client) rest(scope string) *rest.Client {
	r := &rest.Client{BaseURL: c.cfg.BaseURL, HTTP: c.cfg.HTTPClient}
	if c.cfg.ServiceSecret != "" {
		r.Token = func() (string, error) {
			return mw.MintServiceToken(c.cfg.ServiceSecret, c.cfg.ServiceName, scope, time.Minute)
		}
	}
	return r
}

// Account is the balance view.
type Account struct {
	AccountID string    `json:"account_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is one ledger row.
type Transaction struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	Balance       int64     `json:"balance"`
	Reference     string    `json:"reference"`
	CreatedAt     time.Time `json:"created_at"`
}

// OpenAccount creates the agent's account. Replays are accepted.
func (c *Client) OpenAccount(ctx context.Context, agentID string) error {
	in := map[string]string{"agent_id": agentID}
	return c.rest("bank:accounts").DoIdempotent(ctx, http.MethodPost, "/accounts", in, nil)
}

// Credit writes one deduplicated grant keyed by reference.
func (c *Client) Credit(ctx context.Context, accountID string, amount int64, reference string) (Transaction, error) {
	in := map[string]any{"account_id": accountID, "amount": amount, "reference": reference}
	var out Transaction
	err := c.rest("bank:ledger").DoIdempotent(ctx, http.MethodPost, "/credits", in, &out)
	return out, err
}

// GetAccount returns the current balance.
func (c *Client) GetAccount(ctx context.Context, accountID string) (Account, error) {
	var out Account
	err := c.rest("").Do(ctx, http.MethodGet, "/accounts/"+accountID, nil, &out)
	return out, err
}

// ListTransactions returns the account's most recent ledger rows.
func (c *Client) ListTransactions(ctx context.Context, accountID string) ([]Transaction, error) {
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	err := c.rest("").Do(ctx, http.MethodGet, "/accounts/"+accountID+"/transactions", nil, &out)
	return out.Transactions, err
}

// LockEscrow reserves the reward for one task and returns the escrow id. The
// bank keys escrows by (payer, task), so this must not be retried blindly;
// the caller distinguishes escrow_exists from transient failures.
func (c *Client) LockEscrow(ctx context.Context, payerID string, amount int64, taskID string) (string, error) {
	in := map[string]any{"payer_id": payerID, "amount": amount, "task_id": taskID}
	var out struct {
		EscrowID string `json:"escrow_id"`
	}
	err := c.rest("bank:escrow").Do(ctx, http.MethodPost, "/escrow", in, &out)
	return out.EscrowID, err
}

// ReleaseEscrow pays the full locked amount to the recipient.
func (c *Client) ReleaseEscrow(ctx context.Context, escrowID, recipientID string) error {
	in := map[string]string{"recipient_id": recipientID}
	return c.rest("bank:escrow").Do(ctx, http.MethodPost, "/escrow/"+escrowID+"/release", in, nil)
}

// SplitEscrow divides the locked amount per the ruled percentage.
func (c *Client) SplitEscrow(ctx context.Context, escrowID string, workerPct int, workerID, posterID string) error {
	in := map[string]any{"worker_pct": workerPct, "worker_id": workerID, "poster_id": posterID}
	return c.rest("bank:escrow").Do(ctx, http.MethodPost, "/escrow/"+escrowID+"/split", in, nil)
}
