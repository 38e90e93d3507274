// Package events owns the append-only economy event log. Writers append
// inside the same store transaction as the state change they describe;
// readers catch up by cursor or subscribe to the live stream.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source services recorded on every event.
const (
	SourceIdentity   = "identity"
	SourceBank       = "bank"
	SourceBoard      = "board"
	SourceReputation = "reputation"
	SourceCourt      = "court"
	SourceSystem     = "system"
)

// The exhaustive set of event types on the wire.
const (
	TypeAgentRegistered    = "agent.registered"
	TypeAccountCreated     = "account.created"
	TypeSalaryPaid         = "salary.paid"
	TypeEscrowLocked       = "escrow.locked"
	TypeEscrowReleased     = "escrow.released"
	TypeEscrowSplit        = "escrow.split"
	TypeTaskCreated        = "task.created"
	TypeTaskCancelled      = "task.cancelled"
	TypeTaskExpired        = "task.expired"
	TypeBidSubmitted       = "bid.submitted"
	TypeTaskAccepted       = "task.accepted"
	TypeAssetUploaded      = "asset.uploaded"
	TypeTaskSubmitted      = "task.submitted"
	TypeTaskApproved       = "task.approved"
	TypeTaskAutoApproved   = "task.auto_approved"
	TypeTaskDisputed       = "task.disputed"
	TypeTaskRuled          = "task.ruled"
	TypeFeedbackRevealed   = "feedback.revealed"
	TypeClaimFiled         = "claim.filed"
	TypeRebuttalSubmitted  = "rebuttal.submitted"
	TypeRulingDelivered    = "ruling.delivered"
	TypeInvariantViolation = "system.invariant_violation"
)

// Event is the persisted log row. The id is the store's autoincrement key and
// provides the total order.
type Event struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Source    string    `gorm:"size:16;not null" json:"source"`
	Type      string    `gorm:"size:48;not null;index" json:"type"`
	TaskID    string    `gorm:"size:48;index" json:"task_id,omitempty"`
	AgentID   string    `gorm:"size:48;index" json:"agent_id,omitempty"`
	Summary   string    `gorm:"size:256" json:"summary"`
	Payload   string    `gorm:"type:text" json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName keeps the log outside any service prefix; every service writes it.
func (Event) TableName() string { return "events" }

// Payload is the tagged-variant interface every event payload implements. The
// type tag, reference fields and pre-rendered summary all come from the
// variant, so malformed writes are rejected before they reach the store.
type Payload interface {
	EventType() string
	Refs() (taskID, agentID string)
	Summarize() string
}

var payloadRegistry = map[string]func() Payload{
	TypeAgentRegistered:    func() Payload { return &AgentRegistered{} },
	TypeAccountCreated:     func() Payload { return &AccountCreated{} },
	TypeSalaryPaid:         func() Payload { return &SalaryPaid{} },
	TypeEscrowLocked:       func() Payload { return &EscrowLocked{} },
	TypeEscrowReleased:     func() Payload { return &EscrowReleased{} },
	TypeEscrowSplit:        func() Payload { return &EscrowSplit{} },
	TypeTaskCreated:        func() Payload { return &TaskCreated{} },
	TypeTaskCancelled:      func() Payload { return &TaskCancelled{} },
	TypeTaskExpired:        func() Payload { return &TaskExpired{} },
	TypeBidSubmitted:       func() Payload { return &BidSubmitted{} },
	TypeTaskAccepted:       func() Payload { return &TaskAccepted{} },
	TypeAssetUploaded:      func() Payload { return &AssetUploaded{} },
	TypeTaskSubmitted:      func() Payload { return &TaskSubmitted{} },
	TypeTaskApproved:       func() Payload { return &TaskApproved{} },
	TypeTaskAutoApproved:   func() Payload { return &TaskApproved{} },
	TypeTaskDisputed:       func() Payload { return &TaskDisputed{} },
	TypeTaskRuled:          func() Payload { return &TaskRuled{} },
	TypeFeedbackRevealed:   func() Payload { return &FeedbackRevealed{} },
	TypeClaimFiled:         func() Payload { return &ClaimFiled{} },
	TypeRebuttalSubmitted:  func() Payload { return &RebuttalSubmitted{} },
	TypeRulingDelivered:    func() Payload { return &RulingDelivered{} },
	TypeInvariantViolation: func() Payload { return &InvariantViolation{} },
}

// KnownType reports whether t is one of the enumerated event types.
func KnownType(t string) bool {
	_, ok := payloadRegistry[t]
	return ok
}

// Decode parses the stored payload back into its typed variant.
func Decode(evt Event) (Payload, error) {
	factory, ok := payloadRegistry[evt.Type]
	if !ok {
		return nil, fmt.Errorf("events: unknown type %q", evt.Type)
	}
	p := factory()
	if err := json.Unmarshal([]byte(evt.Payload), p); err != nil {
		return nil, fmt.Errorf("events: decode %s payload: %w", evt.Type, err)
	}
	return p, nil
}

// AgentRegistered announces a new agent in the registry.
type AgentRegistered struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

func (p *AgentRegistered) EventType() string           { return TypeAgentRegistered }
func (p *AgentRegistered) Refs() (string, string)      { return "", p.AgentID }
func (p *AgentRegistered) Summarize() string {
	return fmt.Sprintf("agent %s registered as %q", p.AgentID, p.Name)
}

// AccountCreated announces a bank account opening.
type AccountCreated struct {
	AccountID string `json:"account_id"`
}

func (p *AccountCreated) EventType() string      { return TypeAccountCreated }
func (p *AccountCreated) Refs() (string, string) { return "", p.AccountID }
func (p *AccountCreated) Summarize() string {
	return fmt.Sprintf("account %s opened", p.AccountID)
}

// SalaryPaid summarizes one idempotent salary round.
type SalaryPaid struct {
	RoundID  int64 `json:"round_id"`
	Amount   int64 `json:"amount"`
	Accounts int   `json:"accounts_credited"`
}

func (p *SalaryPaid) EventType() string      { return TypeSalaryPaid }
func (p *SalaryPaid) Refs() (string, string) { return "", "" }
func (p *SalaryPaid) Summarize() string {
	return fmt.Sprintf("salary round %d paid %d to %d accounts", p.RoundID, p.Amount, p.Accounts)
}

// EscrowLocked records funds leaving a payer's spendable balance.
type EscrowLocked struct {
	EscrowID string `json:"escrow_id"`
	TaskID   string `json:"task_id"`
	PayerID  string `json:"payer_id"`
	Amount   int64  `json:"amount"`
}

func (p *EscrowLocked) EventType() string      { return TypeEscrowLocked }
func (p *EscrowLocked) Refs() (string, string) { return p.TaskID, p.PayerID }
func (p *EscrowLocked) Summarize() string {
	return fmt.Sprintf("escrow %s locked %d from %s for task %s", p.EscrowID, p.Amount, p.PayerID, p.TaskID)
}

// EscrowReleased records a full payout of a locked escrow.
type EscrowReleased struct {
	EscrowID    string `json:"escrow_id"`
	TaskID      string `json:"task_id"`
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
}

func (p *EscrowReleased) EventType() string      { return TypeEscrowReleased }
func (p *EscrowReleased) Refs() (string, string) { return p.TaskID, p.RecipientID }
func (p *EscrowReleased) Summarize() string {
	return fmt.Sprintf("escrow %s released %d to %s", p.EscrowID, p.Amount, p.RecipientID)
}

// EscrowSplit records a proportional payout between worker and poster.
type EscrowSplit struct {
	EscrowID     string `json:"escrow_id"`
	TaskID       string `json:"task_id"`
	WorkerID     string `json:"worker_id"`
	PosterID     string `json:"poster_id"`
	WorkerAmount int64  `json:"worker_amount"`
	PosterAmount int64  `json:"poster_amount"`
	WorkerPct    int    `json:"worker_pct"`
}

func (p *EscrowSplit) EventType() string      { return TypeEscrowSplit }
func (p *EscrowSplit) Refs() (string, string) { return p.TaskID, p.WorkerID }
func (p *EscrowSplit) Summarize() string {
	return fmt.Sprintf("escrow %s split %d/%d at %d%% worker", p.EscrowID, p.WorkerAmount, p.PosterAmount, p.WorkerPct)
}

// TaskCreated announces a freshly posted task with locked escrow.
type TaskCreated struct {
	TaskID   string `json:"task_id"`
	PosterID string `json:"poster_id"`
	Title    string `json:"title"`
	Reward   int64  `json:"reward"`
}

func (p *TaskCreated) EventType() string      { return TypeTaskCreated }
func (p *TaskCreated) Refs() (string, string) { return p.TaskID, p.PosterID }
func (p *TaskCreated) Summarize() string {
	return fmt.Sprintf("task %s posted by %s for %d", p.TaskID, p.PosterID, p.Reward)
}

// TaskCancelled records a poster cancelling an open task.
type TaskCancelled struct {
	TaskID   string `json:"task_id"`
	PosterID string `json:"poster_id"`
}

func (p *TaskCancelled) EventType() string      { return TypeTaskCancelled }
func (p *TaskCancelled) Refs() (string, string) { return p.TaskID, p.PosterID }
func (p *TaskCancelled) Summarize() string {
	return fmt.Sprintf("task %s cancelled by poster", p.TaskID)
}

// TaskExpired records a deadline-driven expiry; reason is bidding or execution.
type TaskExpired struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

func (p *TaskExpired) EventType() string      { return TypeTaskExpired }
func (p *TaskExpired) Refs() (string, string) { return p.TaskID, "" }
func (p *TaskExpired) Summarize() string {
	return fmt.Sprintf("task %s expired (%s)", p.TaskID, p.Reason)
}

// BidSubmitted records a binding bid.
type BidSubmitted struct {
	TaskID   string `json:"task_id"`
	BidID    string `json:"bid_id"`
	BidderID string `json:"bidder_id"`
}

func (p *BidSubmitted) EventType() string      { return TypeBidSubmitted }
func (p *BidSubmitted) Refs() (string, string) { return p.TaskID, p.BidderID }
func (p *BidSubmitted) Summarize() string {
	return fmt.Sprintf("bid %s submitted on task %s by %s", p.BidID, p.TaskID, p.BidderID)
}

// TaskAccepted records contract formation.
type TaskAccepted struct {
	TaskID   string `json:"task_id"`
	BidID    string `json:"bid_id"`
	WorkerID string `json:"worker_id"`
}

func (p *TaskAccepted) EventType() string      { return TypeTaskAccepted }
func (p *TaskAccepted) Refs() (string, string) { return p.TaskID, p.WorkerID }
func (p *TaskAccepted) Summarize() string {
	return fmt.Sprintf("task %s accepted bid %s from %s", p.TaskID, p.BidID, p.WorkerID)
}

// AssetUploaded records a delivered artifact reference.
type AssetUploaded struct {
	TaskID     string `json:"task_id"`
	AssetID    string `json:"asset_id"`
	UploaderID string `json:"uploader_id"`
	Filename   string `json:"filename"`
	SizeBytes  int64  `json:"size_bytes"`
}

func (p *AssetUploaded) EventType() string      { return TypeAssetUploaded }
func (p *AssetUploaded) Refs() (string, string) { return p.TaskID, p.UploaderID }
func (p *AssetUploaded) Summarize() string {
	return fmt.Sprintf("asset %s (%s, %d bytes) uploaded to task %s", p.AssetID, p.Filename, p.SizeBytes, p.TaskID)
}

// TaskSubmitted records delivery of work.
type TaskSubmitted struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

func (p *TaskSubmitted) EventType() string      { return TypeTaskSubmitted }
func (p *TaskSubmitted) Refs() (string, string) { return p.TaskID, p.WorkerID }
func (p *TaskSubmitted) Summarize() string {
	return fmt.Sprintf("task %s submitted by %s", p.TaskID, p.WorkerID)
}

// TaskApproved covers both poster approval and review-timeout auto-approval;
// the Auto flag distinguishes them and selects the event type.
type TaskApproved struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Auto     bool   `json:"auto"`
}

func (p *TaskApproved) EventType() string {
	if p.Auto {
		return TypeTaskAutoApproved
	}
	return TypeTaskApproved
}
func (p *TaskApproved) Refs() (string, string) { return p.TaskID, p.WorkerID }
func (p *TaskApproved) Summarize() string {
	if p.Auto {
		return fmt.Sprintf("task %s auto-approved after review timeout", p.TaskID)
	}
	return fmt.Sprintf("task %s approved", p.TaskID)
}

// TaskDisputed records a poster dispute during review.
type TaskDisputed struct {
	TaskID   string `json:"task_id"`
	PosterID string `json:"poster_id"`
	Reason   string `json:"reason"`
}

func (p *TaskDisputed) EventType() string      { return TypeTaskDisputed }
func (p *TaskDisputed) Refs() (string, string) { return p.TaskID, p.PosterID }
func (p *TaskDisputed) Summarize() string {
	return fmt.Sprintf("task %s disputed by poster", p.TaskID)
}

// TaskRuled records the court's verdict landing on the board.
type TaskRuled struct {
	TaskID    string `json:"task_id"`
	RulingID  string `json:"ruling_id"`
	WorkerPct int    `json:"worker_pct"`
}

func (p *TaskRuled) EventType() string      { return TypeTaskRuled }
func (p *TaskRuled) Refs() (string, string) { return p.TaskID, "" }
func (p *TaskRuled) Summarize() string {
	return fmt.Sprintf("task %s ruled at %d%% worker", p.TaskID, p.WorkerPct)
}

// FeedbackRevealed fires once per feedback row the moment the pair completes.
type FeedbackRevealed struct {
	TaskID     string `json:"task_id"`
	FeedbackID string `json:"feedback_id"`
	FromID     string `json:"from_id"`
	ToID       string `json:"to_id"`
	Category   string `json:"category"`
	Rating     string `json:"rating"`
}

func (p *FeedbackRevealed) EventType() string      { return TypeFeedbackRevealed }
func (p *FeedbackRevealed) Refs() (string, string) { return p.TaskID, p.ToID }
func (p *FeedbackRevealed) Summarize() string {
	return fmt.Sprintf("feedback %s on task %s revealed: %s %s", p.FeedbackID, p.TaskID, p.Category, p.Rating)
}

// ClaimFiled records a dispute reaching the court.
type ClaimFiled struct {
	ClaimID      string `json:"claim_id"`
	TaskID       string `json:"task_id"`
	ClaimantID   string `json:"claimant_id"`
	RespondentID string `json:"respondent_id"`
}

func (p *ClaimFiled) EventType() string      { return TypeClaimFiled }
func (p *ClaimFiled) Refs() (string, string) { return p.TaskID, p.ClaimantID }
func (p *ClaimFiled) Summarize() string {
	return fmt.Sprintf("claim %s filed on task %s", p.ClaimID, p.TaskID)
}

// RebuttalSubmitted records the respondent's answer.
type RebuttalSubmitted struct {
	ClaimID      string `json:"claim_id"`
	RebuttalID   string `json:"rebuttal_id"`
	TaskID       string `json:"task_id"`
	RespondentID string `json:"respondent_id"`
}

func (p *RebuttalSubmitted) EventType() string      { return TypeRebuttalSubmitted }
func (p *RebuttalSubmitted) Refs() (string, string) { return p.TaskID, p.RespondentID }
func (p *RebuttalSubmitted) Summarize() string {
	return fmt.Sprintf("rebuttal %s submitted on claim %s", p.RebuttalID, p.ClaimID)
}

// RulingDelivered records the final verdict from the judge panel.
type RulingDelivered struct {
	ClaimID   string `json:"claim_id"`
	RulingID  string `json:"ruling_id"`
	TaskID    string `json:"task_id"`
	WorkerPct int    `json:"worker_pct"`
}

func (p *RulingDelivered) EventType() string      { return TypeRulingDelivered }
func (p *RulingDelivered) Refs() (string, string) { return p.TaskID, "" }
func (p *RulingDelivered) Summarize() string {
	return fmt.Sprintf("ruling %s delivered on claim %s: %d%% worker", p.RulingID, p.ClaimID, p.WorkerPct)
}

// InvariantViolation flags an impossible state for operators; never retried.
type InvariantViolation struct {
	TaskID  string `json:"task_id,omitempty"`
	Context string `json:"context"`
}

func (p *InvariantViolation) EventType() string      { return TypeInvariantViolation }
func (p *InvariantViolation) Refs() (string, string) { return p.TaskID, "" }
func (p *InvariantViolation) Summarize() string {
	return fmt.Sprintf("invariant violation: %s", p.Context)
}
