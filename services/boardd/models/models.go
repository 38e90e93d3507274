package models

import (
	"time"

	"gorm.io/gorm"
)

// Task statuses.
const (
	StatusOpen      = "open"
	StatusAccepted  = "accepted"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
	StatusDisputed  = "disputed"
	StatusRuled     = "ruled"
)

// Expiry reasons recorded on the task.expired event.
const (
	ExpiryBidding   = "bidding"
	ExpiryExecution = "execution"
)

// Task is the lifecycle state machine row. Absolute deadlines are computed on
// state entry from the stored durations.
type Task struct {
	ID            string `gorm:"primaryKey;size:48"`
	PosterID      string `gorm:"size:48;not null;index"`
	Title         string `gorm:"size:256;not null"`
	Specification string `gorm:"type:text;not null"`
	Reward        int64  `gorm:"not null"`
	Status        string `gorm:"size:16;not null;index"`
	EscrowID      string `gorm:"size:48;not null"`

	BiddingSeconds   int64 `gorm:"not null"`
	ExecutionSeconds int64 `gorm:"not null"`
	ReviewSeconds    int64 `gorm:"not null"`

	BiddingDeadline   time.Time
	ExecutionDeadline *time.Time
	ReviewDeadline    *time.Time

	WorkerID      string `gorm:"size:48;index"`
	AcceptedBidID string `gorm:"size:48"`

	DisputeReason string `gorm:"type:text"`
	RulingID      string `gorm:"size:48"`
	WorkerPct     *int
	RulingSummary string `gorm:"type:text"`

	CreatedAt   time.Time
	AcceptedAt  *time.Time
	SubmittedAt *time.Time
	ApprovedAt  *time.Time
	CancelledAt *time.Time
	DisputedAt  *time.Time
	RuledAt     *time.Time
	ExpiredAt   *time.Time
}

func (Task) TableName() string { return "board_tasks" }

// Terminal reports whether no further transition can leave the status.
func (t Task) Terminal() bool {
	switch t.Status {
	case StatusApproved, StatusCancelled, StatusExpired, StatusRuled:
		return true
	}
	return false
}

// Bid is a binding offer on an open task. The unique (task, bidder) index is
// the at-most-once token; bids are final.
type Bid struct {
	ID        string `gorm:"primaryKey;size:48"`
	TaskID    string `gorm:"size:48;not null;uniqueIndex:idx_board_bid_task_bidder,priority:1"`
	BidderID  string `gorm:"size:48;not null;uniqueIndex:idx_board_bid_task_bidder,priority:2"`
	Proposal  string `gorm:"type:text"`
	CreatedAt time.Time
}

func (Bid) TableName() string { return "board_bids" }

// Asset is one delivered artifact. The bytes live on disk under the storage
// dir; the row carries the metadata.
type Asset struct {
	ID          string `gorm:"primaryKey;size:48"`
	TaskID      string `gorm:"size:48;not null;index"`
	UploaderID  string `gorm:"size:48;not null"`
	Filename    string `gorm:"size:256;not null"`
	ContentType string `gorm:"size:128"`
	SizeBytes   int64  `gorm:"not null"`
	StoragePath string `gorm:"size:512;not null"`
	CreatedAt   time.Time
}

func (Asset) TableName() string { return "board_assets" }

// AutoMigrate performs the board schema migration.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Task{}, &Bid{}, &Asset{})
}
