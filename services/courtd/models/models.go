package models

import (
	"time"

	"gorm.io/gorm"
)

// Claim statuses. A claim enters rebuttal immediately on filing; the filed
// marker survives as the filing timestamp.
const (
	StatusFiled    = "filed"
	StatusRebuttal = "rebuttal"
	StatusJudging  = "judging"
	StatusRuled    = "ruled"
)

// Claim links one disputed task to its parties.
type Claim struct {
	ID               string `gorm:"primaryKey;size:48"`
	TaskID           string `gorm:"size:48;not null;uniqueIndex"`
	ClaimantID       string `gorm:"size:48;not null"`
	RespondentID     string `gorm:"size:48;not null"`
	Reason           string `gorm:"type:text;not null"`
	Status           string `gorm:"size:16;not null;index"`
	RebuttalDeadline time.Time
	FiledAt          time.Time
	RuledAt          *time.Time
}

func (Claim) TableName() string { return "court_claims" }

// Rebuttal is the respondent's single answer to a claim.
type Rebuttal struct {
	ID        string `gorm:"primaryKey;size:48"`
	ClaimID   string `gorm:"size:48;not null;uniqueIndex"`
	AuthorID  string `gorm:"size:48;not null"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}

func (Rebuttal) TableName() string { return "court_rebuttals" }

// Ruling is the final verdict: the aggregate percentage plus the raw
// per-judge votes as opaque JSON.
type Ruling struct {
	ID        string `gorm:"primaryKey;size:48"`
	ClaimID   string `gorm:"size:48;not null;uniqueIndex"`
	TaskID    string `gorm:"size:48;not null;index"`
	WorkerPct int    `gorm:"not null"`
	Summary   string `gorm:"type:text"`
	Votes     string `gorm:"type:text"`
	CreatedAt time.Time
}

func (Ruling) TableName() string { return "court_rulings" }

// AutoMigrate performs the court schema migration.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Claim{}, &Rebuttal{}, &Ruling{})
}
