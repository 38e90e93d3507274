package models

import (
	"time"

	"gorm.io/gorm"
)

// Reviewer roles.
const (
	RolePoster = "poster"
	RoleWorker = "worker"
)

// Feedback categories. The poster rates delivery, the worker rates the spec.
const (
	CategorySpecQuality     = "spec_quality"
	CategoryDeliveryQuality = "delivery_quality"
)

// Ratings and their numeric coding for score aggregation.
const (
	RatingDissatisfied       = "dissatisfied"
	RatingSatisfied          = "satisfied"
	RatingExtremelySatisfied = "extremely_satisfied"
)

// RatingValue maps a rating label to its score contribution.
var RatingValue = map[string]int{
	RatingDissatisfied:       0,
	RatingSatisfied:          50,
	RatingExtremelySatisfied: 100,
}

// Feedback is one sealed rating. Visible flips for both rows of a task in the
// same atomic unit the moment the second row lands.
type Feedback struct {
	ID        string `gorm:"primaryKey;size:48"`
	TaskID    string `gorm:"size:48;not null;uniqueIndex:idx_reputation_fb_task_from,priority:1"`
	FromID    string `gorm:"size:48;not null;uniqueIndex:idx_reputation_fb_task_from,priority:2"`
	ToID      string `gorm:"size:48;not null;index"`
	Role      string `gorm:"size:8;not null"`
	Category  string `gorm:"size:24;not null"`
	Rating    string `gorm:"size:24;not null"`
	Comment   string `gorm:"size:256"`
	Visible   bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (Feedback) TableName() string { return "reputation_feedback" }

// AutoMigrate performs the reputation schema migration.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Feedback{})
}
