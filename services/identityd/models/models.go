package models

import (
	"time"

	"gorm.io/gorm"
)

// Agent is the immutable registry row for a participant. Agents are created
// once and never updated or deleted.
type Agent struct {
	ID        string `gorm:"primaryKey;size:48"`
	Name      string `gorm:"size:128;not null"`
	PublicKey string `gorm:"size:128;not null;uniqueIndex"`
	CreatedAt time.Time
}

// TableName puts the row under the identity service's prefix.
func (Agent) TableName() string { return "identity_agents" }

// AutoMigrate performs the identity schema migration.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Agent{})
}
