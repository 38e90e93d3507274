package events

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"agora/observability"
)

// AutoMigrate creates the shared events table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Event{})
}

// Append writes one event row inside the caller's transaction. The payload is
// validated against the registry so the log never stores an unknown type, and
// the summary and reference columns are derived from the variant itself.
func Append(tx *gorm.DB, source string, p Payload) (Event, error) {
	if p == nil {
		return Event{}, fmt.Errorf("events: nil payload")
	}
	eventType := p.EventType()
	if !KnownType(eventType) {
		return Event{}, fmt.Errorf("events: unknown type %q", eventType)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s payload: %w", eventType, err)
	}
	taskID, agentID := p.Refs()
	evt := Event{
		Source:    source,
		Type:      eventType,
		TaskID:    taskID,
		AgentID:   agentID,
		Summary:   p.Summarize(),
		Payload:   string(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.Create(&evt).Error; err != nil {
		return Event{}, fmt.Errorf("events: append %s: %w", eventType, err)
	}
	observability.Economy().RecordEvent(eventType)
	return evt, nil
}

// After returns up to limit events with id greater than cursor, oldest first.
func After(db *gorm.DB, cursor int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	var evts []Event
	err := db.Where("id > ?", cursor).Order("id ASC").Limit(limit).Find(&evts).Error
	return evts, err
}

// LastID returns the highest event id, zero when the log is empty.
func LastID(db *gorm.DB) (int64, error) {
	var evt Event
	err := db.Order("id DESC").First(&evt).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return evt.ID, nil
}
