package server

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agora/events"
	"agora/observability"
	"agora/services/boardd/models"
)

var (
	errTaskMissing     = errors.New("task not found")
	errIllegalTransit  = errors.New("illegal transition")
	errNotAuthorized   = errors.New("caller not authorized")
	errDeadlinePassed  = errors.New("deadline passed")
	errTransitionRaced = errors.New("transition raced")
)

// allowedTransitions is the whole lifecycle in one table. A transition absent
// here is illegal regardless of the caller.
var allowedTransitions = map[string][]string{
	models.StatusOpen:      {models.StatusAccepted, models.StatusCancelled, models.StatusExpired},
	models.StatusAccepted:  {models.StatusSubmitted, models.StatusExpired},
	models.StatusSubmitted: {models.StatusApproved, models.StatusDisputed},
	models.StatusDisputed:  {models.StatusRuled},
}

func transitionAllowed(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionTask serializes one state change on a task: the row is locked,
// the transition table is consulted, mutate fills in the target fields, and
// the row is written back guarded by the previous status so concurrent
// transitions resolve to exactly one winner.
func (s *Server) transitionTask(tx *gorm.DB, taskID, to, trigger string, mutate func(task *models.Task) error) (models.Task, error) {
	var task models.Task
	if err := forUpdate(tx).First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Task{}, errTaskMissing
		}
		return models.Task{}, err
	}
	from := task.Status
	if !transitionAllowed(from, to) {
		return models.Task{}, fmt.Errorf("%w: %s -> %s", errIllegalTransit, from, to)
	}
	if mutate != nil {
		if err := mutate(&task); err != nil {
			return models.Task{}, err
		}
	}
	task.Status = to
	res := tx.Model(&models.Task{}).
		Where("id = ? AND status = ?", taskID, from).
		Select("*").Omit("id", "created_at").
		Updates(&task)
	if res.Error != nil {
		return models.Task{}, res.Error
	}
	if res.RowsAffected != 1 {
		return models.Task{}, errTransitionRaced
	}
	observability.Economy().RecordTransition(to, trigger)
	return task, nil
}

// revertTransition undoes a just-won transition when the follow-up bank call
// fails, restoring all-or-nothing semantics for the composite operation. The
// lifecycle event committed with the transition is withdrawn with it.
func (s *Server) revertTransition(taskID, from, to string, eventID int64, restore map[string]any) {
	restore["status"] = from
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if eventID != 0 {
			if err := tx.Delete(&events.Event{}, "id = ?", eventID).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.Task{}).
			Where("id = ? AND status = ?", taskID, to).
			Updates(restore).Error
	})
	if err != nil {
		s.logger.Error("transition revert failed", "task_id", taskID, "from", from, "to", to, "error", err)
	}
}

// forUpdate applies row locking on stores that support it.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
