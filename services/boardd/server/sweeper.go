package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"agora/api"
	"agora/events"
	"agora/scheduler"
	"agora/services/boardd/models"
)

// SweepJob returns the periodic deadline sweeper. Each tick is idempotent:
// a transition that already happened, or an escrow that is already resolved,
// produces no additional effect.
func (s *Server) SweepJob(interval time.Duration) scheduler.Job {
	return scheduler.Job{
		Name:     "board_sweeper",
		Interval: interval,
		Tick:     s.Sweep,
	}
}

// Sweep performs one pass over every task with a lapsed deadline. Bidding
// expiry takes precedence: an open task is expired for bidding even when its
// other deadlines are somehow in the past too.
func (s *Server) Sweep(ctx context.Context, now time.Time) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var openExpired []models.Task
	record(s.db.Where("status = ? AND bidding_deadline <= ?", models.StatusOpen, now).Find(&openExpired).Error)
	for _, task := range openExpired {
		record(s.expireTask(ctx, task, models.ExpiryBidding, now))
	}

	var executionExpired []models.Task
	record(s.db.Where("status = ? AND execution_deadline <= ?", models.StatusAccepted, now).Find(&executionExpired).Error)
	for _, task := range executionExpired {
		record(s.expireTask(ctx, task, models.ExpiryExecution, now))
	}

	var reviewExpired []models.Task
	record(s.db.Where("status = ? AND review_deadline <= ?", models.StatusSubmitted, now).Find(&reviewExpired).Error)
	for _, task := range reviewExpired {
		record(s.autoApproveTask(ctx, task, now))
	}

	return firstErr
}

// expireTask moves one task to expired and returns the escrow to the poster.
func (s *Server) expireTask(ctx context.Context, task models.Task, reason string, now time.Time) error {
	var evtID int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		_, err := s.transitionTask(tx, task.ID, models.StatusExpired, "sweeper", func(t *models.Task) error {
			t.ExpiredAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		evt, err := events.Append(tx, events.SourceBoard, &events.TaskExpired{TaskID: task.ID, Reason: reason})
		if err != nil {
			return err
		}
		evtID = evt.ID
		return nil
	})
	if err != nil {
		// A concurrent handler won the row; nothing to do this tick.
		if isTransitionLost(err) {
			return nil
		}
		return err
	}

	if err := s.bank.ReleaseEscrow(ctx, task.EscrowID, task.PosterID); err != nil && api.KindOf(err) != api.KindConflict {
		s.revertTransition(task.ID, task.Status, models.StatusExpired, evtID, map[string]any{"expired_at": nil})
		return fmt.Errorf("expire %s: escrow release: %w", task.ID, err)
	}
	return nil
}

// autoApproveTask resolves a lapsed review window in the worker's favor.
func (s *Server) autoApproveTask(ctx context.Context, task models.Task, now time.Time) error {
	var evtID int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		_, err := s.transitionTask(tx, task.ID, models.StatusApproved, "sweeper", func(t *models.Task) error {
			t.ApprovedAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		evt, err := events.Append(tx, events.SourceBoard, &events.TaskApproved{
			TaskID:   task.ID,
			WorkerID: task.WorkerID,
			Auto:     true,
		})
		if err != nil {
			return err
		}
		evtID = evt.ID
		return nil
	})
	if err != nil {
		if isTransitionLost(err) {
			return nil
		}
		return err
	}

	if err := s.bank.ReleaseEscrow(ctx, task.EscrowID, task.WorkerID); err != nil && api.KindOf(err) != api.KindConflict {
		s.revertTransition(task.ID, task.Status, models.StatusApproved, evtID, map[string]any{"approved_at": nil})
		return fmt.Errorf("auto-approve %s: escrow release: %w", task.ID, err)
	}
	return nil
}

func isTransitionLost(err error) bool {
	return errors.Is(err, errTransitionRaced) || errors.Is(err, errIllegalTransit) || errors.Is(err, errTaskMissing)
}
