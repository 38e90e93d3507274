package server

import (
	"context"
	"time"

	"agora/scheduler"
	"agora/services/courtd/models"
)

// SweepJob returns the rebuttal-window sweeper: claims whose window lapsed
// without an answer are judged with an empty rebuttal.
func (s *Server) SweepJob(interval time.Duration) scheduler.Job {
	return scheduler.Job{
		Name:     "court_rebuttal_sweeper",
		Interval: interval,
		Tick:     s.Sweep,
	}
}

// Sweep performs one pass over lapsed rebuttal windows.
func (s *Server) Sweep(ctx context.Context, now time.Time) error {
	var lapsed []models.Claim
	if err := s.db.Where("status = ? AND rebuttal_deadline <= ?", models.StatusRebuttal, now).Find(&lapsed).Error; err != nil {
		return err
	}
	var firstErr error
	for _, claim := range lapsed {
		res := s.db.Model(&models.Claim{}).
			Where("id = ? AND status = ?", claim.ID, models.StatusRebuttal).
			Update("status", models.StatusJudging)
		if res.Error != nil {
			if firstErr == nil {
				firstErr = res.Error
			}
			continue
		}
		if res.RowsAffected != 1 {
			continue
		}
		claim.Status = models.StatusJudging
		if err := s.judgeClaim(ctx, claim, ""); err != nil {
			// Roll the claim back so the next sweep retries it.
			s.db.Model(&models.Claim{}).
				Where("id = ? AND status = ?", claim.ID, models.StatusJudging).
				Update("status", models.StatusRebuttal)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
