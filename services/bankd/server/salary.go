package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gorm.io/gorm"

	"agora/api"
	"agora/events"
	"agora/observability"
	"agora/scheduler"
	"agora/services/bankd/models"
)

// PaySalary credits every account the round amount. A round id that was
// already paid is a no-op returning the recorded round.
func (s *Server) PaySalary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoundID *int64 `json:"round_id"`
		Amount  int64  `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RoundID == nil || *req.RoundID < 0 {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "round_id must be a non-negative integer")
		return
	}
	if req.Amount <= 0 {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "amount must be positive")
		return
	}
	round, replay, err := s.payRound(*req.RoundID, req.Amount)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "salary round failed")
		return
	}
	status := http.StatusCreated
	if replay {
		status = http.StatusOK
	}
	api.WriteJSON(w, status, map[string]any{
		"round_id":          round.RoundID,
		"amount":            round.Amount,
		"accounts_credited": round.Accounts,
		"replayed":          replay,
	})
}

// payRound executes one salary round inside a single transaction. The round
// row and the per-account credit references both make replays no-ops.
func (s *Server) payRound(roundID, amount int64) (models.SalaryRound, bool, error) {
	var round models.SalaryRound
	replay := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.First(&round, "round_id = ?", roundID).Error
		if err == nil {
			replay = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var accounts []models.Account
		if err := tx.Order("id ASC").Find(&accounts).Error; err != nil {
			return err
		}
		now := s.Now()
		reference := fmt.Sprintf("salary_round_%d", roundID)
		credited := 0
		for _, account := range accounts {
			_, replayed, err := creditAccount(tx, account.ID, models.KindCredit, amount, reference, now)
			if err != nil {
				return err
			}
			if !replayed {
				credited++
			}
		}
		round = models.SalaryRound{RoundID: roundID, Amount: amount, Accounts: credited, PaidAt: now}
		if err := tx.Create(&round).Error; err != nil {
			return err
		}
		_, err = events.Append(tx, events.SourceBank, &events.SalaryPaid{
			RoundID:  roundID,
			Amount:   amount,
			Accounts: credited,
		})
		return err
	})
	if err == nil && !replay {
		observability.Economy().RecordSalaryRound()
	}
	return round, replay, err
}

// SalaryJob returns the periodic salary payer. The round id is derived from
// wall-clock epochs so a crash and restart inside one period re-issues the
// same id and the idempotency key absorbs it.
func (s *Server) SalaryJob(period time.Duration) scheduler.Job {
	return scheduler.Job{
		Name:     "bank_salary",
		Interval: period,
		Tick: func(_ context.Context, now time.Time) error {
			roundID := now.Unix() / int64(period.Seconds())
			_, _, err := s.payRound(roundID, s.salaryAmount)
			return err
		},
	}
}
