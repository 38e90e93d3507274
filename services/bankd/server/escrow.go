package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"agora/api"
	"agora/events"
	"agora/observability"
	"agora/services/bankd/models"
)

var (
	errInsufficientFunds = errors.New("insufficient funds")
	errEscrowExists      = errors.New("escrow exists")
	errEscrowMissing     = errors.New("escrow not found")
	errEscrowResolved    = errors.New("escrow already resolved")
)

type escrowResponse struct {
	EscrowID    string     `json:"escrow_id"`
	PayerID     string     `json:"payer_id"`
	TaskID      string     `json:"task_id"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	RecipientID string     `json:"recipient_id,omitempty"`
	WorkerPct   *int       `json:"worker_pct,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

func escrowToResponse(e models.Escrow) escrowResponse {
	return escrowResponse{
		EscrowID:    e.ID,
		PayerID:     e.PayerID,
		TaskID:      e.TaskID,
		Amount:      e.Amount,
		Status:      e.Status,
		RecipientID: e.RecipientID,
		WorkerPct:   e.WorkerPct,
		CreatedAt:   e.CreatedAt,
		ResolvedAt:  e.ResolvedAt,
	}
}

// LockEscrow subtracts the amount from the payer's spendable balance and
// creates the locked escrow row in one atomic unit.
func (s *Server) LockEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayerID string `json:"payer_id"`
		Amount  int64  `json:"amount"`
		TaskID  string `json:"task_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "amount must be positive")
		return
	}
	if strings.TrimSpace(req.PayerID) == "" || strings.TrimSpace(req.TaskID) == "" {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "payer_id and task_id are required")
		return
	}

	var escrow models.Escrow
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Escrow
		err := tx.First(&existing, "payer_id = ? AND task_id = ?", req.PayerID, req.TaskID).Error
		if err == nil {
			return errEscrowExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var account models.Account
		if err := forUpdate(tx).First(&account, "id = ?", req.PayerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errAccountMissing
			}
			return err
		}
		if account.Balance < req.Amount {
			return errInsufficientFunds
		}

		now := s.Now()
		escrow = models.Escrow{
			ID:        "esc-" + uuid.NewString(),
			PayerID:   req.PayerID,
			TaskID:    req.TaskID,
			Amount:    req.Amount,
			Status:    models.EscrowLocked,
			CreatedAt: now,
		}
		if err := tx.Create(&escrow).Error; err != nil {
			return err
		}
		newBalance := account.Balance - req.Amount
		if err := tx.Model(&models.Account{}).Where("id = ? AND balance >= ?", account.ID, req.Amount).
			Updates(map[string]any{"balance": newBalance, "updated_at": now}).Error; err != nil {
			return err
		}
		row := models.Transaction{
			ID:        "tx-" + uuid.NewString(),
			AccountID: account.ID,
			Kind:      models.KindEscrowLock,
			Amount:    req.Amount,
			Balance:   newBalance,
			Reference: escrow.ID,
			CreatedAt: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		_, err = events.Append(tx, events.SourceBank, &events.EscrowLocked{
			EscrowID: escrow.ID,
			TaskID:   escrow.TaskID,
			PayerID:  escrow.PayerID,
			Amount:   escrow.Amount,
		})
		return err
	})
	observability.Economy().RecordEscrowOp("lock", err)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, escrowToResponse(escrow))
}

// ReleaseEscrow pays the full amount to one recipient and flips the escrow to
// released. Only valid from locked.
func (s *Server) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "id")
	var req struct {
		RecipientID string `json:"recipient_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RecipientID) == "" {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "recipient_id is required")
		return
	}

	var escrow models.Escrow
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&escrow, "id = ?", escrowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errEscrowMissing
			}
			return err
		}
		if escrow.Status != models.EscrowLocked {
			return errEscrowResolved
		}
		now := s.Now()
		if _, _, err := creditAccount(tx, req.RecipientID, models.KindEscrowRelease, escrow.Amount, escrow.ID, now); err != nil {
			return err
		}
		escrow.Status = models.EscrowReleased
		escrow.RecipientID = req.RecipientID
		escrow.ResolvedAt = &now
		if err := tx.Model(&models.Escrow{}).Where("id = ?", escrow.ID).
			Updates(map[string]any{"status": escrow.Status, "recipient_id": escrow.RecipientID, "resolved_at": now}).Error; err != nil {
			return err
		}
		_, err := events.Append(tx, events.SourceBank, &events.EscrowReleased{
			EscrowID:    escrow.ID,
			TaskID:      escrow.TaskID,
			RecipientID: req.RecipientID,
			Amount:      escrow.Amount,
		})
		return err
	})
	observability.Economy().RecordEscrowOp("release", err)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, escrowToResponse(escrow))
}

// SplitEscrow pays floor(amount*pct/100) to the worker and the remainder to
// the poster, skipping zero credits, and flips the escrow to split.
func (s *Server) SplitEscrow(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "id")
	var req struct {
		WorkerPct *int   `json:"worker_pct"`
		WorkerID  string `json:"worker_id"`
		PosterID  string `json:"poster_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkerPct == nil || *req.WorkerPct < 0 || *req.WorkerPct > 100 {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "worker_pct must lie in [0,100]")
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" || strings.TrimSpace(req.PosterID) == "" {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "worker_id and poster_id are required")
		return
	}
	pct := *req.WorkerPct

	var escrow models.Escrow
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&escrow, "id = ?", escrowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errEscrowMissing
			}
			return err
		}
		if escrow.Status != models.EscrowLocked {
			return errEscrowResolved
		}
		now := s.Now()
		workerAmount := escrow.Amount * int64(pct) / 100
		posterAmount := escrow.Amount - workerAmount
		if workerAmount > 0 {
			if _, _, err := creditAccount(tx, req.WorkerID, models.KindEscrowRelease, workerAmount, escrow.ID+":worker", now); err != nil {
				return err
			}
		}
		if posterAmount > 0 {
			if _, _, err := creditAccount(tx, req.PosterID, models.KindEscrowRelease, posterAmount, escrow.ID+":poster", now); err != nil {
				return err
			}
		}
		escrow.Status = models.EscrowSplit
		escrow.WorkerPct = &pct
		escrow.ResolvedAt = &now
		if err := tx.Model(&models.Escrow{}).Where("id = ?", escrow.ID).
			Updates(map[string]any{"status": escrow.Status, "worker_pct": pct, "resolved_at": now}).Error; err != nil {
			return err
		}
		_, err := events.Append(tx, events.SourceBank, &events.EscrowSplit{
			EscrowID:     escrow.ID,
			TaskID:       escrow.TaskID,
			WorkerID:     req.WorkerID,
			PosterID:     req.PosterID,
			WorkerAmount: workerAmount,
			PosterAmount: posterAmount,
			WorkerPct:    pct,
		})
		return err
	})
	observability.Economy().RecordEscrowOp("split", err)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, escrowToResponse(escrow))
}

func (s *Server) writeEscrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errInsufficientFunds):
		api.WriteError(w, http.StatusConflict, api.KindInsufficientFunds, "balance is below the requested amount")
	case errors.Is(err, errEscrowExists):
		api.WriteError(w, http.StatusConflict, api.KindEscrowExists, "an escrow already exists for this payer and task")
	case errors.Is(err, errEscrowMissing):
		api.WriteError(w, http.StatusNotFound, api.KindNotFound, "escrow not found")
	case errors.Is(err, errEscrowResolved):
		api.WriteError(w, http.StatusConflict, api.KindConflict, "escrow is not locked")
	case errors.Is(err, errAccountMissing):
		api.WriteError(w, http.StatusNotFound, api.KindNotFound, "account not found")
	default:
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "escrow operation failed")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
