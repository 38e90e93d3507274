package server

import (
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
	"agora/services/boardd/models"
)

// CreateTask locks the reward via the bank, then writes the task row. A
// failure after the lock releases the escrow back to the poster so the caller
// observes all-or-nothing semantics.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	body, poster, ok := s.signedRequest(w, r, "poster_id")
	if !ok {
		return
	}
	var req struct {
		Title            string `json:"title"`
		Specification    string `json:"specification"`
		Reward           int64  `json:"reward"`
		BiddingSeconds   int64  `json:"bidding_deadline_seconds"`
		ExecutionSeconds int64  `json:"execution_deadline_seconds"`
		ReviewSeconds    int64  `json:"review_deadline_seconds"`
	}
	if !unmarshalBody(w, body, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "title is required")
		return
	}
	if req.Reward <= 0 {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "reward must be positive")
		return
	}
	if req.BiddingSeconds == 0 {
		req.BiddingSeconds = s.defaults.BiddingSeconds
	}
	if req.ExecutionSeconds == 0 {
		req.ExecutionSeconds = s.defaults.ExecutionSeconds
	}
	if req.ReviewSeconds == 0 {
		req.ReviewSeconds = s.defaults.ReviewSeconds
	}
	if req.BiddingSeconds < 0 || req.ExecutionSeconds < 0 || req.ReviewSeconds < 0 {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "deadline durations must be positive")
		return
	}

	taskID := "t-" + uuid.NewString()
	escrowID, err := s.bank.LockEscrow(r.Context(), poster, req.Reward, taskID)
	if err != nil {
		switch api.KindOf(err) {
		case api.KindInsufficientFunds:
			api.WriteError(w, http.StatusConflict, api.KindInsufficientFunds, "poster balance is below the reward")
		case api.KindEscrowExists:
			api.WriteError(w, http.StatusConflict, api.KindEscrowExists, "escrow already locked for this task")
		case api.KindNotFound:
			api.WriteError(w, http.StatusNotFound, api.KindNotFound, "poster account not found")
		default:
			api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "escrow lock failed")
		}
		return
	}

	now := s.Now()
	task := models.Task{
		ID:               taskID,
		PosterID:         poster,
		Title:            strings.TrimSpace(req.Title),
		Specification:    req.Specification,
		Reward:           req.Reward,
		Status:           models.StatusOpen,
		EscrowID:         escrowID,
		BiddingSeconds:   req.BiddingSeconds,
		ExecutionSeconds: req.ExecutionSeconds,
		ReviewSeconds:    req.ReviewSeconds,
		BiddingDeadline:  now.Add(time.Duration(req.BiddingSeconds) * time.Second),
		CreatedAt:        now,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&task).Error; err != nil {
			return err
		}
		_, err := events.Append(tx, events.SourceBoard, &events.TaskCreated{
			TaskID:   task.ID,
			PosterID: poster,
			Title:    task.Title,
			Reward:   task.Reward,
		})
		return err
	})
	if err != nil {
		if rerr := s.bank.ReleaseEscrow(r.Context(), escrowID, poster); rerr != nil {
			s.logger.Error("escrow compensation failed", "task_id", taskID, "escrow_id", escrowID, "error", rerr)
		}
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "task creation failed")
		return
	}
	api.WriteJSON(w, http.StatusCreated, taskToResponse(task))
}

type bidResponse struct {
	BidID     string    `json:"bid_id"`
	TaskID    string    `json:"task_id"`
	BidderID  string    `json:"bidder_id"`
	Proposal  string    `json:"proposal"`
	CreatedAt time.Time `json:"created_at"`
}

func bidToResponse(b models.Bid) bidResponse {
	return bidResponse{BidID: b.ID, TaskID: b.TaskID, BidderID: b.BidderID, Proposal: b.Proposal, CreatedAt: b.CreatedAt}
}

// SubmitBid records one binding bid while the task is open. The unique
// (task, bidder) index enforces at-most-once.
func (s *Server) SubmitBid(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	body, bidder, ok := s.signedRequest(w, r, "bidder_id")
	if !ok {
		return
	}
	var req struct {
		Proposal string `json:"proposal"`
	}
	if !unmarshalBody(w, body, &req) {
		return
	}

	bid := models.Bid{
		ID:        "bid-" + uuid.NewString(),
		TaskID:    taskID,
		BidderID:  bidder,
		Proposal:  req.Proposal,
		CreatedAt: s.Now(),
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.First(&task, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errTaskMissing
			}
			return err
		}
		if task.Status != models.StatusOpen {
			return fmt.Errorf("%w: bids require an open task", errIllegalTransit)
		}
		if task.PosterID == bidder {
			return fmt.Errorf("%w: poster may not bid on own task", errNotAuthorized)
		}
		if err := tx.Create(&bid).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: bid already submitted", errTransitionRaced)
			}
			return err
		}
		_, err := events.Append(tx, events.SourceBoard, &events.BidSubmitted{
			TaskID:   taskID,
			BidID:    bid.ID,
			BidderID: bidder,
		})
		return err
	})
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, bidToResponse(bid))
}

// AcceptBid forms the contract: poster picks a bid while the task is open and
// the bidding window has not lapsed.
func (s *Server) AcceptBid(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	body, caller, ok := s.signedRequest(w, r, "poster_id")
	if !ok {
		return
	}
	var req struct {
		BidID string `json:"bid_id"`
	}
	if !unmarshalBody(w, body, &req) {
		return
	}
	if strings.TrimSpace(req.BidID) == "" {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "bid_id is required")
		return
	}

	var task models.Task
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var bid models.Bid
		if err := tx.First(&bid, "id = ? AND task_id = ?", req.BidID, taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: bid does not belong to task", errTaskMissing)
			}
			return err
		}
		now := s.Now()
		var err error
		task, err = s.transitionTask(tx, taskID, models.StatusAccepted, "request", func(t *models.Task) error {
			if t.PosterID != caller {
				return fmt.Errorf("%w: only the poster accepts bids", errNotAuthorized)
			}
			if !now.Before(t.BiddingDeadline) {
				return fmt.Errorf("%w: bidding window closed", errDeadlinePassed)
			}
			deadline := now.Add(time.Duration(t.ExecutionSeconds) * time.Second)
			t.WorkerID = bid.BidderID
			t.AcceptedBidID = bid.ID
			t.AcceptedAt = &now
			t.ExecutionDeadline = &deadline
			return nil
		})
		if err != nil {
			return err
		}
		_, err = events.Append(tx, events.SourceBoard, &events.TaskAccepted{
			TaskID:   taskID,
			BidID:    bid.ID,
			WorkerID: bid.BidderID,
		})
		return err
	})
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, taskToResponse(task))
}

// SubmitTask records delivery before the execution deadline and starts the
// review window.
func (s *Server) SubmitTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	_, caller, ok := s.signedRequest(w, r, "worker_id")
	if !ok {
		return
	}

	var task models.Task
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := s.Now()
		var err error
		task, err = s.transitionTask(tx, taskID, models.StatusSubmitted, "request", func(t *models.Task) error {
			if t.WorkerID != caller {
				return fmt.Errorf("%w: only the assigned worker submits", errNotAuthorized)
			}
			if t.ExecutionDeadline == nil || !now.Before(*t.ExecutionDeadline) {
				return fmt.Errorf("%w: execution window closed", errDeadlinePassed)
			}
			deadline := now.Add(time.Duration(t.ReviewSeconds) * time.Second)
			t.SubmittedAt = &now
			t.ReviewDeadline = &deadline
			return nil
		})
		if err != nil {
			return err
		}
		_, err = events.Append(tx, events.SourceBoard, &events.TaskSubmitted{TaskID: taskID, WorkerID: caller})
		return err
	})
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, taskToResponse(task))
}

// ApproveTask accepts delivered work and pays the worker. The transition is
// won first, the escrow release follows, and a failed release reverts the
// transition so no task is approved without its payout.
func (s *Server) ApproveTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	_, caller, ok := s.signedRequest(w, r, "poster_id")
	if !ok {
		return
	}

	var task models.Task
	var approvedEvt int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := s.Now()
		var err error
		task, err = s.transitionTask(tx, taskID, models.StatusApproved, "request", func(t *models.Task) error {
			if t.PosterID != caller {
				return fmt.Errorf("%w: only the poster approves", errNotAuthorized)
			}
			t.ApprovedAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		evt, err := events.Append(tx, events.SourceBoard, &events.TaskApproved{TaskID: taskID, WorkerID: task.WorkerID})
		if err != nil {
			return err
		}
		approvedEvt = evt.ID
		return nil
	})
	if err != nil {
		s.writeTaskError(w, err)
		return
	}

	if err := s.bank.ReleaseEscrow(r.Context(), task.EscrowID, task.WorkerID); err != nil {
		s.revertTransition(taskID, models.StatusSubmitted, models.StatusApproved, approvedEvt, map[string]any{"approved_at": nil})
		api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "escrow release failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, taskToResponse(task))
}

// DisputeTask escalates submitted work to the court during the review window.
func (s *Server) DisputeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	body, caller, ok := s.signedRequest(w, r, "poster_id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !unmarshalBody(w, body, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "reason is required")
		return
	}

	var task models.Task
	var disputedEvt int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := s.Now()
		var err error
		task, err = s.transitionTask(tx, taskID, models.StatusDisputed, "request", func(t *models.Task) error {
			if t.PosterID != caller {
				return fmt.Errorf("%w: only the poster disputes", errNotAuthorized)
			}
			if t.ReviewDeadline == nil || !now.Before(*t.ReviewDeadline) {
				return fmt.Errorf("%w: review window closed", errDeadlinePassed)
			}
			t.DisputedAt = &now
			t.DisputeReason = req.Reason
			return nil
		})
		if err != nil {
			return err
		}
		evt, err := events.Append(tx, events.SourceBoard, &events.TaskDisputed{
			TaskID:   taskID,
			PosterID: caller,
			Reason:   req.Reason,
		})
		if err != nil {
			return err
		}
		disputedEvt = evt.ID
		return nil
	})
	if err != nil {
		s.writeTaskError(w, err)
		return
	}

	if s.court != nil {
		if _, err := s.court.FileClaim(r.Context(), taskID, caller, task.WorkerID, req.Reason); err != nil {
			s.revertTransition(taskID, models.StatusSubmitted, models.StatusDisputed, disputedEvt,
				map[string]any{"disputed_at": nil, "dispute_reason": ""})
			api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "claim filing failed")
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, taskToResponse(task))
}

// CancelTask lets the poster withdraw an open task; the escrow flows back.
func (s *Server) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	_, caller, ok := s.signedRequest(w, r, "poster_id")
	if !ok {
		return
	}

	var task models.Task
	var cancelledEvt int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := s.Now()
		var err error
		task, err = s.transitionTask(tx, taskID, models.StatusCancelled, "request", func(t *models.Task) error {
			if t.PosterID != caller {
				return fmt.Errorf("%w: only the poster cancels", errNotAuthorized)
			}
			t.CancelledAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		evt, err := events.Append(tx, events.SourceBoard, &events.TaskCancelled{TaskID: taskID, PosterID: caller})
		if err != nil {
			return err
		}
		cancelledEvt = evt.ID
		return nil
	})
	if err != nil {
		s.writeTaskError(w, err)
		return
	}

	if err := s.bank.ReleaseEscrow(r.Context(), task.EscrowID, task.PosterID); err != nil {
		s.revertTransition(taskID, models.StatusOpen, models.StatusCancelled, cancelledEvt, map[string]any{"cancelled_at": nil})
		api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "escrow release failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, taskToResponse(task))
}

// TaskRuled is the court's privileged callback delivering the verdict. The
// court performs the escrow split itself; the board records the outcome.
func (s *Server) TaskRuled(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var req struct {
		RulingID      string `json:"ruling_id"`
		WorkerPct     *int   `json:"worker_pct"`
		RulingSummary string `json:"ruling_summary"`
	}
	if err := decodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "invalid JSON body")
		return
	}
	if req.WorkerPct == nil || *req.WorkerPct < 0 || *req.WorkerPct > 100 {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "worker_pct must lie in [0,100]")
		return
	}
	if strings.TrimSpace(req.RulingID) == "" {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "ruling_id is required")
		return
	}

	var task models.Task
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := s.Now()
		var err error
		task, err = s.transitionTask(tx, taskID, models.StatusRuled, "request", func(t *models.Task) error {
			t.RulingID = req.RulingID
			t.WorkerPct = req.WorkerPct
			t.RulingSummary = req.RulingSummary
			t.RuledAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		_, err = events.Append(tx, events.SourceBoard, &events.TaskRuled{
			TaskID:    taskID,
			RulingID:  req.RulingID,
			WorkerPct: *req.WorkerPct,
		})
		return err
	})
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, taskToResponse(task))
}

// GetTask returns one task and its bids under the sealing policy: while the
// task is open only the poster and each bidder's own bid are readable, others
// learn the count; once a bid is accepted all bids are public.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var task models.Task
	if err := s.db.First(&task, "id = ?", taskID).Error; err != nil {
		s.writeTaskError(w, mapNotFound(err))
		return
	}
	var bids []models.Bid
	if err := s.db.Where("task_id = ?", taskID).Order("created_at ASC, id ASC").Find(&bids).Error; err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "bid query failed")
		return
	}

	requester := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	visible := make([]bidResponse, 0, len(bids))
	sealed := task.Status == models.StatusOpen
	for _, bid := range bids {
		if sealed && requester != task.PosterID && requester != bid.BidderID {
			continue
		}
		visible = append(visible, bidToResponse(bid))
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"task":        taskToResponse(task),
		"bids":        visible,
		"bid_count":   len(bids),
		"bids_sealed": sealed,
	})
}

// ListTasks pages through tasks, optionally filtered by status.
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	query := s.db.Model(&models.Task{})
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		query = query.Where("status = ?", status)
	}
	if poster := strings.TrimSpace(r.URL.Query().Get("poster_id")); poster != "" {
		query = query.Where("poster_id = ?", poster)
	}
	var tasks []models.Task
	if err := query.Order("created_at DESC, id ASC").Limit(200).Find(&tasks).Error; err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "task query failed")
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskToResponse(task))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errTaskMissing
	}
	return err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
