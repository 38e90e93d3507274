package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"agora/api"
	"agora/crypto/canonical"
	"agora/events"
	mw "agora/middleware"
	"agora/services/reputationd/models"
)

// TaskView is the slice of board state feedback eligibility depends on.
type TaskView struct {
	TaskID   string
	Status   string
	PosterID string
	WorkerID string
}

// BoardClient resolves tasks on the board.
type BoardClient interface {
	GetTask(ctx context.Context, taskID string) (TaskView, error)
}

// IdentityClient verifies detached signatures against the registry.
type IdentityClient interface {
	VerifySignature(ctx context.Context, agentID string, message, signature []byte) (bool, error)
}

// Config carries the dependencies for the reputation service.
type Config struct {
	DB               *gorm.DB
	Board            BoardClient
	Identity         IdentityClient
	Hub              *events.Hub
	Logger           *slog.Logger
	Obs              *mw.Observability
	MaxCommentLength int
}

// Server holds the sealed dual-reveal feedback store.
type Server struct {
	db         *gorm.DB
	board      BoardClient
	identity   IdentityClient
	logger     *slog.Logger
	router     http.Handler
	maxComment int
	Now        func() time.Time
}

// New constructs the configured HTTP surface.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxCommentLength <= 0 {
		cfg.MaxCommentLength = 256
	}
	srv := &Server{
		db:         cfg.DB,
		board:      cfg.Board,
		identity:   cfg.Identity,
		logger:     cfg.Logger,
		maxComment: cfg.MaxCommentLength,
		Now:        func() time.Time { return time.Now().UTC() },
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	obs := cfg.Obs
	if obs == nil {
		obs = mw.NewObservability(mw.ObservabilityConfig{ServiceName: "reputationd"}, cfg.Logger)
	}
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	r.With(obs.Middleware("submit_feedback")).Post("/feedback", s.SubmitFeedback)
	r.With(obs.Middleware("task_feedback")).Get("/feedback/task/{id}", s.TaskFeedback)
	r.With(obs.Middleware("agent_scores")).Get("/agents/{id}/scores", s.AgentScores)

	if cfg.Hub != nil {
		r.Group(events.Routes(cfg.DB, cfg.Hub))
	}
	return r
}

type feedbackResponse struct {
	FeedbackID string    `json:"feedback_id"`
	TaskID     string    `json:"task_id"`
	FromID     string    `json:"from_id"`
	ToID       string    `json:"to_id"`
	Role       string    `json:"role"`
	Category   string    `json:"category"`
	Rating     string    `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	Visible    bool      `json:"visible"`
	CreatedAt  time.Time `json:"created_at"`
}

func feedbackToResponse(fb models.Feedback) feedbackResponse {
	return feedbackResponse{
		FeedbackID: fb.ID,
		TaskID:     fb.TaskID,
		FromID:     fb.FromID,
		ToID:       fb.ToID,
		Role:       fb.Role,
		Category:   fb.Category,
		Rating:     fb.Rating,
		Comment:    fb.Comment,
		Visible:    fb.Visible,
		CreatedAt:  fb.CreatedAt,
	}
}

// SubmitFeedback writes one sealed rating. When it is the second of the
// task's pair, both rows flip visible and a feedback.revealed event fires for
// each, all in one atomic unit.
func (s *Server) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "invalid JSON body")
		return
	}
	var req struct {
		TaskID  string `json:"task_id"`
		FromID  string `json:"from_id"`
		Rating  string `json:"rating"`
		Comment string `json:"comment"`
	}
	raw, _ := json.Marshal(body)
	if err := json.Unmarshal(raw, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "malformed request fields")
		return
	}
	if _, ok := models.RatingValue[req.Rating]; !ok {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "rating must be dissatisfied, satisfied or extremely_satisfied")
		return
	}
	if len(req.Comment) > s.maxComment {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation,
			fmt.Sprintf("comment exceeds %d characters", s.maxComment))
		return
	}
	if !strings.HasPrefix(req.FromID, "a-") {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "from_id must carry the a- prefix")
		return
	}
	if !s.verifySignature(w, r, body, req.FromID) {
		return
	}

	task, err := s.board.GetTask(r.Context(), req.TaskID)
	if err != nil {
		if api.KindOf(err) == api.KindNotFound {
			api.WriteError(w, http.StatusNotFound, api.KindNotFound, "task not found")
			return
		}
		api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "board unavailable")
		return
	}
	if task.Status != "approved" && task.Status != "ruled" {
		api.WriteError(w, http.StatusConflict, api.KindConflict, "feedback requires an approved or ruled task")
		return
	}

	var role, category, target string
	switch req.FromID {
	case task.PosterID:
		role, category, target = models.RolePoster, models.CategoryDeliveryQuality, task.WorkerID
	case task.WorkerID:
		role, category, target = models.RoleWorker, models.CategorySpecQuality, task.PosterID
	default:
		api.WriteError(w, http.StatusForbidden, api.KindForbidden, "only the task parties submit feedback")
		return
	}
	if target == "" {
		api.WriteError(w, http.StatusConflict, api.KindConflict, "task has no counterparty")
		return
	}

	fb := models.Feedback{
		ID:        "fb-" + uuid.NewString(),
		TaskID:    req.TaskID,
		FromID:    req.FromID,
		ToID:      target,
		Role:      role,
		Category:  category,
		Rating:    req.Rating,
		Comment:   req.Comment,
		CreatedAt: s.Now(),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&fb).Error; err != nil {
			if isUniqueViolation(err) {
				return errDuplicateFeedback
			}
			return err
		}
		var counterpart models.Feedback
		err := tx.First(&counterpart, "task_id = ? AND from_id = ?", req.TaskID, target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// Second of the pair: reveal both and fire one event per row.
		if err := tx.Model(&models.Feedback{}).Where("task_id = ?", req.TaskID).
			Update("visible", true).Error; err != nil {
			return err
		}
		fb.Visible = true
		counterpart.Visible = true
		for _, row := range []models.Feedback{fb, counterpart} {
			_, err := events.Append(tx, events.SourceReputation, &events.FeedbackRevealed{
				TaskID:     row.TaskID,
				FeedbackID: row.ID,
				FromID:     row.FromID,
				ToID:       row.ToID,
				Category:   row.Category,
				Rating:     row.Rating,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errDuplicateFeedback) {
			api.WriteError(w, http.StatusConflict, api.KindConflict, "feedback already submitted for this task")
			return
		}
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "feedback persist failed")
		return
	}
	api.WriteJSON(w, http.StatusCreated, feedbackToResponse(fb))
}

var errDuplicateFeedback = errors.New("duplicate feedback")

// TaskFeedback returns the task's feedback under the sealing policy: hidden
// rows expose only the fact of their submission, even to the counterparty.
func (s *Server) TaskFeedback(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var rows []models.Feedback
	if err := s.db.Where("task_id = ?", taskID).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "feedback query failed")
		return
	}
	visible := make([]feedbackResponse, 0, len(rows))
	sealed := make([]map[string]any, 0)
	for _, row := range rows {
		if row.Visible {
			visible = append(visible, feedbackToResponse(row))
			continue
		}
		sealed = append(sealed, map[string]any{"from_id": row.FromID, "submitted": true})
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"feedback": visible,
		"sealed":   sealed,
	})
}

// AgentScores returns the agent's two category scores: the rounded mean of
// the numeric-coded revealed ratings, 100 when none exist.
func (s *Server) AgentScores(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	scores := map[string]int{
		models.CategorySpecQuality:     100,
		models.CategoryDeliveryQuality: 100,
	}
	counts := map[string]int{}
	var rows []models.Feedback
	if err := s.db.Where("to_id = ? AND visible = ?", agentID, true).Find(&rows).Error; err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "score query failed")
		return
	}
	sums := map[string]int{}
	for _, row := range rows {
		sums[row.Category] += models.RatingValue[row.Rating]
		counts[row.Category]++
	}
	for category, n := range counts {
		if n > 0 {
			scores[category] = int(math.Round(float64(sums[category]) / float64(n)))
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"scores":   scores,
		"counts":   counts,
	})
}

func (s *Server) verifySignature(w http.ResponseWriter, r *http.Request, body map[string]json.RawMessage, actor string) bool {
	if s.identity == nil {
		return true
	}
	var sigB64 string
	if raw, ok := body[canonical.SignatureField]; ok {
		if err := json.Unmarshal(raw, &sigB64); err != nil {
			api.WriteError(w, http.StatusBadRequest, api.KindValidation, "signature must be a string")
			return false
		}
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) == 0 {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "signature must be base64")
		return false
	}
	msg, err := canonical.Marshal(body)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "request body is not canonicalizable")
		return false
	}
	valid, err := s.identity.VerifySignature(r.Context(), actor, msg, sig)
	if err != nil {
		api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "signature verification unavailable")
		return false
	}
	if !valid {
		api.WriteError(w, http.StatusUnauthorized, api.KindAuth, "signature does not verify")
		return false
	}
	return true
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
