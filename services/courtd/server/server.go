package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agora/api"
	"agora/crypto/canonical"
	"agora/events"
	mw "agora/middleware"
	"agora/services/courtd/models"
)

// TaskView is the board state the court needs to assemble a case bundle and
// apply a ruling.
type TaskView struct {
	TaskID        string
	Status        string
	PosterID      string
	WorkerID      string
	EscrowID      string
	Title         string
	Specification string
}

// AssetView is one artifact reference included in the case bundle.
type AssetView struct {
	AssetID     string `json:"asset_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// BoardClient is the board surface the court drives.
type BoardClient interface {
	GetTask(ctx context.Context, taskID string) (TaskView, error)
	ListAssets(ctx context.Context, taskID string) ([]AssetView, error)
	ApplyRuling(ctx context.Context, taskID, rulingID string, workerPct int, summary string) error
}

// BankClient performs the ruled escrow split.
type BankClient interface {
	SplitEscrow(ctx context.Context, escrowID string, workerPct int, workerID, posterID string) error
}

// IdentityClient verifies detached signatures against the registry.
type IdentityClient interface {
	VerifySignature(ctx context.Context, agentID string, message, signature []byte) (bool, error)
}

// Config carries the dependencies for the court service.
type Config struct {
	DB             *gorm.DB
	Board          BoardClient
	Bank           BankClient
	Identity       IdentityClient
	Panel          JudgePanel
	Auth           *mw.ServiceAuth
	Hub            *events.Hub
	Logger         *slog.Logger
	Obs            *mw.Observability
	RebuttalWindow time.Duration
}

// Server is the adjudication pipeline.
type Server struct {
	db             *gorm.DB
	board          BoardClient
	bank           BankClient
	identity       IdentityClient
	panel          JudgePanel
	auth           *mw.ServiceAuth
	logger         *slog.Logger
	router         http.Handler
	rebuttalWindow time.Duration
	Now            func() time.Time
}

// New constructs the configured HTTP surface.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RebuttalWindow <= 0 {
		cfg.RebuttalWindow = 10 * time.Minute
	}
	srv := &Server{
		db:             cfg.DB,
		board:          cfg.Board,
		bank:           cfg.Bank,
		identity:       cfg.Identity,
		panel:          cfg.Panel,
		auth:           cfg.Auth,
		logger:         cfg.Logger,
		rebuttalWindow: cfg.RebuttalWindow,
		Now:            func() time.Time { return time.Now().UTC() },
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) privileged(scope string) func(http.Handler) http.Handler {
	if s.auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.auth.Middleware(scope)
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	obs := cfg.Obs
	if obs == nil {
		obs = mw.NewObservability(mw.ObservabilityConfig{ServiceName: "courtd"}, cfg.Logger)
	}
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	r.With(obs.Middleware("file_claim"), s.privileged("court:claims")).Post("/claims", s.FileClaim)
	r.With(obs.Middleware("submit_rebuttal")).Post("/claims/{id}/rebuttal", s.SubmitRebuttal)
	r.With(obs.Middleware("get_claim")).Get("/claims/{id}", s.GetClaim)

	if cfg.Hub != nil {
		r.Group(events.Routes(cfg.DB, cfg.Hub))
	}
	return r
}

type claimResponse struct {
	ClaimID          string     `json:"claim_id"`
	TaskID           string     `json:"task_id"`
	ClaimantID       string     `json:"claimant_id"`
	RespondentID     string     `json:"respondent_id"`
	Reason           string     `json:"reason"`
	Status           string     `json:"status"`
	RebuttalDeadline time.Time  `json:"rebuttal_deadline"`
	FiledAt          time.Time  `json:"filed_at"`
	RuledAt          *time.Time `json:"ruled_at,omitempty"`
}

func claimToResponse(c models.Claim) claimResponse {
	return claimResponse{
		ClaimID:          c.ID,
		TaskID:           c.TaskID,
		ClaimantID:       c.ClaimantID,
		RespondentID:     c.RespondentID,
		Reason:           c.Reason,
		Status:           c.Status,
		RebuttalDeadline: c.RebuttalDeadline,
		FiledAt:          c.FiledAt,
		RuledAt:          c.RuledAt,
	}
}

// FileClaim opens a case for a disputed task and starts the rebuttal window.
// Called by the board when a poster disputes.
func (s *Server) FileClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID       string `json:"task_id"`
		ClaimantID   string `json:"claimant_id"`
		RespondentID string `json:"respondent_id"`
		Reason       string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "invalid JSON body")
		return
	}
	for name, value := range map[string]string{
		"task_id": req.TaskID, "claimant_id": req.ClaimantID, "respondent_id": req.RespondentID, "reason": req.Reason,
	} {
		if strings.TrimSpace(value) == "" {
			api.WriteError(w, http.StatusBadRequest, api.KindValidation, name+" is required")
			return
		}
	}

	task, err := s.board.GetTask(r.Context(), req.TaskID)
	if err != nil {
		if api.KindOf(err) == api.KindNotFound {
			api.WriteError(w, http.StatusNotFound, api.KindNotFound, "task not found")
			return
		}
		api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "board lookup failed")
		return
	}
	if task.Status != "disputed" {
		api.WriteError(w, http.StatusConflict, api.KindConflict, "claims are filed against disputed tasks only")
		return
	}

	now := s.Now()
	claim := models.Claim{
		ID:               "clm-" + uuid.NewString(),
		TaskID:           req.TaskID,
		ClaimantID:       req.ClaimantID,
		RespondentID:     req.RespondentID,
		Reason:           req.Reason,
		Status:           models.StatusRebuttal,
		RebuttalDeadline: now.Add(s.rebuttalWindow),
		FiledAt:          now,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&claim).Error; err != nil {
			if isUniqueViolation(err) {
				return errClaimExists
			}
			return err
		}
		_, err := events.Append(tx, events.SourceCourt, &events.ClaimFiled{
			ClaimID:      claim.ID,
			TaskID:       claim.TaskID,
			ClaimantID:   claim.ClaimantID,
			RespondentID: claim.RespondentID,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, errClaimExists) {
			api.WriteError(w, http.StatusConflict, api.KindConflict, "a claim already exists for this task")
			return
		}
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "claim persist failed")
		return
	}
	api.WriteJSON(w, http.StatusCreated, claimToResponse(claim))
}

var errClaimExists = errors.New("claim exists")

// SubmitRebuttal records the respondent's answer and moves the claim into
// judging, which runs to a ruling before the response is written.
func (s *Server) SubmitRebuttal(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "id")
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "invalid JSON body")
		return
	}
	var req struct {
		RespondentID string `json:"respondent_id"`
		Content      string `json:"content"`
	}
	raw, _ := json.Marshal(body)
	if err := json.Unmarshal(raw, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "malformed request fields")
		return
	}
	if !s.verifySignature(w, r, body, req.RespondentID) {
		return
	}

	var claim models.Claim
	var rebuttal models.Rebuttal
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&claim, "id = ?", claimID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errClaimMissing
			}
			return err
		}
		if claim.Status != models.StatusRebuttal {
			return errClaimClosed
		}
		if claim.RespondentID != req.RespondentID {
			return errNotRespondent
		}
		now := s.Now()
		rebuttal = models.Rebuttal{
			ID:        "reb-" + uuid.NewString(),
			ClaimID:   claim.ID,
			AuthorID:  req.RespondentID,
			Content:   req.Content,
			CreatedAt: now,
		}
		if err := tx.Create(&rebuttal).Error; err != nil {
			if isUniqueViolation(err) {
				return errClaimClosed
			}
			return err
		}
		res := tx.Model(&models.Claim{}).
			Where("id = ? AND status = ?", claim.ID, models.StatusRebuttal).
			Update("status", models.StatusJudging)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errClaimClosed
		}
		claim.Status = models.StatusJudging
		_, err := events.Append(tx, events.SourceCourt, &events.RebuttalSubmitted{
			ClaimID:      claim.ID,
			RebuttalID:   rebuttal.ID,
			TaskID:       claim.TaskID,
			RespondentID: req.RespondentID,
		})
		return err
	})
	if err != nil {
		s.writeClaimError(w, err)
		return
	}

	if err := s.judgeClaim(r.Context(), claim, rebuttal.Content); err != nil {
		s.logger.Error("judging failed", "claim_id", claim.ID, "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "judging failed")
		return
	}

	if err := s.db.First(&claim, "id = ?", claim.ID).Error; err == nil {
		api.WriteJSON(w, http.StatusOK, claimToResponse(claim))
		return
	}
	api.WriteJSON(w, http.StatusOK, claimToResponse(claim))
}

var (
	errClaimMissing  = errors.New("claim not found")
	errClaimClosed   = errors.New("claim is not awaiting a rebuttal")
	errNotRespondent = errors.New("only the respondent rebuts")
)

// GetClaim returns one claim with its rebuttal and ruling, if present.
func (s *Server) GetClaim(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "id")
	var claim models.Claim
	if err := s.db.First(&claim, "id = ?", claimID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.WriteError(w, http.StatusNotFound, api.KindNotFound, "claim not found")
			return
		}
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "claim query failed")
		return
	}
	out := map[string]any{"claim": claimToResponse(claim)}
	var rebuttal models.Rebuttal
	if err := s.db.First(&rebuttal, "claim_id = ?", claimID).Error; err == nil {
		out["rebuttal"] = map[string]any{
			"rebuttal_id": rebuttal.ID,
			"author_id":   rebuttal.AuthorID,
			"content":     rebuttal.Content,
			"created_at":  rebuttal.CreatedAt,
		}
	}
	var ruling models.Ruling
	if err := s.db.First(&ruling, "claim_id = ?", claimID).Error; err == nil {
		out["ruling"] = map[string]any{
			"ruling_id":  ruling.ID,
			"worker_pct": ruling.WorkerPct,
			"summary":    ruling.Summary,
			"votes":      json.RawMessage(ruling.Votes),
			"created_at": ruling.CreatedAt,
		}
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) writeClaimError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errClaimMissing):
		api.WriteError(w, http.StatusNotFound, api.KindNotFound, "claim not found")
	case errors.Is(err, errClaimClosed):
		api.WriteError(w, http.StatusConflict, api.KindConflict, err.Error())
	case errors.Is(err, errNotRespondent):
		api.WriteError(w, http.StatusForbidden, api.KindForbidden, err.Error())
	default:
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "claim operation failed")
	}
}

func (s *Server) verifySignature(w http.ResponseWriter, r *http.Request, body map[string]json.RawMessage, actor string) bool {
	if !strings.HasPrefix(actor, "a-") {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "respondent_id must carry the a- prefix")
		return false
	}
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

func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
