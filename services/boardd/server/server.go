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
	"gorm.io/gorm"

	"agora/api"
	"agora/crypto/canonical"
	"agora/events"
	mw "agora/middleware"
	"agora/services/boardd/models"
)

// BankClient is the bank surface the board drives: locking at creation and
// releasing on approval, cancellation and expiry.
type BankClient interface {
	LockEscrow(ctx context.Context, payerID string, amount int64, taskID string) (string, error)
	ReleaseEscrow(ctx context.Context, escrowID, recipientID string) error
}

// CourtClient files the claim opened by a dispute.
type CourtClient interface {
	FileClaim(ctx context.Context, taskID, claimantID, respondentID, reason string) (string, error)
}

// IdentityClient verifies detached signatures against the registry.
type IdentityClient interface {
	VerifySignature(ctx context.Context, agentID string, message, signature []byte) (bool, error)
}

// Defaults are the deadline durations applied when a request leaves them out.
type Defaults struct {
	BiddingSeconds   int64
	ExecutionSeconds int64
	ReviewSeconds    int64
}

// Config carries the dependencies for the board service.
type Config struct {
	DB           *gorm.DB
	Bank         BankClient
	Court        CourtClient
	Identity     IdentityClient
	Auth         *mw.ServiceAuth
	Hub          *events.Hub
	Logger       *slog.Logger
	Obs          *mw.Observability
	Rate         *mw.RateLimiter
	Defaults     Defaults
	AssetDir     string
	MaxAssetSize int64
}

// Server is the task lifecycle state machine.
type Server struct {
	db           *gorm.DB
	bank         BankClient
	court        CourtClient
	identity     IdentityClient
	auth         *mw.ServiceAuth
	logger       *slog.Logger
	router       http.Handler
	defaults     Defaults
	assetDir     string
	maxAssetSize int64
	Now          func() time.Time
}

// New constructs the configured HTTP surface.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Defaults.BiddingSeconds <= 0 {
		cfg.Defaults.BiddingSeconds = 600
	}
	if cfg.Defaults.ExecutionSeconds <= 0 {
		cfg.Defaults.ExecutionSeconds = 1800
	}
	if cfg.Defaults.ReviewSeconds <= 0 {
		cfg.Defaults.ReviewSeconds = 600
	}
	if cfg.MaxAssetSize <= 0 {
		cfg.MaxAssetSize = 8 << 20
	}
	srv := &Server{
		db:           cfg.DB,
		bank:         cfg.Bank,
		court:        cfg.Court,
		identity:     cfg.Identity,
		auth:         cfg.Auth,
		logger:       cfg.Logger,
		defaults:     cfg.Defaults,
		assetDir:     cfg.AssetDir,
		maxAssetSize: cfg.MaxAssetSize,
		Now:          func() time.Time { return time.Now().UTC() },
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
		obs = mw.NewObservability(mw.ObservabilityConfig{ServiceName: "boardd"}, cfg.Logger)
	}
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	limit := func(string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Rate != nil {
		limit = cfg.Rate.Middleware
	}

	r.With(obs.Middleware("create_task"), limit("board_mutate")).Post("/tasks", s.CreateTask)
	r.With(obs.Middleware("submit_bid"), limit("board_mutate")).Post("/tasks/{id}/bids", s.SubmitBid)
	r.With(obs.Middleware("accept_bid"), limit("board_mutate")).Post("/tasks/{id}/accept", s.AcceptBid)
	r.With(obs.Middleware("upload_asset"), limit("board_mutate")).Post("/tasks/{id}/assets", s.UploadAsset)
	r.With(obs.Middleware("list_assets")).Get("/tasks/{id}/assets", s.ListAssets)
	r.With(obs.Middleware("submit_task"), limit("board_mutate")).Post("/tasks/{id}/submit", s.SubmitTask)
	r.With(obs.Middleware("approve_task"), limit("board_mutate")).Post("/tasks/{id}/approve", s.ApproveTask)
	r.With(obs.Middleware("dispute_task"), limit("board_mutate")).Post("/tasks/{id}/dispute", s.DisputeTask)
	r.With(obs.Middleware("cancel_task"), limit("board_mutate")).Post("/tasks/{id}/cancel", s.CancelTask)
	r.With(obs.Middleware("task_ruled"), s.privileged("board:ruled")).Post("/tasks/{id}/ruled", s.TaskRuled)
	r.With(obs.Middleware("list_tasks")).Get("/tasks", s.ListTasks)
	r.With(obs.Middleware("get_task")).Get("/tasks/{id}", s.GetTask)

	if cfg.Hub != nil {
		r.Group(events.Routes(cfg.DB, cfg.Hub))
	}
	return r
}

// signedRequest decodes a mutating body, extracts the acting agent from
// actorField and verifies the signature over the canonical serialization
// through the identity oracle. A nil identity client skips verification,
// which only local wiring and tests use.
func (s *Server) signedRequest(w http.ResponseWriter, r *http.Request, actorField string) (map[string]json.RawMessage, string, bool) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "invalid JSON body")
		return nil, "", false
	}
	var actor string
	if raw, ok := body[actorField]; ok {
		if err := json.Unmarshal(raw, &actor); err != nil {
			api.WriteError(w, http.StatusBadRequest, api.KindValidation, actorField+" must be a string")
			return nil, "", false
		}
	}
	actor = strings.TrimSpace(actor)
	if !strings.HasPrefix(actor, "a-") {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, actorField+" must carry the a- prefix")
		return nil, "", false
	}
	if s.identity == nil {
		return body, actor, true
	}

	var sigB64 string
	if raw, ok := body[canonical.SignatureField]; ok {
		if err := json.Unmarshal(raw, &sigB64); err != nil {
			api.WriteError(w, http.StatusBadRequest, api.KindValidation, "signature must be a string")
			return nil, "", false
		}
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) == 0 {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "signature must be base64")
		return nil, "", false
	}
	msg, err := canonical.Marshal(body)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "request body is not canonicalizable")
		return nil, "", false
	}
	valid, err := s.identity.VerifySignature(r.Context(), actor, msg, sig)
	if err != nil {
		api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "signature verification unavailable")
		return nil, "", false
	}
	if !valid {
		api.WriteError(w, http.StatusUnauthorized, api.KindAuth, "signature does not verify")
		return nil, "", false
	}
	return body, actor, true
}

func unmarshalBody(w http.ResponseWriter, body map[string]json.RawMessage, dst any) bool {
	raw, err := json.Marshal(body)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "malformed request fields")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "malformed request fields")
		return false
	}
	return true
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errTaskMissing):
		api.WriteError(w, http.StatusNotFound, api.KindNotFound, "task not found")
	case errors.Is(err, errIllegalTransit), errors.Is(err, errTransitionRaced):
		api.WriteError(w, http.StatusConflict, api.KindConflict, err.Error())
	case errors.Is(err, errNotAuthorized):
		api.WriteError(w, http.StatusForbidden, api.KindForbidden, err.Error())
	case errors.Is(err, errDeadlinePassed):
		api.WriteError(w, http.StatusConflict, api.KindConflict, err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		api.WriteError(w, http.StatusNotFound, api.KindNotFound, "not found")
	default:
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "task operation failed")
	}
}

type taskResponse struct {
	TaskID        string `json:"task_id"`
	PosterID      string `json:"poster_id"`
	Title         string `json:"title"`
	Specification string `json:"specification"`
	Reward        int64  `json:"reward"`
	Status        string `json:"status"`
	EscrowID      string `json:"escrow_id"`

	BiddingDeadline   time.Time  `json:"bidding_deadline"`
	ExecutionDeadline *time.Time `json:"execution_deadline,omitempty"`
	ReviewDeadline    *time.Time `json:"review_deadline,omitempty"`

	WorkerID      string `json:"worker_id,omitempty"`
	AcceptedBidID string `json:"accepted_bid_id,omitempty"`
	DisputeReason string `json:"dispute_reason,omitempty"`
	RulingID      string `json:"ruling_id,omitempty"`
	WorkerPct     *int   `json:"worker_pct,omitempty"`
	RulingSummary string `json:"ruling_summary,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	DisputedAt  *time.Time `json:"disputed_at,omitempty"`
	RuledAt     *time.Time `json:"ruled_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`
}

func taskToResponse(t models.Task) taskResponse {
	return taskResponse{
		TaskID:            t.ID,
		PosterID:          t.PosterID,
		Title:             t.Title,
		Specification:     t.Specification,
		Reward:            t.Reward,
		Status:            t.Status,
		EscrowID:          t.EscrowID,
		BiddingDeadline:   t.BiddingDeadline,
		ExecutionDeadline: t.ExecutionDeadline,
		ReviewDeadline:    t.ReviewDeadline,
		WorkerID:          t.WorkerID,
		AcceptedBidID:     t.AcceptedBidID,
		DisputeReason:     t.DisputeReason,
		RulingID:          t.RulingID,
		WorkerPct:         t.WorkerPct,
		RulingSummary:     t.RulingSummary,
		CreatedAt:         t.CreatedAt,
		AcceptedAt:        t.AcceptedAt,
		SubmittedAt:       t.SubmittedAt,
		ApprovedAt:        t.ApprovedAt,
		CancelledAt:       t.CancelledAt,
		DisputedAt:        t.DisputedAt,
		RuledAt:           t.RuledAt,
		ExpiredAt:         t.ExpiredAt,
	}
}
