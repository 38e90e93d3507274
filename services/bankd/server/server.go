package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agora/api"
	"agora/events"
	mw "agora/middleware"
	"agora/services/bankd/models"
)

// Config carries the dependencies for the bank service.
type Config struct {
	DB           *gorm.DB
	Auth         *mw.ServiceAuth
	Hub          *events.Hub
	Logger       *slog.Logger
	Obs          *mw.Observability
	SalaryAmount int64
}

// Server is the ledger and escrow engine.
type Server struct {
	db           *gorm.DB
	auth         *mw.ServiceAuth
	logger       *slog.Logger
	router       http.Handler
	salaryAmount int64
	Now          func() time.Time
}

// New constructs the configured HTTP surface.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		db:           cfg.DB,
		auth:         cfg.Auth,
		logger:       cfg.Logger,
		salaryAmount: cfg.SalaryAmount,
		Now:          func() time.Time { return time.Now().UTC() },
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

// privileged wraps mutating routes with service auth when a secret is
// configured; unconfigured local runs leave the surface open.
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
		obs = mw.NewObservability(mw.ObservabilityConfig{ServiceName: "bankd"}, cfg.Logger)
	}
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	r.With(obs.Middleware("open_account"), s.privileged("bank:accounts")).Post("/accounts", s.OpenAccount)
	r.With(obs.Middleware("credit"), s.privileged("bank:ledger")).Post("/credits", s.Credit)
	r.With(obs.Middleware("lock_escrow"), s.privileged("bank:escrow")).Post("/escrow", s.LockEscrow)
	r.With(obs.Middleware("release_escrow"), s.privileged("bank:escrow")).Post("/escrow/{id}/release", s.ReleaseEscrow)
	r.With(obs.Middleware("split_escrow"), s.privileged("bank:escrow")).Post("/escrow/{id}/split", s.SplitEscrow)
	r.With(obs.Middleware("pay_salary"), s.privileged("bank:salary")).Post("/salary", s.PaySalary)
	r.With(obs.Middleware("get_account")).Get("/accounts/{id}", s.GetAccount)
	r.With(obs.Middleware("list_transactions")).Get("/accounts/{id}/transactions", s.ListTransactions)

	if cfg.Hub != nil {
		r.Group(events.Routes(cfg.DB, cfg.Hub))
	}
	return r
}

// forUpdate applies row locking on stores that support it. SQLite rejects the
// clause; the single writer serializes there instead.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

type accountResponse struct {
	AccountID string    `json:"account_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenAccount creates the agent's account with a zero balance. Re-invocation
// returns the existing row unchanged.
func (s *Server) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "agent_id is required")
		return
	}

	var account models.Account
	created := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.First(&account, "id = ?", req.AgentID).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		account = models.Account{ID: req.AgentID, Balance: 0, CreatedAt: s.Now()}
		if err := tx.Create(&account).Error; err != nil {
			// Lost a race against a concurrent open; reread the winner.
			if rerr := tx.First(&account, "id = ?", req.AgentID).Error; rerr == nil {
				return nil
			}
			return err
		}
		created = true
		_, err = events.Append(tx, events.SourceBank, &events.AccountCreated{AccountID: account.ID})
		return err
	})
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "account open failed")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, accountResponse{AccountID: account.ID, Balance: account.Balance, CreatedAt: account.CreatedAt})
}

type transactionResponse struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	Balance       int64     `json:"balance"`
	Reference     string    `json:"reference"`
	CreatedAt     time.Time `json:"created_at"`
}

func txToResponse(t models.Transaction) transactionResponse {
	return transactionResponse{
		TransactionID: t.ID,
		AccountID:     t.AccountID,
		Kind:          t.Kind,
		Amount:        t.Amount,
		Balance:       t.Balance,
		Reference:     t.Reference,
		CreatedAt:     t.CreatedAt,
	}
}

// Credit adds funds to an account. A prior credit with the same (account,
// reference) is returned unchanged instead of applied twice.
func (s *Server) Credit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Amount    int64  `json:"amount"`
		Reference string `json:"reference"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "amount must be positive")
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "reference is required")
		return
	}

	var out models.Transaction
	replay := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		out, replay, err = creditAccount(tx, req.AccountID, models.KindCredit, req.Amount, req.Reference, s.Now())
		return err
	})
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	status := http.StatusCreated
	if replay {
		status = http.StatusOK
	}
	api.WriteJSON(w, status, txToResponse(out))
}

var errAccountMissing = errors.New("account not found")

// creditAccount applies one credit inside the caller's transaction. A replayed
// (account, kind, reference) triple returns the earlier row untouched.
func creditAccount(tx *gorm.DB, accountID, kind string, amount int64, reference string, now time.Time) (models.Transaction, bool, error) {
	var prior models.Transaction
	err := tx.First(&prior, "account_id = ? AND kind = ? AND reference = ?", accountID, kind, reference).Error
	if err == nil {
		return prior, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Transaction{}, false, err
	}

	var account models.Account
	if err := forUpdate(tx).First(&account, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Transaction{}, false, errAccountMissing
		}
		return models.Transaction{}, false, err
	}
	account.Balance += amount
	account.UpdatedAt = now
	if err := tx.Model(&models.Account{}).Where("id = ?", account.ID).
		Updates(map[string]any{"balance": account.Balance, "updated_at": now}).Error; err != nil {
		return models.Transaction{}, false, err
	}
	row := models.Transaction{
		ID:        "tx-" + uuid.NewString(),
		AccountID: accountID,
		Kind:      kind,
		Amount:    amount,
		Balance:   account.Balance,
		Reference: reference,
		CreatedAt: now,
	}
	if err := tx.Create(&row).Error; err != nil {
		return models.Transaction{}, false, err
	}
	return row, false, nil
}

// GetAccount returns one balance row.
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var account models.Account
	if err := s.db.First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.WriteError(w, http.StatusNotFound, api.KindNotFound, fmt.Sprintf("account %s not found", id))
			return
		}
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "account query failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, accountResponse{AccountID: account.ID, Balance: account.Balance, CreatedAt: account.CreatedAt})
}

// ListTransactions returns the account's ledger rows newest first.
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var account models.Account
	if err := s.db.First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.WriteError(w, http.StatusNotFound, api.KindNotFound, fmt.Sprintf("account %s not found", id))
			return
		}
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "account query failed")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			api.WriteError(w, http.StatusBadRequest, api.KindValidation, "limit must be in [1,500]")
			return
		}
		limit = parsed
	}
	var rows []models.Transaction
	if err := s.db.Where("account_id = ?", id).Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "ledger query failed")
		return
	}
	out := make([]transactionResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, txToResponse(row))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errAccountMissing):
		api.WriteError(w, http.StatusNotFound, api.KindNotFound, "account not found")
	default:
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "ledger operation failed")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "invalid JSON body")
		return false
	}
	return true
}
