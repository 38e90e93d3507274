package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
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

	"agora/api"
	"agora/crypto/canonical"
	"agora/events"
	mw "agora/middleware"
	"agora/observability/logging"
	"agora/services/identityd/models"
)

// BankClient is the sibling surface used to open the agent's account at
// registration time. open_account is idempotent so the SDK client retries it.
type BankClient interface {
	OpenAccount(ctx context.Context, agentID string) error
}

// Config carries the dependencies for the identity service.
type Config struct {
	DB     *gorm.DB
	Bank   BankClient
	Hub    *events.Hub
	Logger *slog.Logger
	Obs    *mw.Observability
	Rate   *mw.RateLimiter
}

// Server is the agent registry and signature oracle.
type Server struct {
	db     *gorm.DB
	bank   BankClient
	logger *slog.Logger
	router http.Handler
	Now    func() time.Time
}

// New constructs the configured HTTP surface.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		db:     cfg.DB,
		bank:   cfg.Bank,
		logger: cfg.Logger,
		Now:    func() time.Time { return time.Now().UTC() },
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
		obs = mw.NewObservability(mw.ObservabilityConfig{ServiceName: "identityd"}, cfg.Logger)
	}
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	limit := passthroughLimiter
	if cfg.Rate != nil {
		limit = cfg.Rate.Middleware
	}

	r.With(obs.Middleware("register_agent"), limit("identity_register")).Post("/agents", s.RegisterAgent)
	r.With(obs.Middleware("get_agent")).Get("/agents/{id}", s.GetAgent)
	r.With(obs.Middleware("list_agents")).Get("/agents", s.ListAgents)
	r.With(obs.Middleware("verify")).Post("/verify", s.VerifySignature)

	if cfg.Hub != nil {
		r.Group(events.Routes(cfg.DB, cfg.Hub))
	}
	return r
}

func passthroughLimiter(string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

type agentResponse struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	PublicKey    string    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

func agentToResponse(a models.Agent) agentResponse {
	return agentResponse{AgentID: a.ID, Name: a.Name, PublicKey: a.PublicKey, RegisteredAt: a.CreatedAt}
}

// RegisterAgent creates an immutable agent row. The request must be signed
// with the key being registered, which proves possession without a prior
// identity. The agent's bank account is opened before the row becomes
// visible; a bank failure rolls the registration back.
func (s *Server) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "invalid JSON body")
		return
	}
	var req struct {
		Name      string `json:"name"`
		PublicKey string `json:"public_key"`
		Signature string `json:"signature"`
	}
	if err := decodeFields(body, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "name is required")
		return
	}
	if _, err := canonical.ParsePublicKey(req.PublicKey); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "public_key must be ed25519:<base64> with 32-byte material")
		return
	}

	msg, err := canonical.Marshal(body)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "request body is not canonicalizable")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "signature must be base64")
		return
	}
	valid, err := canonical.Verify(req.PublicKey, msg, sig)
	if err != nil || !valid {
		api.WriteError(w, http.StatusUnauthorized, api.KindAuth, "signature does not verify against the submitted key")
		return
	}

	agent := models.Agent{
		ID:        "a-" + uuid.NewString(),
		Name:      req.Name,
		PublicKey: req.PublicKey,
		CreatedAt: s.Now(),
	}
	if err := s.db.Create(&agent).Error; err != nil {
		if isUniqueViolation(err) {
			api.WriteError(w, http.StatusConflict, api.KindDuplicateKey, "public key already registered")
			return
		}
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "failed to persist agent")
		return
	}

	if s.bank != nil {
		if err := s.bank.OpenAccount(r.Context(), agent.ID); err != nil {
			// Compensate: the registration never happened.
			s.db.Delete(&models.Agent{}, "id = ?", agent.ID)
			s.logger.Error("account open failed, registration rolled back",
				slog.String("agent_id", agent.ID), slog.String("error", err.Error()))
			api.WriteError(w, http.StatusServiceUnavailable, api.KindTransient, "account opening failed")
			return
		}
	}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		_, err := events.Append(tx, events.SourceIdentity, &events.AgentRegistered{AgentID: agent.ID, Name: agent.Name})
		return err
	}); err != nil {
		s.logger.Error("agent.registered append failed", slog.String("agent_id", agent.ID), slog.String("error", err.Error()))
	}

	s.logger.Info("agent registered",
		slog.String("agent_id", agent.ID),
		logging.MaskField("public_key", agent.PublicKey))
	api.WriteJSON(w, http.StatusCreated, agentToResponse(agent))
}

// GetAgent resolves one agent by id.
func (s *Server) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, ok := s.loadAgent(w, id)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, agentToResponse(agent))
}

// ListAgents returns the registry page by page; the bank's salary round and
// the simulation driver both read it.
func (s *Server) ListAgents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			api.WriteError(w, http.StatusBadRequest, api.KindValidation, "limit must be in [1,500]")
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			api.WriteError(w, http.StatusBadRequest, api.KindValidation, "offset must be non-negative")
			return
		}
		offset = parsed
	}
	var agents []models.Agent
	if err := s.db.Order("created_at ASC, id ASC").Limit(limit).Offset(offset).Find(&agents).Error; err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "registry query failed")
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentToResponse(a))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// VerifySignature is the oracle every sibling calls before accepting a
// mutation. It is a pure function of (stored key, message, signature).
func (s *Server) VerifySignature(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID    string `json:"agent_id"`
		MessageB64 string `json:"message_b64"`
		Signature  string `json:"signature_b64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "invalid JSON body")
		return
	}
	agent, ok := s.loadAgent(w, req.AgentID)
	if !ok {
		return
	}
	message, err := base64.StdEncoding.DecodeString(req.MessageB64)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "message_b64 must be base64")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "signature_b64 must be base64")
		return
	}
	valid, err := canonical.Verify(agent.PublicKey, message, sig)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "stored key is unreadable")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) loadAgent(w http.ResponseWriter, id string) (models.Agent, bool) {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, "a-") {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "agent id must carry the a- prefix")
		return models.Agent{}, false
	}
	var agent models.Agent
	if err := s.db.First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.WriteError(w, http.StatusNotFound, api.KindNotFound, fmt.Sprintf("agent %s not found", id))
			return models.Agent{}, false
		}
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "registry query failed")
		return models.Agent{}, false
	}
	return agent, true
}

func decodeFields(body map[string]json.RawMessage, dst any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed request fields")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
