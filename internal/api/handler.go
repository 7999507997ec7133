package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/aegisflow/internal/decision"
	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/logging"
	"github.com/opensource-finance/aegisflow/internal/pipeline"
	"github.com/opensource-finance/aegisflow/internal/predictor"
	"github.com/opensource-finance/aegisflow/internal/repository"
	"github.com/opensource-finance/aegisflow/internal/rules"
	"github.com/opensource-finance/aegisflow/internal/worker"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// Listing bounds for GET /transactions.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Deps are the collaborators the handlers need. Repo, Cache, Bus and
// Worker may be nil; the related features are then unavailable.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Engine    *rules.Engine
	Predictor *predictor.Predictor
	Pipeline  *pipeline.Pipeline
	Worker    *worker.Worker
	Model     domain.ModelConfig
	Version   string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *rules.Engine
	predictor *predictor.Predictor
	pipeline  *pipeline.Pipeline
	worker    *worker.Worker
	model     domain.ModelConfig
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		engine:    deps.Engine,
		predictor: deps.Predictor,
		pipeline:  deps.Pipeline,
		worker:    deps.Worker,
		model:     deps.Model,
		version:   deps.Version,
	}
}

// Analyze handles POST /analyze. The body is a transaction; the response
// is the assessment together with the stored record's flags.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	idemKey := r.Header.Get(IdempotencyKeyHeader)

	if idemKey != "" && h.cache != nil {
		cached, err := h.cache.GetAssessment(ctx, tenantID, idemKey)
		if err != nil {
			logging.L(ctx).Warn("idempotency lookup failed", "error", err)
		} else if cached != nil {
			w.Header().Set(IdempotentReplayHeader, "true")
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	var tx domain.Transaction
	if err := decodeJSON(w, r, &tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := tx.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.pipeline.Run(ctx, tenantID, &tx)
	if err != nil {
		h.writeScoringError(w, r, err)
		return
	}

	resp := rec.ToResponse()

	if idemKey != "" && h.cache != nil {
		if err := h.cache.SetAssessment(ctx, tenantID, idemKey, resp, h.model.IdempotencyTTL); err != nil {
			logging.L(ctx).Warn("idempotency store failed", "error", err)
		}
	}
	h.publish(r, tenantID, rec, resp)

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeScoringError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, domain.ErrNotReady.Error())
	case errors.Is(err, domain.ErrInvalidTransaction):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logging.L(r.Context()).Error("scoring failed", "error", err)
		writeError(w, http.StatusInternalServerError, "scoring failed")
	}
}

// publish fans the result out on the bus. Failures are logged only.
func (h *Handler) publish(r *http.Request, tenantID string, rec *domain.TransactionRecord, resp *domain.AnalyzeResponse) {
	if h.bus == nil {
		return
	}
	ctx := r.Context()
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, tenantID, domain.TopicAssessment, payload); err != nil {
		logging.L(ctx).Error("failed to publish assessment", "tx_id", rec.ID, "error", err)
	}
	if decision.ShouldAlert(rec) {
		if err := h.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
			logging.L(ctx).Error("failed to publish alert", "tx_id", rec.ID, "error", err)
		}
	}
}

// Ingest handles POST /ingest. The transaction is validated, given an ID
// and queued on the subject the async worker listens on for the tenant.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil || h.worker == nil {
		writeError(w, http.StatusServiceUnavailable, "async worker not running")
		return
	}
	subject, ok := h.worker.Route(tenantID)
	if !ok {
		writeError(w, http.StatusForbidden, "tenant is not served by the async worker")
		return
	}

	var tx domain.Transaction
	if err := decodeJSON(w, r, &tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := tx.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	tx.TenantID = tenantID

	payload, err := json.Marshal(tx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode transaction")
		return
	}
	if err := h.bus.Publish(ctx, subject, domain.TopicTransactionIngested, payload); err != nil {
		logging.L(ctx).Error("failed to queue transaction", "tx_id", tx.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue transaction")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"txId":   tx.ID,
		"status": "queued",
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if h.repo != nil {
		checks["repository"] = "ok"
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["repository"] = err.Error()
		}
	}

	if h.cache != nil {
		checks["cache"] = "ok"
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		}
	}

	if h.bus != nil {
		checks["event_bus"] = "ok"
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["event_bus"] = err.Error()
		}
	}

	resp := map[string]any{
		"status":      status,
		"version":     h.version,
		"model_ready": h.predictor.Ready(),
		"checks":      checks,
	}
	if h.worker != nil {
		resp["worker"] = h.worker.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready returns 200 once a model bundle is published, 503 before.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.predictor.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": domain.ErrNotReady.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready": true,
	})
}

// GetModel returns the published bundle summary.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	info, ok := h.predictor.Info()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, domain.ErrNotReady.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ReloadModel re-reads the configured artifact directory. On failure the
// previous bundle keeps serving.
func (h *Handler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.predictor.Load(ctx, h.model.ArtifactDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "model reload failed: "+err.Error())
		return
	}

	if h.bus != nil {
		payload, _ := json.Marshal(info)
		if err := h.bus.Publish(ctx, GlobalTenantID, domain.TopicModelReloaded, payload); err != nil {
			logging.L(ctx).Warn("failed to publish model reload", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "model reloaded",
		"model":   info,
	})
}

// ListTransactions handles GET /transactions?skip=&limit=.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", DefaultListLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	recs, err := h.repo.ListTransactions(ctx, tenantID, skip, limit)
	if err != nil {
		logging.L(ctx).Error("failed to list transactions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if recs == nil {
		recs = []*domain.TransactionRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": recs,
		"count":        len(recs),
		"skip":         skip,
		"limit":        limit,
	})
}

// GetTransaction retrieves a scored transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeError(w, http.StatusBadRequest, "transaction id is required")
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	rec, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		logging.L(ctx).Error("failed to get transaction", "id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get transaction")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ListRules returns all loaded rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates a rule and saves it globally (tenant_id = "*").
// The engine picks it up on POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Bands:       req.Bands,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
		logging.L(ctx).Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	logging.L(ctx).Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		logging.L(ctx).Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		logging.L(ctx).Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	count := h.engine.RulesCount()
	slog.Info("rules reloaded from database", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
