package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/saashqdev/ops-center/internal/config"
	"github.com/saashqdev/ops-center/internal/credential"
	apierrors "github.com/saashqdev/ops-center/internal/errors"
	"github.com/saashqdev/ops-center/internal/health"
	"github.com/saashqdev/ops-center/internal/ledger"
	"github.com/saashqdev/ops-center/internal/logging"
	"github.com/saashqdev/ops-center/internal/middleware"
	"github.com/saashqdev/ops-center/internal/models"
	"github.com/saashqdev/ops-center/internal/monitoring"
	"github.com/saashqdev/ops-center/internal/pipeline"
	"github.com/saashqdev/ops-center/internal/quota"
	"github.com/saashqdev/ops-center/internal/router"
)

// APIServer exposes the metering core to the surrounding console. Identity
// and session handling live in the fronting gateway; this surface trusts
// the account ids it is handed.
type APIServer struct {
	cfg      *config.Config
	ledger   *ledger.Service
	enforcer *quota.Enforcer
	resolver *credential.Resolver
	monitor  *health.Monitor
	pipe     *pipeline.Pipeline
	store    *pipeline.PGStore
	engine   *gin.Engine
}

// NewAPIServer wires the HTTP surface.
func NewAPIServer(
	cfg *config.Config,
	ledgerSvc *ledger.Service,
	enforcer *quota.Enforcer,
	resolver *credential.Resolver,
	monitor *health.Monitor,
	pipe *pipeline.Pipeline,
	store *pipeline.PGStore,
) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &APIServer{
		cfg:      cfg,
		ledger:   ledgerSvc,
		enforcer: enforcer,
		resolver: resolver,
		monitor:  monitor,
		pipe:     pipe,
		store:    store,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(logging.RequestLogger())
	engine.Use(monitoring.GinMiddleware())

	engine.GET("/healthz", s.handleHealthz)

	v1 := engine.Group("/v1")
	{
		v1.POST("/meter", s.handleMeter)
		v1.GET("/accounts/:id/balance", s.handleBalance)
		v1.GET("/accounts/:id/quota", s.handleQuotaWindow)
		v1.GET("/accounts/:id/usage", s.handleUsage)
		v1.PUT("/accounts/:id/credentials/:provider", s.handlePutCredential)
		v1.DELETE("/accounts/:id/credentials/:provider", s.handleDeleteCredential)
		v1.POST("/providers/:id/result", s.handleProviderResult)
		v1.GET("/providers/health", s.handleProviderHealth)
	}

	s.engine = engine
	return s
}

// Router returns the underlying gin engine.
func (s *APIServer) Router() *gin.Engine {
	return s.engine
}

func (s *APIServer) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type meterRequestBody struct {
	AccountID    string          `json:"account_id" binding:"required"`
	ProviderHint string          `json:"provider_hint"`
	PowerLevel   string          `json:"power_level" binding:"required"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	Endpoint     string          `json:"endpoint"`
}

func (s *APIServer) handleMeter(c *gin.Context) {
	var body meterRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError(err.Error()))
		return
	}

	accountID, err := uuid.Parse(body.AccountID)
	if err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("invalid account_id"))
		return
	}

	level, err := router.ParsePowerLevel(body.PowerLevel)
	if err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("power_level must be ECO, BALANCED or PRECISION"))
		return
	}

	result, err := s.pipe.Meter(c.Request.Context(), &pipeline.MeterRequest{
		AccountID:    accountID,
		ProviderHint: body.ProviderHint,
		PowerLevel:   level,
		Payload:      body.Payload,
		Endpoint:     body.Endpoint,
	})
	if err != nil {
		s.respondMeterError(c, result, err)
		return
	}

	monitoring.Get().AdmissionOutcomes.WithLabelValues("completed").Inc()
	c.JSON(http.StatusOK, result)
}

// respondMeterError maps pipeline outcomes to the error contract: every
// payload carries the error kind, the account's tier, remaining/limit
// numbers, and reset_at where a window is involved.
func (s *APIServer) respondMeterError(c *gin.Context, result *pipeline.MeterResult, err error) {
	tier := string(result.Tier)

	var apiErr *apierrors.APIError
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		monitoring.Get().AdmissionOutcomes.WithLabelValues("insufficient_credits").Inc()
		apiErr = apierrors.NewInsufficientCreditsError(tier, result.Remaining.String())
	case errors.Is(err, quota.ErrQuotaExceeded):
		monitoring.Get().AdmissionOutcomes.WithLabelValues("quota_exceeded").Inc()
		monitoring.Get().QuotaRejections.WithLabelValues(tier).Inc()
		d := result.Quota
		apiErr = apierrors.NewQuotaExceededError(tier, formatInt(d.Used), formatInt(d.Limit), d.ResetAt)
	case errors.Is(err, credential.ErrNoCredentialAvailable):
		monitoring.Get().AdmissionOutcomes.WithLabelValues("no_credential").Inc()
		apiErr = apierrors.NewNoCredentialError(tier)
	case errors.Is(err, router.ErrNoAvailableModel):
		monitoring.Get().AdmissionOutcomes.WithLabelValues("no_model").Inc()
		apiErr = apierrors.NewNoAvailableModelError(tier)
	case errors.Is(err, pipeline.ErrProviderDispatch):
		monitoring.Get().AdmissionOutcomes.WithLabelValues("dispatch_failed").Inc()
		apiErr = apierrors.NewProviderDispatchError(tier)
	default:
		monitoring.Get().AdmissionOutcomes.WithLabelValues("internal_error").Inc()
		apiErr = apierrors.ErrInternalServerError
	}

	respondWithError(c, apiErr)
}

func (s *APIServer) handleBalance(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("invalid account id"))
		return
	}

	balance, err := s.ledger.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		respondWithError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *APIServer) handleQuotaWindow(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("invalid account id"))
		return
	}

	balance, err := s.ledger.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		respondWithError(c, apierrors.ErrInternalServerError)
		return
	}

	window, err := s.enforcer.Window(c.Request.Context(), accountID, balance.Tier)
	if err != nil {
		respondWithError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, window)
}

func (s *APIServer) handleUsage(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("invalid account id"))
		return
	}

	records, err := s.store.ListUsage(c.Request.Context(), accountID, 100)
	if err != nil {
		respondWithError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": records, "total": len(records)})
}

type putCredentialBody struct {
	Key string `json:"key" binding:"required"`
}

func (s *APIServer) handlePutCredential(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("invalid account id"))
		return
	}

	var body putCredentialBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("key is required"))
		return
	}

	if err := s.resolver.Store(c.Request.Context(), accountID, c.Param("provider"), body.Key); err != nil {
		respondWithError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

func (s *APIServer) handleDeleteCredential(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("invalid account id"))
		return
	}

	err = s.resolver.Delete(c.Request.Context(), accountID, c.Param("provider"))
	if err != nil {
		if errors.Is(err, credential.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"status": "not found"})
			return
		}
		respondWithError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type providerResultBody struct {
	Success   bool  `json:"success"`
	LatencyMS int64 `json:"latency_ms"`
}

func (s *APIServer) handleProviderResult(c *gin.Context) {
	var body providerResultBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError(err.Error()))
		return
	}

	providerID := c.Param("id")
	s.monitor.RecordResult(providerID, body.Success, time.Duration(body.LatencyMS)*time.Millisecond)
	status := s.monitor.Status(providerID)
	monitoring.Get().ProviderHealthState.WithLabelValues(providerID).Set(healthStateValue(status.State))

	c.JSON(http.StatusOK, status)
}

func (s *APIServer) handleProviderHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.monitor.Snapshot()})
}

func respondWithError(c *gin.Context, apiErr *apierrors.APIError) {
	c.JSON(apiErr.HTTPStatus, apierrors.ErrorResponse{
		Error:     *apiErr,
		RequestID: middleware.GetRequestID(c),
	})
}

func healthStateValue(state models.HealthState) float64 {
	switch state {
	case models.HealthDegraded:
		return 1
	case models.HealthUnhealthy:
		return 2
	default:
		return 0
	}
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
