package api

import (
	"net/http"
	"time"

	"proxyguard/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
)

// Deps are the collaborators of the HTTP layer. Nil optional fields disable
// the feature that needs them.
type Deps struct {
	Categorizer Classifier
	IPGate      BlockChecker
	Authorizer  Authorizer
	Audit       AuditRecorder
	RequestLogs RequestLogStore
	Forwarder   Forwarder
	Geo         GeoLookup

	Admin      AdminVerifier
	AdminStore AdminStore
	Rollups    RollupEnqueuer
	Refreshers map[string]Refresher
	Aggregator WindowSizer
	Scheduler  RollupProgress
	Patterns   LoadReporter

	Postgres Pinger
	Redis    Pinger
}

type APIHandler struct {
	cfg  *config.Config
	deps Deps

	adminLimiter gin.HandlerFunc
}

func NewAPIHandler(cfg *config.Config, deps Deps) *APIHandler {
	return &APIHandler{cfg: cfg, deps: deps}
}

func (h *APIHandler) SetAdminLimiter(l gin.HandlerFunc) {
	h.adminLimiter = l
}

func (h *APIHandler) previewLimit() int {
	if h.cfg.BodyPreviewLimit <= 0 {
		return 500
	}
	return h.cfg.BodyPreviewLimit
}

// RegisterRoutes installs the local routes and sends everything else through
// the gateway pipeline: ip gate, observer, token check, forwarder. Global
// middleware registered by the caller (error handler, tracing) wraps both.
func (h *APIHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.MetricsAuthMiddleware(), gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin")
	if h.adminLimiter != nil {
		admin.Use(h.adminLimiter)
	}
	admin.Use(h.AdminAuthMiddleware())
	{
		admin.POST("/blocks", h.CreateBlock)
		admin.DELETE("/blocks/:ip", h.DeleteBlock)
		admin.POST("/patterns/refresh", h.RefreshPatterns)
		admin.POST("/traffic/rollup", h.EnqueueRollup)
		admin.GET("/traffic/summaries", h.TrafficSummaries)
		admin.GET("/traffic/status", h.TrafficStatus)
		admin.GET("/audit", h.AuditEvents)
	}

	r.NoRoute(h.IPBlockMiddleware(), h.RequestObserver(), h.TokenAuthMiddleware(), h.Proxy)
}

// Proxy hands the request to the forwarder. Errors are recorded on the
// context for the observer and the error handler.
func (h *APIHandler) Proxy(c *gin.Context) {
	st := requestState(c)
	if st.Classification == nil {
		cls := h.deps.Categorizer.Classify(c.Request.Context(), c.Request.URL.Path)
		st.Classification = &cls
	}

	target, err := h.deps.Forwarder.Forward(c, st.Classification.GroupName)
	st.BackendTarget = target
	if err != nil {
		_ = c.Error(err)
	}
}

func (h *APIHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP", "time": time.Now().UTC().Format(time.RFC3339)})
}

// Ready reports whether the stores the pipeline depends on answer.
func (h *APIHandler) Ready(c *gin.Context) {
	deps := gin.H{"postgres": "OK", "redis": "OK"}
	status := http.StatusOK
	check := func(name string, p Pinger) {
		if p == nil {
			deps[name] = "MISSING"
			status = http.StatusServiceUnavailable
			return
		}
		if err := p.Ping(c.Request.Context()); err != nil {
			zlog.Warn().Err(err).Str("dependency", name).Msg("Readiness check failed")
			deps[name] = "ERROR"
			status = http.StatusServiceUnavailable
		}
	}
	check("postgres", h.deps.Postgres)
	check("redis", h.deps.Redis)

	state := "READY"
	if status != http.StatusOK {
		state = "NOT_READY"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}
