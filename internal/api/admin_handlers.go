package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"proxyguard/internal/models"
	"proxyguard/internal/repository"
	"proxyguard/internal/service"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
)

const componentAdmin = "AdminAPI"

type blockRequest struct {
	IP           string     `json:"ip" binding:"required"`
	Reason       string     `json:"reason"`
	BlockedUntil *time.Time `json:"blocked_until"`
}

// CreateBlock adds or replaces a block entry and evicts the cached result for
// that IP so the change applies immediately on this instance.
func (h *APIHandler) CreateBlock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body."})
		return
	}
	ip, ok := service.NormalizeIP(req.IP)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid IP address."})
		return
	}
	if req.BlockedUntil != nil {
		until := req.BlockedUntil.UTC()
		req.BlockedUntil = &until
	}
	reason := req.Reason
	if reason == "" {
		reason = "manually-added"
	}

	entry := models.BlockEntry{
		IPAddress:    ip,
		Reason:       reason,
		BlockedUntil: req.BlockedUntil,
		CreatedBy:    "admin-api",
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.deps.AdminStore.UpsertBlockEntry(c.Request.Context(), entry); err != nil {
		_ = c.Error(err)
		return
	}
	h.deps.IPGate.Invalidate(ip)

	zlog.Info().Str("ip", ip).Str("reason", reason).Msg("IP blocked via admin API")
	h.deps.Audit.Record(service.AuditEntry{
		EntityType: "BlockedIp",
		EntityID:   ip,
		Action:     "BlockCreated",
		NewValue:   entry,
		UserID:     entry.CreatedBy,
		Component:  componentAdmin,
		ClientIP:   c.ClientIP(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "success", "block": entry})
}

func (h *APIHandler) DeleteBlock(c *gin.Context) {
	ip, ok := service.NormalizeIP(c.Param("ip"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid IP address."})
		return
	}
	err := h.deps.AdminStore.DeleteBlockEntry(c.Request.Context(), ip)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "No block entry for this IP."})
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.deps.IPGate.Invalidate(ip)

	zlog.Info().Str("ip", ip).Msg("IP unblocked via admin API")
	h.deps.Audit.Record(service.AuditEntry{
		EntityType: "BlockedIp",
		EntityID:   ip,
		Action:     "BlockRemoved",
		UserID:     "admin-api",
		Component:  componentAdmin,
		ClientIP:   c.ClientIP(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// RefreshPatterns reloads every registered cached table now instead of
// waiting for its TTL.
func (h *APIHandler) RefreshPatterns(c *gin.Context) {
	results := gin.H{}
	failed := false
	for name, r := range h.deps.Refreshers {
		if err := r.Refresh(c.Request.Context()); err != nil {
			zlog.Error().Err(err).Str("cache", name).Msg("Forced refresh failed")
			results[name] = "ERROR"
			failed = true
			continue
		}
		results[name] = "OK"
	}
	status := http.StatusOK
	if failed {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"refreshed": results})
}

type rollupRequest struct {
	WindowStart time.Time `json:"window_start" binding:"required"`
}

// EnqueueRollup queues a reprocessing task for one aggregation window.
func (h *APIHandler) EnqueueRollup(c *gin.Context) {
	if h.deps.Rollups == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Background tasks are not configured."})
		return
	}
	var req rollupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body."})
		return
	}
	start, ok := h.alignedWindow(req.WindowStart)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"message": "window_start must be a window boundary in the past."})
		return
	}
	end := start.Add(h.window())

	id, err := h.deps.Rollups.EnqueueRollup(c.Request.Context(), start, end, true)
	if err != nil {
		_ = c.Error(err)
		return
	}
	zlog.Info().Time("window_start", start).Str("task_id", id).Msg("Rollup reprocessing enqueued")
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "window_start": start, "window_end": end})
}

// TrafficSummaries lists the summary rows of one window.
func (h *APIHandler) TrafficSummaries(c *gin.Context) {
	raw := c.Query("window_start")
	ws, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "window_start must be an RFC3339 timestamp."})
		return
	}
	rows, err := h.deps.AdminStore.GetWindowSummaries(c.Request.Context(), ws.UTC())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if rows == nil {
		rows = []models.TrafficSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"window_start": ws.UTC(), "summaries": rows})
}

// TrafficStatus reports the aggregation window, the last window the scheduler
// finished and when the route patterns were last loaded. Unknown times are
// null.
func (h *APIHandler) TrafficStatus(c *gin.Context) {
	body := gin.H{
		"window":                h.window().String(),
		"last_processed_window": nil,
		"patterns_loaded_at":    nil,
	}
	if h.deps.Scheduler != nil {
		last, err := h.deps.Scheduler.LastProcessedWindow(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			return
		}
		if !last.IsZero() {
			body["last_processed_window"] = last.UTC()
		}
	}
	if h.deps.Patterns != nil {
		if at := h.deps.Patterns.LoadedAt(); !at.IsZero() {
			body["patterns_loaded_at"] = at.UTC()
		}
	}
	c.JSON(http.StatusOK, body)
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditEvents lists the most recent audit events, newest first.
func (h *APIHandler) AuditEvents(c *gin.Context) {
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be a positive integer."})
			return
		}
		limit = min(n, maxAuditLimit)
	}
	events, err := h.deps.AdminStore.GetAuditEvents(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *APIHandler) window() time.Duration {
	if h.deps.Aggregator != nil {
		return h.deps.Aggregator.Window()
	}
	if h.cfg.AggregationWindow <= 0 {
		return time.Hour
	}
	return h.cfg.AggregationWindow
}

func (h *APIHandler) alignedWindow(ts time.Time) (time.Time, bool) {
	w := h.window()
	ts = ts.UTC()
	if !ts.Truncate(w).Equal(ts) {
		return time.Time{}, false
	}
	if ts.Add(w).After(time.Now()) {
		return time.Time{}, false
	}
	return ts, true
}
