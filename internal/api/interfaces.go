package api

import (
	"context"
	"time"

	"proxyguard/internal/models"
	"proxyguard/internal/service"

	"github.com/gin-gonic/gin"
)

// Classifier maps a request path to its endpoint group.
type Classifier interface {
	Classify(ctx context.Context, path string) models.EndpointClassification
}

// BlockChecker answers whether a client IP is currently blocked.
type BlockChecker interface {
	IsBlocked(ctx context.Context, ip string) bool
	Invalidate(ip string)
}

type Authorizer interface {
	Authorize(ctx context.Context, tokenValue, groupName, method string) service.Decision
}

type AuditRecorder interface {
	Record(e service.AuditEntry)
}

type RequestLogStore interface {
	InsertRequestLog(ctx context.Context, rec *models.RequestLog) error
}

// Forwarder dispatches the request to the backend of group and writes its
// response. It returns the backend address used.
type Forwarder interface {
	Forward(c *gin.Context, group string) (string, error)
}

type GeoLookup interface {
	Lookup(ip string) (country, city string)
}

type AdminVerifier interface {
	Enabled() bool
	Verify(token string) error
}

// AdminStore is the persistence used by the admin routes.
type AdminStore interface {
	UpsertBlockEntry(ctx context.Context, entry models.BlockEntry) error
	DeleteBlockEntry(ctx context.Context, ip string) error
	GetWindowSummaries(ctx context.Context, windowStart time.Time) ([]models.TrafficSummary, error)
	GetAuditEvents(ctx context.Context, limit int) ([]models.AuditEvent, error)
}

type WindowSizer interface {
	Window() time.Duration
}

// RollupProgress reports the start of the last window the scheduler completed.
type RollupProgress interface {
	LastProcessedWindow(ctx context.Context) (time.Time, error)
}

type LoadReporter interface {
	LoadedAt() time.Time
}

type RollupEnqueuer interface {
	EnqueueRollup(ctx context.Context, start, end time.Time, reprocess bool) (string, error)
}

// Refresher reloads a cached table on demand.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}
