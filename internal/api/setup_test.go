package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"proxyguard/internal/config"
	"proxyguard/internal/models"
	"proxyguard/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// staticClassifier classifies by longest matching path prefix.
type staticClassifier map[string]models.EndpointClassification

func (s staticClassifier) Classify(ctx context.Context, path string) models.EndpointClassification {
	best, bestLen := models.EndpointClassification{GroupName: service.GroupUnmatched}, -1
	for prefix, cls := range s {
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			best, bestLen = cls, len(prefix)
		}
	}
	return best
}

type MockBlockChecker struct {
	mock.Mock
}

func (m *MockBlockChecker) IsBlocked(ctx context.Context, ip string) bool {
	args := m.Called(ctx, ip)
	return args.Bool(0)
}

func (m *MockBlockChecker) Invalidate(ip string) {
	m.Called(ip)
}

type MockAuthorizer struct {
	mock.Mock
}

func (m *MockAuthorizer) Authorize(ctx context.Context, tokenValue, groupName, method string) service.Decision {
	args := m.Called(ctx, tokenValue, groupName, method)
	return args.Get(0).(service.Decision)
}

// recordingAudit keeps every entry in memory.
type recordingAudit struct {
	mu      sync.Mutex
	entries []service.AuditEntry
}

func (r *recordingAudit) Record(e service.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAudit) all() []service.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]service.AuditEntry(nil), r.entries...)
}

// recordingLogs keeps every request log row in memory and can be told to fail.
type recordingLogs struct {
	mu   sync.Mutex
	rows []*models.RequestLog
	err  error
}

func (r *recordingLogs) InsertRequestLog(ctx context.Context, rec *models.RequestLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, rec)
	return nil
}

func (r *recordingLogs) last() *models.RequestLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rows) == 0 {
		return nil
	}
	return r.rows[len(r.rows)-1]
}

func (r *recordingLogs) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// funcForwarder answers with a fixed handler instead of a backend.
type funcForwarder struct {
	target string
	handle func(c *gin.Context) error
}

func (f funcForwarder) Forward(c *gin.Context, group string) (string, error) {
	if f.handle == nil {
		c.JSON(http.StatusOK, gin.H{"group": group})
		return f.target, nil
	}
	return f.target, f.handle(c)
}

type MockAdminStore struct {
	mock.Mock
}

func (m *MockAdminStore) UpsertBlockEntry(ctx context.Context, entry models.BlockEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockAdminStore) DeleteBlockEntry(ctx context.Context, ip string) error {
	args := m.Called(ctx, ip)
	return args.Error(0)
}

func (m *MockAdminStore) GetWindowSummaries(ctx context.Context, windowStart time.Time) ([]models.TrafficSummary, error) {
	args := m.Called(ctx, windowStart)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.TrafficSummary), args.Error(1)
}

func (m *MockAdminStore) GetAuditEvents(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AuditEvent), args.Error(1)
}

type fakeProgress struct {
	last time.Time
	err  error
}

func (f fakeProgress) LastProcessedWindow(ctx context.Context) (time.Time, error) {
	return f.last, f.err
}

type fakeLoadReporter struct{ at time.Time }

func (f fakeLoadReporter) LoadedAt() time.Time { return f.at }

type fixedWindow time.Duration

func (w fixedWindow) Window() time.Duration { return time.Duration(w) }

type MockRollupEnqueuer struct {
	mock.Mock
}

func (m *MockRollupEnqueuer) EnqueueRollup(ctx context.Context, start, end time.Time, reprocess bool) (string, error) {
	args := m.Called(ctx, start, end, reprocess)
	return args.String(0), args.Error(1)
}

type fakeAdmin struct {
	token string
}

func (f fakeAdmin) Enabled() bool { return f.token != "" }

func (f fakeAdmin) Verify(token string) error {
	if token != f.token {
		return service.ErrAdminDisabled
	}
	return nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeRefresher struct {
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.calls++
	return f.err
}

type testEnv struct {
	h          *APIHandler
	cfg        *config.Config
	ipGate     *MockBlockChecker
	authorizer *MockAuthorizer
	audit      *recordingAudit
	logs       *recordingLogs
	adminStore *MockAdminStore
	rollups    *MockRollupEnqueuer
}

var testRoutes = staticClassifier{
	"/public":  {GroupName: "public", RequiresToken: false, MatchedPattern: "/public/{**rest}"},
	"/api":     {GroupName: "orders", RequiresToken: true, MatchedPattern: "/api/{**rest}"},
	"/api/big": {GroupName: "reports", RequiresToken: false, MatchedPattern: "/api/big"},
}

func setupTest() *testEnv {
	return setupTestWithForwarder(funcForwarder{target: "http://backend:8080"})
}

func setupTestWithForwarder(fwd Forwarder) *testEnv {
	env := &testEnv{
		cfg: &config.Config{
			AppEnv:            "production",
			BodyPreviewLimit:  500,
			AggregationWindow: time.Hour,
			MetricsAllowedIPs: "127.0.0.1,10.0.0.0/8",
		},
		ipGate:     new(MockBlockChecker),
		authorizer: new(MockAuthorizer),
		audit:      &recordingAudit{},
		logs:       &recordingLogs{},
		adminStore: new(MockAdminStore),
		rollups:    new(MockRollupEnqueuer),
	}
	env.h = NewAPIHandler(env.cfg, Deps{
		Categorizer: testRoutes,
		IPGate:      env.ipGate,
		Authorizer:  env.authorizer,
		Audit:       env.audit,
		RequestLogs: env.logs,
		Forwarder:   fwd,
		Admin:       fakeAdmin{token: "admin-secret"},
		AdminStore:  env.adminStore,
		Rollups:     env.rollups,
		Postgres:    fakePinger{},
		Redis:       fakePinger{},
	})
	return env
}

func (env *testEnv) router() *gin.Engine {
	r := gin.New()
	r.Use(env.h.ErrorHandler())
	env.h.RegisterRoutes(r)
	return r
}
