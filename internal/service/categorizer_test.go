package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proxyguard/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPatternStore struct {
	mu       sync.Mutex
	patterns []models.RoutePattern
	err      error
	calls    int
}

func (s *stubPatternStore) GetRoutePatterns(ctx context.Context) ([]models.RoutePattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.RoutePattern, len(s.patterns))
	copy(out, s.patterns)
	return out, nil
}

func route(pattern, group string, order int, requiresToken bool) models.RoutePattern {
	return models.RoutePattern{PathPattern: pattern, GroupName: group, MatchOrder: order, RequiresToken: requiresToken}
}

func newTestCategorizer(patterns ...models.RoutePattern) *EndpointCategorizer {
	return NewEndpointCategorizer(&stubPatternStore{patterns: patterns}, CategorizerOptions{TTL: time.Minute})
}

func TestCompiledPattern_Matching(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"catch-all literal equals prefix", "/api/orders/{**rest}", "/api/orders", true},
		{"catch-all literal with tail", "/api/orders/{**rest}", "/api/orders/42/items", true},
		{"catch-all literal shares text only", "/api/orders/{**rest}", "/api/ordersx", false},
		{"catch-all case insensitive", "/api/orders/{**rest}", "/API/Orders/1", true},
		{"catch-all other name", "/svc/{**remainder}", "/svc/a/b", true},
		{"catch-all capture prefix", "/api/{tenant}/{**rest}", "/api/acme/users", true},
		{"catch-all capture exact", "/api/{tenant}/{**rest}", "/api/acme", true},
		{"catch-all capture no separator", "/api/{tenant}/{**rest}", "/apiacme/users", false},
		{"single segment match", "/files/*", "/files/report", true},
		{"single segment deeper", "/files/*", "/files/a/b", false},
		{"single segment empty", "/files/*", "/files/", false},
		{"single segment bare prefix", "/files/*", "/files", false},
		{"single segment capture", "/t/{tenant}/files/*", "/t/acme/files/x", true},
		{"single segment capture deeper", "/t/{tenant}/files/*", "/t/acme/files/x/y", false},
		{"exact literal", "/health", "/HEALTH", true},
		{"exact literal longer", "/health", "/health/x", false},
		{"exact capture", "/users/{id}", "/users/17", true},
		{"exact capture two segments", "/users/{id}", "/users/17/x", false},
		{"exact capture partial segment", "/v{version}/status", "/v2/status", true},
		{"literal with regex meta", "/a.b/{id}", "/axb/1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, err := compilePattern(route(tt.pattern, "g", 0, true))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cp.matches(tt.path))
		})
	}
}

func TestCompilePattern_Empty(t *testing.T) {
	_, err := compilePattern(route("  ", "g", 0, true))
	assert.Error(t, err)
}

func TestCategorizer_MatchOrderWins(t *testing.T) {
	c := newTestCategorizer(
		route("/api/{**rest}", "broad", 20, true),
		route("/api/public/{**rest}", "public", 10, false),
	)

	got := c.Classify(context.Background(), "/api/public/info")
	assert.Equal(t, "public", got.GroupName)
	assert.False(t, got.RequiresToken)
	assert.Equal(t, "/api/public/{**rest}", got.MatchedPattern)

	c = newTestCategorizer(
		route("/api/public/{**rest}", "public", 30, false),
		route("/api/{**rest}", "broad", 20, true),
	)
	assert.Equal(t, "broad", c.Classify(context.Background(), "/api/public/info").GroupName)
}

func TestCategorizer_LongerPrefixFirstOnTie(t *testing.T) {
	c := newTestCategorizer(
		route("/api/{**rest}", "broad", 10, true),
		route("/api/admin/{**rest}", "admin", 10, true),
	)
	assert.Equal(t, "admin", c.Classify(context.Background(), "/api/admin/users").GroupName)
	assert.Equal(t, "broad", c.Classify(context.Background(), "/api/other").GroupName)
}

func TestCategorizer_Fallbacks(t *testing.T) {
	c := newTestCategorizer(route("/api/{**rest}", "api", 1, true))

	empty := c.Classify(context.Background(), "")
	assert.Equal(t, GroupEmptyPath, empty.GroupName)
	assert.False(t, empty.RequiresToken)

	unknown := c.Classify(context.Background(), "/totally/unknown")
	assert.Equal(t, GroupUnmatched, unknown.GroupName)
	assert.False(t, unknown.RequiresToken)
	assert.Empty(t, unknown.MatchedPattern)
}

func TestCategorizer_FailClosedOption(t *testing.T) {
	c := NewEndpointCategorizer(&stubPatternStore{}, CategorizerOptions{TTL: time.Minute, UnmatchedRequiresToken: true})
	assert.True(t, c.Classify(context.Background(), "/anything").RequiresToken)
	assert.True(t, c.Classify(context.Background(), "").RequiresToken)
}

func TestCategorizer_StoreErrorFallsBack(t *testing.T) {
	store := &stubPatternStore{err: errors.New("db down")}
	c := NewEndpointCategorizer(store, CategorizerOptions{TTL: time.Minute, RetryInterval: time.Minute})

	got := c.Classify(context.Background(), "/api/x")
	assert.Equal(t, GroupUnmatched, got.GroupName)
	assert.Error(t, c.Refresh(context.Background()))
}

func TestCategorizer_CachesPatterns(t *testing.T) {
	store := &stubPatternStore{patterns: []models.RoutePattern{route("/a/{**rest}", "a", 1, true)}}
	c := NewEndpointCategorizer(store, CategorizerOptions{TTL: time.Hour})

	for i := 0; i < 10; i++ {
		c.Classify(context.Background(), "/a/b")
	}
	assert.Equal(t, 1, store.calls)

	store.mu.Lock()
	store.patterns = []models.RoutePattern{route("/a/{**rest}", "renamed", 1, true)}
	store.mu.Unlock()
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, "renamed", c.Classify(context.Background(), "/a/b").GroupName)
}

func TestCategorizer_SkipsInvalidPatterns(t *testing.T) {
	c := newTestCategorizer(route("", "broken", 1, true), route("/ok", "ok", 2, false))
	assert.Equal(t, "ok", c.Classify(context.Background(), "/ok").GroupName)
}
