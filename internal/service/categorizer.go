package service

import (
	"context"
	"time"

	"proxyguard/internal/cache"
	"proxyguard/internal/models"

	zlog "github.com/rs/zerolog/log"
)

// Fallback group names. Neither exists in endpoint_groups, so traffic
// classified under them is left out of traffic summaries.
const (
	GroupEmptyPath = "empty-path"
	GroupUnmatched = "unmatched"
)

type PatternStore interface {
	GetRoutePatterns(ctx context.Context) ([]models.RoutePattern, error)
}

type CategorizerOptions struct {
	TTL           time.Duration
	RetryInterval time.Duration
	// UnmatchedRequiresToken makes the fallback classifications require a
	// token, so unknown routes fail closed.
	UnmatchedRequiresToken bool
}

type EndpointCategorizer struct {
	patterns               *cache.Snapshot[[]compiledPattern]
	unmatchedRequiresToken bool
}

func NewEndpointCategorizer(store PatternStore, opts CategorizerOptions) *EndpointCategorizer {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	load := func(ctx context.Context) ([]compiledPattern, error) {
		routes, err := store.GetRoutePatterns(ctx)
		if err != nil {
			return nil, err
		}
		compiled, errs := compilePatterns(routes)
		for _, err := range errs {
			zlog.Warn().Err(err).Msg("Skipping invalid route pattern")
		}
		zlog.Info().Int("patterns", len(compiled)).Msg("Route patterns loaded")
		return compiled, nil
	}
	return &EndpointCategorizer{
		patterns:               cache.NewSnapshot("route_patterns", opts.TTL, opts.RetryInterval, load),
		unmatchedRequiresToken: opts.UnmatchedRequiresToken,
	}
}

// Classify maps a request path to its endpoint group. It never fails: an
// empty or unmatched path gets a fallback classification.
func (c *EndpointCategorizer) Classify(ctx context.Context, path string) models.EndpointClassification {
	if path == "" {
		return models.EndpointClassification{GroupName: GroupEmptyPath, RequiresToken: c.unmatchedRequiresToken}
	}

	for _, cp := range c.patterns.Get(ctx) {
		if cp.matches(path) {
			return models.EndpointClassification{
				GroupName:      cp.route.GroupName,
				RequiresToken:  cp.route.RequiresToken,
				MatchedPattern: cp.route.PathPattern,
			}
		}
	}

	zlog.Debug().Str("path", path).Msg("No route pattern matched")
	return models.EndpointClassification{GroupName: GroupUnmatched, RequiresToken: c.unmatchedRequiresToken}
}

// Refresh reloads the pattern table immediately.
func (c *EndpointCategorizer) Refresh(ctx context.Context) error {
	return c.patterns.Refresh(ctx)
}

func (c *EndpointCategorizer) LoadedAt() time.Time {
	return c.patterns.LoadedAt()
}
