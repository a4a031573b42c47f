// Package proxy dispatches classified requests to the backend destination of
// their endpoint group.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"proxyguard/internal/cache"
	"proxyguard/internal/models"
	"proxyguard/internal/telemetry"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
)

var (
	ErrNoDestination = errors.New("no backend destination for endpoint group")
	ErrBadGateway    = errors.New("backend request failed")
)

type DestinationStore interface {
	GetBackendDestinations(ctx context.Context) ([]models.BackendDestination, error)
}

// GroupForwarder sends each request to the first enabled destination of its
// group. There is no balancing across destinations.
type GroupForwarder struct {
	routes    *cache.Snapshot[map[string]*url.URL]
	transport http.RoundTripper
}

func NewGroupForwarder(store DestinationStore, ttl, retry time.Duration) *GroupForwarder {
	load := func(ctx context.Context) (map[string]*url.URL, error) {
		dests, err := store.GetBackendDestinations(ctx)
		if err != nil {
			return nil, err
		}
		return buildRoutes(dests), nil
	}
	return &GroupForwarder{
		routes:    cache.NewSnapshot("backend_destinations", ttl, retry, load),
		transport: telemetry.WrapTransport(http.DefaultTransport),
	}
}

func buildRoutes(dests []models.BackendDestination) map[string]*url.URL {
	routes := make(map[string]*url.URL, len(dests))
	for _, d := range dests {
		key := strings.ToLower(d.GroupName)
		if _, ok := routes[key]; ok {
			continue
		}
		target, err := url.Parse(strings.TrimSpace(d.Address))
		if err != nil || target.Scheme == "" || target.Host == "" {
			zlog.Warn().Str("group", d.GroupName).Str("address", d.Address).Msg("Skipping invalid backend address")
			continue
		}
		routes[key] = target
	}
	return routes
}

// Refresh reloads the destination table immediately.
func (f *GroupForwarder) Refresh(ctx context.Context) error {
	return f.routes.Refresh(ctx)
}

// Target returns the destination URL for group, if any.
func (f *GroupForwarder) Target(ctx context.Context, group string) (*url.URL, bool) {
	target, ok := f.routes.Get(ctx)[strings.ToLower(group)]
	return target, ok
}

// Forward proxies the request in c to the destination of group and writes the
// backend response to c.Writer. When no destination exists it answers 503;
// when the backend cannot be reached it answers 502. In both cases an error is
// returned as well, but the response has already been written.
func (f *GroupForwarder) Forward(c *gin.Context, group string) (string, error) {
	target, ok := f.Target(c.Request.Context(), group)
	if !ok {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"message": "No backend is available for this route."})
		return "", fmt.Errorf("%w: %s", ErrNoDestination, group)
	}

	var proxyErr error
	rp := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			r.Out.Host = r.In.Host
		},
		Transport: f.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			proxyErr = err
			if errors.Is(err, context.Canceled) {
				zlog.Debug().Str("group", group).Msg("Client went away before backend answered")
			} else {
				zlog.Warn().Err(err).Str("group", group).Str("target", target.String()).Msg("Backend request failed")
			}
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"message": "The backend service could not be reached."})
		},
	}
	rp.ServeHTTP(c.Writer, c.Request)

	if proxyErr != nil {
		return target.String(), fmt.Errorf("%w: %v", ErrBadGateway, proxyErr)
	}
	return target.String(), nil
}
