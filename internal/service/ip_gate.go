package service

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"time"

	"proxyguard/internal/metrics"
	"proxyguard/internal/models"
	"proxyguard/internal/repository"

	"github.com/hashicorp/golang-lru/v2/expirable"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type BlockStore interface {
	GetBlockEntry(ctx context.Context, ip string) (*models.BlockEntry, error)
}

const defaultIPCacheSize = 100_000

// IPBlockGate answers whether a client IP is currently blocked. Results are
// cached per IP in a bounded LRU; concurrent misses for the same IP share one
// store read.
type IPBlockGate struct {
	store   BlockStore
	results *expirable.LRU[string, bool]
	loads   singleflight.Group
	now     func() time.Time
}

func NewIPBlockGate(store BlockStore, ttl time.Duration, size int) *IPBlockGate {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if size <= 0 {
		size = defaultIPCacheSize
	}
	return &IPBlockGate{
		store:   store,
		results: expirable.NewLRU[string, bool](size, nil, ttl),
		now:     time.Now,
	}
}

// NormalizeIP returns the canonical text form of raw: zone and brackets
// dropped, IPv4-mapped IPv6 unmapped, IPv6 compressed (so every spelling of
// the loopback becomes "::1").
func NormalizeIP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	if raw == "" {
		return "", false
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", false
	}
	return addr.WithZone("").Unmap().String(), true
}

// IsBlocked never fails: any lookup problem counts as not blocked.
func (g *IPBlockGate) IsBlocked(ctx context.Context, rawIP string) bool {
	ip, ok := NormalizeIP(rawIP)
	if !ok {
		return false
	}

	if blocked, hit := g.results.Get(ip); hit {
		metrics.MetricIPGateTotal.WithLabelValues(result(blocked), "cache").Inc()
		return blocked
	}

	v, err, _ := g.loads.Do(ip, func() (interface{}, error) {
		entry, err := g.store.GetBlockEntry(context.WithoutCancel(ctx), ip)
		if errors.Is(err, repository.ErrNotFound) {
			g.results.Add(ip, false)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		active := entry.IsActive(g.now().UTC())
		g.results.Add(ip, active)
		return active, nil
	})
	if err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("Block lookup failed, allowing request")
		metrics.MetricIPGateTotal.WithLabelValues("error", "store").Inc()
		return false
	}

	blocked := v.(bool)
	metrics.MetricIPGateTotal.WithLabelValues(result(blocked), "store").Inc()
	return blocked
}

// Invalidate drops the cached result for ip so the next check reads the store.
func (g *IPBlockGate) Invalidate(rawIP string) {
	if ip, ok := NormalizeIP(rawIP); ok {
		g.results.Remove(ip)
	}
}

func result(blocked bool) string {
	if blocked {
		return "blocked"
	}
	return "allowed"
}
