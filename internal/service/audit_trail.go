package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"proxyguard/internal/metrics"
	"proxyguard/internal/models"

	zlog "github.com/rs/zerolog/log"
)

const auditWriteTimeout = 5 * time.Second

type AuditStore interface {
	InsertAuditEvent(ctx context.Context, ev models.AuditEvent) error
}

// AuditEntry describes one audit event. OldValue and NewValue are
// serialized to compact JSON when set.
type AuditEntry struct {
	EntityType string
	EntityID   string
	Action     string
	OldValue   any
	NewValue   any
	UserID     string
	Component  string
	ClientIP   string
}

// AuditTrail writes audit events in the background. Delivery is at most
// once: a full queue or a failed insert drops the event.
type AuditTrail struct {
	store AuditStore
	queue chan models.AuditEvent
	now   func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAuditTrail(store AuditStore, queueSize int) *AuditTrail {
	if queueSize <= 0 {
		queueSize = 1024
	}
	a := &AuditTrail{
		store: store,
		queue: make(chan models.AuditEvent, queueSize),
		now:   time.Now,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Record enqueues an event and returns immediately.
func (a *AuditTrail) Record(e AuditEntry) {
	ev := models.AuditEvent{
		TimestampUTC:      a.now().UTC(),
		UserID:            e.UserID,
		EntityType:        e.EntityType,
		EntityID:          e.EntityID,
		Action:            e.Action,
		OldValues:         compactJSON(e.OldValue),
		NewValues:         compactJSON(e.NewValue),
		AffectedComponent: e.Component,
		IPAddress:         e.ClientIP,
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		metrics.MetricAuditDroppedTotal.Inc()
		return
	}
	select {
	case a.queue <- ev:
	default:
		metrics.MetricAuditDroppedTotal.Inc()
		zlog.Warn().Str("entity_type", ev.EntityType).Str("action", ev.Action).Msg("Audit queue full, dropping event")
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (a *AuditTrail) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *AuditTrail) run() {
	defer a.wg.Done()
	for ev := range a.queue {
		a.write(ev)
	}
}

func (a *AuditTrail) write(ev models.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MetricAuditDroppedTotal.Inc()
			zlog.Error().Interface("panic", r).Msg("Audit write panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if err := a.store.InsertAuditEvent(ctx, ev); err != nil {
		metrics.MetricAuditDroppedTotal.Inc()
		zlog.Error().Err(err).Str("entity_type", ev.EntityType).Str("action", ev.Action).Msg("Failed to write audit event")
	}
}

func compactJSON(v any) *string {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		zlog.Warn().Err(err).Msg("Audit value is not serializable")
		return nil
	}
	s := string(b)
	return &s
}
