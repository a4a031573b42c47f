package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"proxyguard/internal/service"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	TypeTrafficRollup = "traffic:rollup"
)

type RollupPayload struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Reprocess   bool      `json:"reprocess"`
}

// NewTrafficRollupTask creates a task that (re)computes the summary of one
// window. It is not retried; a failed window is requested again explicitly.
func NewTrafficRollupTask(start, end time.Time, reprocess bool) (*asynq.Task, error) {
	payload, err := json.Marshal(RollupPayload{WindowStart: start.UTC(), WindowEnd: end.UTC(), Reprocess: reprocess})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTrafficRollup, payload,
		asynq.MaxRetry(0),
		asynq.Timeout(10*time.Minute),
		asynq.Queue("low"),
	), nil
}

type WindowProcessor interface {
	ProcessWindow(ctx context.Context, start, end time.Time, reprocess bool) (service.AggregationResult, error)
}

type RollupTaskHandler struct {
	aggregator WindowProcessor
}

func NewRollupTaskHandler(aggregator WindowProcessor) *RollupTaskHandler {
	return &RollupTaskHandler{aggregator: aggregator}
}

func (h *RollupTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p RollupPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.WindowStart.IsZero() || !p.WindowEnd.After(p.WindowStart) {
		return fmt.Errorf("invalid window %s - %s: %w", p.WindowStart, p.WindowEnd, asynq.SkipRetry)
	}

	res, err := h.aggregator.ProcessWindow(ctx, p.WindowStart, p.WindowEnd, p.Reprocess)
	if err != nil {
		return fmt.Errorf("rollup %s: %w", p.WindowStart.Format(time.RFC3339), err)
	}
	zlog.Info().Time("window_start", res.WindowStart).Bool("skipped", res.Skipped).Int("rows", res.Rows).Msg("Rollup task finished")
	return nil
}

// Client enqueues rollup tasks for the worker.
type Client struct {
	asynqClient *asynq.Client
}

func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{asynqClient: asynq.NewClient(redisOpts)}
}

func (c *Client) EnqueueRollup(ctx context.Context, start, end time.Time, reprocess bool) (string, error) {
	task, err := NewTrafficRollupTask(start, end, reprocess)
	if err != nil {
		return "", err
	}
	info, err := c.asynqClient.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("enqueue rollup: %w", err)
	}
	return info.ID, nil
}

func (c *Client) Close() error {
	return c.asynqClient.Close()
}
