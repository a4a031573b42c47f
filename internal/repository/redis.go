package repository

import (
	"context"
	"fmt"
	"time"

	"proxyguard/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisRepository struct {
	client *redis.Client
}

// Lock is a held Redis lock. Release only deletes the key while it still
// carries this holder's token.
type Lock struct {
	repo  *RedisRepository
	key   string
	token string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *RedisRepository) trackDuration(op string, start time.Time) {
	metrics.MetricRedisDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func NewRedisRepository(host string, port int, password string, db int) *RedisRepository {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})
	return &RedisRepository{client: rdb}
}

func NewRedisRepositoryFromClient(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	defer r.trackDuration("Ping", time.Now())
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// AcquireLock tries once to take key for ttl. It returns nil, nil when the
// lock is held by someone else.
func (r *RedisRepository) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	defer r.trackDuration("AcquireLock", time.Now())
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lock{repo: r, key: key, token: token}, nil
}

func (l *Lock) Release(ctx context.Context) error {
	defer l.repo.trackDuration("ReleaseLock", time.Now())
	return releaseScript.Run(ctx, l.repo.client, []string{l.key}, l.token).Err()
}

// MarkWindowProcessed records the last window start the aggregator completed.
func (r *RedisRepository) MarkWindowProcessed(ctx context.Context, key string, windowStart time.Time) error {
	defer r.trackDuration("MarkWindowProcessed", time.Now())
	return r.client.Set(ctx, key, windowStart.UTC().Format(time.RFC3339), 0).Err()
}

func (r *RedisRepository) LastProcessedWindow(ctx context.Context, key string) (time.Time, error) {
	defer r.trackDuration("LastProcessedWindow", time.Now())
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, val)
}
