package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"

	"github.com/ethereum-optimism/infra/op-regress/metrics"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

const redisTimeout = 5 * time.Second

// RedisPublisher mirrors the run into redis: every lifecycle change is
// appended to <prefix>:<run>:events and published on the same channel, final
// states are kept in the <prefix>:<run>:results hash and the run status in
// <prefix>:<run>:status. Subscribe it queued.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	runID  string
	log    log.Logger
}

func NewRedisClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func CheckRedisConnection(client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("error connecting to redis: %w", err)
	}
	return nil
}

func NewRedisPublisher(client redis.UniversalClient, prefix, runID string, logger log.Logger) *RedisPublisher {
	if logger == nil {
		logger = log.New()
	}
	if prefix == "" {
		prefix = "regress"
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		runID:  runID,
		log:    logger.New("component", "redis", "run_id", runID),
	}
}

func (p *RedisPublisher) key(kind string) string {
	return fmt.Sprintf("%s:%s:%s", p.prefix, p.runID, kind)
}

// ResultField is the hash field holding the final state of t
func ResultField(t *model.Node) string {
	return t.Key().String()
}

func (p *RedisPublisher) NotifyLifecycleChange(t *model.Node, state *types.TestState, change string) {
	payload, err := json.Marshal(Event{
		App:       t.App.Description(),
		Path:      t.RelPath,
		Name:      t.UniqueName(),
		Change:    change,
		Category:  state.Category,
		BriefText: state.BriefText,
		Time:      time.Now(),
	})
	if err != nil {
		p.fail("marshal event", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := p.client.RPush(ctx, p.key("events"), payload).Err(); err != nil {
		p.fail("push event", err)
		return
	}
	if err := p.client.Publish(ctx, p.key("events"), payload).Err(); err != nil {
		p.log.Debug("Failed to publish event", "err", err)
	}
}

func (p *RedisPublisher) NotifyComplete(t *model.Node) {
	data, err := types.EncodeState(t.State())
	if err != nil {
		p.fail("encode state", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := p.client.HSet(ctx, p.key("results"), ResultField(t), string(data)).Err(); err != nil {
		p.fail("store result", err)
	}
}

func (p *RedisPublisher) NotifyKillProcesses(reason string) {
	p.setStatus("killed " + reason)
}

func (p *RedisPublisher) NotifyAllComplete() {
	p.setStatus("complete")
}

func (p *RedisPublisher) setStatus(status string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := p.client.Set(ctx, p.key("status"), status, 0).Err(); err != nil {
		p.fail("set status", err)
	}
}

func (p *RedisPublisher) fail(what string, err error) {
	p.log.Error("Redis publisher failed", "op", what, "err", err)
	metrics.RecordErrorDetails("redis", err)
}
