package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/model"
)

// counter keys roll daily; keep them long enough for a same-day release
// after the window turns over
const counterTTL = 48 * time.Hour

// quarantine keys outlive ExpiresAt so the next evaluation can still
// observe a served-out entry and promote the address
const quarantineGrace = 7 * 24 * time.Hour

// Counters are stored as integer cents. IncrBy on integers is exact
// under concurrency; IncrByFloat accumulates drift.
func centsFromUSD(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func usdFromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{Client: rdb}, nil
}

func velocityKey(accountID, day string) string {
	return fmt.Sprintf("velocity:%s:%s", accountID, day)
}

// GetDailySpend implements ledger.CounterStore.
func (r *RedisClient) GetDailySpend(ctx context.Context, accountID, day string) (decimal.Decimal, error) {
	val, err := r.Client.Get(ctx, velocityKey(accountID, day)).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	cents, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt velocity counter for %s: %w", accountID, err)
	}
	return usdFromCents(cents), nil
}

// AddDailySpend implements ledger.CounterStore.
func (r *RedisClient) AddDailySpend(ctx context.Context, accountID, day string, delta decimal.Decimal) error {
	key := velocityKey(accountID, day)
	pipe := r.Client.TxPipeline()
	pipe.IncrBy(ctx, key, centsFromUSD(delta))
	pipe.Expire(ctx, key, counterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func quarantineRedisKey(accountID, chain, address string) string {
	return fmt.Sprintf("quarantine:%s:%s:%s", accountID, chain, strings.ToLower(address))
}

// Get implements policy.QuarantineStore. The key TTL includes a grace
// window past ExpiresAt; liveness is decided from the stored timestamp.
func (r *RedisClient) Get(ctx context.Context, accountID, chain, address string) (*model.QuarantineEntry, error) {
	val, err := r.Client.Get(ctx, quarantineRedisKey(accountID, chain, address)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry model.QuarantineEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, fmt.Errorf("corrupt quarantine entry: %w", err)
	}
	return &entry, nil
}

// Put implements policy.QuarantineStore.
func (r *RedisClient) Put(ctx context.Context, entry model.QuarantineEntry) error {
	ttl := time.Until(entry.ExpiresAt) + quarantineGrace
	if ttl <= 0 {
		return nil
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, quarantineRedisKey(entry.AccountID, entry.Chain, entry.Address), body, ttl).Err()
}

// Delete implements policy.QuarantineStore.
func (r *RedisClient) Delete(ctx context.Context, accountID, chain, address string) error {
	return r.Client.Del(ctx, quarantineRedisKey(accountID, chain, address)).Err()
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}
