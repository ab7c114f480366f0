package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisBlock = 5 * time.Second

// RedisClient is a list-backed queue. Receive moves a message onto a
// processing list; Ack removes it from there. Messages left on the processing
// list by a crashed worker are returned by Recover.
type RedisClient struct {
	rdb        *redis.Client
	key        string
	processing string
	block      time.Duration
}

// NewRedisClient connects to redisURL (redis://...) and uses key as the list name.
func NewRedisClient(redisURL, key string) (*RedisClient, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("redis queue key is required")
	}
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisClientWithConn(redis.NewClient(opts), key), nil
}

// NewRedisClientWithConn wraps an existing connection.
func NewRedisClientWithConn(rdb *redis.Client, key string) *RedisClient {
	return &RedisClient{
		rdb:        rdb,
		key:        key,
		processing: key + ":processing",
		block:      defaultRedisBlock,
	}
}

// Send pushes the encoded message onto the list.
func (r *RedisClient) Send(ctx context.Context, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode redis message: %w", err)
	}
	if err := r.rdb.LPush(ctx, r.key, payload).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Receive blocks for up to five seconds for one message.
func (r *RedisClient) Receive(ctx context.Context) ([]Delivery, error) {
	body, err := r.rdb.BLMove(ctx, r.key, r.processing, "RIGHT", "LEFT", r.block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis blmove: %w", err)
	}
	return []Delivery{{Handle: body, Body: body, ReceiveCount: 1}}, nil
}

// Ack drops the message from the processing list.
func (r *RedisClient) Ack(ctx context.Context, d Delivery) error {
	if err := r.rdb.LRem(ctx, r.processing, 1, d.Handle).Err(); err != nil {
		return fmt.Errorf("redis lrem: %w", err)
	}
	return nil
}

// Recover moves unacknowledged messages back onto the queue and returns how
// many were moved. Call it before starting consumers.
func (r *RedisClient) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := r.rdb.LMove(ctx, r.processing, r.key, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("redis lmove: %w", err)
		}
		moved++
	}
}

// Close releases the connection pool.
func (r *RedisClient) Close() error {
	return r.rdb.Close()
}

var (
	_ Client = (*RedisClient)(nil)
	_ Source = (*RedisClient)(nil)
)
