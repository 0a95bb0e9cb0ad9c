package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cmdgate/internal/domain"

	"github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen = 100_000

// Redis appends audit records to a capped stream.
type Redis struct {
	client *redis.Client
	stream string
	maxLen int64
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Stream == "" {
		opts.Stream = "cmdgate:audit"
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultStreamMaxLen
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, stream: opts.Stream, maxLen: opts.MaxLen}, nil
}

func (r *Redis) Write(ctx context.Context, rec domain.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	return r.add(ctx, r.stream, map[string]any{
		"id":      rec.ID,
		"command": rec.Command,
		"blocked": rec.Blocked,
		"record":  string(data),
	})
}

func (r *Redis) WriteDecision(ctx context.Context, d domain.ApprovalDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal approval decision: %w", err)
	}
	return r.add(ctx, r.stream+":decisions", map[string]any{
		"request_id": d.RequestID,
		"status":     string(d.Status),
		"decision":   string(data),
	})
}

func (r *Redis) add(ctx context.Context, stream string, values map[string]any) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
