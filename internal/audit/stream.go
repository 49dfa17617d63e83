package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	auditStream  = "overseer:audit"
	maxStreamLen = 10000
)

// Stream is the Redis Streams audit sink. Entries survive process restarts
// and can be tailed by any number of consumers.
type Stream struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewStream connects to Redis and verifies it is reachable.
func NewStream(redisURL string, logger *zap.Logger) (*Stream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Stream{rdb: rdb, logger: logger}, nil
}

func (s *Stream) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	_, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: auditStream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest n entries in chronological order.
func (s *Stream) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 100
	}
	msgs, err := s.rdb.XRevRangeN(ctx, auditStream, "+", "-", int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit stream: %w", err)
	}

	out := make([]Entry, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var e Entry
		if json.Unmarshal([]byte(data), &e) == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tail emits entries recorded after the call. Cancel the context to stop.
func (s *Stream) Tail(ctx context.Context) <-chan Entry {
	ch := make(chan Entry, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{auditStream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var e Entry
					if json.Unmarshal([]byte(data), &e) == nil {
						ch <- e
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (s *Stream) Close() error {
	return s.rdb.Close()
}
