package reporting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// streamAdder is the subset of the Redis client the stream sink uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends every report to a capped Redis stream so other
// services can follow outcomes.
type RedisStreamSink struct {
	client streamAdder
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a new Redis stream sink
func NewRedisStreamSink(client streamAdder, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Name returns the sink name.
func (s *RedisStreamSink) Name() string { return "redis_stream" }

// Publish appends the report as one stream entry.
func (s *RedisStreamSink) Publish(ctx context.Context, r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	values := map[string]interface{}{
		"invocation_id":  r.InvocationID,
		"correlation_id": r.CorrelationID,
		"status":         string(r.Status),
		"payload":        payload,
	}
	if r.Summary != nil {
		values["succeeded"] = r.Summary.Succeeded()
		values["failed"] = r.Summary.Failed()
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
