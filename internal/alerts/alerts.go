package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"payout-engine/internal/models"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Sink delivers engine alerts. Delivery failures are reported but never
// block the payment flow that raised the alert.
type Sink interface {
	Emit(ctx context.Context, alert models.Alert) error
}

// LogSink writes alerts as structured log lines
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, alert models.Alert) error {
	args := []any{"alert", string(alert.Type), "project_id", alert.ProjectID}
	for k, v := range alert.Fields {
		args = append(args, k, v)
	}
	s.logger.WarnContext(ctx, alert.Message, args...)
	return nil
}

// RedisStreamSink appends alerts to a Redis stream for the notification service
type RedisStreamSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(rdb *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = "payouts:alerts"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Emit(ctx context.Context, alert models.Alert) error {
	if s == nil || s.rdb == nil {
		return errors.New("redis alert sink not initialized")
	}
	fields, err := json.Marshal(alert.Fields)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      string(alert.Type),
			"projectId": alert.ProjectID,
			"message":   alert.Message,
			"fields":    string(fields),
			"at":        alert.At.Unix(),
		},
	}
	return s.rdb.XAdd(ctx, args).Err()
}

// Multi fans an alert out to several sinks and joins their errors
type Multi []Sink

func (m Multi) Emit(ctx context.Context, alert models.Alert) error {
	var out error
	for _, s := range m {
		if err := s.Emit(ctx, alert); err != nil {
			out = errors.Join(out, err)
		}
	}
	return out
}
