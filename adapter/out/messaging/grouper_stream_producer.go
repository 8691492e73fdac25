// Package messaging provides message queue adapters.
package messaging

import (
	"context"
	"fmt"

	"grouper_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Stream names
const (
	StreamScanJobs = "scan:jobs"
	StreamLearning = "learning:jobs"
)

// Envelope types carried in the "type" field of a stream entry.
const (
	TypeScanRun = "scan.run"
	TypeLearn   = "learning.learn"
)

// RedisProducer publishes jobs to Redis Streams.
type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisProducer creates a new RedisProducer. Streams are trimmed to
// roughly maxLen entries; zero disables trimming.
func NewRedisProducer(client *redis.Client, maxLen int64) *RedisProducer {
	return &RedisProducer{client: client, maxLen: maxLen}
}

// PublishScanJob publishes a scan run request.
func (p *RedisProducer) PublishScanJob(ctx context.Context, msg *out.ScanJobMessage) error {
	return p.publish(ctx, StreamScanJobs, TypeScanRun, msg)
}

// PublishLearnJob publishes a learning request.
func (p *RedisProducer) PublishLearnJob(ctx context.Context, msg *out.LearnJobMessage) error {
	return p.publish(ctx, StreamLearning, TypeLearn, msg)
}

// publish publishes a job to a stream using go-redis.
func (p *RedisProducer) publish(ctx context.Context, stream, jobType string, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]any{
			"type": jobType,
			"data": string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

var (
	_ out.ScanJobPublisher  = (*RedisProducer)(nil)
	_ out.LearnJobPublisher = (*RedisProducer)(nil)
)
