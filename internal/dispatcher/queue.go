package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout mirrors the teacher's internal/engine.Queue
// (jobQueueKey/jobDataKeyPrefix), renamed for the dispatcher's ready queue
// of steps instead of the teacher's project-execution jobs.
const (
	readyQueueKey     = "lazyaf:steps:ready"
	readyDataKeyPrefix = "lazyaf:steps:data:"
)

// ReadyItem is what's queued once a step's inbound edges are satisfied:
// just enough to look the step back up and re-check its selector.
type ReadyItem struct {
	StepID         uuid.UUID         `json:"step_id"`
	RunID          uuid.UUID         `json:"run_id"`
	Selector       string            `json:"selector"`
	LabelPredicate map[string]string `json:"label_predicate,omitempty"`
	QueuedAt       time.Time         `json:"queued_at"`
}

// ReadyQueue is the Redis-backed FIFO of dispatchable steps.
type ReadyQueue struct {
	client *redis.Client
}

func NewReadyQueue(client *redis.Client) *ReadyQueue {
	return &ReadyQueue{client: client}
}

// Enqueue makes a step visible to the dispatch loop.
func (q *ReadyQueue) Enqueue(ctx context.Context, item ReadyItem) error {
	item.QueuedAt = time.Now().UTC()
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal ready item: %w", err)
	}
	dataKey := readyDataKeyPrefix + item.StepID.String()
	if err := q.client.Set(ctx, dataKey, data, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("store ready item: %w", err)
	}
	if err := q.client.LPush(ctx, readyQueueKey, item.StepID.String()).Err(); err != nil {
		return fmt.Errorf("push ready item: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next ready step.
func (q *ReadyQueue) Dequeue(ctx context.Context, timeout time.Duration) (*ReadyItem, error) {
	result, err := q.client.BRPop(ctx, timeout, readyQueueKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue ready item: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	stepID := result[1]
	dataKey := readyDataKeyPrefix + stepID

	data, err := q.client.Get(ctx, dataKey).Bytes()
	if err != nil {
		return nil, fmt.Errorf("get ready item data for step %s: %w", stepID, err)
	}
	var item ReadyItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshal ready item %s: %w", stepID, err)
	}
	if err := q.client.Del(ctx, dataKey).Err(); err != nil {
		slog.Warn("failed to delete ready item data from redis", "step_id", stepID, "error", err)
	}
	return &item, nil
}

// Requeue puts a step back at the front of the queue (used when no runner
// currently matches its selector, so it is retried on the next poll
// instead of being lost).
func (q *ReadyQueue) Requeue(ctx context.Context, item ReadyItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal ready item: %w", err)
	}
	dataKey := readyDataKeyPrefix + item.StepID.String()
	if err := q.client.Set(ctx, dataKey, data, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("store ready item: %w", err)
	}
	return q.client.RPush(ctx, readyQueueKey, item.StepID.String()).Err()
}

// Length returns the number of steps waiting for a runner.
func (q *ReadyQueue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyQueueKey).Result()
}
