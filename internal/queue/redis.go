// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a queue on a Redis list. Producers LPUSH and consumers BRPOP, so
// the list drains oldest first.
type Redis struct {
	rdb  *redis.Client
	name string
}

// NewRedis creates a queue on the named list. An empty name uses DefaultName.
func NewRedis(rdb *redis.Client, name string) *Redis {
	if name == "" {
		name = DefaultName
	}
	return &Redis{rdb: rdb, name: name}
}

func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	msg, err := encode(job)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.name, msg).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("enqueued job",
		"job_id", job.ID,
		"processing_id", job.ProcessingID,
		"queue", q.name,
	)
	return nil
}

func (q *Redis) Dequeue(ctx context.Context, wait time.Duration) (Job, bool, error) {
	res, err := q.rdb.BRPop(ctx, wait, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("redis BRPOP: %w", err)
	}
	// BRPOP replies with [list, value].
	if len(res) != 2 {
		return Job{}, false, fmt.Errorf("redis BRPOP: unexpected reply of %d elements", len(res))
	}
	job, err := decode(res[1])
	if err != nil {
		slog.Warn("dropping malformed job", "queue", q.name, "error", err)
		return Job{}, false, nil
	}
	return job, true, nil
}

// Len returns the number of queued jobs.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}

// Ping checks the Redis connection.
func (q *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}
