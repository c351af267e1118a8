package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

const numShards = 128

// Sharded is an in-process Locker. Keys hash onto a fixed set of slots, so
// unrelated subjects only contend when they share a slot.
type Sharded struct {
	shards [numShards]chan struct{}
	// Wait bounds how long WithLock waits when ctx has no deadline.
	Wait time.Duration
}

func NewSharded() *Sharded {
	s := &Sharded{}
	for i := range s.shards {
		s.shards[i] = make(chan struct{}, 1)
	}
	return s
}

func (s *Sharded) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slot := s.shards[hashKey(key)%numShards]
	waitCtx, cancel := withDefaultDeadline(ctx, s.Wait)
	defer cancel()
	select {
	case slot <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("subject %s: %w", key, ErrNotAcquired)
	}
	defer func() { <-slot }()
	return fn(ctx)
}

func hashKey(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
