package queue

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/zhangjing-777/multimedia-review-new/internal/redisx"
)

func TestRedisQueueIntegrationConcurrentClaims(t *testing.T) {
	addr := os.Getenv("REVIEW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set REVIEW_TEST_REDIS_ADDR to run Redis integration tests")
	}
	ctx := context.Background()
	client := redisx.New(redisx.Config{Addr: addr, Timeout: 2 * time.Second})
	q := NewRedisQueue(client, RedisQueueConfig{
		Key:           "review:test:integration:" + strconv.FormatInt(time.Now().UnixNano(), 10),
		DeadLetterMax: 3,
	})

	// Seed file units.
	for i := 0; i < 30; i++ {
		if err := q.Enqueue(ctx, FileRef("task-int", "f-"+strconv.Itoa(i), "image")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	seen := sync.Map{}
	var wg sync.WaitGroup
	claimFn := func(worker string) {
		defer wg.Done()
		for {
			claims, err := q.Claim(ctx, 2, worker, 2*time.Second)
			if err != nil {
				t.Errorf("claim error: %v", err)
				return
			}
			if len(claims) == 0 {
				return
			}
			for _, c := range claims {
				k := c.Ref.TaskID + "|" + c.Ref.FileID
				if _, loaded := seen.LoadOrStore(k, true); loaded {
					t.Errorf("duplicate claim observed for %s", k)
				}
			}
			if err := q.Ack(ctx, claims); err != nil {
				t.Errorf("ack error: %v", err)
				return
			}
		}
	}

	wg.Add(2)
	go claimFn("w1")
	go claimFn("w2")
	wg.Wait()

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 0 || stats.InFlight != 0 {
		t.Fatalf("queue not drained: %+v", stats)
	}
}
