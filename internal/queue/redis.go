package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zhangjing-777/multimedia-review-new/internal/observability"
	"github.com/zhangjing-777/multimedia-review-new/internal/redisx"
)

type RedisQueueConfig struct {
	Key           string
	DeadLetterMax int
}

type RedisQueue struct {
	client *redisx.Client
	cfg    RedisQueueConfig
}

func NewRedisQueue(client *redisx.Client, cfg RedisQueueConfig) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = "review:work"
	}
	if cfg.DeadLetterMax <= 0 {
		cfg.DeadLetterMax = 5
	}
	return &RedisQueue{client: client, cfg: cfg}
}

func (q *RedisQueue) pendingKey() string    { return q.cfg.Key + ":pending" }
func (q *RedisQueue) claimsKey() string     { return q.cfg.Key + ":claims" }
func (q *RedisQueue) visibilityKey() string { return q.cfg.Key + ":visibility" }
func (q *RedisQueue) nackKey() string       { return q.cfg.Key + ":nack" }
func (q *RedisQueue) deadKey() string       { return q.cfg.Key + ":dead" }

func (q *RedisQueue) labels(extra map[string]string) map[string]string {
	l := map[string]string{"queue_backend": "redis"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (q *RedisQueue) Enqueue(ctx context.Context, ref WorkRef) error {
	return q.EnqueueMany(ctx, []WorkRef{ref})
}

func (q *RedisQueue) EnqueueMany(ctx context.Context, refs []WorkRef) error {
	if len(refs) == 0 {
		return nil
	}
	conn, err := q.client.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]string, 0, len(refs)+2)
	args = append(args, "LPUSH", q.pendingKey())
	for _, ref := range refs {
		args = append(args, encodeWorkRef(ref))
	}
	_, err = conn.Do(args...)
	return err
}

func (q *RedisQueue) Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]Claim, error) {
	if max <= 0 {
		max = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 15 * time.Second
	}
	conn, err := q.client.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	now := time.Now().UTC()
	out := make([]Claim, 0, max)
	for i := 0; i < max; i++ {
		resp, err := conn.Do("RPOP", q.pendingKey())
		if err != nil {
			return nil, err
		}
		if resp == nil {
			break
		}
		raw, ok := resp.(string)
		if !ok {
			return nil, errors.New("unexpected redis response type")
		}
		ref, ok := decodeWorkRef(raw)
		if !ok {
			// Unparseable payload goes straight to the dead list.
			if _, err := conn.Do("LPUSH", q.deadKey(), raw); err != nil {
				return nil, err
			}
			continue
		}

		receipt := fmt.Sprintf("%s:%d:%d", consumer, time.Now().UnixNano(), i)
		visibleAt := now.Add(visibilityTimeout)
		if _, err := conn.Do("HSET", q.claimsKey(), receipt, raw); err != nil {
			return nil, err
		}
		if _, err := conn.Do("ZADD", q.visibilityKey(), strconv.FormatInt(visibleAt.UnixMilli(), 10), receipt); err != nil {
			return nil, err
		}

		out = append(out, Claim{
			Ref:       ref,
			Receipt:   receipt,
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: visibleAt,
		})
	}
	observability.Default.IncCounter("queue_claimed_total", q.labels(map[string]string{"worker_id": consumer}), float64(len(out)))
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, claims []Claim) error {
	if len(claims) == 0 {
		return nil
	}
	conn, err := q.client.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, c := range claims {
		payload, err := q.getClaimPayload(conn, c.Receipt)
		if err != nil {
			return err
		}
		if _, err := conn.Do("HDEL", q.claimsKey(), c.Receipt); err != nil {
			return err
		}
		if _, err := conn.Do("ZREM", q.visibilityKey(), c.Receipt); err != nil {
			return err
		}
		if payload != "" {
			if _, err := conn.Do("HDEL", q.nackKey(), payload); err != nil {
				return err
			}
		}
	}
	for _, c := range claims {
		observability.Default.IncCounter("queue_acked_total", q.labels(map[string]string{"worker_id": c.ClaimedBy}), 1)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, claims []Claim, reason string) error {
	if len(claims) == 0 {
		return nil
	}
	conn, err := q.client.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, c := range claims {
		payload, err := q.getClaimPayload(conn, c.Receipt)
		if err != nil {
			return err
		}
		if payload == "" {
			continue
		}

		toDead := false
		if reason == "error" {
			resp, err := conn.Do("HINCRBY", q.nackKey(), payload, "1")
			if err != nil {
				return err
			}
			count, err := redisx.Int(resp)
			if err != nil {
				return err
			}
			toDead = count >= q.cfg.DeadLetterMax
		}

		if toDead {
			if _, err := conn.Do("LPUSH", q.deadKey(), payload); err != nil {
				return err
			}
			if _, err := conn.Do("HDEL", q.nackKey(), payload); err != nil {
				return err
			}
		} else {
			if _, err := conn.Do("LPUSH", q.pendingKey(), payload); err != nil {
				return err
			}
		}

		if _, err := conn.Do("HDEL", q.claimsKey(), c.Receipt); err != nil {
			return err
		}
		if _, err := conn.Do("ZREM", q.visibilityKey(), c.Receipt); err != nil {
			return err
		}
	}
	for _, c := range claims {
		observability.Default.IncCounter("queue_nacked_total", q.labels(map[string]string{"worker_id": c.ClaimedBy, "reason": reason}), 1)
	}
	return q.refreshDeadGauge(ctx)
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	if max <= 0 {
		max = 100
	}
	conn, err := q.client.Dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	resp, err := conn.Do("ZRANGEBYSCORE", q.visibilityKey(), "-inf", strconv.FormatInt(now.UnixMilli(), 10), "LIMIT", "0", strconv.Itoa(max))
	if err != nil {
		return 0, err
	}
	receipts, err := redisx.Strings(resp)
	if err != nil {
		return 0, err
	}
	for _, receipt := range receipts {
		payload, err := q.getClaimPayload(conn, receipt)
		if err != nil {
			return 0, err
		}
		if payload != "" {
			if _, err := conn.Do("LPUSH", q.pendingKey(), payload); err != nil {
				return 0, err
			}
		}
		if _, err := conn.Do("HDEL", q.claimsKey(), receipt); err != nil {
			return 0, err
		}
		if _, err := conn.Do("ZREM", q.visibilityKey(), receipt); err != nil {
			return 0, err
		}
	}
	if len(receipts) > 0 {
		observability.Default.IncCounter("queue_expired_requeued_total", q.labels(nil), float64(len(receipts)))
	}
	return len(receipts), nil
}

func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) ([]WorkRef, error) {
	if limit <= 0 {
		limit = 50
	}
	resp, err := q.client.Do(ctx, "LRANGE", q.deadKey(), "0", strconv.Itoa(limit-1))
	if err != nil {
		return nil, err
	}
	items, err := redisx.Strings(resp)
	if err != nil {
		return nil, err
	}
	out := make([]WorkRef, 0, len(items))
	for _, raw := range items {
		ref, ok := decodeWorkRef(raw)
		if !ok {
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

func (q *RedisQueue) RequeueDeadLetters(ctx context.Context, refs []WorkRef) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	conn, err := q.client.Dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	requeued := 0
	for _, ref := range refs {
		raw := encodeWorkRef(ref)
		resp, err := conn.Do("LREM", q.deadKey(), "1", raw)
		if err != nil {
			return requeued, err
		}
		removed, err := redisx.Int(resp)
		if err != nil {
			return requeued, err
		}
		if removed == 0 {
			continue
		}
		if _, err := conn.Do("LPUSH", q.pendingKey(), raw); err != nil {
			return requeued, err
		}
		if _, err := conn.Do("HDEL", q.nackKey(), raw); err != nil {
			return requeued, err
		}
		requeued++
	}
	if requeued > 0 {
		observability.Default.IncCounter("dead_letter_requeued_total", q.labels(nil), float64(requeued))
	}
	if err := q.refreshDeadGauge(ctx); err != nil {
		return requeued, err
	}
	return requeued, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	conn, err := q.client.Dial(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer conn.Close()

	var stats Stats
	for _, item := range []struct {
		cmd []string
		dst *int
	}{
		{[]string{"LLEN", q.pendingKey()}, &stats.Pending},
		{[]string{"HLEN", q.claimsKey()}, &stats.InFlight},
		{[]string{"LLEN", q.deadKey()}, &stats.DeadLetter},
	} {
		resp, err := conn.Do(item.cmd...)
		if err != nil {
			return Stats{}, err
		}
		n, err := redisx.Int(resp)
		if err != nil {
			return Stats{}, err
		}
		*item.dst = n
	}
	return stats, nil
}

func (q *RedisQueue) refreshDeadGauge(ctx context.Context) error {
	resp, err := q.client.Do(ctx, "LLEN", q.deadKey())
	if err != nil {
		return err
	}
	n, err := redisx.Int(resp)
	if err != nil {
		return err
	}
	observability.Default.SetGauge("dead_letter_count", q.labels(nil), float64(n))
	return nil
}

func (q *RedisQueue) getClaimPayload(conn *redisx.Conn, receipt string) (string, error) {
	resp, err := conn.Do("HGET", q.claimsKey(), receipt)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	s, ok := resp.(string)
	if !ok {
		return "", errors.New("unexpected redis payload type")
	}
	return s, nil
}
