package status

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/zhangjing-777/multimedia-review-new/internal/redisx"
)

type RedisStore struct {
	client *redisx.Client
}

func NewRedisStore(client *redisx.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	secs := int(ttl / time.Second)
	if secs <= 0 {
		secs = 1
	}
	_, err = s.client.Do(ctx, "SET", key, string(body), "EX", strconv.Itoa(secs))
	return err
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	resp, err := s.client.Do(ctx, "GET", key)
	if err != nil {
		return false, err
	}
	if resp == nil {
		return false, nil
	}
	raw, ok := resp.(string)
	if !ok {
		return false, errors.New("unexpected redis response type")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) SetTaskStatus(ctx context.Context, taskID string, doc Doc) error {
	doc.UpdatedAt = time.Now().UTC()
	return s.setJSON(ctx, taskStatusPrefix+taskID, doc, StatusTTL)
}

func (s *RedisStore) GetTaskStatus(ctx context.Context, taskID string) (Doc, bool, error) {
	var doc Doc
	ok, err := s.getJSON(ctx, taskStatusPrefix+taskID, &doc)
	return doc, ok, err
}

func (s *RedisStore) SetFileStatus(ctx context.Context, fileID string, doc Doc) error {
	doc.UpdatedAt = time.Now().UTC()
	return s.setJSON(ctx, fileStatusPrefix+fileID, doc, StatusTTL)
}

func (s *RedisStore) GetFileStatus(ctx context.Context, fileID string) (Doc, bool, error) {
	var doc Doc
	ok, err := s.getJSON(ctx, fileStatusPrefix+fileID, &doc)
	return doc, ok, err
}

func (s *RedisStore) SetTaskProgress(ctx context.Context, taskID string, p Progress) error {
	p.Percent = clampPercent(p.Percent)
	p.UpdatedAt = time.Now().UTC()
	return s.setJSON(ctx, taskProgressPrefix+taskID, p, ProgressTTL)
}

func (s *RedisStore) GetTaskProgress(ctx context.Context, taskID string) (Progress, bool, error) {
	var p Progress
	ok, err := s.getJSON(ctx, taskProgressPrefix+taskID, &p)
	return p, ok, err
}

func (s *RedisStore) SetFileProgress(ctx context.Context, fileID string, p Progress) error {
	p.Percent = clampPercent(p.Percent)
	p.UpdatedAt = time.Now().UTC()
	return s.setJSON(ctx, fileProgressPrefix+fileID, p, ProgressTTL)
}

func (s *RedisStore) GetFileProgress(ctx context.Context, fileID string) (Progress, bool, error) {
	var p Progress
	ok, err := s.getJSON(ctx, fileProgressPrefix+fileID, &p)
	return p, ok, err
}
