package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix     = "job:"
	publishKeyPrefix = "pubjob:"
	jobSeqKey        = "job:seq"
)

// Store はジョブ状態を Redis に保存します。公開ジョブと汎用ジョブは
// 別のキー空間に置き、ジョブ種別をレコードから再導出できるようにします。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。ttl が 0 の場合レコードは失効しません
// （終端状態のジョブも後から参照できるよう残します）。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// NextID は新しいジョブIDを払い出します。
func (s *Store) NextID(ctx context.Context) (int64, error) {
	return s.rdb.Incr(ctx, jobSeqKey).Result()
}

// Create はジョブレコードを保存します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == 0 {
		return fmt.Errorf("record.JobID is required")
	}
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyFor(record.Kind, record.JobID), payload, s.ttl).Err()
}

// Get はジョブ情報を取得します。見つからない場合は (nil, nil) を返します。
func (s *Store) Get(ctx context.Context, jobID int64) (*Record, error) {
	for _, key := range []string{publishKey(jobID), jobKey(jobID)} {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, err
		}
		return &record, nil
	}
	return nil, nil
}

// PublishExists は公開ジョブのレコードが存在するかを返します。
// ジョブ種別はキャッシュせず、更新のたびにここで再導出します。
func (s *Store) PublishExists(ctx context.Context, jobID int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, publishKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Update はジョブレコードへ部分更新を適用します。
func (s *Store) Update(ctx context.Context, jobID int64, mutate func(*Record)) error {
	isPublish, err := s.PublishExists(ctx, jobID)
	if err != nil {
		return err
	}
	key := jobKey(jobID)
	if isPublish {
		key = publishKey(jobID)
	}

	for {
		tx := s.rdb.TxPipeline()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("job not found: %d", jobID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		tx.Set(ctx, key, payload, s.ttl)
		_, err = tx.Exec(ctx)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}

func keyFor(kind Kind, jobID int64) string {
	if kind == KindPublish {
		return publishKey(jobID)
	}
	return jobKey(jobID)
}

func jobKey(id int64) string {
	return fmt.Sprintf("%s%d", jobKeyPrefix, id)
}

func publishKey(id int64) string {
	return fmt.Sprintf("%s%d", publishKeyPrefix, id)
}
