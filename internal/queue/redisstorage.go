package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/slimta/slimta-go/internal/envelope"
)

// RedisStorage persists queued envelopes as one JSON-encoded string per
// message id (SET/GET; no Redis hash is used) plus a sorted set tracking
// due times, grounded on the teacher's (internal/service/email.go) use of
// *redis.Client for queue-adjacent state. The
// due-time ordering the original source keeps as a wait list is
// represented here as a ZSET scored by due-time-as-unix-seconds rather
// than a Redis LIST, since a sorted set is the structure Redis offers for
// "give me everything due by time T" without a client-side scan.
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
}

const redisScheduleKey = "queue:schedule"

type redisFields struct {
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"` // fixed at Write; indexed by original position
	Resolved   []int    `json:"resolved"`   // original indices no longer pending
	Body       []byte   `json:"body"`       // envelope.Encode() output; encoding/json stores []byte as base64, so 8-bit bodies survive
	Attempts   int      `json:"attempts"`
}

// NewRedisStorage returns a RedisStorage using client, namespacing its keys
// under keyPrefix (e.g. "slimta:").
func NewRedisStorage(client *redis.Client, keyPrefix string) *RedisStorage {
	return &RedisStorage{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStorage) key(id string) string {
	return s.keyPrefix + "msg:" + id
}

func (s *RedisStorage) scheduleKey() string {
	return s.keyPrefix + redisScheduleKey
}

func (s *RedisStorage) Write(env *envelope.Envelope, due time.Time) (string, error) {
	ctx := context.Background()
	id := uuid.New().String()
	fields := redisFields{
		Sender:     env.Sender,
		Recipients: append([]string(nil), env.Recipients...),
		Body:       env.Encode(),
		Attempts:   0,
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", &QueueError{Op: "Write", Err: err}
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(id), data, 0)
	pipe.ZAdd(ctx, s.scheduleKey(), redis.Z{Score: float64(due.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", &QueueError{Op: "Write", Err: err}
	}
	return id, nil
}

func (s *RedisStorage) readFields(ctx context.Context, id string) (*redisFields, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var f redisFields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *RedisStorage) writeFields(ctx context.Context, id string, f *redisFields) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(id), data, 0).Err()
}

func (s *RedisStorage) SetTimestamp(id string, due time.Time) error {
	ctx := context.Background()
	if err := s.client.ZAdd(ctx, s.scheduleKey(), redis.Z{Score: float64(due.Unix()), Member: id}).Err(); err != nil {
		return &QueueError{Op: "SetTimestamp", Err: err}
	}
	return nil
}

func (s *RedisStorage) IncrementAttempts(id string) (int, error) {
	ctx := context.Background()
	f, err := s.readFields(ctx, id)
	if err != nil {
		return 0, &QueueError{Op: "IncrementAttempts", Err: err}
	}
	f.Attempts++
	if err := s.writeFields(ctx, id, f); err != nil {
		return 0, &QueueError{Op: "IncrementAttempts", Err: err}
	}
	return f.Attempts, nil
}

func (s *RedisStorage) Load() ([]ScheduledEntry, error) {
	ctx := context.Background()
	zs, err := s.client.ZRangeWithScores(ctx, s.scheduleKey(), 0, -1).Result()
	if err != nil {
		return nil, &QueueError{Op: "Load", Err: err}
	}
	out := make([]ScheduledEntry, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, ScheduledEntry{Due: time.Unix(int64(z.Score), 0), ID: id})
	}
	return out, nil
}

func (s *RedisStorage) Get(id string) (*QueuedMessage, error) {
	ctx := context.Background()
	f, err := s.readFields(ctx, id)
	if err != nil {
		return nil, &QueueError{Op: "Get", Err: err}
	}
	resolved := make(map[int]bool, len(f.Resolved))
	for _, idx := range f.Resolved {
		resolved[idx] = true
	}
	var pending []string
	var indices []int
	for i, r := range f.Recipients {
		if !resolved[i] {
			pending = append(pending, r)
			indices = append(indices, i)
		}
	}
	env := envelope.New(f.Sender, pending)
	if err := env.Parse(f.Body); err != nil {
		return nil, &QueueError{Op: "Get", Err: fmt.Errorf("corrupt envelope %s: %w", id, err)}
	}
	return &QueuedMessage{Envelope: env, Indices: indices, Attempts: f.Attempts}, nil
}

func (s *RedisStorage) Resolve(id string, indices []int) error {
	ctx := context.Background()
	f, err := s.readFields(ctx, id)
	if err != nil {
		return &QueueError{Op: "Resolve", Err: err}
	}
	resolved := make(map[int]bool, len(f.Resolved)+len(indices))
	for _, idx := range f.Resolved {
		resolved[idx] = true
	}
	for _, idx := range indices {
		resolved[idx] = true
	}
	f.Resolved = f.Resolved[:0]
	for idx := range resolved {
		f.Resolved = append(f.Resolved, idx)
	}
	if err := s.writeFields(ctx, id, f); err != nil {
		return &QueueError{Op: "Resolve", Err: err}
	}
	return nil
}

func (s *RedisStorage) Remove(id string) error {
	ctx := context.Background()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.scheduleKey(), id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return &QueueError{Op: "Remove", Err: err}
	}
	return nil
}
