// Package redisstore provides Redis-backed implementations of the TaskStore
// and CreditLedger contracts. All conditional writes run as Lua scripts so
// each lifecycle transition is a single atomic operation against the record.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	opensway "github.com/opensway/opensway-go"
	"github.com/opensway/opensway-go/internal/keys"
)

// createScript inserts a task hash only if the id is unused and indexes it
// under its initial status.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// transitionScript applies one conditional status write. The write happens
// only if the stored status still equals ARGV[1]; otherwise it is a no-op.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= ARGV[1] then return 0 end
local to = ARGV[2]
redis.call('HSET', KEYS[1], 'status', to)
if to == 'RUNNING' then
  local started = redis.call('HGET', KEYS[1], 'started_at')
  if not started or started == '0' then
    redis.call('HSET', KEYS[1], 'started_at', ARGV[3])
  end
elseif to == 'SUCCEEDED' then
  redis.call('HSET', KEYS[1], 'output', ARGV[5], 'progress', '100', 'ended_at', ARGV[3])
elseif to == 'FAILED' then
  redis.call('HSET', KEYS[1], 'error', ARGV[4], 'ended_at', ARGV[3])
end
redis.call('SREM', KEYS[2], ARGV[6])
redis.call('SADD', KEYS[3], ARGV[6])
return 1
`)

// progressScript records monotonic progress for a RUNNING task and returns
// the cooperative-cancellation flag. -1 means the task does not exist.
var progressScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'status') == 'RUNNING' then
  local cur = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
  local p = tonumber(ARGV[1])
  if p > cur then redis.call('HSET', KEYS[1], 'progress', p) end
end
local flag = redis.call('HGET', KEYS[1], 'cancel_requested')
if flag == '1' then return 1 end
return 0
`)

// cancelScript flags a non-terminal task for cooperative cancellation.
var cancelScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local s = redis.call('HGET', KEYS[1], 'status')
if s ~= 'SUCCEEDED' and s ~= 'FAILED' then
  redis.call('HSET', KEYS[1], 'cancel_requested', '1')
end
return 1
`)

// Store is a Redis-backed TaskStore. One hash per task; per-status SET
// indexes maintained by the transition script.
type Store struct {
	rdb     redis.UniversalClient
	encoder opensway.Encoder
}

// NewStore creates a Redis-backed task store.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, encoder: &opensway.JSONEncoder{}}
}

func (s *Store) Create(ctx context.Context, t *opensway.Task) error {
	fields := taskFields(t)
	argv := make([]any, 0, 1+len(fields))
	argv = append(argv, t.ID)
	argv = append(argv, fields...)
	ok, err := createScript.Run(ctx, s.rdb,
		[]string{keys.Task(t.ID), keys.StatusIndex(string(t.Status))}, argv...).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return opensway.ErrDuplicateTask
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*opensway.Task, error) {
	vals, err := s.rdb.HGetAll(ctx, keys.Task(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, opensway.ErrTaskNotFound
	}
	return s.parseTask(vals)
}

func (s *Store) Transition(ctx context.Context, tr opensway.Transition) (bool, error) {
	if !opensway.CanTransition(tr.From, tr.To) {
		return false, nil
	}
	output := ""
	if tr.To == opensway.StatusSucceeded {
		raw, err := s.encoder.Encode(tr.Output)
		if err != nil {
			return false, err
		}
		output = string(raw)
	}
	res, err := transitionScript.Run(ctx, s.rdb,
		[]string{keys.Task(tr.TaskID), keys.StatusIndex(string(tr.From)), keys.StatusIndex(string(tr.To))},
		string(tr.From), string(tr.To), strconv.FormatInt(tr.NowMs, 10), tr.Error, output, tr.TaskID,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *Store) SetProgress(ctx context.Context, id string, progress int) (bool, error) {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	res, err := progressScript.Run(ctx, s.rdb, []string{keys.Task(id)}, strconv.Itoa(progress)).Int()
	if err != nil {
		return false, err
	}
	if res == -1 {
		return false, opensway.ErrTaskNotFound
	}
	return res == 1, nil
}

func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := cancelScript.Run(ctx, s.rdb, []string{keys.Task(id)}).Int()
	if err != nil {
		return err
	}
	if res == -1 {
		return opensway.ErrTaskNotFound
	}
	return nil
}

func (s *Store) BumpRedispatch(ctx context.Context, id string) (int, error) {
	if n, err := s.rdb.Exists(ctx, keys.Task(id)).Result(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, opensway.ErrTaskNotFound
	}
	n, err := s.rdb.HIncrBy(ctx, keys.Task(id), "redispatches", 1).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) ListByStatus(ctx context.Context, status opensway.Status) ([]*opensway.Task, error) {
	ids, err := s.rdb.SMembers(ctx, keys.StatusIndex(string(status))).Result()
	if err != nil {
		return nil, err
	}
	var out []*opensway.Task
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, opensway.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The index is advisory; trust the record.
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// taskFields flattens a task into HSET field/value pairs.
func taskFields(t *opensway.Task) []any {
	cancel := "0"
	if t.CancelRequested {
		cancel = "1"
	}
	output := ""
	if len(t.Output) > 0 {
		raw, _ := (&opensway.JSONEncoder{}).Encode(t.Output)
		output = string(raw)
	}
	return []any{
		"id", t.ID,
		"principal_id", t.PrincipalID,
		"operation", t.Operation,
		"model", t.Model,
		"category", string(t.Category),
		"status", string(t.Status),
		"input", string(t.Input),
		"output", output,
		"error", t.Error,
		"progress", strconv.Itoa(t.Progress),
		"cost", strconv.FormatInt(t.Cost, 10),
		"reservation_id", t.ReservationID,
		"webhook_url", t.WebhookURL,
		"created_at", strconv.FormatInt(t.CreatedAt, 10),
		"started_at", strconv.FormatInt(t.StartedAt, 10),
		"ended_at", strconv.FormatInt(t.EndedAt, 10),
		"redispatches", strconv.Itoa(t.Redispatches),
		"cancel_requested", cancel,
	}
}

func (s *Store) parseTask(vals map[string]string) (*opensway.Task, error) {
	status, err := opensway.ParseStatus(vals["status"])
	if err != nil {
		return nil, fmt.Errorf("corrupt task record: %w", err)
	}
	category, err := opensway.ParseCategory(vals["category"])
	if err != nil {
		return nil, fmt.Errorf("corrupt task record: %w", err)
	}
	t := &opensway.Task{
		ID:              vals["id"],
		PrincipalID:     vals["principal_id"],
		Operation:       vals["operation"],
		Model:           vals["model"],
		Category:        category,
		Status:          status,
		Error:           vals["error"],
		ReservationID:   vals["reservation_id"],
		WebhookURL:      vals["webhook_url"],
		CancelRequested: vals["cancel_requested"] == "1",
	}
	if v := vals["input"]; v != "" {
		t.Input = []byte(v)
	}
	if v := vals["output"]; v != "" {
		if err := s.encoder.Decode([]byte(v), &t.Output); err != nil {
			return nil, fmt.Errorf("corrupt task output: %w", err)
		}
	}
	t.Progress, _ = strconv.Atoi(vals["progress"])
	t.Cost, _ = strconv.ParseInt(vals["cost"], 10, 64)
	t.CreatedAt, _ = strconv.ParseInt(vals["created_at"], 10, 64)
	t.StartedAt, _ = strconv.ParseInt(vals["started_at"], 10, 64)
	t.EndedAt, _ = strconv.ParseInt(vals["ended_at"], 10, 64)
	t.Redispatches, _ = strconv.Atoi(vals["redispatches"])
	return t, nil
}

// interface guard
var _ opensway.TaskStore = (*Store)(nil)
