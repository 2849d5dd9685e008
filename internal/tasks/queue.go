package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

// Task is one queued batch of ids. Position orders tasks within a queue.
type Task struct {
	Position int64
	IDs      []int64
}

// QueueStore holds one FIFO queue per (role, kind).
type QueueStore interface {
	Push(ctx context.Context, role index.Role, kind index.Kind, batches [][]int64) error
	// Peek returns the head task without removing it.
	Peek(ctx context.Context, role index.Role, kind index.Kind) (Task, bool, error)
	// Ack removes the head task if it is still t.
	Ack(ctx context.Context, role index.Role, kind index.Kind, t Task) error
	Len(ctx context.Context, role index.Role, kind index.Kind) (int, error)
	Clear(ctx context.Context, role index.Role, kind index.Kind) error
}

// SQLQueue stores every queue in one table ordered by a serial position.
type SQLQueue struct {
	store *sqlstore.Client
	name  string
	table string
}

func NewSQLQueue(store *sqlstore.Client, prefix string) *SQLQueue {
	return &SQLQueue{store: store, name: prefix + "queue", table: sqlstore.QuoteIdent(prefix + "queue")}
}

func (q *SQLQueue) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			position %s,
			role TEXT NOT NULL,
			kind TEXT NOT NULL,
			ids TEXT NOT NULL
		)`, q.table, q.store.SerialPrimaryKey()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (role, kind, position)`,
			sqlstore.QuoteIdent(q.name+"_role_kind_idx"), q.table),
	}
	for _, stmt := range stmts {
		if _, err := q.store.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating queue table: %w", err)
		}
	}
	return nil
}

func (q *SQLQueue) Push(ctx context.Context, role index.Role, kind index.Kind, batches [][]int64) error {
	if len(batches) == 0 {
		return nil
	}
	return q.store.InTx(ctx, func(tx *sql.Tx) error {
		for _, ids := range batches {
			raw, err := json.Marshal(ids)
			if err != nil {
				return fmt.Errorf("encoding batch: %w", err)
			}
			if _, err := q.store.Exec(ctx, tx,
				fmt.Sprintf(`INSERT INTO %s (role, kind, ids) VALUES (?, ?, ?)`, q.table),
				string(role), string(kind), string(raw)); err != nil {
				return fmt.Errorf("enqueueing %s/%s batch: %w", role, kind, err)
			}
		}
		return nil
	})
}

func (q *SQLQueue) Peek(ctx context.Context, role index.Role, kind index.Kind) (Task, bool, error) {
	var t Task
	var raw string
	err := q.store.QueryRow(ctx, q.store.DB,
		fmt.Sprintf(`SELECT position, ids FROM %s WHERE role = ? AND kind = ? ORDER BY position LIMIT 1`, q.table),
		string(role), string(kind)).Scan(&t.Position, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("reading %s/%s queue: %w", role, kind, err)
	}
	if err := json.Unmarshal([]byte(raw), &t.IDs); err != nil {
		return Task{}, false, fmt.Errorf("decoding %s/%s batch %d: %w", role, kind, t.Position, err)
	}
	return t, true, nil
}

func (q *SQLQueue) Ack(ctx context.Context, role index.Role, kind index.Kind, t Task) error {
	_, err := q.store.Exec(ctx, q.store.DB,
		fmt.Sprintf(`DELETE FROM %s WHERE role = ? AND kind = ? AND position = ?`, q.table),
		string(role), string(kind), t.Position)
	if err != nil {
		return fmt.Errorf("acking %s/%s batch %d: %w", role, kind, t.Position, err)
	}
	return nil
}

func (q *SQLQueue) Len(ctx context.Context, role index.Role, kind index.Kind) (int, error) {
	var n int
	err := q.store.QueryRow(ctx, q.store.DB,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE role = ? AND kind = ?`, q.table),
		string(role), string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s/%s queue: %w", role, kind, err)
	}
	return n, nil
}

func (q *SQLQueue) Clear(ctx context.Context, role index.Role, kind index.Kind) error {
	_, err := q.store.Exec(ctx, q.store.DB,
		fmt.Sprintf(`DELETE FROM %s WHERE role = ? AND kind = ?`, q.table), string(role), string(kind))
	if err != nil {
		return fmt.Errorf("clearing %s/%s queue: %w", role, kind, err)
	}
	return nil
}

// RedisQueue keeps each queue in a Redis list. Elements carry a sequence
// number from a per-queue counter so Ack only pops the task it was handed.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) key(role index.Role, kind index.Kind) string {
	return "queue:" + string(role) + ":" + string(kind)
}

type redisTask struct {
	Seq int64   `json:"seq"`
	IDs []int64 `json:"ids"`
}

func (q *RedisQueue) Push(ctx context.Context, role index.Role, kind index.Kind, batches [][]int64) error {
	if len(batches) == 0 {
		return nil
	}
	seqBase, err := q.nextSeq(ctx, role, kind, int64(len(batches)))
	if err != nil {
		return err
	}
	values := make([]interface{}, 0, len(batches))
	for i, ids := range batches {
		raw, err := json.Marshal(redisTask{Seq: seqBase + int64(i), IDs: ids})
		if err != nil {
			return fmt.Errorf("encoding batch: %w", err)
		}
		values = append(values, string(raw))
	}
	if err := q.client.RPush(ctx, q.key(role, kind), values...); err != nil {
		return fmt.Errorf("enqueueing %s/%s: %w", role, kind, err)
	}
	return nil
}

func (q *RedisQueue) nextSeq(ctx context.Context, role index.Role, kind index.Kind, n int64) (int64, error) {
	seq, err := q.client.IncrBy(ctx, q.key(role, kind)+":seq", n)
	if err != nil {
		return 0, fmt.Errorf("allocating %s/%s sequence: %w", role, kind, err)
	}
	return seq - n + 1, nil
}

func (q *RedisQueue) Peek(ctx context.Context, role index.Role, kind index.Kind) (Task, bool, error) {
	raw, err := q.client.LIndex(ctx, q.key(role, kind), 0)
	if redis.IsNilError(err) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("reading %s/%s queue: %w", role, kind, err)
	}
	var rt redisTask
	if err := json.Unmarshal([]byte(raw), &rt); err != nil {
		return Task{}, false, fmt.Errorf("decoding %s/%s batch: %w", role, kind, err)
	}
	return Task{Position: rt.Seq, IDs: rt.IDs}, true, nil
}

func (q *RedisQueue) Ack(ctx context.Context, role index.Role, kind index.Kind, t Task) error {
	head, ok, err := q.Peek(ctx, role, kind)
	if err != nil || !ok || head.Position != t.Position {
		return err
	}
	if _, err := q.client.LPop(ctx, q.key(role, kind)); err != nil && !redis.IsNilError(err) {
		return fmt.Errorf("acking %s/%s batch %d: %w", role, kind, t.Position, err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context, role index.Role, kind index.Kind) (int, error) {
	n, err := q.client.LLen(ctx, q.key(role, kind))
	if err != nil {
		return 0, fmt.Errorf("counting %s/%s queue: %w", role, kind, err)
	}
	return int(n), nil
}

func (q *RedisQueue) Clear(ctx context.Context, role index.Role, kind index.Kind) error {
	if err := q.client.Del(ctx, q.key(role, kind)); err != nil {
		return fmt.Errorf("clearing %s/%s queue: %w", role, kind, err)
	}
	return nil
}
