package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

// Store is a durable role-scoped key/value store.
type Store interface {
	Get(ctx context.Context, role index.Role, key string) (string, bool, error)
	Set(ctx context.Context, role index.Role, key, value string) error
	// Add writes value only when key is absent and reports whether it did.
	Add(ctx context.Context, role index.Role, key, value string) (bool, error)
	Delete(ctx context.Context, role index.Role, key string) error
	All(ctx context.Context, role index.Role) (map[string]string, error)
	Clear(ctx context.Context, role index.Role) error
}

// TxCopier is implemented by stores living in the index datastore, letting
// the role swap copy the record in the same transaction as the table swap.
type TxCopier interface {
	Datastore() *sqlstore.Client
	CopyTx(ctx context.Context, tx *sql.Tx, from, to index.Role) error
	ClearTx(ctx context.Context, tx *sql.Tx, role index.Role) error
}

// SQLStore keeps every role in one (role, name, value) table.
type SQLStore struct {
	store *sqlstore.Client
	table string
}

func NewSQLStore(store *sqlstore.Client, prefix string) *SQLStore {
	return &SQLStore{store: store, table: sqlstore.QuoteIdent(prefix + "status")}
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.store.DB.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		role TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (role, name)
	)`, s.table))
	if err != nil {
		return fmt.Errorf("creating status table: %w", err)
	}
	return nil
}

func (s *SQLStore) Datastore() *sqlstore.Client {
	return s.store
}

func (s *SQLStore) Get(ctx context.Context, role index.Role, key string) (string, bool, error) {
	var value string
	err := s.store.QueryRow(ctx, s.store.DB,
		fmt.Sprintf(`SELECT value FROM %s WHERE role = ? AND name = ?`, s.table), string(role), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading status key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, role index.Role, key, value string) error {
	_, err := s.store.Exec(ctx, s.store.DB, fmt.Sprintf(`INSERT INTO %s (role, name, value) VALUES (?, ?, ?)
		ON CONFLICT (role, name) DO UPDATE SET value = excluded.value`, s.table), string(role), key, value)
	if err != nil {
		return fmt.Errorf("writing status key %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Add(ctx context.Context, role index.Role, key, value string) (bool, error) {
	res, err := s.store.Exec(ctx, s.store.DB, fmt.Sprintf(`INSERT INTO %s (role, name, value) VALUES (?, ?, ?)
		ON CONFLICT (role, name) DO NOTHING`, s.table), string(role), key, value)
	if err != nil {
		return false, fmt.Errorf("adding status key %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("adding status key %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLStore) Delete(ctx context.Context, role index.Role, key string) error {
	_, err := s.store.Exec(ctx, s.store.DB,
		fmt.Sprintf(`DELETE FROM %s WHERE role = ? AND name = ?`, s.table), string(role), key)
	if err != nil {
		return fmt.Errorf("deleting status key %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) All(ctx context.Context, role index.Role) (map[string]string, error) {
	rows, err := s.store.Query(ctx, s.store.DB,
		fmt.Sprintf(`SELECT name, value FROM %s WHERE role = ?`, s.table), string(role))
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	defer rows.Close()
	fields := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning status: %w", err)
		}
		fields[name] = value
	}
	return fields, rows.Err()
}

func (s *SQLStore) Clear(ctx context.Context, role index.Role) error {
	_, err := s.store.Exec(ctx, s.store.DB, fmt.Sprintf(`DELETE FROM %s WHERE role = ?`, s.table), string(role))
	if err != nil {
		return fmt.Errorf("clearing status: %w", err)
	}
	return nil
}

// CopyTx replaces the record of to with the record of from inside tx.
func (s *SQLStore) CopyTx(ctx context.Context, tx *sql.Tx, from, to index.Role) error {
	if _, err := s.store.Exec(ctx, tx, fmt.Sprintf(`DELETE FROM %s WHERE role = ?`, s.table), string(to)); err != nil {
		return fmt.Errorf("clearing %s status: %w", to, err)
	}
	_, err := s.store.Exec(ctx, tx, fmt.Sprintf(`INSERT INTO %s (role, name, value)
		SELECT ?, name, value FROM %s WHERE role = ?`, s.table, s.table), string(to), string(from))
	if err != nil {
		return fmt.Errorf("copying %s status to %s: %w", from, to, err)
	}
	return nil
}

func (s *SQLStore) ClearTx(ctx context.Context, tx *sql.Tx, role index.Role) error {
	if _, err := s.store.Exec(ctx, tx, fmt.Sprintf(`DELETE FROM %s WHERE role = ?`, s.table), string(role)); err != nil {
		return fmt.Errorf("clearing %s status: %w", role, err)
	}
	return nil
}

// RedisStore keeps each role in one hash.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(role index.Role) string {
	return "status:" + string(role)
}

func (s *RedisStore) Get(ctx context.Context, role index.Role, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key(role), key)
	if redis.IsNilError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading status key %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, role index.Role, key, value string) error {
	if err := s.client.HSet(ctx, s.key(role), key, value); err != nil {
		return fmt.Errorf("writing status key %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Add(ctx context.Context, role index.Role, key, value string) (bool, error) {
	ok, err := s.client.HSetNX(ctx, s.key(role), key, value)
	if err != nil {
		return false, fmt.Errorf("adding status key %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, role index.Role, key string) error {
	if err := s.client.HDel(ctx, s.key(role), key); err != nil {
		return fmt.Errorf("deleting status key %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) All(ctx context.Context, role index.Role) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.key(role))
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	return fields, nil
}

func (s *RedisStore) Clear(ctx context.Context, role index.Role) error {
	if err := s.client.Del(ctx, s.key(role)); err != nil {
		return fmt.Errorf("clearing status: %w", err)
	}
	return nil
}
