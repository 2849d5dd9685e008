// Package apikey issues and checks the API keys that guard index
// administration. Only the SHA-256 of a key is stored; the raw key is shown
// once, when it is created.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrExpiredKey = errors.New("api key expired")
)

// keyPrefix marks raw keys so they are recognisable in configs and logs.
const keyPrefix = "csk_"

type Key struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Store keeps keys in the "<prefix>api_keys" table.
type Store struct {
	db     *sqlstore.Client
	table  string
	now    func() time.Time
	logger *slog.Logger
}

func NewStore(db *sqlstore.Client, prefix string) *Store {
	return &Store{
		db:     db,
		table:  sqlstore.QuoteIdent(prefix + "api_keys"),
		now:    time.Now,
		logger: slog.Default().With("component", "apikey"),
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.DB.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id %s,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT,
		revoked_at BIGINT
	)`, s.table, s.db.SerialPrimaryKey()))
	if err != nil {
		return fmt.Errorf("creating api key table: %w", err)
	}
	return nil
}

// Create stores a new key and returns it raw. A zero ttl never expires.
func (s *Store) Create(ctx context.Context, name string, ttl time.Duration) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	raw := keyPrefix + hex.EncodeToString(buf)

	now := s.now().UTC()
	var expires sql.NullInt64
	if ttl > 0 {
		expires = sql.NullInt64{Int64: now.Add(ttl).UnixMilli(), Valid: true}
	}
	_, err := s.db.Exec(ctx, s.db.DB,
		fmt.Sprintf(`INSERT INTO %s (key_hash, name, created_at, expires_at) VALUES (?, ?, ?, ?)`, s.table),
		Hash(raw), name, now.UnixMilli(), expires)
	if err != nil {
		return "", fmt.Errorf("storing api key: %w", err)
	}
	s.logger.Info("api key created", "name", name, "ttl", ttl)
	return raw, nil
}

// Validate returns the key matching raw unless it is unknown, revoked or
// expired.
func (s *Store) Validate(ctx context.Context, raw string) (*Key, error) {
	var (
		k                  Key
		created            int64
		expires, revokedAt sql.NullInt64
	)
	err := s.db.QueryRow(ctx, s.db.DB,
		fmt.Sprintf(`SELECT id, name, created_at, expires_at, revoked_at FROM %s WHERE key_hash = ?`, s.table),
		Hash(raw)).Scan(&k.ID, &k.Name, &created, &expires, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	if revokedAt.Valid {
		return nil, ErrInvalidKey
	}
	k.CreatedAt = time.UnixMilli(created).UTC()
	if expires.Valid {
		exp := time.UnixMilli(expires.Int64).UTC()
		if !s.now().Before(exp) {
			return nil, ErrExpiredKey
		}
		k.ExpiresAt = &exp
	}
	return &k, nil
}

// Revoke disables the key with id.
func (s *Store) Revoke(ctx context.Context, id int64) error {
	res, err := s.db.Exec(ctx, s.db.DB,
		fmt.Sprintf(`UPDATE %s SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, s.table),
		s.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no active key with id %d", ErrInvalidKey, id)
	}
	s.logger.Info("api key revoked", "id", id)
	return nil
}

// List returns the keys that are not revoked, newest first.
func (s *Store) List(ctx context.Context) ([]Key, error) {
	rows, err := s.db.Query(ctx, s.db.DB,
		fmt.Sprintf(`SELECT id, name, created_at, expires_at FROM %s WHERE revoked_at IS NULL ORDER BY id DESC`, s.table))
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()
	keys := []Key{}
	for rows.Next() {
		var (
			k       Key
			created int64
			expires sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &k.Name, &created, &expires); err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		k.CreatedAt = time.UnixMilli(created).UTC()
		if expires.Valid {
			exp := time.UnixMilli(expires.Int64).UTC()
			k.ExpiresAt = &exp
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
