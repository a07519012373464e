package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/infodancer/carrier/internal/store/migrations"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn with the pgx driver and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an already migrated database handle.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// FindByAddress implements Store.
func (s *PostgresStore) FindByAddress(ctx context.Context, address string) (MaskedAddress, error) {
	return findAddress(ctx, s.db, Canonical(address), false)
}

// FindByToken implements Store.
func (s *PostgresStore) FindByToken(ctx context.Context, token string) (MaskedAddress, error) {
	token = Canonical(token)
	query := `SELECT owner FROM reply_tokens WHERE token = $1`

	var owner string
	err := s.db.QueryRowContext(ctx, query, token).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MaskedAddress{}, ErrNotFound
		}
		return MaskedAddress{}, fmt.Errorf("db error: %w", err)
	}

	m, err := findAddress(ctx, s.db, owner, false)
	if err != nil {
		return MaskedAddress{}, err
	}
	// The token may have been consumed between the two reads.
	if _, ok := m.ReplyTokens[token]; !ok {
		return MaskedAddress{}, ErrNotFound
	}
	return m, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, m MaskedAddress) error {
	address := Canonical(m.Address)

	return withTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM masked_addresses WHERE address = $1`, address); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO masked_addresses (address, destination, id, created_at) VALUES ($1, $2, $3, $4)`,
			address, Canonical(m.Destination), m.ID, m.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		for token, correspondent := range m.ReplyTokens {
			if err := insertToken(ctx, tx, Canonical(token), address, correspondent); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, address string) (MaskedAddress, error) {
	address = Canonical(address)

	var removed MaskedAddress
	err := withTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		m, err := findAddress(ctx, tx, address, true)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM masked_addresses WHERE address = $1`, address); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		removed = m
		return nil
	})
	return removed, err
}

// AddToken implements Store.
func (s *PostgresStore) AddToken(ctx context.Context, owner, ownerID, token, correspondent string) error {
	owner = Canonical(owner)

	return withTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM masked_addresses WHERE address = $1 FOR UPDATE`, owner).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("db error: %w", err)
		}
		if id != ownerID {
			return ErrStale
		}
		return insertToken(ctx, tx, Canonical(token), owner, correspondent)
	})
}

// ConsumeToken implements Store.
func (s *PostgresStore) ConsumeToken(ctx context.Context, token string) (MaskedAddress, string, error) {
	var (
		owner         MaskedAddress
		correspondent string
	)
	err := withTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var address string
		err := tx.QueryRowContext(ctx,
			`DELETE FROM reply_tokens WHERE token = $1 RETURNING owner, correspondent`,
			Canonical(token)).Scan(&address, &correspondent)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("db error: %w", err)
		}

		owner, err = findAddress(ctx, tx, address, false)
		return err
	})
	if err != nil {
		return MaskedAddress{}, "", err
	}
	return owner, correspondent, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findAddress(ctx context.Context, q queryer, address string, lock bool) (MaskedAddress, error) {
	query := `SELECT address, destination, id, created_at FROM masked_addresses WHERE address = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		m         MaskedAddress
		createdAt time.Time
	)
	err := q.QueryRowContext(ctx, query, address).Scan(&m.Address, &m.Destination, &m.ID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MaskedAddress{}, ErrNotFound
		}
		return MaskedAddress{}, fmt.Errorf("db error: %w", err)
	}
	m.CreatedAt = createdAt.UTC()

	rows, err := q.QueryContext(ctx,
		`SELECT token, correspondent FROM reply_tokens WHERE owner = $1`, address)
	if err != nil {
		return MaskedAddress{}, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	m.ReplyTokens = make(map[string]string)
	for rows.Next() {
		var token, correspondent string
		if err := rows.Scan(&token, &correspondent); err != nil {
			return MaskedAddress{}, fmt.Errorf("db error: %w", err)
		}
		m.ReplyTokens[token] = correspondent
	}
	if err := rows.Err(); err != nil {
		return MaskedAddress{}, fmt.Errorf("db error: %w", err)
	}

	return m, nil
}

func insertToken(ctx context.Context, tx *sql.Tx, token, owner, correspondent string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reply_tokens (token, owner, correspondent) VALUES ($1, $2, $3)`,
		token, owner, correspondent)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrTokenExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}
