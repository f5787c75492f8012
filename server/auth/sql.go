package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

const (
	queryLookup = "SELECT passwd FROM user WHERE username = ?"
	queryInsert = "INSERT INTO user(username, passwd) VALUES(?, ?)"
	queryList   = "SELECT username, passwd FROM user"

	errDupEntry = 1062 // ER_DUP_ENTRY
)

// SQLStore keeps users in the "user" table of a MySQL database.
type SQLStore struct {
	db *sql.DB
}

// OpenMySQL connects to dsn with at most poolSize connections.
func OpenMySQL(ctx context.Context, dsn string, poolSize int) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}

	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Addr, err)
	}
	return NewSQLStore(db), nil
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Lookup(ctx context.Context, name string) (string, error) {
	var pass string
	err := s.db.QueryRowContext(ctx, queryLookup, name).Scan(&pass)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup %q: %w", name, err)
	}
	return pass, nil
}

func (s *SQLStore) Insert(ctx context.Context, name, password string) error {
	_, err := s.db.ExecContext(ctx, queryInsert, name, password)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == errDupEntry {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert %q: %w", name, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, queryList)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, pass string
		if err := rows.Scan(&name, &pass); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[name] = pass
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error { return s.db.Close() }
