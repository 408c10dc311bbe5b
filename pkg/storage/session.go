package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meredith123124/zksync/pkg/storage/schema"
)

// dbConn is the subset of pgx's connection surface a Session needs. Both
// *pgxpool.Conn and *pgx.Conn satisfy it, so a Session doesn't care whether
// it's holding a pooled or a direct connection.
type dbConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ConnectionPool is a shared pool of owned connections. Each Session checks
// out exactly one connection for its lifetime and holds it until Close.
type ConnectionPool struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// PoolConfig tunes the underlying pgxpool.Pool.
type PoolConfig struct {
	DatabaseURL     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	Logger          *slog.Logger
}

func (c *PoolConfig) withDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewConnectionPool connects to cfg.DatabaseURL and applies the schema.
func NewConnectionPool(ctx context.Context, cfg PoolConfig) (*ConnectionPool, error) {
	cfg.withDefaults()
	if cfg.DatabaseURL == "" {
		return nil, connectionErr("new_connection_pool", fmt.Errorf("database URL is required"))
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, connectionErr("new_connection_pool", fmt.Errorf("parse database URL: %w", err))
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, connectionErr("new_connection_pool", fmt.Errorf("create pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, connectionErr("new_connection_pool", fmt.Errorf("ping: %w", err))
	}

	cp := &ConnectionPool{pool: pool, log: cfg.Logger}
	if err := cp.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return cp, nil
}

// Migrate applies the embedded schema. Safe to call repeatedly.
func (cp *ConnectionPool) Migrate(ctx context.Context) error {
	cp.log.Debug("storage: applying schema")
	if _, err := cp.pool.Exec(ctx, schema.SQL); err != nil {
		return backendErr("migrate", fmt.Errorf("apply schema: %w", err))
	}
	return nil
}

// Close releases every pooled connection.
func (cp *ConnectionPool) Close() {
	cp.pool.Close()
}

// AccessStorage checks out one pooled connection and returns a Session
// bound to it. The caller must Close the Session when done.
func (cp *ConnectionPool) AccessStorage(ctx context.Context) (*Session, error) {
	conn, err := cp.pool.Acquire(ctx)
	if err != nil {
		return nil, connectionErr("access_storage", err)
	}
	return &Session{
		conn:   conn,
		log:    cp.log,
		closer: func() error { conn.Release(); return nil },
	}, nil
}

// Session is the handle every public storage operation runs against. It
// owns exactly one connection for its lifetime; concurrent callers must
// each hold their own Session.
type Session struct {
	conn   dbConn
	log    *slog.Logger
	closer func() error
}

// EstablishConnection opens a direct (unpooled) connection, for tools that
// only ever need a single session.
func EstablishConnection(ctx context.Context, databaseURL string, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, connectionErr("establish_connection", err)
	}
	return &Session{
		conn:   conn,
		log:    log,
		closer: func() error { return conn.Close(ctx) },
	}, nil
}

// Close releases the Session's connection back to its pool, or closes it if
// it was established directly.
func (s *Session) Close() error {
	return s.closer()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error fn returns. Every multi-statement write in this package
// goes through withTx so partial state is never left visible.
func (s *Session) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return connectionErr(op, fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return backendErr(op, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}
