package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DuplicateKeyValue   = "23505"
	ForeignKeyViolation = "23503"
)

//go:embed migrations/schema.sql
var schema string

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pg          *pgxpool.Pool
	pingTimeout time.Duration
	log         *slog.Logger
}

func New(pool *pgxpool.Pool, pingTimeout time.Duration) *Postgres {
	return &Postgres{
		pg:          pool,
		pingTimeout: pingTimeout,
		log:         slog.With("component", "db"),
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	timeout := p.pingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ticker := time.NewTicker(timeout)
	defer ticker.Stop()

	var err error
	for i := 1; i <= 3; i++ {
		// an unreachable server never answers, the context bounds each attempt
		pingCtx, cancel := context.WithTimeout(ctx, timeout-10*time.Millisecond)
		err = p.pg.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		p.log.Info("ping attempt was not successful", "attempt", i, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return err
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pg.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	p.log.Info("Schema is up to date")
	return nil
}

// inTx runs fn in a read committed transaction and commits when it returns
// nil.
func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pg.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil &&
			!errors.Is(err, pgx.ErrTxClosed) {

			p.log.Error("rollback failed", "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
