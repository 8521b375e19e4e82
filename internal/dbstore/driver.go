// Package dbstore is the relational storage driver (C5) and the two
// Git-library backends built on it: ObjectBackend (C6) and RefBackend (C7).
//
// It is grounded on the retrieved ImGajeed76/pgit prototype's pgx/v5 +
// transaction-closure idiom (db.WithTx(ctx, func(tx pgx.Tx) error) error),
// the only Postgres-backed Git storage example in the retrieval pack.
package dbstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andrew/gitgres/internal/gerrs"
)

// Driver owns a pooled connection to the relational database and translates
// its result rows and errors for every object-store and ref-store consumer.
type Driver struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
	m    *metrics
}

// Option configures a Driver at Open time.
type Option func(*driverConfig)

type driverConfig struct {
	log         *logrus.Entry
	maxConns    int32
	maxIdleTime time.Duration
}

// WithLogger overrides the default logger, an entry on logrus's standard
// logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *driverConfig) { c.log = log }
}

// WithMaxConns bounds the connection pool size.
func WithMaxConns(n int32) Option {
	return func(c *driverConfig) { c.maxConns = n }
}

// Open establishes a connection pool against the opaque connection string
// spec §6 describes, configuring connection lifecycle (pool size, idle
// timeout) ambient to spec §4.5's "connection lifecycle" responsibility.
func Open(ctx context.Context, dsn string, opts ...Option) (*Driver, error) {
	cfg := driverConfig{
		log:         logrus.NewEntry(logrus.StandardLogger()),
		maxConns:    10,
		maxIdleTime: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, gerrs.Wrap(gerrs.Internal, "dbstore: parse connection string", err)
	}
	poolCfg.MaxConns = cfg.maxConns
	poolCfg.MaxConnIdleTime = cfg.maxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, gerrs.Wrap(gerrs.StorageFailure, "dbstore: open connection pool", err)
	}

	return &Driver{pool: pool, log: cfg.log, m: newMetrics()}, nil
}

// Close releases the connection pool. Safe to call once, on every exit path.
func (d *Driver) Close() {
	d.pool.Close()
}

// WithTx runs fn inside a transaction, committing on a nil return and
// rolling back otherwise — the same closure shape pgit's db.WithTx uses.
func (d *Driver) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return gerrs.Wrap(gerrs.StorageFailure, "dbstore: begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op if already committed
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return gerrs.Wrap(gerrs.StorageFailure, "dbstore: commit transaction", err)
	}
	return nil
}

// Bootstrap installs the relational schema (spec §6) against the database
// Open connected to. Schema installation is otherwise an out-of-scope
// collaborator (spec §1) gitgres never runs as part of normal operation;
// this exists for test setup and for standalone tools that want to stand up
// a scratch database without a separate migration step.
func (d *Driver) Bootstrap(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return gerrs.Wrap(gerrs.StorageFailure, "dbstore: bootstrap schema", err)
	}
	return nil
}

// EnsureRepository returns the repo_id for name, creating the repository
// row on first use (spec §3: "Created once via init; never renamed by the
// core").
func (d *Driver) EnsureRepository(ctx context.Context, name string) (int64, error) {
	var id int64
	err := d.pool.QueryRow(ctx, `
		INSERT INTO repositories (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name).Scan(&id)
	if err != nil {
		return 0, gerrs.Wrap(gerrs.StorageFailure, "dbstore: ensure repository", err)
	}
	return id, nil
}

// mapErr translates a raw pgx/driver error into the spec §7 taxonomy.
// NotFound (pgx.ErrNoRows) and constraint-violation codes get specific
// kinds; everything else is StorageFailure.
func mapErr(context string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return gerrs.Wrap(gerrs.NotFound, context, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return gerrs.Wrap(gerrs.AlreadyExists, context, err)
		case "23514": // check_violation (e.g. the oid XOR symbolic constraint)
			return gerrs.Wrap(gerrs.MalformedInput, context, err)
		}
	}
	return gerrs.Wrap(gerrs.StorageFailure, context, err)
}
