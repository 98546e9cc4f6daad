package billing

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PgStore is the PostgreSQL Store. The tenant lock is a row lock taken with
// SELECT ... FOR UPDATE inside a transaction, bounded by a per-transaction
// lock_timeout; the record update and the ledger insert commit atomically.
type PgStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// PgStoreOption configures a PgStore.
type PgStoreOption func(*PgStore)

// WithPgLockTimeout bounds how long a transaction waits for the tenant row
// lock. Defaults to 5s.
func WithPgLockTimeout(d time.Duration) PgStoreOption {
	return func(s *PgStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewPgStore creates a PostgreSQL-backed billing store. Panics on nil pool.
func NewPgStore(pool *pgxpool.Pool, opts ...PgStoreOption) *PgStore {
	if pool == nil {
		panic("billing: pgxpool.Pool is required")
	}
	s := &PgStore{pool: pool, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the embedded schema migrations.
func (s *PgStore) Migrate(ctx context.Context) error {
	// Bridge the pgx pool to database/sql, which goose expects.
	db := stdlib.OpenDBFromPool(s.pool)
	defer func(db *sql.DB) { _ = db.Close() }(db)

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

const recordColumns = `tenant_id, processor_customer_id, processor_subscription_id,
	plan_type, plan_interval, status, valid_from, valid_until,
	seats_allotted, seats_in_use, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(
		&r.TenantID, &r.ProcessorCustomerID, &r.ProcessorSubscriptionID,
		&r.PlanType, &r.PlanInterval, &r.Status, &r.ValidFrom, &r.ValidUntil,
		&r.SeatsAllotted, &r.SeatsInUse, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *PgStore) Create(ctx context.Context, tenantID uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tenant_billing (tenant_id, status)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id
		RETURNING `+recordColumns,
		tenantID, StatusInactive,
	)
	return scanRecord(row)
}

func (s *PgStore) Get(ctx context.Context, tenantID uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM tenant_billing WHERE tenant_id = $1`,
		tenantID,
	)
	return scanRecord(row)
}

func (s *PgStore) FindByProcessorCustomerID(ctx context.Context, customerID string) (*Record, error) {
	if customerID == "" {
		return nil, ErrTenantNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM tenant_billing WHERE processor_customer_id = $1`,
		customerID,
	)
	return scanRecord(row)
}

func (s *PgStore) ExpiringBetween(ctx context.Context, from, to time.Time) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM tenant_billing
		 WHERE valid_until IS NOT NULL AND valid_until BETWEEN $1 AND $2`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgStore) WithTenantLock(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	dbTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func(dbTx pgx.Tx) { _ = dbTx.Rollback(ctx) }(dbTx)

	// lock_timeout is transaction-scoped; 55P03 means another transaction
	// held the row past the deadline.
	timeoutMs := s.lockTimeout.Milliseconds()
	if _, err := dbTx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeoutMs)); err != nil {
		return err
	}

	row := dbTx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM tenant_billing WHERE tenant_id = $1 FOR UPDATE`,
		tenantID,
	)
	record, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return ErrLockTimeout
		}
		return err
	}

	tx := &pgTx{dbTx: dbTx, record: record}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return dbTx.Commit(ctx)
}

type pgTx struct {
	dbTx   pgx.Tx
	record *Record
}

func (tx *pgTx) Record() *Record { return tx.record }

func (tx *pgTx) Save(ctx context.Context, r *Record) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := tx.dbTx.Exec(ctx, `
		UPDATE tenant_billing SET
			processor_customer_id = $2,
			processor_subscription_id = $3,
			plan_type = $4,
			plan_interval = $5,
			status = $6,
			valid_from = $7,
			valid_until = $8,
			seats_allotted = $9,
			seats_in_use = $10,
			updated_at = $11
		WHERE tenant_id = $1`,
		r.TenantID, r.ProcessorCustomerID, r.ProcessorSubscriptionID,
		r.PlanType, r.PlanInterval, r.Status, r.ValidFrom, r.ValidUntil,
		r.SeatsAllotted, r.SeatsInUse, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	tx.record = r
	return nil
}

func (tx *pgTx) EventSeen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := tx.dbTx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_processed_events WHERE event_id = $1)`,
		eventID,
	).Scan(&seen)
	return seen, err
}

func (tx *pgTx) MarkProcessed(ctx context.Context, entry ProcessedEvent) error {
	_, err := tx.dbTx.Exec(ctx, `
		INSERT INTO billing_processed_events (event_id, processed_at, resulting_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		entry.EventID, entry.ProcessedAt, entry.ResultingStatus,
	)
	return err
}
