package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"healthdata-platform/backend/internal/telemetry/domain"
)

// PostgresRepository stores entries in the telemetry_entries table. Payloads are kept as
// raw bytes so JSON that jsonb would reject or normalise (e.g. \u0000) round-trips unchanged.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository returns a telemetry repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

const entryColumns = `pk, sk, tenant_id, session_id, entry_type, ts, expires_at, user_id, data, overflow_key, payload_size`

func (r *PostgresRepository) Put(ctx context.Context, e *domain.Entry) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO telemetry_entries (`+entryColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (pk, sk) DO UPDATE SET
	tenant_id = EXCLUDED.tenant_id,
	session_id = EXCLUDED.session_id,
	entry_type = EXCLUDED.entry_type,
	ts = EXCLUDED.ts,
	expires_at = EXCLUDED.expires_at,
	user_id = EXCLUDED.user_id,
	data = EXCLUDED.data,
	overflow_key = EXCLUDED.overflow_key,
	payload_size = EXCLUDED.payload_size`,
		e.PartitionKey, e.SortKey, e.TenantID, e.SessionID, string(e.EntryType),
		e.Timestamp.UTC(), e.ExpiresAt.UTC(),
		nullString(e.UserID), nullBytes(e.Data), nullString(e.OverflowKey), e.PayloadSize,
	)
	return err
}

// Get returns the entry for (pk, sk), or nil if not found or expired.
func (r *PostgresRepository) Get(ctx context.Context, pk, sk string) (*domain.Entry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM telemetry_entries WHERE pk = $1 AND sk = $2 AND expires_at > $3`,
		pk, sk, r.now().UTC())
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// Query relies on the "C" collation of sk for byte-wise ordering.
func (r *PostgresRepository) Query(ctx context.Context, pk, skPrefix string) ([]*domain.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+entryColumns+` FROM telemetry_entries
WHERE pk = $1 AND left(sk, length($2)) = $2 AND expires_at > $3
ORDER BY sk`, pk, skPrefix, r.now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM telemetry_entries WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s rowScanner) (*domain.Entry, error) {
	var (
		e                   domain.Entry
		entryType           string
		userID, overflowKey sql.NullString
		data                []byte
	)
	if err := s.Scan(&e.PartitionKey, &e.SortKey, &e.TenantID, &e.SessionID, &entryType,
		&e.Timestamp, &e.ExpiresAt, &userID, &data, &overflowKey, &e.PayloadSize); err != nil {
		return nil, err
	}
	e.EntryType = domain.EntryType(entryType)
	e.UserID = userID.String
	if len(data) > 0 {
		e.Data = data
	}
	e.OverflowKey = overflowKey.String
	e.Timestamp = e.Timestamp.UTC()
	e.ExpiresAt = e.ExpiresAt.UTC()
	return &e, nil
}

// nullBytes stores payloads as written; an empty payload is NULL.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
