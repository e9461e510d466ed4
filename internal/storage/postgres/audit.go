package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/relay/internal/protocol"
	"github.com/cory-johannsen/relay/internal/relay"
)

// ErrSessionNotFound is returned when closing a session that was never recorded.
var ErrSessionNotFound = errors.New("session not found")

var _ relay.AuditSink = (*SessionAuditRepository)(nil)

// SessionAuditRepository records relay session lifetimes. It implements relay.AuditSink.
type SessionAuditRepository struct {
	db *pgxpool.Pool
}

// NewSessionAuditRepository creates a repository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with the audit schema applied.
func NewSessionAuditRepository(db *pgxpool.Pool) *SessionAuditRepository {
	return &SessionAuditRepository{db: db}
}

// SessionOpened inserts the open record for a session.
//
// Postcondition: A row with closed_at NULL exists for rec.ID.
func (r *SessionAuditRepository) SessionOpened(ctx context.Context, rec relay.SessionRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO relay_sessions (client_id, remote_addr, opened_at)
		 VALUES ($1::uuid, $2, $3)`,
		rec.ID.String(), rec.RemoteAddr, rec.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", rec.ID, err)
	}
	return nil
}

// SessionClosed stamps the close time, reason and message count on an open record.
//
// Postcondition: The row for rec.ID is closed, or ErrSessionNotFound is returned.
func (r *SessionAuditRepository) SessionClosed(ctx context.Context, rec relay.SessionRecord) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE relay_sessions
		 SET closed_at = $2, close_reason = $3, messages = $4
		 WHERE client_id = $1::uuid`,
		rec.ID.String(), rec.ClosedAt, rec.Reason, rec.Messages,
	)
	if err != nil {
		return fmt.Errorf("closing session %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("closing session %s: %w", rec.ID, ErrSessionNotFound)
	}
	return nil
}

// CloseDangling closes every record still open, as left behind by a process
// that exited without tearing its sessions down.
//
// Postcondition: Returns the number of records closed.
func (r *SessionAuditRepository) CloseDangling(ctx context.Context, at time.Time, reason string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE relay_sessions SET closed_at = $1, close_reason = $2 WHERE closed_at IS NULL`,
		at, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("closing dangling sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get returns the record for one session.
//
// Postcondition: Returns the record, or ErrSessionNotFound.
func (r *SessionAuditRepository) Get(ctx context.Context, id protocol.ClientID) (relay.SessionRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT client_id::text, remote_addr, opened_at, closed_at, close_reason, messages
		 FROM relay_sessions WHERE client_id = $1::uuid`,
		id.String(),
	)
	rec, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return relay.SessionRecord{}, fmt.Errorf("loading session %s: %w", id, err)
	}
	return rec, nil
}

// Recent returns up to limit records, newest first.
//
// Precondition: limit must be > 0.
func (r *SessionAuditRepository) Recent(ctx context.Context, limit int) ([]relay.SessionRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT client_id::text, remote_addr, opened_at, closed_at, close_reason, messages
		 FROM relay_sessions ORDER BY opened_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []relay.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (relay.SessionRecord, error) {
	var (
		rec      relay.SessionRecord
		id       string
		closedAt *time.Time
	)
	if err := row.Scan(&id, &rec.RemoteAddr, &rec.OpenedAt, &closedAt, &rec.Reason, &rec.Messages); err != nil {
		return relay.SessionRecord{}, err
	}
	parsed, err := protocol.ParseClientID(id)
	if err != nil {
		return relay.SessionRecord{}, err
	}
	rec.ID = parsed
	if closedAt != nil {
		rec.ClosedAt = *closedAt
	}
	return rec, nil
}
