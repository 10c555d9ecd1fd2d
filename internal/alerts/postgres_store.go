package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists alerts in the intelligent_alerts table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InsertIfNotCooling serializes concurrent triggers for the same rule and
// subject with a transaction-scoped advisory lock.
func (s *PostgresStore) InsertIfNotCooling(ctx context.Context, a *Alert, since time.Time) (bool, error) {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		cooldownKey(a.RuleID, a.SubjectKey)); err != nil {
		return false, fmt.Errorf("cooldown lock: %w", err)
	}

	var cooling bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM intelligent_alerts
			WHERE rule_id = $1 AND subject_key = $2 AND triggered_at > $3
		)
	`, a.RuleID, a.SubjectKey, since).Scan(&cooling)
	if err != nil {
		return false, fmt.Errorf("cooldown lookup: %w", err)
	}
	if cooling {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO intelligent_alerts
			(id, rule_id, alert_type, severity, title, message, user_id, agent_id,
			 subject_key, metadata, triggered_at, channels_sent, auto_resolved)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10::JSONB, $11, $12, FALSE)
	`, a.ID, a.RuleID, string(a.Type), string(a.Severity), a.Title, a.Message,
		a.UserID, a.AgentID, a.SubjectKey, string(meta), a.TriggeredAt, pq.Array(channelStrings(a.ChannelsSent)))
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return true, tx.Commit()
}

func (s *PostgresStore) MarkAcknowledged(ctx context.Context, id, actor string, at time.Time) error {
	return s.transition(ctx, id, `
		UPDATE intelligent_alerts SET acknowledged_at = $2, acknowledged_by = $3
		WHERE id = $1 AND resolved_at IS NULL
	`, id, at, actor)
}

func (s *PostgresStore) MarkResolved(ctx context.Context, id, actor string, at time.Time, auto bool) error {
	return s.transition(ctx, id, `
		UPDATE intelligent_alerts SET resolved_at = $2, resolved_by = $3, auto_resolved = $4
		WHERE id = $1 AND resolved_at IS NULL
	`, id, at, actor, auto)
}

// transition runs an update guarded by resolved_at IS NULL and tells a
// missing alert apart from one that is already resolved.
func (s *PostgresStore) transition(ctx context.Context, id, query string, args ...any) error {
	err := s.update(ctx, query, args...)
	if !errors.Is(err, ErrAlertNotFound) {
		return err
	}
	var resolved bool
	err = s.db.QueryRowContext(ctx,
		`SELECT resolved_at IS NOT NULL FROM intelligent_alerts WHERE id = $1`, id).Scan(&resolved)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrAlertNotFound
	case err != nil:
		return err
	case resolved:
		return ErrAlertResolved
	}
	return ErrAlertNotFound
}

func (s *PostgresStore) SetChannelsSent(ctx context.Context, id string, channels []Channel) error {
	return s.update(ctx, `
		UPDATE intelligent_alerts SET channels_sent = $2 WHERE id = $1
	`, id, pq.Array(channelStrings(channels)))
}

func (s *PostgresStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Alert, error) {
	query := `
		SELECT id, rule_id, alert_type, severity, title, message,
		       COALESCE(user_id, ''), COALESCE(agent_id, ''), subject_key, metadata,
		       triggered_at, acknowledged_at, COALESCE(acknowledged_by, ''),
		       resolved_at, COALESCE(resolved_by, ''), channels_sent, auto_resolved
		FROM intelligent_alerts
		WHERE resolved_at IS NULL
		ORDER BY triggered_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM intelligent_alerts WHERE resolved_at IS NOT NULL AND triggered_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(sc scanner) (*Alert, error) {
	var (
		a        Alert
		alertTyp string
		severity string
		meta     []byte
		ackAt    sql.NullTime
		resAt    sql.NullTime
		channels []string
	)
	err := sc.Scan(&a.ID, &a.RuleID, &alertTyp, &severity, &a.Title, &a.Message,
		&a.UserID, &a.AgentID, &a.SubjectKey, &meta,
		&a.TriggeredAt, &ackAt, &a.AcknowledgedBy,
		&resAt, &a.ResolvedBy, pq.Array(&channels), &a.AutoResolved)
	if err != nil {
		return nil, err
	}
	a.Type = Type(alertTyp)
	a.Severity = Severity(severity)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", a.ID, err)
		}
	}
	if ackAt.Valid {
		t := ackAt.Time
		a.AcknowledgedAt = &t
	}
	if resAt.Valid {
		t := resAt.Time
		a.ResolvedAt = &t
	}
	a.ChannelsSent = make([]Channel, len(channels))
	for i, c := range channels {
		a.ChannelsSent[i] = Channel(c)
	}
	return &a, nil
}

func channelStrings(channels []Channel) []string {
	out := make([]string, len(channels))
	for i, c := range channels {
		out[i] = string(c)
	}
	return out
}

var _ Store = (*PostgresStore)(nil)
