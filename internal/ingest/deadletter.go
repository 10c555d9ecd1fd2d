package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexuscrm/usagewatch/internal/usage"
)

var ErrDeadLetterNotFound = errors.New("ingest: dead letter not found")

// DeadLetter is an event that could not be stored after every retry.
type DeadLetter struct {
	ID         string       `json:"id"`
	Event      *usage.Event `json:"payload"`
	LastError  string       `json:"last_error"`
	Attempts   int          `json:"attempts"`
	CreatedAt  time.Time    `json:"created_at"`
	ReplayedAt *time.Time   `json:"replayed_at,omitempty"`
}

// DeadLetterStore keeps failed events for later replay.
type DeadLetterStore interface {
	Put(ctx context.Context, dl *DeadLetter) error
	Pending(ctx context.Context, limit int) ([]*DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

// MemoryDeadLetters is an in-memory DeadLetterStore.
type MemoryDeadLetters struct {
	mu    sync.Mutex
	items map[string]*DeadLetter
}

func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{items: make(map[string]*DeadLetter)}
}

func (m *MemoryDeadLetters) Put(_ context.Context, dl *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dl
	m.items[dl.ID] = &cp
	return nil
}

func (m *MemoryDeadLetters) Pending(_ context.Context, limit int) ([]*DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DeadLetter
	for _, dl := range m.items {
		if dl.ReplayedAt == nil {
			cp := *dl
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDeadLetters) MarkReplayed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.items[id]
	if !ok {
		return ErrDeadLetterNotFound
	}
	dl.ReplayedAt = &at
	return nil
}

// PostgresDeadLetters stores dead letters in usage_dead_letters.
type PostgresDeadLetters struct {
	db *sql.DB
}

func NewPostgresDeadLetters(db *sql.DB) *PostgresDeadLetters {
	return &PostgresDeadLetters{db: db}
}

func (p *PostgresDeadLetters) Put(ctx context.Context, dl *DeadLetter) error {
	payload, err := json.Marshal(dl.Event)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO usage_dead_letters (id, payload, last_error, attempts, created_at)
		VALUES ($1, $2::JSONB, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET last_error = EXCLUDED.last_error, attempts = EXCLUDED.attempts
	`, dl.ID, string(payload), dl.LastError, dl.Attempts, dl.CreatedAt)
	return err
}

func (p *PostgresDeadLetters) Pending(ctx context.Context, limit int) ([]*DeadLetter, error) {
	query := `
		SELECT id, payload, last_error, attempts, created_at
		FROM usage_dead_letters
		WHERE replayed_at IS NULL
		ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DeadLetter
	for rows.Next() {
		var (
			dl      DeadLetter
			payload []byte
		)
		if err := rows.Scan(&dl.ID, &payload, &dl.LastError, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &dl.Event); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", dl.ID, err)
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

func (p *PostgresDeadLetters) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE usage_dead_letters SET replayed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

var (
	_ DeadLetterStore = (*MemoryDeadLetters)(nil)
	_ DeadLetterStore = (*PostgresDeadLetters)(nil)
)
