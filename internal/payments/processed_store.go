package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore records processor webhook events that were already handled.
type ProcessedStore struct {
	db rowQuerier
}

func NewProcessedStore(conn rowQuerier) *ProcessedStore {
	if conn == nil {
		panic("payments: processed store needs a connection")
	}
	return &ProcessedStore{db: conn}
}

// AlreadyProcessed checks if we've seen this provider event id.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2`, provider, eventID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("payments: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed returns false if the event id was already recorded.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("payments: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
