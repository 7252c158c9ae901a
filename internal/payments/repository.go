package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrIntentNotFound = errors.New("payment intent not found")
	ErrSessionExists  = errors.New("checkout session already recorded")
	// ErrIntentChanged means a conditional transition matched nothing.
	ErrIntentChanged = errors.New("payment intent changed concurrently")
)

type Repository interface {
	// Create fails with ErrSessionExists when the session id is already stored.
	Create(ctx context.Context, i Intent) (*Intent, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Intent, error)
	GetBySession(ctx context.Context, sessionID string) (*Intent, error)
	List(ctx context.Context, status IntentStatus, limit int) ([]Intent, error)

	// Transition applies t only while the intent is in one of from.
	Transition(ctx context.Context, id uuid.UUID, from []IntentStatus, t Transition) (*Intent, error)

	// FindExpiredPending lists pending intents whose window closed before cutoff.
	FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Intent, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
