package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/talkstudio/voice-backend/internal/models"
)

type PostgresEventStore struct {
	db *pgxpool.Pool
}

func NewPostgresEventStore(db *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

const eventColumns = `id, gateway, external_event_id, account_id, credits_purchased, amount_paid, currency, verified, processed, created_at, processed_at`

func (s *PostgresEventStore) GetByExternalID(ctx context.Context, gateway, externalEventID string) (*models.PaymentEvent, error) {
	var evt models.PaymentEvent
	err := s.db.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM payment_events WHERE gateway = $1 AND external_event_id = $2",
		gateway, externalEventID,
	).Scan(&evt.ID, &evt.Gateway, &evt.ExternalEventID, &evt.AccountID, &evt.CreditsPurchased,
		&evt.AmountPaid, &evt.Currency, &evt.Verified, &evt.Processed, &evt.CreatedAt, &evt.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment event: %w", err)
	}
	return &evt, nil
}

func (s *PostgresEventStore) Insert(ctx context.Context, event *models.PaymentEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO payment_events (id, gateway, external_event_id, account_id, credits_purchased, amount_paid, currency, verified, processed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)
		 ON CONFLICT (gateway, external_event_id) DO NOTHING
		 RETURNING created_at`,
		event.ID, event.Gateway, event.ExternalEventID, event.AccountID,
		event.CreditsPurchased, event.AmountPaid, event.Currency, event.Verified,
	).Scan(&event.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// concurrent delivery already inserted it; adopt the existing row
		existing, gerr := s.GetByExternalID(ctx, event.Gateway, event.ExternalEventID)
		if gerr != nil {
			return gerr
		}
		*event = *existing
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE payment_events SET processed = true, processed_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("mark payment event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresEventStore) Unprocessed(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx,
		"SELECT "+eventColumns+` FROM payment_events
		 WHERE processed = false AND verified = true AND created_at < $1
		 ORDER BY created_at ASC LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed payment events: %w", err)
	}
	defer rows.Close()

	var events []models.PaymentEvent
	for rows.Next() {
		var evt models.PaymentEvent
		if err := rows.Scan(&evt.ID, &evt.Gateway, &evt.ExternalEventID, &evt.AccountID, &evt.CreditsPurchased,
			&evt.AmountPaid, &evt.Currency, &evt.Verified, &evt.Processed, &evt.CreatedAt, &evt.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan payment event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
