package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/talkstudio/voice-backend/internal/models"
)

const pgUniqueViolation = "23505"

// PostgresLedger serializes per-account mutations with a row lock on the
// account (SELECT ... FOR UPDATE). Different accounts proceed in parallel.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Debit(ctx context.Context, accountID uuid.UUID, amount int64, reason models.TransactionReason, reference string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, accountID)
	if err != nil {
		return uuid.Nil, err
	}
	if balance < amount {
		return uuid.Nil, ErrInsufficientCredits
	}

	var txnID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, amount, reason, reference)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		accountID, -amount, reason, reference,
	).Scan(&txnID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert debit transaction: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance - $1, updated_at = now() WHERE id = $2",
		amount, accountID,
	); err != nil {
		return uuid.Nil, fmt.Errorf("update cached balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit debit: %w", err)
	}
	return txnID, nil
}

func (l *PostgresLedger) Credit(ctx context.Context, accountID uuid.UUID, amount int64, reason models.TransactionReason, reference string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	if idempotentReason(reason) {
		if id, ok, err := l.findByReference(ctx, reason, reference); err != nil {
			return uuid.Nil, err
		} else if ok {
			return id, ErrDuplicateReference
		}
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockBalance(ctx, tx, accountID); err != nil {
		return uuid.Nil, err
	}

	var txnID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, amount, reason, reference)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		accountID, amount, reason, reference,
	).Scan(&txnID)
	if err != nil {
		// A concurrent credit with the same reference won the race.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			tx.Rollback(ctx)
			if id, ok, ferr := l.findByReference(ctx, reason, reference); ferr == nil && ok {
				return id, ErrDuplicateReference
			}
		}
		return uuid.Nil, fmt.Errorf("insert credit transaction: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1, updated_at = now() WHERE id = $2",
		amount, accountID,
	); err != nil {
		return uuid.Nil, fmt.Errorf("update cached balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit credit: %w", err)
	}
	return txnID, nil
}

func (l *PostgresLedger) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := l.db.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (l *PostgresLedger) AdminAdjust(ctx context.Context, accountID uuid.UUID, amount int64, reference string) (uuid.UUID, error) {
	if amount == 0 {
		return uuid.Nil, fmt.Errorf("adjustment amount must be non-zero")
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin adjustment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockBalance(ctx, tx, accountID); err != nil {
		return uuid.Nil, err
	}

	var txnID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, amount, reason, reference)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		accountID, amount, models.ReasonAdminAdjustment, reference,
	).Scan(&txnID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert adjustment transaction: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1, updated_at = now() WHERE id = $2",
		amount, accountID,
	); err != nil {
		return uuid.Nil, fmt.Errorf("update cached balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit adjustment: %w", err)
	}
	return txnID, nil
}

func (l *PostgresLedger) Recompute(ctx context.Context, accountID uuid.UUID) (int64, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin recompute tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cached, err := lockBalance(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}

	var sum int64
	err = tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1",
		accountID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transaction log: %w", err)
	}

	if sum != cached {
		if _, err := tx.Exec(ctx,
			"UPDATE accounts SET balance = $1, updated_at = now() WHERE id = $2",
			sum, accountID,
		); err != nil {
			return 0, fmt.Errorf("rewrite drifted balance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit recompute: %w", err)
	}
	return sum, nil
}

func (l *PostgresLedger) Transactions(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.Query(ctx,
		`SELECT id, account_id, amount, reason, reference, created_at
		 FROM transactions WHERE account_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Reason, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (l *PostgresLedger) findByReference(ctx context.Context, reason models.TransactionReason, reference string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := l.db.QueryRow(ctx,
		"SELECT id FROM transactions WHERE reason = $1 AND reference = $2",
		reason, reference,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup transaction by reference: %w", err)
	}
	return id, true, nil
}

func lockBalance(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock account row: %w", err)
	}
	return balance, nil
}
