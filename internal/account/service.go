package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/talkstudio/voice-backend/internal/models"
)

var ErrNotFound = errors.New("account not found")

type Service struct {
	db *pgxpool.Pool
}

func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRow(ctx,
		"SELECT id, email, role, balance, created_at, updated_at FROM accounts WHERE id = $1", id,
	).Scan(&a.ID, &a.Email, &a.Role, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRow(ctx,
		"SELECT id, email, role, balance, created_at, updated_at FROM accounts WHERE email = $1", email,
	).Scan(&a.ID, &a.Email, &a.Role, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return &a, nil
}

func (s *Service) Create(ctx context.Context, email string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRow(ctx,
		`INSERT INTO accounts (email) VALUES ($1)
		 RETURNING id, email, role, balance, created_at, updated_at`,
		email,
	).Scan(&a.ID, &a.Email, &a.Role, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return &a, nil
}
