// Package account resolves authenticated accounts and carries them through
// request contexts.
package account

import (
	"context"

	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/models"
)

type contextKey string

const accountKey contextKey = "account"

func WithAccount(ctx context.Context, a *models.Account) context.Context {
	return context.WithValue(ctx, accountKey, a)
}

func FromContext(ctx context.Context) *models.Account {
	a, _ := ctx.Value(accountKey).(*models.Account)
	return a
}

func IDFromContext(ctx context.Context) uuid.UUID {
	if a := FromContext(ctx); a != nil {
		return a.ID
	}
	return uuid.Nil
}
