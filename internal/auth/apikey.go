package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/talkstudio/voice-backend/internal/account"
	"github.com/talkstudio/voice-backend/internal/models"
)

// APIKeyMiddleware authenticates machine callers. If the key header is
// absent the request falls through to the JWT middleware.
type APIKeyMiddleware struct {
	db         *pgxpool.Pool
	headerName string
	accounts   *account.Service
}

func NewAPIKeyMiddleware(db *pgxpool.Pool, headerName string, accounts *account.Service) *APIKeyMiddleware {
	return &APIKeyMiddleware{
		db:         db,
		headerName: headerName,
		accounts:   accounts,
	}
}

func (m *APIKeyMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(m.headerName)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		hash := HashAPIKey(key)

		var ak models.APIKey
		err := m.db.QueryRow(r.Context(),
			`SELECT id, account_id, key_hash, name, expires_at, created_at
			 FROM api_keys WHERE key_hash = $1`, hash,
		).Scan(&ak.ID, &ak.AccountID, &ak.KeyHash, &ak.Name, &ak.ExpiresAt, &ak.CreatedAt)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		if ak.ExpiresAt != nil && ak.ExpiresAt.Before(time.Now()) {
			writeError(w, http.StatusUnauthorized, "API key expired")
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := m.db.Exec(ctx, "UPDATE api_keys SET last_used_at = $1 WHERE id = $2", time.Now(), ak.ID); err != nil {
				slog.Warn("failed to stamp api key usage", "error", err)
			}
		}()

		acct, err := m.accounts.GetByID(r.Context(), ak.AccountID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "account not found")
			return
		}

		ctx := account.WithAccount(r.Context(), acct)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func GenerateAPIKeyPrefix() string {
	return fmt.Sprintf("vb_%d", time.Now().UnixNano())
}
