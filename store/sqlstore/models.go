package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type walletRecord struct {
	bun.BaseModel `bun:"table:wallet_config,alias:wc"`

	ID        string    `bun:"id,pk"`
	Address   string    `bun:"address,notnull"`
	Purpose   string    `bun:"purpose,notnull"`
	Status    string    `bun:"status,notnull"`
	Label     string    `bun:"label"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (r *walletRecord) toDomain() Wallet {
	return Wallet{
		ID:        r.ID,
		Address:   r.Address,
		Purpose:   r.Purpose,
		Status:    r.Status,
		Label:     r.Label,
		CreatedAt: r.CreatedAt,
	}
}

type apiKeyRecord struct {
	bun.BaseModel `bun:"table:api_keys,alias:ak"`

	ID         string     `bun:"id,pk"`
	KeyHash    string     `bun:"key_hash,notnull,unique"`
	AgentID    string     `bun:"agent_id,notnull"`
	UserID     string     `bun:"user_id"`
	Name       string     `bun:"name"`
	ExpiresAt  *time.Time `bun:"expires_at,nullzero"`
	RevokedAt  *time.Time `bun:"revoked_at,nullzero"`
	LastUsedAt *time.Time `bun:"last_used_at,nullzero"`
	CreatedAt  time.Time  `bun:"created_at,notnull"`
}

func (r *apiKeyRecord) toDomain() APIKey {
	return APIKey{
		ID:        r.ID,
		AgentID:   r.AgentID,
		UserID:    r.UserID,
		Name:      r.Name,
		ExpiresAt: r.ExpiresAt,
		RevokedAt: r.RevokedAt,
		CreatedAt: r.CreatedAt,
	}
}

// usableAt reports whether the key is neither revoked nor expired at now.
func (r *apiKeyRecord) usableAt(now time.Time) bool {
	if r.RevokedAt != nil {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}
