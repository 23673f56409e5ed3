// Package sqlstore implements the wallet configuration and API key stores on
// a SQL database through bun. Postgres is used in production and SQLite in
// tests and local development.
package sqlstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	x402 "github.com/becomeliminal/x402-gate"
	"github.com/becomeliminal/x402-gate/svm"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

const apiKeyPrefix = "x402_"

// Wallet is a row of the wallet configuration.
type Wallet struct {
	ID        string
	Address   string
	Purpose   string
	Status    string
	Label     string
	CreatedAt time.Time
}

// APIKey describes an issued key. The plaintext key is never stored.
type APIKey struct {
	ID        string
	AgentID   string
	UserID    string
	Name      string
	ExpiresAt *time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// IssueAPIKeyInput describes a key to issue.
type IssueAPIKeyInput struct {
	AgentID   string
	UserID    string
	Name      string
	ExpiresAt *time.Time
}

// Store implements x402.WalletConfigStore and x402.APIKeyStore.
type Store struct {
	db  *bun.DB
	now func() time.Time
}

// New wraps an existing bun database.
func New(db *bun.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects to dsn with driver (DriverPostgres or DriverSQLite).
func Open(driver, dsn string) (*Store, error) {
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}

	var db *bun.DB
	switch driver {
	case DriverPostgres:
		db = bun.NewDB(sqlDB, pgdialect.New())
	case DriverSQLite:
		sqlDB.SetMaxOpenConns(1)
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	default:
		sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	return New(db), nil
}

// OpenURL picks the driver from a database URL. postgres:// and postgresql://
// use Postgres; everything else is treated as a SQLite DSN.
func OpenURL(databaseURL string) (*Store, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return Open(DriverPostgres, databaseURL)
	}
	return Open(DriverSQLite, strings.TrimPrefix(databaseURL, "sqlite://"))
}

// DB returns the underlying bun database.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchema creates the wallet_config and api_keys tables if missing.
func (s *Store) CreateSchema(ctx context.Context) error {
	models := []interface{}{(*walletRecord)(nil), (*apiKeyRecord)(nil)}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create table: %w", err)
		}
	}

	_, err := s.db.NewCreateIndex().
		Model((*walletRecord)(nil)).
		Index("wallet_config_purpose_status_idx").
		Column("purpose", "status").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: create index: %w", err)
	}
	return nil
}

// ActiveWallet returns the newest active wallet address for purpose.
func (s *Store) ActiveWallet(ctx context.Context, purpose string) (string, error) {
	var rec walletRecord
	err := s.db.NewSelect().
		Model(&rec).
		Where("purpose = ?", purpose).
		Where("status = ?", x402.WalletStatusActive).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", x402.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlstore: select active wallet: %w", err)
	}
	return rec.Address, nil
}

// SaveWallet records a wallet. Saving an active wallet retires every other
// active wallet with the same purpose.
func (s *Store) SaveWallet(ctx context.Context, address, purpose, status string) (Wallet, error) {
	address = strings.TrimSpace(address)
	if err := svm.ValidateAddress(address); err != nil {
		return Wallet{}, fmt.Errorf("sqlstore: %w", err)
	}
	if purpose == "" {
		return Wallet{}, fmt.Errorf("sqlstore: wallet purpose is required")
	}
	if status == "" {
		status = x402.WalletStatusActive
	}

	now := s.now().UTC()
	rec := &walletRecord{
		ID:        uuid.NewString(),
		Address:   address,
		Purpose:   purpose,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if status == x402.WalletStatusActive {
			_, err := tx.NewUpdate().
				Model((*walletRecord)(nil)).
				Set("status = ?", "inactive").
				Set("updated_at = ?", now).
				Where("purpose = ?", purpose).
				Where("status = ?", x402.WalletStatusActive).
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		_, err := tx.NewInsert().Model(rec).Exec(ctx)
		return err
	})
	if err != nil {
		return Wallet{}, fmt.Errorf("sqlstore: save wallet: %w", err)
	}
	return rec.toDomain(), nil
}

// IssueAPIKey creates a key for an agent and returns its plaintext value,
// which is not recoverable afterwards.
func (s *Store) IssueAPIKey(ctx context.Context, in IssueAPIKeyInput) (string, APIKey, error) {
	if strings.TrimSpace(in.AgentID) == "" {
		return "", APIKey{}, fmt.Errorf("sqlstore: agent id is required")
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", APIKey{}, fmt.Errorf("sqlstore: generate key: %w", err)
	}
	key := apiKeyPrefix + hex.EncodeToString(secret)

	rec := &apiKeyRecord{
		ID:        uuid.NewString(),
		KeyHash:   x402.HashAPIKey(key),
		AgentID:   in.AgentID,
		UserID:    in.UserID,
		Name:      in.Name,
		ExpiresAt: in.ExpiresAt,
		CreatedAt: s.now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(rec).Exec(ctx); err != nil {
		return "", APIKey{}, fmt.Errorf("sqlstore: insert api key: %w", err)
	}
	return key, rec.toDomain(), nil
}

// RevokeAPIKey marks a key as revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.NewUpdate().
		Model((*apiKeyRecord)(nil)).
		Set("revoked_at = ?", s.now().UTC()).
		Where("id = ?", id).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: revoke api key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return x402.ErrNotFound
	}
	return nil
}

// ValidateAPIKey looks up a key by hash. Unknown, revoked and expired keys
// are reported as invalid, not as errors.
func (s *Store) ValidateAPIKey(ctx context.Context, keyHash string) (*x402.APIKeyValidation, error) {
	var rec apiKeyRecord
	err := s.db.NewSelect().
		Model(&rec).
		Where("key_hash = ?", keyHash).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return &x402.APIKeyValidation{IsValid: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: select api key: %w", err)
	}

	now := s.now().UTC()
	if !rec.usableAt(now) {
		return &x402.APIKeyValidation{IsValid: false}, nil
	}

	// Usage tracking is informational; a failed update does not reject the key.
	_, _ = s.db.NewUpdate().
		Model((*apiKeyRecord)(nil)).
		Set("last_used_at = ?", now).
		Where("id = ?", rec.ID).
		Exec(ctx)

	return &x402.APIKeyValidation{
		IsValid:  true,
		AgentID:  rec.AgentID,
		UserID:   rec.UserID,
		APIKeyID: rec.ID,
	}, nil
}
