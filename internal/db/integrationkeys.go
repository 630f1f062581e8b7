package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// IntegrationKey is a per-Business credential (spec §3). Plaintext never
// persists post-issue; only (encrypted_key, key_hash) are stored (§6).
type IntegrationKey struct {
	ID           string
	BusinessID   string
	KeyType      string
	KeyName      string
	EncryptedKey []byte
	KeyHash      string
	IsActive     bool
	CustomerID   *string // dedicated column for customer_api keys (§9 Open Question, resolved in DESIGN.md)
	Metadata     []byte  // JSON, nullable
}

func (s *Store) CreateIntegrationKey(ctx context.Context, id string, k IntegrationKey) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO integration_keys (id, business_id, key_type, key_name, encrypted_key, key_hash, is_active, customer_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, k.BusinessID, k.KeyType, k.KeyName, k.EncryptedKey, k.KeyHash, k.IsActive, k.CustomerID, k.Metadata)
	if err != nil {
		return fmt.Errorf("inserting integration key: %w", err)
	}
	return nil
}

// GetActiveKeyByHash is the AuthCache's fallback lookup on a cache miss (§4.8).
func (s *Store) GetActiveKeyByHash(ctx context.Context, keyHash string) (IntegrationKey, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, key_type, key_name, encrypted_key, key_hash, is_active, customer_id, metadata
		FROM integration_keys WHERE key_hash = $1 AND is_active = true`, keyHash)
	if err != nil {
		return IntegrationKey{}, fmt.Errorf("querying integration key: %w", err)
	}
	defer rows.Close()

	k, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[IntegrationKey])
	if err != nil {
		return IntegrationKey{}, fmt.Errorf("collecting integration key row: %w", err)
	}
	return k, nil
}

// DeactivateIntegrationKey flips is_active to false. Callers must also clear
// the AuthCache entry before returning success to the client (§3 Invariants).
func (s *Store) DeactivateIntegrationKey(ctx context.Context, businessID, keyID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE integration_keys SET is_active = false WHERE id = $2 AND business_id = $1`,
		businessID, keyID)
	if err != nil {
		return fmt.Errorf("deactivating integration key: %w", err)
	}
	return nil
}

func (s *Store) ListIntegrationKeys(ctx context.Context, businessID string) ([]IntegrationKey, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, key_type, key_name, encrypted_key, key_hash, is_active, customer_id, metadata
		FROM integration_keys WHERE business_id = $1`, businessID)
	if err != nil {
		return nil, fmt.Errorf("listing integration keys: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[IntegrationKey])
}
