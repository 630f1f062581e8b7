package db

import (
	"context"
	"fmt"
	"time"
)

// AuditLogEntry is one recorded administrative or billing-relevant action.
type AuditLogEntry struct {
	ID         string
	BusinessID *string
	Actor      string
	Action     string
	Resource   string
	ResourceID string
	Detail     []byte // JSON, nullable
	IPAddress  *string
	UserAgent  *string
	CreatedAt  time.Time
}

func (s *Store) InsertAuditLogEntry(ctx context.Context, id string, e AuditLogEntry) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO audit_logs (id, business_id, actor, action, resource, resource_id, detail, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, e.BusinessID, e.Actor, e.Action, e.Resource, e.ResourceID, e.Detail, e.IPAddress, e.UserAgent)
	if err != nil {
		return fmt.Errorf("inserting audit log entry: %w", err)
	}
	return nil
}

func (s *Store) ListAuditLog(ctx context.Context, businessID string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, actor, action, resource, resource_id, detail, ip_address, user_agent, created_at
		FROM audit_logs WHERE business_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		businessID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.Actor, &e.Action, &e.Resource, &e.ResourceID,
			&e.Detail, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
