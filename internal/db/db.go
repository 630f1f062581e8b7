// Package db is a hand-written row-store layer over Postgres via pgx/v5.
//
// The teacher repo generates this layer with sqlc against a per-tenant
// Postgres schema; neither the sqlc config nor the generated package were
// part of this retrieval pack, and TrackTags partitions tenants by a
// business_id column rather than by schema (see DESIGN.md), so the queries
// below are written directly against pgxpool rather than regenerated.
package db

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the row-store handle shared by every domain package.
type Store struct {
	Pool *pgxpool.Pool
}

// New wraps an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}
