package db

import (
	"errors"

	"go.uber.org/zap"
)

// Store sentinel errors. State-conditional updates report a lost race
// (or an illegal transition) via ErrStale so callers can distinguish
// "someone else won" from a real failure.
var (
	ErrNotFound = errors.New("not found")
	ErrStale    = errors.New("conditional update matched no rows")
)

// Store handles all database operations for the dispatch engine.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a new store backed by the given pool.
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}
