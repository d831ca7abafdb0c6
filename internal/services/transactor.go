package services

import (
	"context"

	"gorm.io/gorm"
)

// Transactor runs a function inside one local database transaction.
// Services depend on this instead of *gorm.DB directly so tests can
// substitute a pass-through implementation.
type Transactor interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type gormTransactor struct {
	db *gorm.DB
}

// NewTransactor wraps a gorm connection.
func NewTransactor(db *gorm.DB) Transactor {
	return &gormTransactor{db: db}
}

func (t *gormTransactor) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return t.db.WithContext(ctx).Transaction(fn)
}
