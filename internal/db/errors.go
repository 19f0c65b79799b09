package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrUniqueViolation is returned when a write collides with a unique
	// constraint, such as a second registration for the same user and offer.
	ErrUniqueViolation = errors.New("unique constraint violated")

	// ErrStockLimitExceeded is returned when committed quantities would
	// exceed the offer's stock limit.
	ErrStockLimitExceeded = errors.New("stock limit exceeded")

	// ErrCheckViolation covers every other storage-level check constraint.
	ErrCheckViolation = errors.New("check constraint violated")

	// ErrReferenceProtected is returned when deleting a row that is still
	// referenced by registrations.
	ErrReferenceProtected = errors.New("row is still referenced")

	ErrConsentImmutable = errors.New("consent records are immutable")
)

// Constraint and trigger names shared by both schemas.
const (
	ConstraintStockLimit       = "registrations_stock_limit"
	ConstraintConsentImmutable = "consents_immutable"
)

// Postgres SQLSTATE codes.
const (
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
	pgForeignKeyViolation = "23503"
	pgRaiseException      = "P0001"
)

// classifyPgError maps a Postgres error onto the storage sentinels. Errors it
// does not recognise are returned unchanged.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgUniqueViolation:
		return ErrUniqueViolation
	case pgCheckViolation:
		if pgErr.ConstraintName == ConstraintStockLimit {
			return ErrStockLimitExceeded
		}
		return ErrCheckViolation
	case pgForeignKeyViolation:
		return ErrReferenceProtected
	case pgRaiseException:
		if pgErr.ConstraintName == ConstraintConsentImmutable {
			return ErrConsentImmutable
		}
	}
	return err
}
