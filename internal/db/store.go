package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OfferTx is a store transaction that holds the exclusive lock on one offer.
// Every read made through it observes all registrations committed before the
// lock was taken, and no other confirmation for the same offer can commit
// until the transaction ends.
type OfferTx interface {
	// Offer returns the locked offer as read inside the transaction.
	Offer() *Offer
	FindRegistration(ctx context.Context, userID uuid.UUID) (*Registration, error)
	// SumQuantities sums all registration quantities for the locked offer,
	// leaving out the registration with the excluded ID when given.
	SumQuantities(ctx context.Context, excluding *uuid.UUID) (int, error)
	// SaveRegistration inserts reg when it has no ID yet and updates it otherwise.
	SaveRegistration(ctx context.Context, reg *Registration) error
	InsertConsent(ctx context.Context, c *Consent) error
	// UpdateOffer rewrites the locked offer's mutable fields.
	UpdateOffer(ctx context.Context, o *Offer) error
}

// DateOf returns the calendar date of t in its own location as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
