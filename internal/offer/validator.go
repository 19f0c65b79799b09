package offer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/preorder/internal/db"
)

// Actor is the caller of a registration request as seen by the identity
// collaborator.
type Actor struct {
	UserID          uuid.UUID
	Authenticated   bool
	EmailVerifiedAt *time.Time
	Email           string
	FirstName       string
	LastName        string
	IsStaff         bool
}

// ActorFromUser builds an authenticated actor from a stored user.
func ActorFromUser(u *db.User) Actor {
	return Actor{
		UserID:          u.ID,
		Authenticated:   true,
		EmailVerifiedAt: u.EmailVerifiedAt,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		IsStaff:         u.IsStaff,
	}
}

// Candidate is everything the rules need to judge one registration request.
type Candidate struct {
	Actor    Actor
	Offer    *db.Offer
	Quantity int

	// Prior is the registration being modified, nil when creating a new one.
	Prior *db.Registration

	// Existing is a registration already stored for the same user and offer
	// while Prior is nil. Its presence makes a create a duplicate.
	Existing *db.Registration

	// ReservedByOthers is the ledger sum for the offer without Prior.
	ReservedByOthers int
}

func checkActor(a Actor) error {
	if !a.Authenticated {
		return &ValidationError{
			Reason:  ReasonNotAuthenticated,
			Message: "please sign in to place a pre-order",
		}
	}
	if a.EmailVerifiedAt == nil {
		return &ValidationError{
			Reason:  ReasonEmailUnverified,
			Message: "please confirm your email address before placing a pre-order",
		}
	}
	return nil
}

func checkWindow(o *db.Offer, now time.Time) error {
	if !o.OrderWindowContains(now) {
		return &ValidationError{
			Reason:  ReasonOutsideOrderWindow,
			Message: "this offer is not open for orders",
		}
	}
	return nil
}

// Validate applies the registration rules in order and returns the quantity
// to persist. The first failing rule decides the error. It has no side
// effects and reads nothing but its arguments.
func Validate(c Candidate, now time.Time) (int, error) {
	if err := checkActor(c.Actor); err != nil {
		return 0, err
	}

	if err := checkWindow(c.Offer, now); err != nil {
		return 0, err
	}

	if c.Quantity < 1 {
		return 0, &ValidationError{
			Reason:  ReasonInvalidQuantity,
			Field:   FieldQuantity,
			Message: "quantity must be at least 1",
		}
	}

	prior := 0
	if c.Prior != nil {
		prior = c.Prior.Quantity
		if c.Prior.Confirmed() && c.Quantity < prior {
			return 0, &ValidationError{
				Reason:  ReasonQuantityDecreaseNotAllowed,
				Field:   FieldQuantity,
				Message: fmt.Sprintf("your order of %d is binding and can only be increased", prior),
			}
		}
	}

	remaining := Remaining(c.Offer.StockLimit, c.ReservedByOthers)
	allowance := Allowance(remaining, c.Offer.PerUserLimit)
	if c.Quantity > allowance {
		// The per-user limit is reported only when it binds tighter than stock.
		if limit := c.Offer.PerUserLimit; limit != nil && *limit < remaining {
			return 0, &ValidationError{
				Reason:    ReasonPerUserLimitExceeded,
				Field:     FieldQuantity,
				Message:   fmt.Sprintf("at most %d per customer", *limit),
				Allowance: allowance,
			}
		}
		msg := fmt.Sprintf("you can order at most %d", allowance)
		if prior > 0 {
			msg = fmt.Sprintf("you can order at most %d (%d more than your current %d)",
				allowance, Additional(allowance, prior), prior)
		}
		return 0, &ValidationError{
			Reason:    ReasonInsufficientStock,
			Field:     FieldQuantity,
			Message:   msg,
			Allowance: allowance,
		}
	}

	if c.Prior == nil && c.Existing != nil {
		return 0, &ValidationError{
			Reason:  ReasonDuplicateRegistration,
			Message: "you already have a pre-order for this offer",
		}
	}

	return c.Quantity, nil
}
