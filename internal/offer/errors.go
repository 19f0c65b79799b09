package offer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Reason identifies which registration rule rejected a request.
type Reason string

const (
	ReasonNotAuthenticated           Reason = "not_authenticated"
	ReasonEmailUnverified            Reason = "email_unverified"
	ReasonOutsideOrderWindow         Reason = "outside_order_window"
	ReasonInvalidQuantity            Reason = "invalid_quantity"
	ReasonQuantityDecreaseNotAllowed Reason = "quantity_decrease_not_allowed"
	ReasonInsufficientStock          Reason = "insufficient_stock"
	ReasonPerUserLimitExceeded       Reason = "per_user_limit_exceeded"
	ReasonDuplicateRegistration      Reason = "duplicate_registration"
)

// FieldQuantity is the form field quantity-related rejections are bound to.
const FieldQuantity = "quantity"

// ValidationError is a rejected registration. Field is empty for rejections
// that are not tied to user input, such as an unverified account.
type ValidationError struct {
	Reason  Reason
	Field   string
	Message string

	// Allowance is the highest total quantity the user could hold, set for
	// ReasonInsufficientStock and ReasonPerUserLimitExceeded.
	Allowance int

	// Conflict marks an insufficient-stock rejection caused by a concurrent
	// confirmation committing first. It is reported exactly like any other
	// insufficient-stock rejection and is only kept for logs and metrics.
	Conflict bool
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Is matches any ValidationError with the same reason, so callers can write
// errors.Is(err, offer.ErrInsufficientStock).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

var (
	ErrNotAuthenticated           = &ValidationError{Reason: ReasonNotAuthenticated}
	ErrEmailUnverified            = &ValidationError{Reason: ReasonEmailUnverified}
	ErrOutsideOrderWindow         = &ValidationError{Reason: ReasonOutsideOrderWindow}
	ErrInvalidQuantity            = &ValidationError{Reason: ReasonInvalidQuantity}
	ErrQuantityDecreaseNotAllowed = &ValidationError{Reason: ReasonQuantityDecreaseNotAllowed}
	ErrInsufficientStock          = &ValidationError{Reason: ReasonInsufficientStock}
	ErrPerUserLimitExceeded       = &ValidationError{Reason: ReasonPerUserLimitExceeded}
	ErrDuplicateRegistration      = &ValidationError{Reason: ReasonDuplicateRegistration}
)

var (
	// ErrIntegrityViolation is an unexpected storage constraint failure
	// during confirmation. Its details are logged, never shown to users.
	ErrIntegrityViolation = errors.New("registration could not be saved")

	ErrOfferNotFound        = errors.New("offer not found")
	ErrRegistrationNotFound = errors.New("registration not found")

	// ErrOfferInUse is returned when deleting an offer that still has registrations.
	ErrOfferInUse = errors.New("offer has registrations and cannot be deleted")

	ErrAlreadyVerified       = errors.New("email address is already verified")
	ErrNotificationsDisabled = errors.New("no notifier configured")
)

// FieldErrors collects operator-facing offer validation failures by field.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	fields := make([]string, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+fe[f])
	}
	return "invalid offer: " + strings.Join(parts, "; ")
}

func (fe FieldErrors) orNil() error {
	if len(fe) == 0 {
		return nil
	}
	return fe
}
