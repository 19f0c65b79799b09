package db

import (
	"time"

	"github.com/google/uuid"
)

// User is the read model of the identity collaborator. Only the fields the
// order flow and the export need are kept here.
type User struct {
	ID              uuid.UUID  `json:"id"`
	Email           string     `json:"email"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	Street          string     `json:"street"`
	HouseNumber     string     `json:"house_number"`
	PostalCode      string     `json:"postal_code"`
	City            string     `json:"city"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	IsStaff         bool       `json:"is_staff"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Offer is a limited-quantity product that can be pre-ordered during its
// order window and collected during its pickup window. PickupStart and
// PickupEnd are calendar dates stored as UTC midnight.
type Offer struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	Slug         string    `json:"slug"`
	Description  string    `json:"description"`
	StockLimit   int       `json:"stock_limit"`
	PerUserLimit *int      `json:"per_user_limit,omitempty"`
	OrderStart   time.Time `json:"order_start"`
	OrderEnd     time.Time `json:"order_end"`
	PickupStart  time.Time `json:"pickup_start"`
	PickupEnd    time.Time `json:"pickup_end"`
	CreatedAt    time.Time `json:"created_at"`
}

// OrderWindowContains reports whether t lies inside [OrderStart, OrderEnd].
func (o *Offer) OrderWindowContains(t time.Time) bool {
	return !t.Before(o.OrderStart) && !t.After(o.OrderEnd)
}

// Registration is one user's reservation against an offer. It becomes
// binding once ConfirmedAt is set.
type Registration struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	OfferID     uuid.UUID  `json:"offer_id"`
	Quantity    int        `json:"quantity"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (r *Registration) Confirmed() bool {
	return r.ConfirmedAt != nil
}

// Consent types
const (
	ConsentBindingOrder   = "binding_order"
	ConsentNewsletter     = "newsletter"
	ConsentTermsOfService = "terms_of_service"
)

// Consent is an immutable record of the exact text a user agreed to.
type Consent struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	OfferID   *uuid.UUID `json:"offer_id,omitempty"`
	Type      string     `json:"type"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"created_at"`
}

// Notification kinds
const (
	KindVerify        = "verify"
	KindConfirm       = "confirm"
	KindReminderPre   = "reminder_pre"
	KindReminderStart = "reminder_start"
)

// Delivery status constants
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// NotificationLog is an append-only record of one delivery attempt.
type NotificationLog struct {
	ID                uuid.UUID  `json:"id"`
	Recipient         string     `json:"recipient"`
	Kind              string     `json:"kind"`
	OfferID           *uuid.UUID `json:"offer_id,omitempty"`
	RegistrationID    *uuid.UUID `json:"registration_id,omitempty"`
	Status            string     `json:"status"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// RegistrationDetail joins a registration with its offer and user.
type RegistrationDetail struct {
	Registration Registration
	Offer        Offer
	User         User
}

// ExportRecord is one confirmed registration as it appears in the order list.
type ExportRecord struct {
	OfferTitle  string
	Quantity    int
	LastName    string
	FirstName   string
	Street      string
	HouseNumber string
	PostalCode  string
	City        string
}
