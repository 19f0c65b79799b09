// Package notify is the boundary to the notification collaborator. The core
// hands over a recipient, a kind and a structured context; rendering and
// transport happen here.
package notify

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lalithlochan/preorder/internal/db"
)

var (
	// ErrDeliveryFailed wraps every transport failure reported by Notify.
	ErrDeliveryFailed = errors.New("notification delivery failed")

	ErrUnknownKind = errors.New("unknown notification kind")
)

// Kinds lists every notification kind the templates know about.
var Kinds = []string{db.KindVerify, db.KindConfirm, db.KindReminderPre, db.KindReminderStart}

// Message is one notification request.
type Message struct {
	To      string         `json:"to"`
	Kind    string         `json:"kind"`
	Context map[string]any `json:"context"`

	OfferID        *uuid.UUID `json:"offer_id,omitempty"`
	RegistrationID *uuid.UUID `json:"registration_id,omitempty"`
}

// Sender delivers a message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}
