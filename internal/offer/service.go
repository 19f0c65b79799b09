package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/db"
	"github.com/lalithlochan/preorder/internal/metrics"
	"github.com/lalithlochan/preorder/internal/notify"
)

// Store is the persistence the service needs. Both the Postgres repository
// and the SQLite store satisfy it.
type Store interface {
	CreateOffer(ctx context.Context, o *db.Offer) error
	GetOffer(ctx context.Context, id uuid.UUID) (*db.Offer, error)
	GetOfferBySlug(ctx context.Context, slug string) (*db.Offer, error)
	ListOpenOffers(ctx context.Context, now time.Time) ([]*db.Offer, error)
	DeleteOffer(ctx context.Context, id uuid.UUID) error
	FindRegistration(ctx context.Context, userID, offerID uuid.UUID) (*db.Registration, error)
	SumQuantities(ctx context.Context, offerID uuid.UUID, excluding *uuid.UUID) (int, error)
	ListUserRegistrations(ctx context.Context, userID uuid.UUID) ([]*db.RegistrationDetail, error)
	WithOfferLock(ctx context.Context, offerID uuid.UUID, fn func(db.OfferTx) error) error
}

// Notifier sends a notification and records it in the notification log.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) (*db.NotificationLog, error)
}

// ConfirmedEvent is published after a confirmation commits.
type ConfirmedEvent struct {
	RegistrationID   uuid.UUID `json:"registration_id"`
	OfferID          uuid.UUID `json:"offer_id"`
	OfferSlug        string    `json:"offer_slug"`
	UserID           uuid.UUID `json:"user_id"`
	Quantity         int       `json:"quantity"`
	PreviousQuantity int       `json:"previous_quantity"`
	Remaining        int       `json:"remaining"`
	ConfirmedAt      time.Time `json:"confirmed_at"`
}

// EventPublisher fans confirmation events out to other systems.
type EventPublisher interface {
	PublishRegistrationConfirmed(ctx context.Context, event ConfirmedEvent) error
}

type Config struct {
	// Location is the zone order windows and pickup dates are read in.
	Location *time.Location

	// Notifier and Events are optional.
	Notifier Notifier
	Events   EventPublisher

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Service runs the registration flow and operator actions on offers.
type Service struct {
	store    Store
	loc      *time.Location
	notifier Notifier
	events   EventPublisher
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(store Store, cfg Config, logger *zap.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		store:    store,
		loc:      cfg.Location,
		notifier: cfg.Notifier,
		events:   cfg.Events,
		now:      cfg.Clock,
		logger:   logger,
	}
}

// Request asks for a binding registration of Quantity units.
type Request struct {
	Actor    Actor
	OfferID  uuid.UUID
	Quantity int

	// RegistrationID names the registration being modified. Nil creates a
	// new registration.
	RegistrationID *uuid.UUID
}

// Confirmation is the outcome of a successful Confirm or Reserve.
type Confirmation struct {
	Registration     *db.Registration
	Consent          *db.Consent
	PreviousQuantity int
	Remaining        int

	// Unchanged is set when Reserve was asked for the quantity already held.
	// Nothing was written in that case.
	Unchanged bool

	// NotificationFailed is set when the confirmation committed but the
	// confirm notification could not be delivered.
	NotificationFailed bool
}

// Confirm is the only way a registration becomes binding. Under the offer
// lock it re-validates the request against a fresh ledger sum, stamps the
// confirmation time, saves the registration and records the consent text.
// Any failure rolls all of it back.
func (s *Service) Confirm(ctx context.Context, req Request) (*Confirmation, error) {
	start := time.Now()

	if err := checkActor(req.Actor); err != nil {
		s.recordOutcome(err, start)
		return nil, err
	}

	var (
		conf  *Confirmation
		offer *db.Offer
	)
	err := s.store.WithOfferLock(ctx, req.OfferID, func(tx db.OfferTx) error {
		offer = tx.Offer()

		existing, err := tx.FindRegistration(ctx, req.Actor.UserID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}

		c := Candidate{
			Actor:    req.Actor,
			Offer:    offer,
			Quantity: req.Quantity,
		}
		if req.RegistrationID != nil {
			if existing == nil || existing.ID != *req.RegistrationID {
				return ErrRegistrationNotFound
			}
			c.Prior = existing
		} else {
			c.Existing = existing
		}

		var excluding *uuid.UUID
		if c.Prior != nil {
			excluding = &c.Prior.ID
		}
		c.ReservedByOthers, err = tx.SumQuantities(ctx, excluding)
		if err != nil {
			return err
		}

		now := s.now()
		qty, err := Validate(c, now)
		if err != nil {
			return err
		}

		confirmedAt := now.UTC()
		reg := &db.Registration{
			UserID:      req.Actor.UserID,
			OfferID:     offer.ID,
			Quantity:    qty,
			ConfirmedAt: &confirmedAt,
		}
		previous := 0
		if c.Prior != nil {
			reg.ID = c.Prior.ID
			reg.CreatedAt = c.Prior.CreatedAt
			previous = c.Prior.Quantity
		}
		if err := tx.SaveRegistration(ctx, reg); err != nil {
			return err
		}

		consent := &db.Consent{
			UserID:  req.Actor.UserID,
			OfferID: &offer.ID,
			Type:    db.ConsentBindingOrder,
			Text:    BindingConsentText(offer),
		}
		if err := tx.InsertConsent(ctx, consent); err != nil {
			return err
		}

		conf = &Confirmation{
			Registration:     reg,
			Consent:          consent,
			PreviousQuantity: previous,
			Remaining:        Remaining(offer.StockLimit, c.ReservedByOthers+qty),
		}
		return nil
	})
	if err != nil {
		err = s.translate(err, req)
		s.recordOutcome(err, start)
		return nil, err
	}

	s.recordOutcome(nil, start)
	metrics.SetRemainingStock(offer.Slug, conf.Remaining)
	s.logger.Info("registration confirmed",
		zap.String("offer_id", offer.ID.String()),
		zap.String("registration_id", conf.Registration.ID.String()),
		zap.String("user_id", req.Actor.UserID.String()),
		zap.Int("quantity", conf.Registration.Quantity),
		zap.Int("previous_quantity", conf.PreviousQuantity),
	)

	s.afterConfirm(ctx, req.Actor, offer, conf)
	return conf, nil
}

// translate maps storage failures from the confirmation transaction onto
// the domain errors callers handle.
func (s *Service) translate(err error, req Request) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return err
	case errors.Is(err, ErrRegistrationNotFound):
		return err
	case errors.Is(err, db.ErrStockLimitExceeded):
		// The stock trigger caught a commit that raced past the lock.
		s.logger.Warn("stock limit enforced by store",
			zap.String("offer_id", req.OfferID.String()),
			zap.String("user_id", req.Actor.UserID.String()),
			zap.Int("quantity", req.Quantity),
		)
		return &ValidationError{
			Reason:   ReasonInsufficientStock,
			Field:    FieldQuantity,
			Message:  "not enough stock left for this quantity",
			Conflict: true,
		}
	case errors.Is(err, db.ErrNotFound):
		return ErrOfferNotFound
	case errors.Is(err, db.ErrUniqueViolation), errors.Is(err, db.ErrCheckViolation),
		errors.Is(err, db.ErrReferenceProtected), errors.Is(err, db.ErrConsentImmutable):
		s.logger.Error("integrity violation during confirmation",
			zap.Error(err),
			zap.String("offer_id", req.OfferID.String()),
			zap.String("user_id", req.Actor.UserID.String()),
		)
		return fmt.Errorf("%w: %v", ErrIntegrityViolation, err)
	default:
		return fmt.Errorf("confirm registration: %w", err)
	}
}

func (s *Service) recordOutcome(err error, start time.Time) {
	status := "ok"
	outcome := "confirmed"
	if err != nil {
		status = "error"
		var ve *ValidationError
		switch {
		case errors.As(err, &ve) && ve.Conflict:
			outcome = "conflict"
		case errors.As(err, &ve):
			outcome = string(ve.Reason)
		case errors.Is(err, ErrIntegrityViolation):
			outcome = "integrity_violation"
		default:
			outcome = "error"
		}
	}
	metrics.RecordConfirmation(outcome)
	metrics.ObserveConfirmationDuration(status, time.Since(start))
}

// afterConfirm runs the side effects of a committed confirmation. Their
// failures are logged and flagged but never undo the registration.
func (s *Service) afterConfirm(ctx context.Context, actor Actor, o *db.Offer, conf *Confirmation) {
	reg := conf.Registration

	if s.notifier != nil && actor.Email != "" {
		msg := notify.Message{
			To:   actor.Email,
			Kind: db.KindConfirm,
			Context: map[string]any{
				"first_name":        actor.FirstName,
				"offer_title":       o.Title,
				"quantity":          reg.Quantity,
				"previous_quantity": conf.PreviousQuantity,
				"pickup_start":      o.PickupStart.Format(dateFormat),
				"pickup_end":        o.PickupEnd.Format(dateFormat),
			},
			OfferID:        &o.ID,
			RegistrationID: &reg.ID,
		}
		if _, err := s.notifier.Notify(ctx, msg); err != nil {
			conf.NotificationFailed = true
			s.logger.Warn("confirmation notification failed",
				zap.Error(err),
				zap.String("registration_id", reg.ID.String()),
			)
		}
	}

	if s.events != nil {
		event := ConfirmedEvent{
			RegistrationID:   reg.ID,
			OfferID:          o.ID,
			OfferSlug:        o.Slug,
			UserID:           reg.UserID,
			Quantity:         reg.Quantity,
			PreviousQuantity: conf.PreviousQuantity,
			Remaining:        conf.Remaining,
			ConfirmedAt:      *reg.ConfirmedAt,
		}
		if err := s.events.PublishRegistrationConfirmed(ctx, event); err != nil {
			s.logger.Warn("failed to publish confirmation event",
				zap.Error(err),
				zap.String("registration_id", reg.ID.String()),
			)
		}
	}
}

// RequestEmailVerification mails u the link that proves they own their
// address. The identity collaborator builds verifyURL; the send is logged
// like every other notification.
func (s *Service) RequestEmailVerification(ctx context.Context, u *db.User, verifyURL string) error {
	if u.EmailVerifiedAt != nil {
		return ErrAlreadyVerified
	}
	if s.notifier == nil {
		return ErrNotificationsDisabled
	}
	_, err := s.notifier.Notify(ctx, notify.Message{
		To:   u.Email,
		Kind: db.KindVerify,
		Context: map[string]any{
			"first_name": u.FirstName,
			"verify_url": verifyURL,
		},
	})
	if err != nil {
		return fmt.Errorf("send verification to user %s: %w", u.ID, err)
	}
	return nil
}

// Reserve is the user-facing registration flow. It modifies the caller's
// registration for the offer when one exists and creates one otherwise.
// Submitting the quantity already held changes nothing while the order
// window is open.
func (s *Service) Reserve(ctx context.Context, actor Actor, offerID uuid.UUID, quantity int) (*Confirmation, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}

	existing, err := s.store.FindRegistration(ctx, actor.UserID, offerID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("load registration: %w", err)
	}

	req := Request{Actor: actor, OfferID: offerID, Quantity: quantity}
	if existing != nil {
		if existing.Confirmed() && existing.Quantity == quantity {
			o, err := s.GetOffer(ctx, offerID)
			if err != nil {
				return nil, err
			}
			if err := checkWindow(o, s.now()); err != nil {
				return nil, err
			}
			return &Confirmation{
				Registration:     existing,
				PreviousQuantity: existing.Quantity,
				Unchanged:        true,
			}, nil
		}
		req.RegistrationID = &existing.ID
	}

	// The allowance seen before taking the lock tells a lost race apart
	// from a request that never fit.
	seen := -1
	if q, err := s.quote(ctx, actor, offerID, existing); err == nil {
		seen = q.Allowance
	}

	conf, err := s.Confirm(ctx, req)
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Reason == ReasonInsufficientStock && !ve.Conflict && quantity <= seen {
		marked := *ve
		marked.Conflict = true
		s.logger.Info("confirmation lost a concurrent race",
			zap.String("offer_id", offerID.String()),
			zap.String("user_id", actor.UserID.String()),
			zap.Int("quantity", quantity),
			zap.Int("allowance", ve.Allowance),
		)
		return nil, &marked
	}
	return conf, err
}

// Quote is what a user sees on an offer page: their registration if any and
// how much more they could order right now.
type Quote struct {
	Registration *db.Registration
	Remaining    int
	Allowance    int
	Additional   int
	Open         bool
}

// Quote reads the ledger without locking. The numbers are advisory; Confirm
// recomputes them under the lock.
func (s *Service) Quote(ctx context.Context, actor Actor, o *db.Offer) (*Quote, error) {
	var existing *db.Registration
	if actor.Authenticated {
		reg, err := s.store.FindRegistration(ctx, actor.UserID, o.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("load registration: %w", err)
		}
		existing = reg
	}

	q, err := s.quote(ctx, actor, o.ID, existing)
	if err != nil {
		return nil, err
	}
	q.Open = o.OrderWindowContains(s.now())
	return q, nil
}

func (s *Service) quote(ctx context.Context, actor Actor, offerID uuid.UUID, existing *db.Registration) (*Quote, error) {
	o, err := s.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	var (
		excluding *uuid.UUID
		prior     int
	)
	if existing != nil {
		excluding = &existing.ID
		prior = existing.Quantity
	}
	others, err := s.store.SumQuantities(ctx, offerID, excluding)
	if err != nil {
		return nil, fmt.Errorf("sum quantities: %w", err)
	}

	allowance := Allowance(Remaining(o.StockLimit, others), o.PerUserLimit)
	return &Quote{
		Registration: existing,
		Remaining:    Remaining(o.StockLimit, others+prior),
		Allowance:    allowance,
		Additional:   Additional(allowance, prior),
	}, nil
}

// Remaining is the stock left on the offer, leaving out the registration
// with the excluded ID when given.
func (s *Service) Remaining(ctx context.Context, offerID uuid.UUID, excluding *uuid.UUID) (int, error) {
	o, err := s.GetOffer(ctx, offerID)
	if err != nil {
		return 0, err
	}
	reserved, err := s.store.SumQuantities(ctx, offerID, excluding)
	if err != nil {
		return 0, fmt.Errorf("sum quantities: %w", err)
	}
	return Remaining(o.StockLimit, reserved), nil
}

// Summary is a user's profile view of their registrations.
type Summary struct {
	Registrations []*db.RegistrationDetail
	Count         int
	TotalQuantity int
}

func (s *Service) Summary(ctx context.Context, userID uuid.UUID) (*Summary, error) {
	details, err := s.store.ListUserRegistrations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	sum := &Summary{Registrations: details, Count: len(details)}
	for _, d := range details {
		sum.TotalQuantity += d.Registration.Quantity
	}
	return sum, nil
}

func (s *Service) GetOffer(ctx context.Context, id uuid.UUID) (*db.Offer, error) {
	o, err := s.store.GetOffer(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func (s *Service) GetBySlug(ctx context.Context, slug string) (*db.Offer, error) {
	o, err := s.store.GetOfferBySlug(ctx, slug)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer %q: %w", slug, err)
	}
	return o, nil
}

// ListOpen returns offers whose order window has not ended yet.
func (s *Service) ListOpen(ctx context.Context) ([]*db.Offer, error) {
	offers, err := s.store.ListOpenOffers(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return offers, nil
}

func (s *Service) normalize(o *db.Offer) {
	if o.Slug == "" {
		o.Slug = Slugify(o.Title)
	}
	o.PickupStart = db.DateOf(o.PickupStart)
	o.PickupEnd = db.DateOf(o.PickupEnd)
}

func (s *Service) CreateOffer(ctx context.Context, o *db.Offer) error {
	s.normalize(o)
	if err := ValidateOffer(o, s.loc); err != nil {
		return err
	}

	err := s.store.CreateOffer(ctx, o)
	if errors.Is(err, db.ErrUniqueViolation) {
		return FieldErrors{"slug": fmt.Sprintf("%q is already in use", o.Slug)}
	}
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	s.logger.Info("offer created",
		zap.String("offer_id", o.ID.String()),
		zap.String("slug", o.Slug),
		zap.Int("stock_limit", o.StockLimit),
	)
	return nil
}

// UpdateOffer replaces the offer's fields. The stock limit may not drop
// below what is already reserved. Existing consent records keep the text
// they were given.
func (s *Service) UpdateOffer(ctx context.Context, id uuid.UUID, o *db.Offer) error {
	s.normalize(o)
	if err := ValidateOffer(o, s.loc); err != nil {
		return err
	}

	err := s.store.WithOfferLock(ctx, id, func(tx db.OfferTx) error {
		reserved, err := tx.SumQuantities(ctx, nil)
		if err != nil {
			return err
		}
		if o.StockLimit < reserved {
			return FieldErrors{"stock_limit": fmt.Sprintf("must be at least %d, the quantity already reserved", reserved)}
		}
		o.CreatedAt = tx.Offer().CreatedAt
		return tx.UpdateOffer(ctx, o)
	})

	var fe FieldErrors
	switch {
	case errors.As(err, &fe):
		return err
	case errors.Is(err, db.ErrUniqueViolation):
		return FieldErrors{"slug": fmt.Sprintf("%q is already in use", o.Slug)}
	case errors.Is(err, db.ErrNotFound):
		return ErrOfferNotFound
	case err != nil:
		return fmt.Errorf("update offer: %w", err)
	}

	s.logger.Info("offer updated", zap.String("offer_id", id.String()), zap.String("slug", o.Slug))
	return nil
}

// DeleteOffer removes an offer that has no registrations.
func (s *Service) DeleteOffer(ctx context.Context, id uuid.UUID) error {
	err := s.store.DeleteOffer(ctx, id)
	switch {
	case errors.Is(err, db.ErrReferenceProtected):
		return ErrOfferInUse
	case errors.Is(err, db.ErrNotFound):
		return ErrOfferNotFound
	case err != nil:
		return fmt.Errorf("delete offer: %w", err)
	}
	s.logger.Info("offer deleted", zap.String("offer_id", id.String()))
	return nil
}
