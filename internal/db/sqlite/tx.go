package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/db"
)

// WithOfferLock runs fn in an IMMEDIATE transaction. SQLite has no row
// locks; the reserved write lock taken at BEGIN serializes every writer,
// which is stricter than the per-offer lock Postgres provides.
func (s *Store) WithOfferLock(ctx context.Context, offerID uuid.UUID, fn func(db.OfferTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	offer, err := scanOffer(tx.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = ?`, offerID.String()))
	if err != nil {
		return fmt.Errorf("lock offer %s: %w", offerID, classify(err))
	}

	if err := fn(&offerTx{tx: tx, offer: offer, now: s.now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("offer transaction commit failed",
			zap.Error(err),
			zap.String("offer_id", offerID.String()),
		)
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

type offerTx struct {
	tx    *sql.Tx
	offer *db.Offer
	now   func() time.Time
}

func (t *offerTx) Offer() *db.Offer {
	return t.offer
}

func (t *offerTx) FindRegistration(ctx context.Context, userID uuid.UUID) (*db.Registration, error) {
	return findRegistration(ctx, t.tx, userID, t.offer.ID)
}

func (t *offerTx) SumQuantities(ctx context.Context, excluding *uuid.UUID) (int, error) {
	return sumQuantities(ctx, t.tx, t.offer.ID, excluding)
}

func (t *offerTx) SaveRegistration(ctx context.Context, reg *db.Registration) error {
	if reg.ID == uuid.Nil {
		id := uuid.New()
		created := t.now().UTC()
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO registrations (`+registrationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id.String(), reg.UserID.String(), reg.OfferID.String(), reg.Quantity,
			formatNullTime(reg.ConfirmedAt), formatTime(created))
		if err != nil {
			return fmt.Errorf("insert registration: %w", classify(err))
		}
		reg.ID, reg.CreatedAt = id, created
		return nil
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE registrations SET quantity = ?, confirmed_at = ?
		WHERE id = ?
	`, reg.Quantity, formatNullTime(reg.ConfirmedAt), reg.ID.String())
	if err != nil {
		return fmt.Errorf("update registration: %w", classify(err))
	}
	return requireAffected(result, "registration", reg.ID)
}

func (t *offerTx) InsertConsent(ctx context.Context, c *db.Consent) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = t.now().UTC()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO consents (id, user_id, offer_id, type, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID.String(), c.UserID.String(), nullUUID(c.OfferID), c.Type, c.Text, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert consent: %w", classify(err))
	}
	return nil
}

func (t *offerTx) UpdateOffer(ctx context.Context, o *db.Offer) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE offers SET
			title = ?, slug = ?, description = ?, stock_limit = ?, per_user_limit = ?,
			order_start = ?, order_end = ?, pickup_start = ?, pickup_end = ?
		WHERE id = ?
	`, o.Title, o.Slug, o.Description, o.StockLimit, perUserArg(o.PerUserLimit),
		formatTime(o.OrderStart), formatTime(o.OrderEnd),
		formatDate(o.PickupStart), formatDate(o.PickupEnd), t.offer.ID.String())
	if err != nil {
		return fmt.Errorf("update offer: %w", classify(err))
	}
	if err := requireAffected(result, "offer", t.offer.ID); err != nil {
		return err
	}
	o.ID = t.offer.ID
	t.offer = o
	return nil
}
