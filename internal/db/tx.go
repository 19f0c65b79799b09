package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// WithOfferLock runs fn inside a transaction that holds a row lock on the
// offer. Concurrent callers for the same offer queue on the lock, so the
// ledger sum read inside fn cannot go stale before commit. The transaction
// commits when fn returns nil and rolls back otherwise.
func (r *Repository) WithOfferLock(ctx context.Context, offerID uuid.UUID, fn func(OfferTx) error) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	offer, err := scanOffer(tx.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR UPDATE`, offerID))
	if err != nil {
		return fmt.Errorf("lock offer %s: %w", offerID, classifyPgError(err))
	}

	if err := fn(&pgOfferTx{tx: tx, offer: offer}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		err = classifyPgError(err)
		r.logger.Error("offer transaction commit failed",
			zap.Error(err),
			zap.String("offer_id", offerID.String()),
		)
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgOfferTx struct {
	tx    pgx.Tx
	offer *Offer
}

func (t *pgOfferTx) Offer() *Offer {
	return t.offer
}

func (t *pgOfferTx) FindRegistration(ctx context.Context, userID uuid.UUID) (*Registration, error) {
	return findRegistration(ctx, t.tx, userID, t.offer.ID)
}

func (t *pgOfferTx) SumQuantities(ctx context.Context, excluding *uuid.UUID) (int, error) {
	return sumQuantities(ctx, t.tx, t.offer.ID, excluding)
}

func (t *pgOfferTx) SaveRegistration(ctx context.Context, reg *Registration) error {
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
		err := t.tx.QueryRow(ctx, `
			INSERT INTO registrations (id, user_id, offer_id, quantity, confirmed_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at
		`, reg.ID, reg.UserID, reg.OfferID, reg.Quantity, reg.ConfirmedAt).Scan(&reg.CreatedAt)
		if err != nil {
			reg.ID = uuid.Nil
			return fmt.Errorf("insert registration: %w", classifyPgError(err))
		}
		return nil
	}

	result, err := t.tx.Exec(ctx, `
		UPDATE registrations SET quantity = $1, confirmed_at = $2
		WHERE id = $3
	`, reg.Quantity, reg.ConfirmedAt, reg.ID)
	if err != nil {
		return fmt.Errorf("update registration: %w", classifyPgError(err))
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("registration %s: %w", reg.ID, ErrNotFound)
	}
	return nil
}

func (t *pgOfferTx) InsertConsent(ctx context.Context, c *Consent) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO consents (id, user_id, offer_id, type, text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, c.ID, c.UserID, c.OfferID, c.Type, c.Text).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert consent: %w", classifyPgError(err))
	}
	return nil
}

func (t *pgOfferTx) UpdateOffer(ctx context.Context, o *Offer) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE offers SET
			title = $1, slug = $2, description = $3, stock_limit = $4, per_user_limit = $5,
			order_start = $6, order_end = $7, pickup_start = $8, pickup_end = $9
		WHERE id = $10
	`, o.Title, o.Slug, o.Description, o.StockLimit, o.PerUserLimit,
		o.OrderStart, o.OrderEnd, o.PickupStart, o.PickupEnd, t.offer.ID)
	if err != nil {
		return fmt.Errorf("update offer: %w", classifyPgError(err))
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("offer %s: %w", t.offer.ID, ErrNotFound)
	}
	o.ID = t.offer.ID
	t.offer = o
	return nil
}
