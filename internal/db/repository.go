package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository is the Postgres-backed store for offers, registrations,
// consents and the notification log.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const userColumns = `id, email, first_name, last_name, street, house_number,
	postal_code, city, email_verified_at, is_staff, created_at`

const offerColumns = `id, title, slug, description, stock_limit, per_user_limit,
	order_start, order_end, pickup_start, pickup_end, created_at`

const registrationColumns = `id, user_id, offer_id, quantity, confirmed_at, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Street, &u.HouseNumber,
		&u.PostalCode, &u.City, &u.EmailVerifiedAt, &u.IsStaff, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	err := row.Scan(&o.ID, &o.Title, &o.Slug, &o.Description, &o.StockLimit, &o.PerUserLimit,
		&o.OrderStart, &o.OrderEnd, &o.PickupStart, &o.PickupEnd, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanRegistration(row pgx.Row) (*Registration, error) {
	var r Registration
	err := row.Scan(&r.ID, &r.UserID, &r.OfferID, &r.Quantity, &r.ConfirmedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateUser stores a user record mirrored from the identity provider.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	query := `
		INSERT INTO users (
			id, email, first_name, last_name, street, house_number,
			postal_code, city, email_verified_at, is_staff
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		u.ID, u.Email, u.FirstName, u.LastName, u.Street, u.HouseNumber,
		u.PostalCode, u.City, u.EmailVerifiedAt, u.IsStaff,
	).Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", classifyPgError(err))
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.db.Pool().QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("query user %s: %w", id, classifyPgError(err))
	}
	return u, nil
}

// MarkEmailVerified stamps the verification time unless it is already set.
func (r *Repository) MarkEmailVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE users SET email_verified_at = COALESCE(email_verified_at, $1)
		WHERE id = $2
	`, at, id)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteUser fails with ErrReferenceProtected while the user has registrations.
func (r *Repository) DeleteUser(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", classifyPgError(err))
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Repository) CreateOffer(ctx context.Context, o *Offer) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	query := `
		INSERT INTO offers (
			id, title, slug, description, stock_limit, per_user_limit,
			order_start, order_end, pickup_start, pickup_end
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		o.ID, o.Title, o.Slug, o.Description, o.StockLimit, o.PerUserLimit,
		o.OrderStart, o.OrderEnd, o.PickupStart, o.PickupEnd,
	).Scan(&o.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create offer", zap.Error(err), zap.String("slug", o.Slug))
		return fmt.Errorf("insert offer: %w", classifyPgError(err))
	}

	r.logger.Info("offer created",
		zap.String("offer_id", o.ID.String()),
		zap.String("slug", o.Slug),
		zap.Int("stock_limit", o.StockLimit),
	)
	return nil
}

func (r *Repository) GetOffer(ctx context.Context, id uuid.UUID) (*Offer, error) {
	o, err := scanOffer(r.db.Pool().QueryRow(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("query offer %s: %w", id, classifyPgError(err))
	}
	return o, nil
}

func (r *Repository) GetOfferBySlug(ctx context.Context, slug string) (*Offer, error) {
	o, err := scanOffer(r.db.Pool().QueryRow(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE slug = $1`, slug))
	if err != nil {
		return nil, fmt.Errorf("query offer %q: %w", slug, classifyPgError(err))
	}
	return o, nil
}

// ListOpenOffers returns offers whose order window has not ended yet,
// earliest order start first.
func (r *Repository) ListOpenOffers(ctx context.Context, now time.Time) ([]*Offer, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE order_end >= $1
		ORDER BY order_start, title
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer rows.Close()

	var offers []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return offers, nil
}

// DeleteOffer fails with ErrReferenceProtected while registrations exist.
func (r *Repository) DeleteOffer(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM offers WHERE id = $1`, id)
	if err != nil {
		err = classifyPgError(err)
		if errors.Is(err, ErrReferenceProtected) {
			r.logger.Warn("offer delete blocked by registrations", zap.String("offer_id", id.String()))
		}
		return fmt.Errorf("delete offer: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Repository) FindRegistration(ctx context.Context, userID, offerID uuid.UUID) (*Registration, error) {
	return findRegistration(ctx, r.db.Pool(), userID, offerID)
}

func findRegistration(ctx context.Context, q querier, userID, offerID uuid.UUID) (*Registration, error) {
	reg, err := scanRegistration(q.QueryRow(ctx, `
		SELECT `+registrationColumns+` FROM registrations
		WHERE user_id = $1 AND offer_id = $2
	`, userID, offerID))
	if err != nil {
		return nil, fmt.Errorf("query registration: %w", classifyPgError(err))
	}
	return reg, nil
}

// SumQuantities is the unlocked ledger read used for display. Writers use
// the OfferTx variant instead.
func (r *Repository) SumQuantities(ctx context.Context, offerID uuid.UUID, excluding *uuid.UUID) (int, error) {
	return sumQuantities(ctx, r.db.Pool(), offerID, excluding)
}

func sumQuantities(ctx context.Context, q querier, offerID uuid.UUID, excluding *uuid.UUID) (int, error) {
	var sum int
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM registrations
		WHERE offer_id = $1 AND ($2::uuid IS NULL OR id <> $2)
	`, offerID, excluding).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum quantities: %w", err)
	}
	return sum, nil
}

const detailQuery = `
	SELECT
		r.id, r.user_id, r.offer_id, r.quantity, r.confirmed_at, r.created_at,
		o.id, o.title, o.slug, o.description, o.stock_limit, o.per_user_limit,
		o.order_start, o.order_end, o.pickup_start, o.pickup_end, o.created_at,
		u.id, u.email, u.first_name, u.last_name, u.street, u.house_number,
		u.postal_code, u.city, u.email_verified_at, u.is_staff, u.created_at
	FROM registrations r
	JOIN offers o ON o.id = r.offer_id
	JOIN users u ON u.id = r.user_id
`

func (r *Repository) queryDetails(ctx context.Context, query string, args ...any) ([]*RegistrationDetail, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var details []*RegistrationDetail
	for rows.Next() {
		var d RegistrationDetail
		reg, off, u := &d.Registration, &d.Offer, &d.User
		err := rows.Scan(
			&reg.ID, &reg.UserID, &reg.OfferID, &reg.Quantity, &reg.ConfirmedAt, &reg.CreatedAt,
			&off.ID, &off.Title, &off.Slug, &off.Description, &off.StockLimit, &off.PerUserLimit,
			&off.OrderStart, &off.OrderEnd, &off.PickupStart, &off.PickupEnd, &off.CreatedAt,
			&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Street, &u.HouseNumber,
			&u.PostalCode, &u.City, &u.EmailVerifiedAt, &u.IsStaff, &u.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		details = append(details, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return details, nil
}

// ListUserRegistrations returns a user's registrations, most recent pickup first.
func (r *Repository) ListUserRegistrations(ctx context.Context, userID uuid.UUID) ([]*RegistrationDetail, error) {
	return r.queryDetails(ctx, detailQuery+`
		WHERE r.user_id = $1
		ORDER BY o.pickup_start DESC, o.title
	`, userID)
}

// ListRegistrationsForPickupStart returns confirmed registrations of offers
// whose pickup window opens on day.
func (r *Repository) ListRegistrationsForPickupStart(ctx context.Context, day time.Time) ([]*RegistrationDetail, error) {
	return r.queryDetails(ctx, detailQuery+`
		WHERE o.pickup_start = $1 AND r.confirmed_at IS NOT NULL
		ORDER BY r.created_at
	`, DateOf(day))
}

func (r *Repository) ListConsents(ctx context.Context, userID uuid.UUID, offerID *uuid.UUID) ([]*Consent, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, user_id, offer_id, type, text, created_at FROM consents
		WHERE user_id = $1 AND ($2::uuid IS NULL OR offer_id = $2)
		ORDER BY created_at
	`, userID, offerID)
	if err != nil {
		return nil, fmt.Errorf("query consents: %w", err)
	}
	defer rows.Close()

	var consents []*Consent
	for rows.Next() {
		var c Consent
		if err := rows.Scan(&c.ID, &c.UserID, &c.OfferID, &c.Type, &c.Text, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		consents = append(consents, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return consents, nil
}

// InsertNotificationLog appends one delivery record.
func (r *Repository) InsertNotificationLog(ctx context.Context, entry *NotificationLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_logs (
			id, recipient, kind, offer_id, registration_id,
			status, provider_message_id, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, entry.ID, entry.Recipient, entry.Kind, entry.OfferID, entry.RegistrationID,
		entry.Status, entry.ProviderMessageID, entry.ErrorMessage,
	).Scan(&entry.CreatedAt)
	if err != nil {
		r.logger.Error("failed to insert notification log",
			zap.Error(err),
			zap.String("kind", entry.Kind),
		)
		return fmt.Errorf("insert notification log: %w", classifyPgError(err))
	}
	return nil
}

// HasNotification reports whether any delivery of kind was logged for the
// registration, regardless of its status.
func (r *Repository) HasNotification(ctx context.Context, registrationID uuid.UUID, kind string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_logs WHERE registration_id = $1 AND kind = $2
		)
	`, registrationID, kind).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query notification log: %w", err)
	}
	return exists, nil
}

// EachExportRecord streams the confirmed registrations of an offer ordered by
// last name, then postal code. fn may stop the iteration by returning an error.
func (r *Repository) EachExportRecord(ctx context.Context, offerID uuid.UUID, fn func(ExportRecord) error) error {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT o.title, r.quantity, u.last_name, u.first_name, u.street,
			u.house_number, u.postal_code, u.city
		FROM registrations r
		JOIN offers o ON o.id = r.offer_id
		JOIN users u ON u.id = r.user_id
		WHERE r.offer_id = $1 AND r.confirmed_at IS NOT NULL
		ORDER BY u.last_name, u.postal_code, r.created_at
	`, offerID)
	if err != nil {
		return fmt.Errorf("query export: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec ExportRecord
		err := rows.Scan(&rec.OfferTitle, &rec.Quantity, &rec.LastName, &rec.FirstName,
			&rec.Street, &rec.HouseNumber, &rec.PostalCode, &rec.City)
		if err != nil {
			return fmt.Errorf("scan export row: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
