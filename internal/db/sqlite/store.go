// Package sqlite is an embedded implementation of the registration store.
// All access goes through a single connection and every transaction starts
// as BEGIN IMMEDIATE, so writers are serialized by the database itself.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lalithlochan/preorder/internal/db"
)

//go:embed schema.sql
var schema string

const (
	timeLayout = "2006-01-02T15:04:05.000000000Z"
	dateLayout = "2006-01-02"
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to the database file at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("sqlite store ready", zap.String("path", path))
	return &Store{db: conn, logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

// classify maps SQLite constraint failures onto the storage sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return db.ErrNotFound
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, db.ConstraintStockLimit):
		return db.ErrStockLimitExceeded
	case strings.Contains(msg, db.ConstraintConsentImmutable):
		return db.ErrConsentImmutable
	}

	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return err
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return db.ErrUniqueViolation
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return db.ErrCheckViolation
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return db.ErrReferenceProtected
	}
	return err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, email, first_name, last_name, street, house_number,
	postal_code, city, email_verified_at, is_staff, created_at`

const offerColumns = `id, title, slug, description, stock_limit, per_user_limit,
	order_start, order_end, pickup_start, pickup_end, created_at`

const registrationColumns = `id, user_id, offer_id, quantity, confirmed_at, created_at`

// Each *Dest helper returns scan destinations for one entity plus a finish
// func that decodes the text columns once the row has been scanned. Split
// this way, a joined row can be scanned into several entities at once.

func userDest(u *db.User) ([]any, func() error) {
	var verified sql.NullString
	var createdAt string
	dest := []any{&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Street, &u.HouseNumber,
		&u.PostalCode, &u.City, &verified, &u.IsStaff, &createdAt}
	return dest, func() (err error) {
		if u.EmailVerifiedAt, err = parseNullTime(verified); err != nil {
			return err
		}
		u.CreatedAt, err = parseTime(createdAt)
		return err
	}
}

func offerDest(o *db.Offer) ([]any, func() error) {
	var (
		perUser                           sql.NullInt64
		orderStart, orderEnd              string
		pickupStart, pickupEnd, createdAt string
	)
	dest := []any{&o.ID, &o.Title, &o.Slug, &o.Description, &o.StockLimit, &perUser,
		&orderStart, &orderEnd, &pickupStart, &pickupEnd, &createdAt}
	return dest, func() (err error) {
		o.PerUserLimit = nil
		if perUser.Valid {
			limit := int(perUser.Int64)
			o.PerUserLimit = &limit
		}
		if o.OrderStart, err = parseTime(orderStart); err != nil {
			return err
		}
		if o.OrderEnd, err = parseTime(orderEnd); err != nil {
			return err
		}
		if o.PickupStart, err = time.Parse(dateLayout, pickupStart); err != nil {
			return err
		}
		if o.PickupEnd, err = time.Parse(dateLayout, pickupEnd); err != nil {
			return err
		}
		o.CreatedAt, err = parseTime(createdAt)
		return err
	}
}

func registrationDest(r *db.Registration) ([]any, func() error) {
	var confirmed sql.NullString
	var createdAt string
	dest := []any{&r.ID, &r.UserID, &r.OfferID, &r.Quantity, &confirmed, &createdAt}
	return dest, func() (err error) {
		if r.ConfirmedAt, err = parseNullTime(confirmed); err != nil {
			return err
		}
		r.CreatedAt, err = parseTime(createdAt)
		return err
	}
}

func scanUser(row scanner) (*db.User, error) {
	var u db.User
	dest, finish := userDest(&u)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &u, finish()
}

func scanOffer(row scanner) (*db.Offer, error) {
	var o db.Offer
	dest, finish := offerDest(&o)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &o, finish()
}

func scanRegistration(row scanner) (*db.Registration, error) {
	var r db.Registration
	dest, finish := registrationDest(&r)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &r, finish()
}

func (s *Store) CreateUser(ctx context.Context, u *db.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID.String(), u.Email, u.FirstName, u.LastName, u.Street, u.HouseNumber,
		u.PostalCode, u.City, formatNullTime(u.EmailVerifiedAt), u.IsStaff, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", classify(err))
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id.String()))
	if err != nil {
		return nil, fmt.Errorf("query user %s: %w", id, classify(err))
	}
	return u, nil
}

func (s *Store) MarkEmailVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET email_verified_at = COALESCE(email_verified_at, ?)
		WHERE id = ?
	`, formatTime(at), id.String())
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return requireAffected(result, "user", id)
}

func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete user: %w", classify(err))
	}
	return requireAffected(result, "user", id)
}

func requireAffected(result sql.Result, what string, id uuid.UUID) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, db.ErrNotFound)
	}
	return nil
}

func perUserArg(limit *int) any {
	if limit == nil {
		return nil
	}
	return *limit
}

func (s *Store) CreateOffer(ctx context.Context, o *db.Offer) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID.String(), o.Title, o.Slug, o.Description, o.StockLimit, perUserArg(o.PerUserLimit),
		formatTime(o.OrderStart), formatTime(o.OrderEnd),
		formatDate(o.PickupStart), formatDate(o.PickupEnd), formatTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert offer: %w", classify(err))
	}
	s.logger.Debug("offer inserted",
		zap.String("offer_id", o.ID.String()),
		zap.String("slug", o.Slug),
	)
	return nil
}

func (s *Store) GetOffer(ctx context.Context, id uuid.UUID) (*db.Offer, error) {
	o, err := scanOffer(s.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = ?`, id.String()))
	if err != nil {
		return nil, fmt.Errorf("query offer %s: %w", id, classify(err))
	}
	return o, nil
}

func (s *Store) GetOfferBySlug(ctx context.Context, slug string) (*db.Offer, error) {
	o, err := scanOffer(s.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE slug = ?`, slug))
	if err != nil {
		return nil, fmt.Errorf("query offer %q: %w", slug, classify(err))
	}
	return o, nil
}

func (s *Store) ListOpenOffers(ctx context.Context, now time.Time) ([]*db.Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE order_end >= ?
		ORDER BY order_start, title
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer rows.Close()

	var offers []*db.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func (s *Store) DeleteOffer(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM offers WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete offer: %w", classify(err))
	}
	return requireAffected(result, "offer", id)
}

func (s *Store) FindRegistration(ctx context.Context, userID, offerID uuid.UUID) (*db.Registration, error) {
	return findRegistration(ctx, s.db, userID, offerID)
}

func findRegistration(ctx context.Context, q queryer, userID, offerID uuid.UUID) (*db.Registration, error) {
	reg, err := scanRegistration(q.QueryRowContext(ctx, `
		SELECT `+registrationColumns+` FROM registrations
		WHERE user_id = ? AND offer_id = ?
	`, userID.String(), offerID.String()))
	if err != nil {
		return nil, fmt.Errorf("query registration: %w", classify(err))
	}
	return reg, nil
}

func (s *Store) SumQuantities(ctx context.Context, offerID uuid.UUID, excluding *uuid.UUID) (int, error) {
	return sumQuantities(ctx, s.db, offerID, excluding)
}

func sumQuantities(ctx context.Context, q queryer, offerID uuid.UUID, excluding *uuid.UUID) (int, error) {
	var sum int
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM registrations
		WHERE offer_id = ? AND (? IS NULL OR id <> ?)
	`, offerID.String(), nullUUID(excluding), nullUUID(excluding)).Scan(&sum)
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

func (s *Store) queryDetails(ctx context.Context, query string, args ...any) ([]*db.RegistrationDetail, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var details []*db.RegistrationDetail
	for rows.Next() {
		var d db.RegistrationDetail
		regDest, regFinish := registrationDest(&d.Registration)
		offerDst, offerFinish := offerDest(&d.Offer)
		userDst, userFinish := userDest(&d.User)

		dest := append(append(regDest, offerDst...), userDst...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		for _, finish := range []func() error{regFinish, offerFinish, userFinish} {
			if err := finish(); err != nil {
				return nil, fmt.Errorf("decode registration: %w", err)
			}
		}
		details = append(details, &d)
	}
	return details, rows.Err()
}

func (s *Store) ListUserRegistrations(ctx context.Context, userID uuid.UUID) ([]*db.RegistrationDetail, error) {
	return s.queryDetails(ctx, detailQuery+`
		WHERE r.user_id = ?
		ORDER BY o.pickup_start DESC, o.title
	`, userID.String())
}

func (s *Store) ListRegistrationsForPickupStart(ctx context.Context, day time.Time) ([]*db.RegistrationDetail, error) {
	return s.queryDetails(ctx, detailQuery+`
		WHERE o.pickup_start = ? AND r.confirmed_at IS NOT NULL
		ORDER BY r.created_at
	`, formatDate(day))
}

func (s *Store) ListConsents(ctx context.Context, userID uuid.UUID, offerID *uuid.UUID) ([]*db.Consent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, offer_id, type, text, created_at FROM consents
		WHERE user_id = ? AND (? IS NULL OR offer_id = ?)
		ORDER BY created_at
	`, userID.String(), nullUUID(offerID), nullUUID(offerID))
	if err != nil {
		return nil, fmt.Errorf("query consents: %w", err)
	}
	defer rows.Close()

	var consents []*db.Consent
	for rows.Next() {
		var (
			c         db.Consent
			offer     uuid.NullUUID
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &offer, &c.Type, &c.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		c.OfferID = uuidPtr(offer)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("decode consent: %w", err)
		}
		consents = append(consents, &c)
	}
	return consents, rows.Err()
}

func (s *Store) InsertNotificationLog(ctx context.Context, entry *db.NotificationLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_logs (
			id, recipient, kind, offer_id, registration_id,
			status, provider_message_id, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID.String(), entry.Recipient, entry.Kind, nullUUID(entry.OfferID), nullUUID(entry.RegistrationID),
		entry.Status, entry.ProviderMessageID, entry.ErrorMessage, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification log: %w", classify(err))
	}
	return nil
}

func (s *Store) HasNotification(ctx context.Context, registrationID uuid.UUID, kind string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_logs WHERE registration_id = ? AND kind = ?
		)
	`, registrationID.String(), kind).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query notification log: %w", err)
	}
	return exists, nil
}

// ListNotificationLogs returns every log row for a registration, oldest first.
func (s *Store) ListNotificationLogs(ctx context.Context, registrationID uuid.UUID) ([]*db.NotificationLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient, kind, offer_id, registration_id, status,
			provider_message_id, error_message, created_at
		FROM notification_logs WHERE registration_id = ?
		ORDER BY created_at
	`, registrationID.String())
	if err != nil {
		return nil, fmt.Errorf("query notification logs: %w", err)
	}
	defer rows.Close()

	var entries []*db.NotificationLog
	for rows.Next() {
		var (
			e              db.NotificationLog
			offer, reg     uuid.NullUUID
			errMsg         sql.NullString
			createdAt      string
		)
		err := rows.Scan(&e.ID, &e.Recipient, &e.Kind, &offer, &reg, &e.Status,
			&e.ProviderMessageID, &errMsg, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		e.OfferID, e.RegistrationID = uuidPtr(offer), uuidPtr(reg)
		if errMsg.Valid {
			e.ErrorMessage = &errMsg.String
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("decode notification log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *Store) EachExportRecord(ctx context.Context, offerID uuid.UUID, fn func(db.ExportRecord) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.title, r.quantity, u.last_name, u.first_name, u.street,
			u.house_number, u.postal_code, u.city
		FROM registrations r
		JOIN offers o ON o.id = r.offer_id
		JOIN users u ON u.id = r.user_id
		WHERE r.offer_id = ? AND r.confirmed_at IS NOT NULL
		ORDER BY u.last_name, u.postal_code, r.created_at
	`, offerID.String())
	if err != nil {
		return fmt.Errorf("query export: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec db.ExportRecord
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
