package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, last, postal string) *db.User {
	t.Helper()
	verified := time.Now().Add(-time.Hour)
	u := &db.User{
		Email:           uuid.NewString() + "@example.com",
		FirstName:       "Test",
		LastName:        last,
		Street:          "Hauptstraße",
		HouseNumber:     "1",
		PostalCode:      postal,
		City:            "Berlin",
		EmailVerifiedAt: &verified,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return u
}

func seedOffer(t *testing.T, s *Store, stock int) *db.Offer {
	t.Helper()
	now := time.Now()
	o := &db.Offer{
		Title:       "Olive oil",
		Slug:        "olive-oil-" + uuid.NewString()[:8],
		StockLimit:  stock,
		OrderStart:  now.Add(-24 * time.Hour),
		OrderEnd:    now.Add(24 * time.Hour),
		PickupStart: db.DateOf(now.AddDate(0, 0, 3)),
		PickupEnd:   db.DateOf(now.AddDate(0, 0, 5)),
	}
	if err := s.CreateOffer(context.Background(), o); err != nil {
		t.Fatalf("failed to create offer: %v", err)
	}
	return o
}

func insertRegistration(ctx context.Context, s *Store, offer *db.Offer, user *db.User, qty int) (*db.Registration, error) {
	now := time.Now()
	reg := &db.Registration{UserID: user.ID, OfferID: offer.ID, Quantity: qty, ConfirmedAt: &now}
	err := s.WithOfferLock(ctx, offer.ID, func(tx db.OfferTx) error {
		return tx.SaveRegistration(ctx, reg)
	})
	return reg, err
}

func updateOffer(t *testing.T, s *Store, o *db.Offer) {
	t.Helper()
	ctx := context.Background()
	err := s.WithOfferLock(ctx, o.ID, func(tx db.OfferTx) error {
		return tx.UpdateOffer(ctx, o)
	})
	if err != nil {
		t.Fatalf("update offer: %v", err)
	}
}

func TestStore_OfferRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	limit := 2
	o := seedOffer(t, s, 10)
	o.PerUserLimit = &limit
	updateOffer(t, s, o)

	got, err := s.GetOfferBySlug(ctx, o.Slug)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.ID != o.ID || got.StockLimit != 10 {
		t.Errorf("unexpected offer: %+v", got)
	}
	if got.PerUserLimit == nil || *got.PerUserLimit != 2 {
		t.Errorf("expected per-user limit 2, got %v", got.PerUserLimit)
	}
	if !got.PickupStart.Equal(o.PickupStart) {
		t.Errorf("pickup start changed: got %v, want %v", got.PickupStart, o.PickupStart)
	}
	if !got.OrderEnd.Equal(o.OrderEnd) {
		t.Errorf("order end changed: got %v, want %v", got.OrderEnd, o.OrderEnd)
	}

	if _, err := s.GetOfferBySlug(ctx, "missing"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListOpenOffers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := seedOffer(t, s, 5)
	closed := seedOffer(t, s, 5)
	closed.OrderStart = time.Now().Add(-72 * time.Hour)
	closed.OrderEnd = time.Now().Add(-48 * time.Hour)
	updateOffer(t, s, closed)

	offers, err := s.ListOpenOffers(ctx, time.Now())
	if err != nil {
		t.Fatalf("list offers: %v", err)
	}
	if len(offers) != 1 || offers[0].ID != open.ID {
		t.Fatalf("expected only the open offer, got %d offers", len(offers))
	}
}

func TestStore_UniqueUserOffer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := seedOffer(t, s, 10)
	u := seedUser(t, s, "Meyer", "10115")

	if _, err := insertRegistration(ctx, s, o, u, 1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := insertRegistration(ctx, s, o, u, 1)
	if !errors.Is(err, db.ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got %v", err)
	}
}

func TestStore_QuantityCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := seedOffer(t, s, 10)
	u := seedUser(t, s, "Meyer", "10115")

	_, err := insertRegistration(ctx, s, o, u, 0)
	if !errors.Is(err, db.ErrCheckViolation) {
		t.Fatalf("expected ErrCheckViolation, got %v", err)
	}
}

func TestStore_StockLimitTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := seedOffer(t, s, 5)

	if _, err := insertRegistration(ctx, s, o, seedUser(t, s, "A", "1"), 4); err != nil {
		t.Fatalf("insert within stock: %v", err)
	}
	_, err := insertRegistration(ctx, s, o, seedUser(t, s, "B", "2"), 2)
	if !errors.Is(err, db.ErrStockLimitExceeded) {
		t.Fatalf("expected ErrStockLimitExceeded, got %v", err)
	}

	sum, err := s.SumQuantities(ctx, o.ID, nil)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 4 {
		t.Errorf("expected committed sum 4, got %d", sum)
	}
}

func TestStore_SumQuantitiesExcluding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := seedOffer(t, s, 10)

	a, err := insertRegistration(ctx, s, o, seedUser(t, s, "A", "1"), 3)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := insertRegistration(ctx, s, o, seedUser(t, s, "B", "2"), 2); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sum, err := s.SumQuantities(ctx, o.ID, &a.ID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 2 {
		t.Errorf("expected 2 when excluding A, got %d", sum)
	}
}

func TestStore_ProtectOnDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := seedOffer(t, s, 10)
	u := seedUser(t, s, "Meyer", "10115")

	if _, err := insertRegistration(ctx, s, o, u, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.DeleteOffer(ctx, o.ID); !errors.Is(err, db.ErrReferenceProtected) {
		t.Errorf("expected offer delete to be protected, got %v", err)
	}
	if err := s.DeleteUser(ctx, u.ID); !errors.Is(err, db.ErrReferenceProtected) {
		t.Errorf("expected user delete to be protected, got %v", err)
	}

	empty := seedOffer(t, s, 1)
	if err := s.DeleteOffer(ctx, empty.ID); err != nil {
		t.Errorf("expected unreferenced offer to be deleted, got %v", err)
	}
}

func TestStore_ConsentImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := seedOffer(t, s, 10)
	u := seedUser(t, s, "Meyer", "10115")

	consent := &db.Consent{UserID: u.ID, OfferID: &o.ID, Type: db.ConsentBindingOrder, Text: "original"}
	err := s.WithOfferLock(ctx, o.ID, func(tx db.OfferTx) error {
		return tx.InsertConsent(ctx, consent)
	})
	if err != nil {
		t.Fatalf("insert consent: %v", err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE consents SET text = 'changed' WHERE id = ?`, consent.ID.String())
	if !errors.Is(classify(err), db.ErrConsentImmutable) {
		t.Fatalf("expected ErrConsentImmutable, got %v", err)
	}

	consents, err := s.ListConsents(ctx, u.ID, &o.ID)
	if err != nil {
		t.Fatalf("list consents: %v", err)
	}
	if len(consents) != 1 || consents[0].Text != "original" {
		t.Fatalf("consent text changed: %+v", consents)
	}
}

func TestStore_WithOfferLock_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := seedOffer(t, s, 10)
	u := seedUser(t, s, "Meyer", "10115")

	boom := errors.New("boom")
	err := s.WithOfferLock(ctx, o.ID, func(tx db.OfferTx) error {
		reg := &db.Registration{UserID: u.ID, OfferID: o.ID, Quantity: 2}
		if err := tx.SaveRegistration(ctx, reg); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.FindRegistration(ctx, u.ID, o.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected registration to be rolled back, got %v", err)
	}
}

func TestStore_NotificationLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := seedOffer(t, s, 10)
	u := seedUser(t, s, "Meyer", "10115")
	reg, err := insertRegistration(ctx, s, o, u, 1)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	has, err := s.HasNotification(ctx, reg.ID, db.KindReminderPre)
	if err != nil || has {
		t.Fatalf("expected no log yet, got %v %v", has, err)
	}

	msg := "smtp down"
	entry := &db.NotificationLog{
		Recipient:      u.Email,
		Kind:           db.KindReminderPre,
		OfferID:        &o.ID,
		RegistrationID: &reg.ID,
		Status:         db.StatusFailed,
		ErrorMessage:   &msg,
	}
	if err := s.InsertNotificationLog(ctx, entry); err != nil {
		t.Fatalf("insert log: %v", err)
	}

	has, err = s.HasNotification(ctx, reg.ID, db.KindReminderPre)
	if err != nil || !has {
		t.Fatalf("expected log to exist, got %v %v", has, err)
	}
	has, _ = s.HasNotification(ctx, reg.ID, db.KindReminderStart)
	if has {
		t.Error("other kinds must not match")
	}

	entries, err := s.ListNotificationLogs(ctx, reg.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(entries) != 1 || entries[0].ErrorMessage == nil || *entries[0].ErrorMessage != msg {
		t.Fatalf("unexpected log entries: %+v", entries)
	}
}

func TestStore_ListRegistrationsForPickupStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := seedOffer(t, s, 10)
	u := seedUser(t, s, "Meyer", "10115")
	if _, err := insertRegistration(ctx, s, o, u, 2); err != nil {
		t.Fatalf("insert: %v", err)
	}

	details, err := s.ListRegistrationsForPickupStart(ctx, o.PickupStart)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(details) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(details))
	}
	d := details[0]
	if d.User.Email != u.Email || d.Offer.ID != o.ID || d.Registration.Quantity != 2 {
		t.Errorf("unexpected detail: %+v", d)
	}

	none, err := s.ListRegistrationsForPickupStart(ctx, o.PickupStart.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no registrations on another day, got %d", len(none))
	}
}

func TestStore_EachExportRecord_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := seedOffer(t, s, 20)

	for _, u := range []struct{ last, postal string }{
		{"Schulz", "20095"},
		{"Becker", "80331"},
		{"Becker", "10115"},
	} {
		if _, err := insertRegistration(ctx, s, o, seedUser(t, s, u.last, u.postal), 1); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var got []string
	err := s.EachExportRecord(ctx, o.ID, func(rec db.ExportRecord) error {
		got = append(got, rec.LastName+"/"+rec.PostalCode)
		return nil
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	want := []string{"Becker/10115", "Becker/80331", "Schulz/20095"}
	if len(got) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d: got %s, want %s", i, got[i], want[i])
		}
	}
}
