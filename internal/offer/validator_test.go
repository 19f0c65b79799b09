package offer

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/preorder/internal/db"
)

func intPtr(n int) *int { return &n }

func verifiedActor() Actor {
	verified := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return Actor{UserID: uuid.New(), Authenticated: true, EmailVerifiedAt: &verified}
}

func openOffer(now time.Time, stock int, perUser *int) *db.Offer {
	return &db.Offer{
		ID:           uuid.New(),
		Title:        "Olive oil",
		StockLimit:   stock,
		PerUserLimit: perUser,
		OrderStart:   now.Add(-time.Hour),
		OrderEnd:     now.Add(time.Hour),
		PickupStart:  db.DateOf(now.AddDate(0, 0, 2)),
		PickupEnd:    db.DateOf(now.AddDate(0, 0, 4)),
	}
}

func confirmedReg(qty int) *db.Registration {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	return &db.Registration{ID: uuid.New(), Quantity: qty, ConfirmedAt: &at}
}

func TestValidate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		candidate     func() Candidate
		wantQty       int
		wantErr       error
		wantAllowance int
	}{
		{
			name: "anonymous actor",
			candidate: func() Candidate {
				return Candidate{Offer: openOffer(now, 5, nil), Quantity: 1}
			},
			wantErr: ErrNotAuthenticated,
		},
		{
			name: "unverified email",
			candidate: func() Candidate {
				return Candidate{
					Actor:    Actor{UserID: uuid.New(), Authenticated: true},
					Offer:    openOffer(now, 5, nil),
					Quantity: 1,
				}
			},
			wantErr: ErrEmailUnverified,
		},
		{
			name: "authentication checked before window",
			candidate: func() Candidate {
				o := openOffer(now, 5, nil)
				o.OrderEnd = now.Add(-time.Minute)
				return Candidate{Offer: o, Quantity: 1}
			},
			wantErr: ErrNotAuthenticated,
		},
		{
			name: "order window closed",
			candidate: func() Candidate {
				o := openOffer(now, 5, nil)
				o.OrderStart = now.AddDate(0, 0, -10)
				o.OrderEnd = now.AddDate(0, 0, -3)
				return Candidate{Actor: verifiedActor(), Offer: o, Quantity: 1}
			},
			wantErr: ErrOutsideOrderWindow,
		},
		{
			name: "order window not yet open",
			candidate: func() Candidate {
				o := openOffer(now, 5, nil)
				o.OrderStart = now.Add(time.Minute)
				return Candidate{Actor: verifiedActor(), Offer: o, Quantity: 1}
			},
			wantErr: ErrOutsideOrderWindow,
		},
		{
			name: "zero quantity",
			candidate: func() Candidate {
				return Candidate{Actor: verifiedActor(), Offer: openOffer(now, 5, nil), Quantity: 0}
			},
			wantErr: ErrInvalidQuantity,
		},
		{
			name: "decrease of confirmed registration",
			candidate: func() Candidate {
				return Candidate{
					Actor:    verifiedActor(),
					Offer:    openOffer(now, 5, nil),
					Quantity: 1,
					Prior:    confirmedReg(2),
				}
			},
			wantErr: ErrQuantityDecreaseNotAllowed,
		},
		{
			name: "increase of confirmed registration",
			candidate: func() Candidate {
				return Candidate{
					Actor:            verifiedActor(),
					Offer:            openOffer(now, 5, nil),
					Quantity:         3,
					Prior:            confirmedReg(2),
					ReservedByOthers: 2,
				}
			},
			wantQty: 3,
		},
		{
			name: "oversell",
			candidate: func() Candidate {
				return Candidate{
					Actor:            verifiedActor(),
					Offer:            openOffer(now, 5, nil),
					Quantity:         2,
					ReservedByOthers: 4,
				}
			},
			wantErr:       ErrInsufficientStock,
			wantAllowance: 1,
		},
		{
			name: "exactly the remaining stock",
			candidate: func() Candidate {
				return Candidate{
					Actor:            verifiedActor(),
					Offer:            openOffer(now, 5, nil),
					Quantity:         1,
					ReservedByOthers: 4,
				}
			},
			wantQty: 1,
		},
		{
			name: "own quantity is not counted twice",
			candidate: func() Candidate {
				return Candidate{
					Actor:            verifiedActor(),
					Offer:            openOffer(now, 5, nil),
					Quantity:         4,
					Prior:            confirmedReg(3),
					ReservedByOthers: 2,
				}
			},
			wantErr:       ErrInsufficientStock,
			wantAllowance: 3,
		},
		{
			name: "per-user limit caps allowance",
			candidate: func() Candidate {
				return Candidate{
					Actor:    verifiedActor(),
					Offer:    openOffer(now, 10, intPtr(2)),
					Quantity: 3,
				}
			},
			wantErr:       ErrPerUserLimitExceeded,
			wantAllowance: 2,
		},
		{
			name: "stock binds tighter than per-user limit",
			candidate: func() Candidate {
				return Candidate{
					Actor:            verifiedActor(),
					Offer:            openOffer(now, 10, intPtr(2)),
					Quantity:         2,
					ReservedByOthers: 9,
				}
			},
			wantErr:       ErrInsufficientStock,
			wantAllowance: 1,
		},
		{
			name: "per-user limit reached exactly",
			candidate: func() Candidate {
				return Candidate{
					Actor:    verifiedActor(),
					Offer:    openOffer(now, 10, intPtr(2)),
					Quantity: 2,
				}
			},
			wantQty: 2,
		},
		{
			name: "stock lowered below reservations",
			candidate: func() Candidate {
				return Candidate{
					Actor:            verifiedActor(),
					Offer:            openOffer(now, 3, nil),
					Quantity:         1,
					ReservedByOthers: 5,
				}
			},
			wantErr:       ErrInsufficientStock,
			wantAllowance: 0,
		},
		{
			name: "second registration for same offer",
			candidate: func() Candidate {
				return Candidate{
					Actor:            verifiedActor(),
					Offer:            openOffer(now, 5, nil),
					Quantity:         1,
					Existing:         confirmedReg(2),
					ReservedByOthers: 2,
				}
			},
			wantErr: ErrDuplicateRegistration,
		},
		{
			name: "stock checked before duplicate",
			candidate: func() Candidate {
				return Candidate{
					Actor:            verifiedActor(),
					Offer:            openOffer(now, 5, nil),
					Quantity:         4,
					Existing:         confirmedReg(2),
					ReservedByOthers: 2,
				}
			},
			wantErr:       ErrInsufficientStock,
			wantAllowance: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qty, err := Validate(tt.candidate(), now)

			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if qty != tt.wantQty {
					t.Errorf("expected quantity %d, got %d", tt.wantQty, qty)
				}
				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Allowance != tt.wantAllowance {
				t.Errorf("expected allowance %d, got %d", tt.wantAllowance, ve.Allowance)
			}
			if ve.Message == "" {
				t.Error("validation error should carry a message")
			}
		})
	}
}

func TestValidate_QuantityErrorsAreFieldScoped(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := Validate(Candidate{
		Actor:            verifiedActor(),
		Offer:            openOffer(now, 5, nil),
		Quantity:         6,
		ReservedByOthers: 0,
	}, now)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if ve.Field != FieldQuantity {
		t.Errorf("expected field %q, got %q", FieldQuantity, ve.Field)
	}

	_, err = Validate(Candidate{Offer: openOffer(now, 5, nil), Quantity: 1}, now)
	if !errors.As(err, &ve) || ve.Field != "" {
		t.Errorf("authentication errors should not be field-scoped, got %+v", err)
	}
}

func TestValidate_WindowBoundsInclusive(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	o := openOffer(now, 5, nil)

	for _, at := range []time.Time{o.OrderStart, o.OrderEnd} {
		if _, err := Validate(Candidate{Actor: verifiedActor(), Offer: o, Quantity: 1}, at); err != nil {
			t.Errorf("expected %s to be inside the order window, got %v", at, err)
		}
	}
}

func TestLedger(t *testing.T) {
	if got := Remaining(5, 4); got != 1 {
		t.Errorf("Remaining(5, 4) = %d, want 1", got)
	}
	if got := Remaining(3, 5); got != 0 {
		t.Errorf("Remaining(3, 5) = %d, want 0", got)
	}
	if got := Allowance(5, nil); got != 5 {
		t.Errorf("Allowance(5, nil) = %d, want 5", got)
	}
	if got := Allowance(8, intPtr(2)); got != 2 {
		t.Errorf("Allowance(8, 2) = %d, want 2", got)
	}
	if got := Additional(5, 4); got != 1 {
		t.Errorf("Additional(5, 4) = %d, want 1", got)
	}
	if got := Additional(2, 3); got != 0 {
		t.Errorf("Additional(2, 3) = %d, want 0", got)
	}
}

func TestValidationError_Is(t *testing.T) {
	err := &ValidationError{Reason: ReasonInsufficientStock, Message: "x", Allowance: 3}
	if !errors.Is(err, ErrInsufficientStock) {
		t.Error("expected match on reason")
	}
	if errors.Is(err, ErrPerUserLimitExceeded) {
		t.Error("different reasons should not match")
	}
}

func TestValidateOffer(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	valid := openOffer(now, 5, nil)
	if err := ValidateOffer(valid, loc); err != nil {
		t.Fatalf("expected valid offer, got %v", err)
	}

	bad := &db.Offer{
		Title:        " ",
		StockLimit:   0,
		PerUserLimit: intPtr(0),
		OrderStart:   now,
		OrderEnd:     now,
		PickupStart:  db.DateOf(now.AddDate(0, 0, -1)),
		PickupEnd:    db.DateOf(now.AddDate(0, 0, -2)),
	}
	err = ValidateOffer(bad, loc)
	var fe FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldErrors, got %v", err)
	}
	for _, field := range []string{"title", "stock_limit", "per_user_limit", "order_end", "pickup_end", "pickup_start"} {
		if _, ok := fe[field]; !ok {
			t.Errorf("expected error for field %q", field)
		}
	}
}

func TestValidateOffer_PickupDateInLocalZone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}

	// 23:30 UTC on 10 March is already 11 March in Berlin.
	end := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	o := &db.Offer{
		Title:       "Honey",
		StockLimit:  5,
		OrderStart:  end.AddDate(0, 0, -5),
		OrderEnd:    end,
		PickupStart: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		PickupEnd:   time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
	}
	var fe FieldErrors
	if err := ValidateOffer(o, loc); !errors.As(err, &fe) || fe["pickup_start"] == "" {
		t.Errorf("expected pickup_start error, got %v", err)
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Olive Oil":                 "olive-oil",
		"  Crème   brûlée  ":        "creme-brulee",
		"Äpfel & Birnen 2026":       "apfel-birnen-2026",
		"multi--hyphen__underscore": "multi-hyphen-underscore",
		"!!!":                       "",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBindingConsentText(t *testing.T) {
	o := &db.Offer{
		Title:       "Olive oil",
		PickupStart: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		PickupEnd:   time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC),
	}
	text := BindingConsentText(o)
	for _, want := range []string{`"Olive oil"`, "01.04.2026", "03.04.2026", "binding"} {
		if !strings.Contains(text, want) {
			t.Errorf("consent text %q should contain %q", text, want)
		}
	}
}
