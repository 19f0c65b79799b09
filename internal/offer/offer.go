package offer

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/lalithlochan/preorder/internal/db"
)

const dateFormat = "02.01.2006"

// ValidateOffer checks the operator-side invariants of an offer. Dates are
// compared in loc, the zone pickup dates are meant in.
func ValidateOffer(o *db.Offer, loc *time.Location) error {
	fe := FieldErrors{}

	if strings.TrimSpace(o.Title) == "" {
		fe["title"] = "title is required"
	}
	if o.StockLimit <= 0 {
		fe["stock_limit"] = "must be greater than 0"
	}
	if o.PerUserLimit != nil && *o.PerUserLimit < 1 {
		fe["per_user_limit"] = "must be at least 1"
	}
	if !o.OrderStart.Before(o.OrderEnd) {
		fe["order_end"] = "must be after the order start"
	}
	if o.PickupEnd.Before(o.PickupStart) {
		fe["pickup_end"] = "must not be before the pickup start"
	}
	if o.PickupStart.Before(db.DateOf(o.OrderEnd.In(loc))) {
		fe["pickup_start"] = "must not be before the end of the order window"
	}
	return fe.orNil()
}

var foldMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify turns a title into a lowercase ASCII slug. Accents are folded
// away, other non-alphanumeric runs become a single hyphen.
func Slugify(title string) string {
	folded, _, err := transform.String(foldMarks, title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_':
			pendingHyphen = true
		}
	}
	return b.String()
}

// BindingConsentText is the text a user agrees to when confirming a
// pre-order. It is stored verbatim with every confirmation, so later changes
// to the offer never alter what was agreed to.
func BindingConsentText(o *db.Offer) string {
	return fmt.Sprintf(
		"I confirm that my order for %q is binding. It cannot be cancelled after confirmation. "+
			"Pickup is possible between %s and %s, and I commit to collecting the goods within this period.",
		o.Title, o.PickupStart.Format(dateFormat), o.PickupEnd.Format(dateFormat),
	)
}
