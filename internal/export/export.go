// Package export produces the order list handed to pickup staff: one row
// per confirmed registration, ordered by last name and postal code.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"

	"github.com/google/uuid"

	"github.com/lalithlochan/preorder/internal/db"
	"github.com/lalithlochan/preorder/internal/metrics"
)

const dateFormat = "02.01.2006"

// Header names the nine columns of every row, in order.
var Header = []string{
	"No.",
	"Product",
	"Quantity",
	"Last name",
	"First name",
	"Street",
	"House no.",
	"Postal code",
	"City",
}

// Row is one line of the order list. Seq starts at 1 and has no gaps.
type Row struct {
	Seq         int
	OfferTitle  string
	Quantity    int
	LastName    string
	FirstName   string
	Street      string
	HouseNumber string
	PostalCode  string
	City        string
}

// Fields returns the row's values in Header order.
func (r Row) Fields() []string {
	return []string{
		strconv.Itoa(r.Seq),
		r.OfferTitle,
		strconv.Itoa(r.Quantity),
		r.LastName,
		r.FirstName,
		r.Street,
		r.HouseNumber,
		r.PostalCode,
		r.City,
	}
}

// Source streams the confirmed registrations of an offer already sorted by
// last name, then postal code.
type Source interface {
	EachExportRecord(ctx context.Context, offerID uuid.UUID, fn func(db.ExportRecord) error) error
}

var errStop = errors.New("export: iteration stopped")

// Rows lazily numbers the records of an offer. Nothing is read until the
// sequence is ranged over, and breaking out of the loop stops the query.
// A read error is yielded once as the final element.
func Rows(ctx context.Context, src Source, offerID uuid.UUID) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		seq := 0
		err := src.EachExportRecord(ctx, offerID, func(rec db.ExportRecord) error {
			seq++
			row := Row{
				Seq:         seq,
				OfferTitle:  rec.OfferTitle,
				Quantity:    rec.Quantity,
				LastName:    rec.LastName,
				FirstName:   rec.FirstName,
				Street:      rec.Street,
				HouseNumber: rec.HouseNumber,
				PostalCode:  rec.PostalCode,
				City:        rec.City,
			}
			if !yield(row, nil) {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield(Row{}, err)
		}
	}
}

// PickupWindow formats the offer's pickup dates for display.
func PickupWindow(o *db.Offer) string {
	return o.PickupStart.Format(dateFormat) + " - " + o.PickupEnd.Format(dateFormat)
}

// Filename is the download name of an offer's CSV export.
func Filename(o *db.Offer) string {
	return "preorders-" + o.Slug + ".csv"
}

// WriteCSV writes the offer title and pickup window, a blank line, the
// header and then every row, separated by semicolons. It returns the number
// of rows written.
func WriteCSV(ctx context.Context, w io.Writer, src Source, o *db.Offer) (int, error) {
	cw := csv.NewWriter(w)
	cw.Comma = ';'

	preamble := [][]string{
		{"Offer", o.Title},
		{"Pickup window", PickupWindow(o)},
		{},
		Header,
	}
	if err := cw.WriteAll(preamble); err != nil {
		return 0, fmt.Errorf("write preamble: %w", err)
	}

	n := 0
	for row, err := range Rows(ctx, src, o.ID) {
		if err != nil {
			return n, fmt.Errorf("read export rows: %w", err)
		}
		if err := cw.Write(row.Fields()); err != nil {
			return n, fmt.Errorf("write row %d: %w", row.Seq, err)
		}
		n++
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return n, fmt.Errorf("flush csv: %w", err)
	}
	metrics.RecordExportRows(n)
	return n, nil
}
