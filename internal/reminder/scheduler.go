// Package reminder sends the pickup reminders: one two days before an
// offer's pickup window opens and one on the day it opens.
package reminder

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

// PreReminderLead is how many days before pickup the first reminder goes out.
const PreReminderLead = 2

const dateFormat = "02.01.2006"

type Repository interface {
	ListRegistrationsForPickupStart(ctx context.Context, day time.Time) ([]*db.RegistrationDetail, error)
	HasNotification(ctx context.Context, registrationID uuid.UUID, kind string) (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) (*db.NotificationLog, error)
}

type Config struct {
	// Location decides which calendar day "today" is.
	Location *time.Location
	Clock    func() time.Time
}

// Scheduler is stateless; the notification log is the only record of what
// was already sent, so runs may overlap or repeat.
type Scheduler struct {
	repo     Repository
	notifier Notifier
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

func New(repo Repository, notifier Notifier, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		repo:     repo,
		notifier: notifier,
		loc:      cfg.Location,
		now:      cfg.Clock,
		logger:   logger,
	}
}

// Result counts what one run did.
type Result struct {
	Candidates int
	Sent       int
	Skipped    int
	Failed     int
}

func (r *Result) add(o Result) {
	r.Candidates += o.Candidates
	r.Sent += o.Sent
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Run sends every reminder due today that has not been logged yet. A failed
// delivery is counted and logged but does not stop the batch.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { metrics.ObserveReminderRun(time.Since(start)) }()

	today := s.now().In(s.loc)
	batches := []struct {
		day  time.Time
		kind string
	}{
		{today.AddDate(0, 0, PreReminderLead), db.KindReminderPre},
		{today, db.KindReminderStart},
	}

	var total Result
	for _, b := range batches {
		res, err := s.runKind(ctx, b.day, b.kind)
		total.add(res)
		if err != nil {
			return total, err
		}
	}

	s.logger.Info("reminder run finished",
		zap.String("today", today.Format(time.DateOnly)),
		zap.Int("candidates", total.Candidates),
		zap.Int("sent", total.Sent),
		zap.Int("skipped", total.Skipped),
		zap.Int("failed", total.Failed),
	)
	return total, nil
}

func (s *Scheduler) runKind(ctx context.Context, day time.Time, kind string) (Result, error) {
	var res Result

	details, err := s.repo.ListRegistrationsForPickupStart(ctx, day)
	if err != nil {
		return res, fmt.Errorf("list %s candidates for %s: %w", kind, day.Format(time.DateOnly), err)
	}
	res.Candidates = len(details)

	for _, d := range details {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		fields := []zap.Field{
			zap.String("kind", kind),
			zap.String("registration_id", d.Registration.ID.String()),
			zap.String("offer_id", d.Offer.ID.String()),
		}

		// Checked per row so a concurrent run that got here first is seen.
		sent, err := s.repo.HasNotification(ctx, d.Registration.ID, kind)
		if err != nil {
			res.Failed++
			s.logger.Error("failed to check notification log", append(fields, zap.Error(err))...)
			continue
		}
		if sent {
			res.Skipped++
			continue
		}

		if _, err := s.notifier.Notify(ctx, message(d, kind)); err != nil {
			res.Failed++
			level := s.logger.Error
			if errors.Is(err, notify.ErrDeliveryFailed) {
				level = s.logger.Warn
			}
			level("reminder not delivered", append(fields, zap.Error(err))...)
			continue
		}

		res.Sent++
		metrics.RecordReminderSent(kind)
	}
	return res, nil
}

func message(d *db.RegistrationDetail, kind string) notify.Message {
	return notify.Message{
		To:   d.User.Email,
		Kind: kind,
		Context: map[string]any{
			"first_name":   d.User.FirstName,
			"offer_title":  d.Offer.Title,
			"quantity":     d.Registration.Quantity,
			"pickup_start": d.Offer.PickupStart.Format(dateFormat),
			"pickup_end":   d.Offer.PickupEnd.Format(dateFormat),
		},
		OfferID:        &d.Offer.ID,
		RegistrationID: &d.Registration.ID,
	}
}

// Start runs the scheduler once and then every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("reminder scheduler started", zap.Duration("interval", interval))

	if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("reminder run failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopping")
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("reminder run failed", zap.Error(err))
			}
		}
	}
}
