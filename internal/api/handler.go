package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/db"
	"github.com/lalithlochan/preorder/internal/export"
	"github.com/lalithlochan/preorder/internal/offer"
	"github.com/lalithlochan/preorder/internal/redis"
)

// OfferService is the order flow the handlers drive.
type OfferService interface {
	ListOpen(ctx context.Context) ([]*db.Offer, error)
	GetBySlug(ctx context.Context, slug string) (*db.Offer, error)
	Quote(ctx context.Context, actor offer.Actor, o *db.Offer) (*offer.Quote, error)
	CreateOffer(ctx context.Context, o *db.Offer) error
	UpdateOffer(ctx context.Context, id uuid.UUID, o *db.Offer) error
	DeleteOffer(ctx context.Context, id uuid.UUID) error
	Reserve(ctx context.Context, actor offer.Actor, offerID uuid.UUID, quantity int) (*offer.Confirmation, error)
	Confirm(ctx context.Context, req offer.Request) (*offer.Confirmation, error)
	Summary(ctx context.Context, userID uuid.UUID) (*offer.Summary, error)
	RequestEmailVerification(ctx context.Context, u *db.User, verifyURL string) error
}

// UserStore is the read side of the identity collaborator.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	MarkEmailVerified(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	offers      OfferService
	users       UserStore
	exports     export.Source
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

func NewHandler(logger *zap.Logger, offers OfferService, users UserStore, exports export.Source) *Handler {
	return &Handler{
		logger:  logger,
		offers:  offers,
		users:   users,
		exports: exports,
	}
}

// NewHandlerWithIdempotency creates a handler that honours Idempotency-Key
// on registration requests.
func NewHandlerWithIdempotency(logger *zap.Logger, offers OfferService, users UserStore, exports export.Source, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, offers, users, exports)
	h.idempotency = idempotency
	return h
}

// OfferRequest is the body of offer create and update requests. Pickup
// dates are calendar dates (YYYY-MM-DD).
type OfferRequest struct {
	Title        string    `json:"title"`
	Slug         string    `json:"slug"`
	Description  string    `json:"description"`
	StockLimit   int       `json:"stock_limit"`
	PerUserLimit *int      `json:"per_user_limit"`
	OrderStart   time.Time `json:"order_start"`
	OrderEnd     time.Time `json:"order_end"`
	PickupStart  string    `json:"pickup_start"`
	PickupEnd    string    `json:"pickup_end"`
}

func (req OfferRequest) toOffer() (*db.Offer, error) {
	o := &db.Offer{
		Title:        req.Title,
		Slug:         req.Slug,
		Description:  req.Description,
		StockLimit:   req.StockLimit,
		PerUserLimit: req.PerUserLimit,
		OrderStart:   req.OrderStart,
		OrderEnd:     req.OrderEnd,
	}

	fe := offer.FieldErrors{}
	var err error
	if o.PickupStart, err = time.Parse(time.DateOnly, req.PickupStart); err != nil {
		fe["pickup_start"] = "must be a date (YYYY-MM-DD)"
	}
	if o.PickupEnd, err = time.Parse(time.DateOnly, req.PickupEnd); err != nil {
		fe["pickup_end"] = "must be a date (YYYY-MM-DD)"
	}
	if len(fe) > 0 {
		return nil, fe
	}
	return o, nil
}

type OfferResponse struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	Slug         string    `json:"slug"`
	Description  string    `json:"description"`
	StockLimit   int       `json:"stock_limit"`
	PerUserLimit *int      `json:"per_user_limit,omitempty"`
	OrderStart   time.Time `json:"order_start"`
	OrderEnd     time.Time `json:"order_end"`
	PickupStart  string    `json:"pickup_start"`
	PickupEnd    string    `json:"pickup_end"`
}

func newOfferResponse(o *db.Offer) OfferResponse {
	return OfferResponse{
		ID:           o.ID,
		Title:        o.Title,
		Slug:         o.Slug,
		Description:  o.Description,
		StockLimit:   o.StockLimit,
		PerUserLimit: o.PerUserLimit,
		OrderStart:   o.OrderStart,
		OrderEnd:     o.OrderEnd,
		PickupStart:  o.PickupStart.Format(time.DateOnly),
		PickupEnd:    o.PickupEnd.Format(time.DateOnly),
	}
}

type QuoteResponse struct {
	Registration *db.Registration `json:"registration,omitempty"`
	Remaining    int              `json:"remaining"`
	Allowance    int              `json:"allowance"`
	Additional   int              `json:"additional"`
	Open         bool             `json:"open"`
}

type OfferDetailResponse struct {
	Offer OfferResponse `json:"offer"`
	Quote QuoteResponse `json:"quote"`
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.offers.ListOpen(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	data := make([]OfferResponse, 0, len(offers))
	for _, o := range offers {
		data = append(data, newOfferResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  data,
		"count": len(data),
	})
}

// GetOffer handles GET /v1/offers/{slug}
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	o, err := h.offers.GetBySlug(ctx, chi.URLParam(r, "slug"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	q, err := h.offers.Quote(ctx, ActorFrom(ctx), o)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, OfferDetailResponse{
		Offer: newOfferResponse(o),
		Quote: QuoteResponse{
			Registration: q.Registration,
			Remaining:    q.Remaining,
			Allowance:    q.Allowance,
			Additional:   q.Additional,
			Open:         q.Open,
		},
	})
}

func decodeOffer(w http.ResponseWriter, r *http.Request) (*db.Offer, bool) {
	var req OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return nil, false
	}
	o, err := req.toOffer()
	if err != nil {
		writeProblem(w, problemFor(err))
		return nil, false
	}
	return o, true
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	o, ok := decodeOffer(w, r)
	if !ok {
		return
	}
	if err := h.offers.CreateOffer(r.Context(), o); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOfferResponse(o))
}

// UpdateOffer handles PUT /v1/offers/{slug}. An empty slug keeps the current one.
func (h *Handler) UpdateOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	current, err := h.offers.GetBySlug(ctx, chi.URLParam(r, "slug"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	o, ok := decodeOffer(w, r)
	if !ok {
		return
	}
	if o.Slug == "" {
		o.Slug = current.Slug
	}
	o.ID = current.ID

	if err := h.offers.UpdateOffer(ctx, current.ID, o); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOfferResponse(o))
}

// DeleteOffer handles DELETE /v1/offers/{slug}
func (h *Handler) DeleteOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	o, err := h.offers.GetBySlug(ctx, chi.URLParam(r, "slug"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.offers.DeleteOffer(ctx, o.ID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportOffer handles GET /v1/offers/{slug}/export.csv
func (h *Handler) ExportOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	o, err := h.offers.GetBySlug(ctx, chi.URLParam(r, "slug"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(o)+`"`)

	n, err := export.WriteCSV(ctx, w, h.exports, o)
	if err != nil {
		// Headers are already out; all we can do is log and cut the body short.
		h.logger.Error("export failed",
			zap.String("offer_id", o.ID.String()),
			zap.Int("rows_written", n),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("offer exported",
		zap.String("offer_id", o.ID.String()),
		zap.String("actor", ActorFrom(ctx).UserID.String()),
		zap.Int("rows", n),
	)
}

// VerifyEmail handles POST /v1/users/{id}/email-verification
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "ID must be a valid UUID")
		return
	}

	err = h.users.MarkEmailVerified(r.Context(), id, time.Now())
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "User not found", "")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("email marked verified", zap.String("user_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

type VerificationRequest struct {
	VerifyURL string `json:"verify_url"`
}

// RequestVerification handles POST /v1/users/{id}/email-verification-request
func (h *Handler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "ID must be a valid UUID")
		return
	}

	var req VerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
		return
	}
	if u, err := url.Parse(req.VerifyURL); err != nil || !u.IsAbs() || u.Host == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid verify_url", "verify_url must be an absolute URL")
		return
	}

	u, err := h.users.GetUser(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "User not found", "")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if err := h.offers.RequestEmailVerification(r.Context(), u, req.VerifyURL); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("verification email sent", zap.String("user_id", id.String()))
	w.WriteHeader(http.StatusAccepted)
}
