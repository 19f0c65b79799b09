package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/db"
	"github.com/lalithlochan/preorder/internal/offer"
	"github.com/lalithlochan/preorder/internal/redis"
)

// RegistrationRequest confirms a pre-order. RegistrationID is set when
// changing a known registration and left out otherwise.
type RegistrationRequest struct {
	Quantity       int     `json:"quantity"`
	RegistrationID *string `json:"registration_id,omitempty"`
}

type RegistrationResponse struct {
	Registration       *db.Registration `json:"registration"`
	PreviousQuantity   int              `json:"previous_quantity"`
	Remaining          int              `json:"remaining"`
	Unchanged          bool             `json:"unchanged"`
	NotificationFailed bool             `json:"notification_failed,omitempty"`
}

// Register handles POST /v1/offers/{slug}/registration.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := ActorFrom(ctx)
	slug := chi.URLParam(r, "slug")

	var req RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	var regID *uuid.UUID
	if req.RegistrationID != nil {
		id, err := uuid.Parse(*req.RegistrationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid registration_id", "registration_id must be a valid UUID")
			return
		}
		regID = &id
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	useIdempotency := idempotencyKey != "" && h.idempotency != nil && actor.Authenticated
	fingerprint := redis.Fingerprint(slug, strconv.Itoa(req.Quantity), deref(req.RegistrationID))

	if useIdempotency {
		cached, err := h.idempotency.CheckOrReserve(ctx, actor.UserID, idempotencyKey, fingerprint)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case errors.Is(err, redis.ErrKeyReused):
			writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
				"Idempotency key reused",
				"This idempotency key was already used for a different request")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			useIdempotency = false
		case cached != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	status, body, err := h.register(r, actor, slug, req.Quantity, regID)

	if useIdempotency {
		// Only successes are replayed; a rejected request may be retried
		// with the same key once the caller fixed it.
		if err != nil {
			if relErr := h.idempotency.Release(ctx, actor.UserID, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		} else if storeErr := h.idempotency.Store(ctx, actor.UserID, idempotencyKey, &redis.IdempotencyResult{
			Fingerprint: fingerprint,
			StatusCode:  status,
			Body:        body,
		}); storeErr != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(storeErr),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) register(r *http.Request, actor offer.Actor, slug string, quantity int, regID *uuid.UUID) (int, []byte, error) {
	ctx := r.Context()

	o, err := h.offers.GetBySlug(ctx, slug)
	if err != nil {
		return 0, nil, err
	}

	var conf *offer.Confirmation
	if regID != nil {
		conf, err = h.offers.Confirm(ctx, offer.Request{
			Actor:          actor,
			OfferID:        o.ID,
			Quantity:       quantity,
			RegistrationID: regID,
		})
	} else {
		conf, err = h.offers.Reserve(ctx, actor, o.ID, quantity)
	}
	if err != nil {
		return 0, nil, err
	}

	status := http.StatusOK
	if conf.PreviousQuantity == 0 && !conf.Unchanged {
		status = http.StatusCreated
	}

	body, err := json.Marshal(RegistrationResponse{
		Registration:       conf.Registration,
		PreviousQuantity:   conf.PreviousQuantity,
		Remaining:          conf.Remaining,
		Unchanged:          conf.Unchanged,
		NotificationFailed: conf.NotificationFailed,
	})
	if err != nil {
		return 0, nil, err
	}
	return status, body, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type RegistrationSummary struct {
	RegistrationID uuid.UUID  `json:"registration_id"`
	OfferSlug      string     `json:"offer_slug"`
	OfferTitle     string     `json:"offer_title"`
	Quantity       int        `json:"quantity"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	PickupStart    string     `json:"pickup_start"`
	PickupEnd      string     `json:"pickup_end"`
}

type SummaryResponse struct {
	Registrations []RegistrationSummary `json:"registrations"`
	Count         int                   `json:"count"`
	TotalQuantity int                   `json:"total_quantity"`
}

// MyRegistrations handles GET /v1/me/registrations
func (h *Handler) MyRegistrations(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	sum, err := h.offers.Summary(r.Context(), actor.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := SummaryResponse{
		Registrations: make([]RegistrationSummary, 0, len(sum.Registrations)),
		Count:         sum.Count,
		TotalQuantity: sum.TotalQuantity,
	}
	for _, d := range sum.Registrations {
		resp.Registrations = append(resp.Registrations, RegistrationSummary{
			RegistrationID: d.Registration.ID,
			OfferSlug:      d.Offer.Slug,
			OfferTitle:     d.Offer.Title,
			Quantity:       d.Registration.Quantity,
			ConfirmedAt:    d.Registration.ConfirmedAt,
			PickupStart:    d.Offer.PickupStart.Format(time.DateOnly),
			PickupEnd:      d.Offer.PickupEnd.Format(time.DateOnly),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
