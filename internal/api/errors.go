package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/notify"
	"github.com/lalithlochan/preorder/internal/offer"
)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`

	// Field names the input a registration rejection is bound to.
	Field string `json:"field,omitempty"`

	// Allowance is the highest total quantity the caller could hold.
	Allowance *int `json:"allowance,omitempty"`

	// Errors carries per-field offer validation messages.
	Errors map[string]string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(resp.Status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

var reasonStatus = map[offer.Reason]int{
	offer.ReasonNotAuthenticated:      http.StatusUnauthorized,
	offer.ReasonEmailUnverified:       http.StatusForbidden,
	offer.ReasonDuplicateRegistration: http.StatusConflict,
}

// problemFor maps a service error to its HTTP problem. Unknown errors
// become a 500 without details.
func problemFor(err error) ErrorResponse {
	var ve *offer.ValidationError
	var fe offer.FieldErrors

	switch {
	case errors.As(err, &ve):
		status, ok := reasonStatus[ve.Reason]
		if !ok {
			status = http.StatusUnprocessableEntity
		}
		resp := ErrorResponse{
			Type:   string(ve.Reason),
			Title:  "Registration rejected",
			Status: status,
			Detail: ve.Message,
			Field:  ve.Field,
		}
		if ve.Reason == offer.ReasonInsufficientStock || ve.Reason == offer.ReasonPerUserLimitExceeded {
			allowance := ve.Allowance
			resp.Allowance = &allowance
		}
		return resp
	case errors.As(err, &fe):
		return ErrorResponse{
			Type:   "invalid_offer",
			Title:  "Offer is invalid",
			Status: http.StatusUnprocessableEntity,
			Errors: fe,
		}
	case errors.Is(err, offer.ErrOfferNotFound):
		return ErrorResponse{Type: "not_found", Title: "Offer not found", Status: http.StatusNotFound}
	case errors.Is(err, offer.ErrRegistrationNotFound):
		return ErrorResponse{Type: "not_found", Title: "Registration not found", Status: http.StatusNotFound}
	case errors.Is(err, offer.ErrOfferInUse):
		return ErrorResponse{
			Type:   "offer_in_use",
			Title:  "Offer cannot be deleted",
			Status: http.StatusConflict,
			Detail: offer.ErrOfferInUse.Error(),
		}
	case errors.Is(err, offer.ErrAlreadyVerified):
		return ErrorResponse{Type: "already_verified", Title: "Email already verified", Status: http.StatusConflict}
	case errors.Is(err, offer.ErrNotificationsDisabled):
		return ErrorResponse{Type: "notifications_disabled", Title: "Notifications are not configured", Status: http.StatusServiceUnavailable}
	case errors.Is(err, notify.ErrDeliveryFailed):
		return ErrorResponse{Type: "delivery_failed", Title: "Email could not be delivered", Status: http.StatusBadGateway}
	case errors.Is(err, offer.ErrIntegrityViolation):
		return ErrorResponse{
			Type:   "integrity_violation",
			Title:  "Registration could not be saved",
			Status: http.StatusConflict,
			Detail: "please reload the page and try again",
		}
	default:
		return ErrorResponse{Type: "internal_error", Title: "Internal server error", Status: http.StatusInternalServerError}
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	resp := problemFor(err)
	if resp.Status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeProblem(w, resp)
}
