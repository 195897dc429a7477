/**
 * @description
 * This file contains the HTTP handlers for the deal-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application services, and writing the HTTP response. They act as
 * the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 * - pkg/bankclient: Gateway error taxonomy.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/app"
	"github.com/estatehub/deal-service/internal/domain"
	"github.com/estatehub/deal-service/internal/store"
	"github.com/estatehub/deal-service/pkg/bankclient"
)

// DealHandlers holds the application services that handlers will use.
type DealHandlers struct {
	service  *app.Service
	disputes *app.DisputeService
	repo     store.Repository
}

// NewDealHandlers creates a new instance of DealHandlers.
func NewDealHandlers(service *app.Service, disputes *app.DisputeService, repo store.Repository) *DealHandlers {
	return &DealHandlers{service: service, disputes: disputes, repo: repo}
}

// dealResponse is the wire shape for a deal.
type dealResponse struct {
	DealID           string  `json:"deal_id"`
	BankDealID       *string `json:"bank_deal_id,omitempty"`
	Amount           int64   `json:"amount"`
	BankFee          int64   `json:"bank_fee"`
	NetAmount        int64   `json:"net_amount"`
	BankStatus       string  `json:"bank_status"`
	PaymentScheme    string  `json:"payment_scheme"`
	DisputeLocked    bool    `json:"dispute_locked"`
	HoldStartedAt    *string `json:"hold_started_at,omitempty"`
	AutoReleaseAt    *string `json:"auto_release_at,omitempty"`
	ServiceConfirmed bool    `json:"service_confirmed"`
}

func buildDealResponse(deal *domain.Deal) dealResponse {
	resp := dealResponse{
		DealID:           deal.ID.String(),
		BankDealID:       deal.BankDealID,
		Amount:           deal.Amount,
		BankFee:          deal.BankFee,
		NetAmount:        deal.NetAmount(),
		BankStatus:       string(deal.BankStatus),
		PaymentScheme:    string(deal.PaymentScheme),
		DisputeLocked:    deal.DisputeLocked,
		ServiceConfirmed: deal.ServiceConfirmedAt != nil,
	}
	if deal.HoldStartedAt != nil {
		s := deal.HoldStartedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.HoldStartedAt = &s
	}
	if deal.AutoReleaseAt != nil {
		s := deal.AutoReleaseAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.AutoReleaseAt = &s
	}
	return resp
}

// CreateDealHandler handles requests to create a new escrow deal.
func (h *DealHandlers) CreateDealHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	deal, err := h.service.CreateDeal(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err, "create deal")
		return
	}

	h.writeJSON(w, http.StatusCreated, buildDealResponse(deal))
}

// GetDealHandler returns a deal with its milestones.
func (h *DealHandlers) GetDealHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.pathUUID(w, r, "dealID")
	if !ok {
		return
	}

	deal, err := h.service.GetDeal(r.Context(), dealID)
	if err != nil {
		h.writeServiceError(w, err, "get deal")
		return
	}

	milestones, err := h.repo.FindMilestonesByDealID(r.Context(), dealID)
	if err != nil {
		h.writeServiceError(w, err, "get deal milestones")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deal":       buildDealResponse(deal),
		"milestones": milestones,
	})
}

// ConfirmCompletionHandler records the payer's service-completion confirmation.
func (h *DealHandlers) ConfirmCompletionHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.pathUUID(w, r, "dealID")
	if !ok {
		return
	}
	if err := h.service.ConfirmCompletion(r.Context(), dealID); err != nil {
		h.writeServiceError(w, err, "confirm completion")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

// RequestReleaseHandler triggers a manual release attempt.
func (h *DealHandlers) RequestReleaseHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.pathUUID(w, r, "dealID")
	if !ok {
		return
	}
	if err := h.service.RequestRelease(r.Context(), dealID, domain.TriggerSourceManual); err != nil {
		h.writeServiceError(w, err, "request release")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// CancelDealHandler aborts a deal before release.
func (h *DealHandlers) CancelDealHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.pathUUID(w, r, "dealID")
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), dealID); err != nil {
		h.writeServiceError(w, err, "cancel deal")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// RefundDealHandler returns funds to the payer.
func (h *DealHandlers) RefundDealHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.pathUUID(w, r, "dealID")
	if !ok {
		return
	}
	var req domain.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.service.Refund(r.Context(), dealID, req); err != nil {
		h.writeServiceError(w, err, "refund deal")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

// OpenDisputeHandler opens a dispute against a deal, freezing its release.
func (h *DealHandlers) OpenDisputeHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.pathUUID(w, r, "dealID")
	if !ok {
		return
	}
	openedBy, ok := h.authUserUUID(w, r)
	if !ok {
		return
	}
	var req domain.OpenDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	dispute, err := h.disputes.Open(r.Context(), dealID, openedBy, req)
	if err != nil {
		h.writeServiceError(w, err, "open dispute")
		return
	}
	h.writeJSON(w, http.StatusCreated, dispute)
}

// GetDisputeHandler returns a dispute by id.
func (h *DealHandlers) GetDisputeHandler(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := h.pathUUID(w, r, "disputeID")
	if !ok {
		return
	}
	dispute, err := h.disputes.Get(r.Context(), disputeID)
	if err != nil {
		h.writeServiceError(w, err, "get dispute")
		return
	}
	h.writeJSON(w, http.StatusOK, dispute)
}

// StartAgencyReviewHandler moves an open dispute into agency handling.
func (h *DealHandlers) StartAgencyReviewHandler(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := h.pathUUID(w, r, "disputeID")
	if !ok {
		return
	}
	if err := h.disputes.StartAgencyReview(r.Context(), disputeID); err != nil {
		h.writeServiceError(w, err, "start agency review")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "agency_review"})
}

// EscalateDisputeHandler explicitly escalates a dispute to the platform tier.
func (h *DealHandlers) EscalateDisputeHandler(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := h.pathUUID(w, r, "disputeID")
	if !ok {
		return
	}
	if err := h.disputes.Escalate(r.Context(), disputeID, false); err != nil {
		h.writeServiceError(w, err, "escalate dispute")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "platform_review"})
}

// ResolveDisputeHandler terminally decides a dispute.
func (h *DealHandlers) ResolveDisputeHandler(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := h.pathUUID(w, r, "disputeID")
	if !ok {
		return
	}
	resolvedBy, ok := h.authUserUUID(w, r)
	if !ok {
		return
	}
	var req domain.ResolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.disputes.Resolve(r.Context(), disputeID, resolvedBy, req); err != nil {
		h.writeServiceError(w, err, "resolve dispute")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// RejectDisputeHandler terminally declines a dispute.
func (h *DealHandlers) RejectDisputeHandler(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := h.pathUUID(w, r, "disputeID")
	if !ok {
		return
	}
	resolvedBy, ok := h.authUserUUID(w, r)
	if !ok {
		return
	}
	if err := h.disputes.Reject(r.Context(), disputeID, resolvedBy); err != nil {
		h.writeServiceError(w, err, "reject dispute")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// ListFiscalReceiptsHandler returns a deal's fiscal receipts (internal surface).
func (h *DealHandlers) ListFiscalReceiptsHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.pathUUID(w, r, "dealID")
	if !ok {
		return
	}
	receipts, err := h.repo.FindFiscalReceiptsByDealID(r.Context(), dealID)
	if err != nil {
		h.writeServiceError(w, err, "list fiscal receipts")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

// pathUUID extracts and validates a UUID path parameter.
func (h *DealHandlers) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid "+param+" format")
		return uuid.Nil, false
	}
	return id, true
}

// authUserUUID resolves the authenticated subject into a UUID.
func (h *DealHandlers) authUserUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// writeServiceError maps domain and infrastructure errors to HTTP statuses.
func (h *DealHandlers) writeServiceError(w http.ResponseWriter, err error, op string) {
	var validation *domain.ValidationError
	var invalidSplit *domain.InvalidSplitError
	var conflict *domain.ConflictError
	var permanent *bankclient.PermanentError

	switch {
	case errors.Is(err, store.ErrDealNotFound),
		errors.Is(err, store.ErrDisputeNotFound),
		errors.Is(err, store.ErrMilestoneNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDisputeLocked):
		h.writeError(w, http.StatusLocked, "Deal is frozen by an open dispute")
	case errors.Is(err, domain.ErrDisputeAlreadyOpen):
		h.writeError(w, http.StatusConflict, "Deal already has an open dispute")
	case errors.As(err, &validation), errors.As(err, &invalidSplit):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &conflict):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, bankclient.ErrCircuitOpen):
		h.writeError(w, http.StatusServiceUnavailable, "Bank gateway temporarily unavailable")
	case errors.As(err, &permanent):
		log.Printf("level=error component=api op=%q msg=\"bank rejected operation\" err=%v", op, err)
		h.writeError(w, http.StatusBadGateway, "Bank rejected the operation")
	default:
		log.Printf("level=error component=api op=%q msg=\"unhandled service error\" err=%v", op, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *DealHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *DealHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
