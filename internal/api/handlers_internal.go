/**
 * @description
 * Handlers for the service-to-service surface behind the shared API key: a manual
 * reconciliation trigger for operators who cannot wait for the next scheduled sweep,
 * and read/replay access to the webhook dead-letter queue.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - internal/app, internal/store: Sweep suite, webhook replay, and persistence.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/estatehub/deal-service/internal/app"
	"github.com/estatehub/deal-service/internal/store"
)

// dlqListLimit bounds one listing response.
const dlqListLimit = 100

// InternalHandlers serves the operator endpoints.
type InternalHandlers struct {
	jobs      *app.Jobs
	processor *app.WebhookProcessor
	repo      store.Repository
}

// NewInternalHandlers creates a new instance of InternalHandlers.
func NewInternalHandlers(jobs *app.Jobs, processor *app.WebhookProcessor, repo store.Repository) *InternalHandlers {
	return &InternalHandlers{jobs: jobs, processor: processor, repo: repo}
}

// TriggerReconciliationHandler runs one reconciliation sweep synchronously.
func (h *InternalHandlers) TriggerReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	h.jobs.RunReconciliation(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// ListDLQHandler returns unresolved dead-letter entries, oldest first. Entries past
// the automatic retry ceiling are included; they are exactly the ones an operator
// needs to see.
func (h *InternalHandlers) ListDLQHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := h.repo.FindUnresolvedDLQEntries(r.Context(), math.MaxInt32, dlqListLimit)
	if err != nil {
		log.Printf("level=error component=api op=\"list dlq\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// RetryDLQHandler replays one dead-letter entry immediately, bypassing the scheduled
// retry ceiling.
func (h *InternalHandlers) RetryDLQHandler(w http.ResponseWriter, r *http.Request) {
	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid entryID format")
		return
	}

	entry, err := h.repo.FindDLQEntryByID(r.Context(), entryID)
	if err != nil {
		if errors.Is(err, store.ErrDLQEntryNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("level=error component=api op=\"retry dlq\" entry_id=%s err=%v", entryID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entry.ResolvedAt != nil {
		h.writeError(w, http.StatusConflict, "Entry already resolved")
		return
	}

	if err := h.processor.Redispatch(r.Context(), entry); err != nil {
		if incErr := h.repo.IncrementDLQRetry(r.Context(), entry.ID, err.Error()); incErr != nil {
			log.Printf("level=error component=api op=\"retry dlq\" entry_id=%s msg=\"retry bookkeeping failed\" err=%v", entry.ID, incErr)
		}
		h.writeError(w, http.StatusBadGateway, "Replay failed: "+err.Error())
		return
	}
	if err := h.repo.MarkDLQResolved(r.Context(), entry.ID); err != nil {
		log.Printf("level=error component=api op=\"retry dlq\" entry_id=%s msg=\"resolve bookkeeping failed\" err=%v", entry.ID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *InternalHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *InternalHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
