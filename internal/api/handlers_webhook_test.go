package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/estatehub/deal-service/internal/app"
)

// The processor rejects unverifiable deliveries before touching storage, so a
// processor with no repository exercises the terminal 4xx contract.
func newUnverifiableWebhookHandlers() *WebhookHandlers {
	processor := app.NewWebhookProcessor(nil, nil, "")
	return NewWebhookHandlers(processor, nil)
}

func TestBankWebhookHandler_MalformedBodyIsTerminal400(t *testing.T) {
	handlers := newUnverifiableWebhookHandlers()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/bank", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	handlers.BankWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 so the bank stops redelivering", rec.Code)
	}
	assertEnvelope(t, rec, false)
}

func TestBankWebhookHandler_SignatureFailureIsTerminal401(t *testing.T) {
	handlers := newUnverifiableWebhookHandlers()

	body, _ := json.Marshal(map[string]any{
		"EventType": "payment.succeeded",
		"DealId":    "bdl_001",
		"Signature": "forged",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bank", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handlers.BankWebhookHandler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 so the bank stops redelivering", rec.Code)
	}
	assertEnvelope(t, rec, false)
}

func assertEnvelope(t *testing.T, rec *httptest.ResponseRecorder, wantSuccess bool) {
	t.Helper()
	var envelope struct {
		Success bool   `json:"Success"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("response is not the bank envelope: %v", err)
	}
	if envelope.Success != wantSuccess {
		t.Fatalf("envelope Success = %t, want %t", envelope.Success, wantSuccess)
	}
}
