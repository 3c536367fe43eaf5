package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/kippu/internal/model"
	"github.com/hitoshi/kippu/internal/payment"
)

// mockIngestor はPaymentIngestorInterfaceのモック実装。
type mockIngestor struct {
	ingestFn func(ctx context.Context, n payment.Notification) (*model.Entitlement, error)
}

func (m *mockIngestor) Ingest(ctx context.Context, n payment.Notification) (*model.Entitlement, error) {
	return m.ingestFn(ctx, n)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWebhookHandler_HandlePaymentWebhook(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		ingestFn   func(ctx context.Context, n payment.Notification) (*model.Entitlement, error)
		wantStatus int
	}{
		{
			name: "付与の適用",
			body: `{"provider":"payjp","payment_reference":"pay_123","event_type":"payment.confirmed"}`,
			ingestFn: func(ctx context.Context, n payment.Notification) (*model.Entitlement, error) {
				return &model.Entitlement{ID: "ent-1"}, nil
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "未承認通知は効果なしで200",
			body: `{"provider":"payjp","payment_reference":"pay_unapproved","event_type":"payment.confirmed"}`,
			ingestFn: func(ctx context.Context, n payment.Notification) (*model.Entitlement, error) {
				return nil, nil
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "JSONとして解析できないボディは400",
			body:       `{invalid`,
			ingestFn:   nil,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "payment_reference欠落は400",
			body:       `{"provider":"payjp","event_type":"payment.confirmed"}`,
			ingestFn:   nil,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "形式不正イベントは400",
			body: `{"provider":"payjp","payment_reference":"pay_bad","event_type":"payment.confirmed"}`,
			ingestFn: func(ctx context.Context, n payment.Notification) (*model.Entitlement, error) {
				return nil, model.NewMalformedEventError("subject_idがありません")
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "延長対象なしは422",
			body: `{"provider":"payjp","payment_reference":"pay_renewal","event_type":"payment.confirmed"}`,
			ingestFn: func(ctx context.Context, n payment.Notification) (*model.Entitlement, error) {
				return nil, model.NewNoActiveEntitlementError("subject-1")
			},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name: "プロバイダ照会失敗は502",
			body: `{"provider":"payjp","payment_reference":"pay_down","event_type":"payment.confirmed"}`,
			ingestFn: func(ctx context.Context, n payment.Notification) (*model.Entitlement, error) {
				return nil, model.NewProviderUnavailableError("timeout")
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "ストア障害は503で再配送を促す",
			body: `{"provider":"payjp","payment_reference":"pay_store","event_type":"payment.confirmed"}`,
			ingestFn: func(ctx context.Context, n payment.Notification) (*model.Entitlement, error) {
				return nil, errors.New("db connection lost")
			},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewWebhookHandler(&mockIngestor{ingestFn: tt.ingestFn}, testLogger())

			req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			h.HandlePaymentWebhook(w, req)

			if w.Result().StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestWebhookHandler_PassesNotificationFields(t *testing.T) {
	var captured payment.Notification
	h := NewWebhookHandler(&mockIngestor{
		ingestFn: func(ctx context.Context, n payment.Notification) (*model.Entitlement, error) {
			captured = n
			return &model.Entitlement{ID: "ent-1"}, nil
		},
	}, testLogger())

	body := `{"provider":"payjp","payment_reference":"pay_555","event_type":"payment.confirmed"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.HandlePaymentWebhook(w, req)

	if captured.PaymentReference != "pay_555" {
		t.Errorf("payment_reference = %q, want %q", captured.PaymentReference, "pay_555")
	}
	if captured.Provider != "payjp" {
		t.Errorf("provider = %q, want %q", captured.Provider, "payjp")
	}
	if captured.PayloadJSON != body {
		t.Errorf("payload_json = %q, want %q", captured.PayloadJSON, body)
	}

	var resp webhookResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "accepted" {
		t.Errorf("status = %q, want %q", resp.Status, "accepted")
	}
}
