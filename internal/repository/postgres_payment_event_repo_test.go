package repository

import (
	"testing"
	"time"

	"github.com/hitoshi/kippu/internal/model"
)

// PostgresPaymentEventRepoはPaymentEventRepositoryインターフェースを満たすことを検証
func TestPostgresPaymentEventRepo_ImplementsInterface(t *testing.T) {
	var _ PaymentEventRepository = (*PostgresPaymentEventRepo)(nil)
}

// NewPostgresPaymentEventRepoが正しく初期化されることを検証
func TestNewPostgresPaymentEventRepo_Initializes(t *testing.T) {
	repo := NewPostgresPaymentEventRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// PaymentEventモデルのフィールドが正しく構築されることを検証
func TestPaymentEventModel_Fields(t *testing.T) {
	now := time.Now()
	event := &model.PaymentEvent{
		ID:               "event-id-1",
		Provider:         "stripe",
		PaymentReference: "pay-ref-1",
		EventType:        "payment.succeeded",
		PayloadJSON:      `{"id":"pay-ref-1"}`,
		CreatedAt:        now,
	}

	if event.Provider != "stripe" {
		t.Errorf("event.Provider = %q, want %q", event.Provider, "stripe")
	}
	if event.ProcessedAt != nil {
		t.Errorf("event.ProcessedAt = %v, want nil before processing", event.ProcessedAt)
	}
}
