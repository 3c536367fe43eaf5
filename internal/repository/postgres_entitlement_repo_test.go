package repository

import (
	"testing"
	"time"

	"github.com/hitoshi/kippu/internal/model"
)

// PostgresEntitlementRepoはEntitlementRepositoryインターフェースを満たすことを検証
func TestPostgresEntitlementRepo_ImplementsInterface(t *testing.T) {
	var _ EntitlementRepository = (*PostgresEntitlementRepo)(nil)
}

// NewPostgresEntitlementRepoが正しく初期化されることを検証
func TestNewPostgresEntitlementRepo_Initializes(t *testing.T) {
	repo := NewPostgresEntitlementRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// GrantParamsのフィールドが正しく構築されることを検証
func TestGrantParams_Fields(t *testing.T) {
	now := time.Now()
	deadline := now.Add(30 * time.Minute)
	params := GrantParams{
		ID:               "ent-id-1",
		SubjectID:        "subject-id-1",
		ScopeID:          "scope-id-1",
		Duration:         time.Hour,
		GrantedAt:        now,
		StartDeadline:    deadline,
		PaymentReference: "pay-ref-1",
	}

	if params.SubjectID != "subject-id-1" {
		t.Errorf("params.SubjectID = %q, want %q", params.SubjectID, "subject-id-1")
	}
	if params.Duration != time.Hour {
		t.Errorf("params.Duration = %v, want %v", params.Duration, time.Hour)
	}
	if !params.StartDeadline.Equal(deadline) {
		t.Errorf("params.StartDeadline = %v, want %v", params.StartDeadline, deadline)
	}
}

// Entitlementモデルの遅延失効ヘルパーが状態を考慮することを検証
func TestEntitlementModel_ExpiryHelpers(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	pending := &model.Entitlement{State: model.StatePendingStart, StartDeadline: &past}
	if !pending.StartWindowExpired(now) {
		t.Error("StartWindowExpired = false for overdue pending_start")
	}

	terminal := &model.Entitlement{State: model.StateExpiredWithoutStart, StartDeadline: &past}
	if terminal.StartWindowExpired(now) {
		t.Error("StartWindowExpired = true for terminal state")
	}

	active := &model.Entitlement{State: model.StateActive, ExpiresAt: &past}
	if !active.ExpiredBy(now) {
		t.Error("ExpiredBy = false for overdue active")
	}
}
