package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/kippu/internal/middleware"
	"github.com/hitoshi/kippu/internal/model"
	"github.com/hitoshi/kippu/internal/pricing"
)

// EntitlementServiceInterface はアクセスパスハンドラーが必要とするサービスインターフェース。
type EntitlementServiceInterface interface {
	// Query は主体の最新のアクセスパスを返す。存在しない場合はnilを返す。
	Query(ctx context.Context, subjectID, scopeID string) (*model.Entitlement, error)
	// Start は待機中のアクセスパスのカウントダウンを開始する。
	Start(ctx context.Context, subjectID, scopeID string) (*model.Entitlement, error)
}

// RenewalOfferServiceInterface は延長オファーの見積もりインターフェース。
type RenewalOfferServiceInterface interface {
	// QuoteRenewal は主体の現在のアクティブなパスに対する割引延長オファーを見積もる。
	QuoteRenewal(ctx context.Context, subjectID, scopeID string) (*pricing.RenewalOffer, error)
}

// EntitlementHandler はアクセスパスAPIのHTTPハンドラー。
type EntitlementHandler struct {
	service EntitlementServiceInterface
	offers  RenewalOfferServiceInterface

	// now はテストで時計を固定するための関数。
	now func() time.Time
}

// NewEntitlementHandler はEntitlementHandlerを生成する。
func NewEntitlementHandler(service EntitlementServiceInterface, offers RenewalOfferServiceInterface) *EntitlementHandler {
	return &EntitlementHandler{
		service: service,
		offers:  offers,
		now:     time.Now,
	}
}

// entitlementResponse はアクセスパスのAPIレスポンス。
// expires_atは絶対時刻であり、クライアントは残り時間をこの値から再計算する。
type entitlementResponse struct {
	ScopeID          string     `json:"scope_id"`
	State            string     `json:"state"`
	GrantedAt        time.Time  `json:"granted_at"`
	StartDeadline    *time.Time `json:"start_deadline,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds *int64     `json:"remaining_seconds,omitempty"`
}

// renewalOfferResponse は延長オファーのAPIレスポンス。
type renewalOfferResponse struct {
	PriceCents       int       `json:"price_cents"`
	ListPriceCents   int       `json:"list_price_cents"`
	DiscountPercent  int       `json:"discount_percent"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	OfferExpiresAt   time.Time `json:"offer_expires_at"`
}

// toEntitlementResponse はドメインのEntitlementをAPIレスポンス型に変換する。
func toEntitlementResponse(ent *model.Entitlement, now time.Time) entitlementResponse {
	resp := entitlementResponse{
		ScopeID:       ent.ScopeID,
		State:         string(ent.State),
		GrantedAt:     ent.GrantedAt,
		StartDeadline: ent.StartDeadline,
		StartedAt:     ent.StartedAt,
		ExpiresAt:     ent.ExpiresAt,
	}
	if ent.State == model.StateActive && ent.ExpiresAt != nil {
		remaining := int64(ent.RemainingAt(now).Seconds())
		resp.RemainingSeconds = &remaining
	}
	return resp
}

// GetEntitlement は主体の現在のアクセスパスを取得する。
// GET /api/entitlements/:scope
func (h *EntitlementHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	subjectID, err := middleware.SubjectIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	scopeID := chi.URLParam(r, "scope")

	ent, err := h.service.Query(r.Context(), subjectID, scopeID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if ent == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewEntitlementNotFoundError(scopeID))
		return
	}

	resp := toEntitlementResponse(ent, h.now())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartEntitlement は待機中のアクセスパスのカウントダウンを開始する。
// POST /api/entitlements/:scope/start
//
// 有効期限は開始時刻から導出され、以後固定される。
// 失敗は原因ごとに404（付与なし）、409（既にアクティブ）、
// 410（開始期限切れ）で区別される。
func (h *EntitlementHandler) StartEntitlement(w http.ResponseWriter, r *http.Request) {
	subjectID, err := middleware.SubjectIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	scopeID := chi.URLParam(r, "scope")

	ent, err := h.service.Start(r.Context(), subjectID, scopeID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := toEntitlementResponse(ent, h.now())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetRenewalOffer は現在のアクティブなパスに対する割引延長オファーを取得する。
// GET /api/entitlements/:scope/renewal-offer
//
// オファーは残り時間がオファー窓に入った場合のみ提示される。
// アクティブなパスがない場合は404、窓の外の場合は409を返す。
func (h *EntitlementHandler) GetRenewalOffer(w http.ResponseWriter, r *http.Request) {
	subjectID, err := middleware.SubjectIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	scopeID := chi.URLParam(r, "scope")

	offer, err := h.offers.QuoteRenewal(r.Context(), subjectID, scopeID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := renewalOfferResponse{
		PriceCents:       offer.PriceCents,
		ListPriceCents:   offer.ListPriceCents,
		DiscountPercent:  offer.DiscountPercent,
		RemainingSeconds: int64(offer.Remaining.Seconds()),
		OfferExpiresAt:   offer.OfferExpiresAt,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeUnauthorized は401レスポンスを書き込む。
func writeUnauthorized(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	})
}
