package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/kippu/internal/model"
	"github.com/hitoshi/kippu/internal/payment"
)

// webhookBodyLimit はWebhookボディの最大サイズ（バイト）。
const webhookBodyLimit = 64 * 1024

// PaymentIngestorInterface はWebhookハンドラーが必要とする取り込みインターフェース。
type PaymentIngestorInterface interface {
	// Ingest は支払い通知を取り込み、高々1回のライフサイクル効果へ変換する。
	Ingest(ctx context.Context, n payment.Notification) (*model.Entitlement, error)
}

// WebhookHandler は支払いプロバイダからのWebhook通知を受け付けるHTTPハンドラー。
// 通知ボディは支払い参照のヒントとしてのみ扱い、付与の内容は
// サーバー側でプロバイダに照会した結果だけを信頼する。
type WebhookHandler struct {
	ingestor PaymentIngestorInterface
	logger   *slog.Logger
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(ingestor PaymentIngestorInterface, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingestor: ingestor,
		logger:   logger,
	}
}

// webhookRequest は支払いプロバイダからの通知ボディ。
type webhookRequest struct {
	Provider         string `json:"provider"`
	PaymentReference string `json:"payment_reference"`
	EventType        string `json:"event_type"`
}

// webhookResponse はWebhook受理のレスポンス。
type webhookResponse struct {
	Status string `json:"status"`
}

// HandlePaymentWebhook は支払い確認イベントを受け付ける。
// POST /webhooks/payment
//
// 同一payment_referenceの再配送は新しい副作用を生まず200を返す
// （プロバイダのリトライを止めるため）。形式不正イベントは400で
// 恒久的に拒否し、一時的な障害は5xxで返してプロバイダに再配送させる。
func (h *WebhookHandler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMalformedEventError("ボディの読み取りに失敗しました"))
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMalformedEventError("JSONの解析に失敗しました"))
		return
	}

	if req.PaymentReference == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMalformedEventError("payment_referenceがありません"))
		return
	}

	_, err = h.ingestor.Ingest(r.Context(), payment.Notification{
		Provider:         req.Provider,
		PaymentReference: req.PaymentReference,
		EventType:        req.EventType,
		PayloadJSON:      string(body),
	})
	if err != nil {
		h.writeIngestError(w, req.PaymentReference, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(webhookResponse{Status: "accepted"})
}

// writeIngestError は取り込み失敗をWebhook向けのステータスに変換する。
// 4xxはプロバイダに再配送を諦めさせ、5xxは再配送を促す。
func (h *WebhookHandler) writeIngestError(w http.ResponseWriter, paymentReference string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case model.ErrCodeMalformedEvent:
			writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		case model.ErrCodeNoActiveEntitlement:
			writeAPIErrorResponse(w, http.StatusUnprocessableEntity, apiErr)
		case model.ErrCodeProviderUnavailable:
			writeAPIErrorResponse(w, http.StatusBadGateway, apiErr)
		default:
			writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		}
		return
	}

	// 一時的なストア障害はリトライ枯渇後にここへ到達する。
	// 5xxを返してプロバイダの再配送に委ねる。
	h.logger.Error("支払いイベントの取り込みに失敗しました",
		slog.String("payment_reference", paymentReference),
		slog.String("error", err.Error()),
	)
	writeAPIErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
		Code:     "INGEST_FAILED",
		Message:  "イベントの取り込みに一時的に失敗しました。",
		Category: "system",
		Action:   "再配送してください。",
	})
}
