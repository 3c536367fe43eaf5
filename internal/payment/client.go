// Package payment は決済プロバイダ連携を提供する。
// Webhook通知の取り込みと、プロバイダAPIへのサーバーサイド照会を含む。
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/kippu/internal/model"
)

// maxProviderResponseSize はプロバイダAPIレスポンスの読み取り上限。
const maxProviderResponseSize = 1 << 20 // 1MiB

// Client は決済プロバイダAPIのHTTPクライアント。
// Webhookボディは支払いIDの通知としてのみ信頼し、承認ステータスと
// メタデータは必ずこのクライアント経由のサーバーサイド照会で取得する。
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient はClientを生成する。
// httpClientにはsecurity.OutboundGuardServiceが生成したSSRF防止付き
// クライアントを渡すこと。
func NewClient(httpClient *http.Client, baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     logger,
	}
}

// providerPaymentResponse はプロバイダAPIの支払い照会レスポンス。
type providerPaymentResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Metadata struct {
		SubjectID       string `json:"subject_id"`
		ScopeID         string `json:"scope_id"`
		DurationSeconds int64  `json:"duration_seconds"`
		IsRenewal       bool   `json:"is_renewal"`
	} `json:"metadata"`
}

// FetchPayment は支払い参照をプロバイダAPIに照会し、承認済み支払いの内容を返す。
// 未知の支払いIDはMalformedEvent（恒久的失敗）、プロバイダ側の一時障害は
// ProviderUnavailable（リトライ可能）として区別する。
func (c *Client) FetchPayment(ctx context.Context, paymentReference string) (*model.PaymentConfirmation, error) {
	endpoint := c.baseURL + "/v1/payments/" + url.PathEscape(paymentReference)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("照会リクエストの構築に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewProviderUnavailableError(err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthroughせずに下で本体を解析する
	case resp.StatusCode == http.StatusNotFound:
		return nil, model.NewMalformedEventError(
			fmt.Sprintf("プロバイダに存在しない支払いIDです: %s", paymentReference))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, model.NewProviderUnavailableError(
			fmt.Sprintf("status %d", resp.StatusCode))
	default:
		return nil, model.NewMalformedEventError(
			fmt.Sprintf("プロバイダ照会が予期しないステータスを返しました: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseSize))
	if err != nil {
		return nil, model.NewProviderUnavailableError(err.Error())
	}

	var payment providerPaymentResponse
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, model.NewMalformedEventError("プロバイダレスポンスの解析に失敗しました")
	}

	c.logger.Info("支払いをプロバイダに照会しました",
		slog.String("payment_reference", paymentReference),
		slog.String("status", payment.Status),
		slog.Bool("is_renewal", payment.Metadata.IsRenewal),
	)

	return &model.PaymentConfirmation{
		PaymentReference: payment.ID,
		SubjectID:        payment.Metadata.SubjectID,
		ScopeID:          payment.Metadata.ScopeID,
		Duration:         time.Duration(payment.Metadata.DurationSeconds) * time.Second,
		IsRenewal:        payment.Metadata.IsRenewal,
		Approved:         payment.Status == "approved",
	}, nil
}
