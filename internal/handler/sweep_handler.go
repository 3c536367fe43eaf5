package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hitoshi/kippu/internal/model"
)

// SweepRunner は失効スイープの単発実行インターフェース。
type SweepRunner interface {
	// Run は開始期限を過ぎた待機中パスを一括で失効させ、件数を返す。
	Run(ctx context.Context) (int64, error)
}

// SweepHandler は運用向けのスイープ手動実行エンドポイントのハンドラー。
// 定期スイープとは独立に、Bearerトークンで保護された手動トリガーを提供する。
type SweepHandler struct {
	runner SweepRunner
	token  string
}

// NewSweepHandler はSweepHandlerを生成する。
// tokenが空の場合、エンドポイントは常に404を返す（無効化）。
func NewSweepHandler(runner SweepRunner, token string) *SweepHandler {
	return &SweepHandler{
		runner: runner,
		token:  token,
	}
}

// sweepResponse はスイープ実行結果のレスポンス。
type sweepResponse struct {
	ExpiredCount int64 `json:"expired_count"`
}

// TriggerSweep は失効スイープを1回実行する。
// POST /internal/sweep
func (h *SweepHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	// トークン未設定時はエンドポイントの存在を露出しない
	if h.token == "" {
		http.NotFound(w, r)
		return
	}

	authz := r.Header.Get("Authorization")
	provided, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(h.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	count, err := h.runner.Run(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
			Code:     "SWEEP_FAILED",
			Message:  "失効スイープの実行に失敗しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sweepResponse{ExpiredCount: count})
}
