package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authgate/internal/auth"
)

// ユーザーに返すアクションエラーメッセージ。内部の原因は含めない。
const (
	msgUserAlreadyExists  = "User already exists"
	msgInvalidCredentials = "Invalid credentials"
	msgInvalidRequest     = "Invalid request"
	msgGenericError       = "An error occurred"
)

// maxActionBodyBytes はアクションのリクエストボディの上限。
const maxActionBodyBytes = 1 << 20

// ActionResult はアクションエンドポイントの統一レスポンス。
// 成功時は {"success": true}、失敗時は {"success": false, "error": "..."} となる。
type ActionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	URL     string `json:"url,omitempty"`
}

func writeActionResult(w http.ResponseWriter, statusCode int, result ActionResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(result)
}

func writeActionSuccess(w http.ResponseWriter) {
	writeActionResult(w, http.StatusOK, ActionResult{Success: true})
}

// writeActionError はサービス層のエラーをアクションの失敗レスポンスに変換する。
func writeActionError(w http.ResponseWriter, action string, err error) {
	var validationErr *auth.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeActionResult(w, http.StatusUnprocessableEntity, ActionResult{Error: validationErr.Message})
	case errors.Is(err, auth.ErrUserAlreadyExists):
		writeActionResult(w, http.StatusConflict, ActionResult{Error: msgUserAlreadyExists})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeActionResult(w, http.StatusUnauthorized, ActionResult{Error: msgInvalidCredentials})
	default:
		slog.Error("action failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		writeActionResult(w, http.StatusInternalServerError, ActionResult{Error: msgGenericError})
	}
}

// decodeActionBody はJSONボディをdstに読み込む。失敗時は400のアクションエラーを書き込みfalseを返す。
func decodeActionBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxActionBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Warn("failed to decode action body",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeActionResult(w, http.StatusBadRequest, ActionResult{Error: msgInvalidRequest})
		return false
	}
	return true
}
