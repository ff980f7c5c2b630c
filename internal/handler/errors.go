package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/uscout/internal/follow"
	"github.com/hitoshi/uscout/internal/middleware"
	"github.com/hitoshi/uscout/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var partial *follow.PartialWriteError
	if errors.As(err, &partial) {
		slog.Error("partial follow write", slog.String("error", err.Error()))
		writeInternalError(w)
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeInternalError(w)
}

func writeInternalError(w http.ResponseWriter) {
	middleware.WriteInternalServerError(w)
}

func writeUnauthorized(w http.ResponseWriter) {
	middleware.WriteUnauthorized(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeEmptyInput, model.ErrCodeInvalidURL, model.ErrCodeInvalidRequest,
		model.ErrCodeWeakPassword, model.ErrCodeSelfFollow, model.ErrCodeSelfMessage,
		model.ErrCodeUnknownCommand:
		return http.StatusBadRequest
	case model.ErrCodeNotAuthenticated, model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeSSRFBlocked, model.ErrCodeCSRFRejected:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound, model.ErrCodeThreadNotFound:
		return http.StatusNotFound
	case model.ErrCodeEmailTaken, model.ErrCodeNoOpenThread:
		return http.StatusConflict
	case model.ErrCodeUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case model.ErrCodeFeedNotDetected, model.ErrCodeParseFailed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeStorageDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
