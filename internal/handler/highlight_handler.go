package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/uscout/internal/highlight"
	"github.com/hitoshi/uscout/internal/middleware"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/storage"
)

// UploadPresigner は動画アップロード用の署名付きURLを発行する。storage.Storageが満たす。
type UploadPresigner interface {
	PresignUpload(ctx context.Context, userID, contentType string) (*storage.Upload, error)
}

// HighlightHandler はハイライト関連のHTTPハンドラー。
type HighlightHandler struct {
	uploads UploadPresigner
}

// NewHighlightHandler はHighlightHandlerを生成する。
// uploadsがnilの場合、アップロードはSTORAGE_DISABLEDを返す。
func NewHighlightHandler(uploads UploadPresigner) *HighlightHandler {
	return &HighlightHandler{uploads: uploads}
}

type uploadRequest struct {
	ContentType string `json:"contentType"`
}

// Classify は動画URLの埋め込み方法を返す。
// GET /api/highlights/classify?url=
func (h *HighlightHandler) Classify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, highlight.Classify(r.URL.Query().Get("url")))
}

// CreateUpload は動画を直接アップロードするための署名付きURLを発行する。
// POST /api/highlights/uploads
func (h *HighlightHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	if h.uploads == nil {
		handleServiceError(w, model.NewStorageDisabledError())
		return
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	upload, err := h.uploads.PresignUpload(r.Context(), userID, req.ContentType)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}
