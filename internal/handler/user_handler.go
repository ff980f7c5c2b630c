package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/uscout/internal/middleware"
	"github.com/hitoshi/uscout/internal/profile"
)

// ProfileViewer は公開プロフィール画面を組み立てる。profile.Viewerが満たす。
type ProfileViewer interface {
	View(ctx context.Context, viewerID, uid string) (*profile.View, error)
}

// UserHandler はユーザープロフィールのHTTPハンドラー。
type UserHandler struct {
	viewer ProfileViewer
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(viewer ProfileViewer) *UserHandler {
	return &UserHandler{viewer: viewer}
}

// GetUser はプロフィール、投稿、ハイライト、フォロー数を返す。
// GET /api/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	viewerID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	view, err := h.viewer.View(r.Context(), viewerID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
