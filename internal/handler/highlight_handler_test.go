package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/uscout/internal/highlight"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/storage"
)

type mockUploadPresigner struct {
	presignFn func(ctx context.Context, userID, contentType string) (*storage.Upload, error)
}

func (m *mockUploadPresigner) PresignUpload(ctx context.Context, userID, contentType string) (*storage.Upload, error) {
	return m.presignFn(ctx, userID, contentType)
}

func TestHighlightHandler_Classify(t *testing.T) {
	tests := []struct {
		url      string
		wantKind highlight.Kind
	}{
		{url: "https://www.youtube.com/watch?v=abc&t=3", wantKind: highlight.KindYouTube},
		{url: "https://vimeo.com/12345", wantKind: highlight.KindVimeo},
		{url: "https://cdn.example.com/clip.mp4", wantKind: highlight.KindMP4},
		{url: "", wantKind: highlight.KindGeneric},
	}

	h := NewHighlightHandler(nil)
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/highlights/classify?url="+tt.url, nil)
			w := httptest.NewRecorder()

			h.Classify(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			var got highlight.Embed
			json.NewDecoder(w.Body).Decode(&got)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
		})
	}
}

func TestHighlightHandler_CreateUpload_Success(t *testing.T) {
	presigner := &mockUploadPresigner{
		presignFn: func(ctx context.Context, userID, contentType string) (*storage.Upload, error) {
			if userID != "user-1" || contentType != "video/mp4" {
				t.Errorf("PresignUpload(%q, %q)", userID, contentType)
			}
			return &storage.Upload{
				Key:       "highlights/user-1/01.mp4",
				Method:    http.MethodPut,
				UploadURL: "https://r2.example.com/signed",
				PublicURL: "https://cdn.example.com/highlights/user-1/01.mp4",
			}, nil
		},
	}
	h := NewHighlightHandler(presigner)

	req := httptest.NewRequest(http.MethodPost, "/api/highlights/uploads", strings.NewReader(`{"contentType":"video/mp4"}`))
	req = withUserID(req, "user-1")
	w := httptest.NewRecorder()

	h.CreateUpload(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var got storage.Upload
	json.NewDecoder(w.Body).Decode(&got)
	if got.UploadURL != "https://r2.example.com/signed" || got.PublicURL == "" {
		t.Errorf("upload = %+v", got)
	}
}

func TestHighlightHandler_CreateUpload_Errors(t *testing.T) {
	tests := []struct {
		name       string
		presigner  UploadPresigner
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "ストレージ未設定",
			body:       `{"contentType":"video/mp4"}`,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   model.ErrCodeStorageDisabled,
		},
		{
			name: "未対応の形式",
			presigner: &mockUploadPresigner{presignFn: func(ctx context.Context, userID, contentType string) (*storage.Upload, error) {
				return nil, model.NewUnsupportedMediaError(contentType)
			}},
			body:       `{"contentType":"image/gif"}`,
			wantStatus: http.StatusUnsupportedMediaType,
			wantCode:   model.ErrCodeUnsupportedMedia,
		},
		{
			name: "不正なJSON",
			presigner: &mockUploadPresigner{presignFn: func(ctx context.Context, userID, contentType string) (*storage.Upload, error) {
				t.Error("不正なリクエストで署名してはいけない")
				return nil, nil
			}},
			body:       `{`,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidRequest,
		},
		{
			name: "署名の失敗",
			presigner: &mockUploadPresigner{presignFn: func(ctx context.Context, userID, contentType string) (*storage.Upload, error) {
				return nil, errors.New("credentials expired")
			}},
			body:       `{"contentType":"video/mp4"}`,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHighlightHandler(tt.presigner)

			req := httptest.NewRequest(http.MethodPost, "/api/highlights/uploads", strings.NewReader(tt.body))
			req = withUserID(req, "user-1")
			w := httptest.NewRecorder()

			h.CreateUpload(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := decodeErrorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}
