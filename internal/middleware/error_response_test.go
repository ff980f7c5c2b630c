package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/uscout/internal/model"
)

// decodeErrorBody はレスポンスを統一エラーフォーマットとして読む。
func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		apiErr   *model.APIError
		wantCode string
	}{
		{name: "入力不正", status: http.StatusBadRequest, apiErr: model.NewEmptyInputError("本文を入力してください。"), wantCode: model.ErrCodeEmptyInput},
		{name: "自己フォロー", status: http.StatusBadRequest, apiErr: model.NewSelfFollowError(), wantCode: model.ErrCodeSelfFollow},
		{name: "ユーザーなし", status: http.StatusNotFound, apiErr: model.NewUserNotFoundError(), wantCode: model.ErrCodeUserNotFound},
		{name: "ストレージ無効", status: http.StatusServiceUnavailable, apiErr: model.NewStorageDisabledError(), wantCode: model.ErrCodeStorageDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteErrorResponse(w, tt.status, tt.apiErr)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			body := decodeErrorBody(t, w)
			if body != NewErrorResponseBody(tt.apiErr) {
				t.Errorf("body = %+v, want %+v", body, NewErrorResponseBody(tt.apiErr))
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestWriteInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	body := decodeErrorBody(t, w)
	if body.Code != model.ErrCodeInternal || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
	if body.Message == "" || body.Action == "" {
		t.Error("messageとactionは空にしない")
	}
}

func TestWriteUnauthorized(t *testing.T) {
	w := httptest.NewRecorder()
	WriteUnauthorized(w)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeNotAuthenticated {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeNotAuthenticated)
	}
}

func TestErrorResponseBody_JSONKeys(t *testing.T) {
	data, err := json.Marshal(NewErrorResponseBody(model.NewRateLimitedError()))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for _, key := range []string{"code", "message", "category", "action"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("%qキーがない: %s", key, data)
		}
	}
}
