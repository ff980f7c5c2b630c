package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/uscout/internal/model"
)

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_SafeMethodsPassWithoutToken(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{})

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(method, "/api/users/u1", nil))

			if !called {
				t.Errorf("%sが通らなかった", method)
			}
			if c := findCookie(w, "csrf_token"); c == nil || len(c.Value) != 64 {
				t.Errorf("csrf_token Cookieが発行されていない: %+v", c)
			}
		})
	}
}

func TestCSRFMiddleware_ExistingCookieIsKept(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if c := findCookie(w, "csrf_token"); c != nil {
		t.Errorf("既存のCookieが上書きされた: %q", c.Value)
	}
}

func TestCSRFMiddleware_StateChangingMethods(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		cookie     string
		header     string
		wantStatus int
	}{
		{name: "POST 一致", method: http.MethodPost, cookie: "tok", header: "tok", wantStatus: http.StatusOK},
		{name: "PUT 一致", method: http.MethodPut, cookie: "tok", header: "tok", wantStatus: http.StatusOK},
		{name: "POST Cookieなし", method: http.MethodPost, header: "tok", wantStatus: http.StatusForbidden},
		{name: "POST ヘッダーなし", method: http.MethodPost, cookie: "tok", wantStatus: http.StatusForbidden},
		{name: "POST 不一致", method: http.MethodPost, cookie: "tok", header: "other", wantStatus: http.StatusForbidden},
		{name: "PATCH トークンなし", method: http.MethodPatch, wantStatus: http.StatusForbidden},
		{name: "DELETE トークンなし", method: http.MethodDelete, wantStatus: http.StatusForbidden},
	}

	handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/highlights/uploads", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "csrf_token", Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set("X-CSRF-Token", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusForbidden {
				if body := decodeErrorBody(t, w); body.Code != model.ErrCodeCSRFRejected {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFRejected)
				}
			}
		})
	}
}

func TestCSRFTokenHandler_IssuesToken(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{CookieSecure: true, CookieDomain: "example.com", MaxAge: 600})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	c := findCookie(w, "csrf_token")
	if c == nil {
		t.Fatal("csrf_token Cookieがない")
	}
	if body["token"] != c.Value {
		t.Errorf("token = %q, cookie = %q", body["token"], c.Value)
	}
	if c.HttpOnly {
		t.Error("HttpOnlyではフロントエンドが読めない")
	}
	if !c.Secure || c.Domain != "example.com" || c.MaxAge != 600 || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie = %+v", c)
	}
}

func TestCSRFTokenHandler_ReturnsExistingToken(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["token"] != "existing" {
		t.Errorf("token = %q, want %q", body["token"], "existing")
	}
	if findCookie(w, "csrf_token") != nil {
		t.Error("既存トークンがあるのにCookieを再発行した")
	}
}

func TestCSRFConfig_DefaultMaxAge(t *testing.T) {
	w := httptest.NewRecorder()
	NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if c := findCookie(w, "csrf_token"); c == nil || c.MaxAge != 86400 {
		t.Errorf("cookie = %+v, want MaxAge 86400", c)
	}
}
