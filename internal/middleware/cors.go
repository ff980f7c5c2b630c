package middleware

import "net/http"

// NewCORSMiddleware は単一のフロントエンドオリジンを許可するCORSミドルウェアを返す。
// Cookieを送らせるためワイルドカードは使わない。
// プリフライトは後続に渡さず204で終える。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowedOrigin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			// 429のRetry-Afterをクライアントから読めるようにする
			h.Set("Access-Control-Expose-Headers", "Retry-After")

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
