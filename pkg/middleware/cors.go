package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS は許可したオリジンからのクロスオリジンリクエストを受け付けるGinミドルウェアを返す。
// idpサービスでブラウザ上のSPAがトークン・userinfo・JWKSエンドポイントを呼ぶために使う。
// プリフライトは許可したオリジンなら204、それ以外は403で打ち切る。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Add("Vary", "Origin")
		_, ok := allowed[origin]
		if ok {
			h.Set("Access-Control-Allow-Origin", origin)
			// Bearerトークンのエラー内容をブラウザから読めるようにする
			h.Set("Access-Control-Expose-Headers", "WWW-Authenticate")
		}

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			if !ok {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
