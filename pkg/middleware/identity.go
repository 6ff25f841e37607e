package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/authgate/pkg/oidcdata"
	"github.com/rs/zerolog"
)

// コンテキストキー。
const (
	contextKeyUserID   = "user_id"
	contextKeyClaims   = "claims"
	contextKeyVerified = "identity_verified"
)

// IdentityOptions はGatewayIdentityミドルウェアの設定。
type IdentityOptions struct {
	// TrustedProxies はクレームヘッダーを信頼する送信元（ゲートウェイ）のネットワーク。
	TrustedProxies []netip.Prefix
	// Verifier が設定されている場合は署名を検証する。nilの場合は有効期限のみ確認してデコードする。
	Verifier *oidcdata.Verifier
	// Required がtrueの場合、信頼できるIDが無いリクエストを401で拒否する。
	Required bool
	// Logger はヘッダーを無視・拒否した理由の出力先。
	Logger zerolog.Logger
}

// GatewayIdentity はゲートウェイが付与したクレームヘッダーを読み取るGinミドルウェアを返す。
//
// ヘッダーは接続元アドレスがTrustedProxiesに含まれる場合だけ解釈する。
// X-Forwarded-Forはクライアントが偽装できるため参照しない。
// 成功した場合、コンテキストに "user_id" と "claims" を設定する。
func GatewayIdentity(opts IdentityOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(oidcdata.HeaderData)

		if !trustedPeer(c.Request.RemoteAddr, opts.TrustedProxies) {
			if raw != "" {
				opts.Logger.Warn().
					Str("remote_addr", c.Request.RemoteAddr).
					Msg("信頼できない送信元からのクレームヘッダーを無視しました")
			}
			rejectOrNext(c, opts.Required)
			return
		}

		if raw == "" {
			rejectOrNext(c, opts.Required)
			return
		}

		var (
			claims *oidcdata.Claims
			err    error
		)
		if opts.Verifier != nil {
			claims, err = opts.Verifier.Verify(c.Request.Context(), raw)
		} else {
			claims, err = oidcdata.Decode(raw, time.Now())
		}
		if err != nil {
			opts.Logger.Warn().Err(err).Msg("クレームヘッダーを拒否しました")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "クレームヘッダーが無効です",
			})
			return
		}

		if identity := c.GetHeader(oidcdata.HeaderIdentity); identity != "" && identity != claims.Subject {
			opts.Logger.Warn().
				Str("identity", identity).
				Str("sub", claims.Subject).
				Msg("IDヘッダーとクレームのsubが一致しません")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "クレームヘッダーが無効です",
			})
			return
		}

		c.Set(contextKeyUserID, claims.Subject)
		c.Set(contextKeyClaims, claims)
		c.Set(contextKeyVerified, opts.Verifier != nil)
		c.Next()
	}
}

func rejectOrNext(c *gin.Context, required bool) {
	if required {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "認証が必要です",
		})
		return
	}
	c.Next()
}

// trustedPeer は接続元アドレスが信頼済みネットワークに含まれるかを判定する。
func trustedPeer(remoteAddr string, trusted []netip.Prefix) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// GetUserID はGinコンテキストからユーザーID（sub）を取得する。
// GatewayIdentityミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(contextKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetClaims はGinコンテキストからクレームを取得する。
func GetClaims(c *gin.Context) (*oidcdata.Claims, bool) {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*oidcdata.Claims)
	return claims, ok
}

// IsVerified はクレームの署名が検証済みかどうかを返す。
func IsVerified(c *gin.Context) bool {
	return c.GetBool(contextKeyVerified)
}
