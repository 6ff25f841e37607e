package idp

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/authgate/pkg/event"
)

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	IDToken     string `json:"id_token,omitempty"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// userInfoResponse はuserinfoエンドポイントのレスポンス。
type userInfoResponse struct {
	Sub           string `json:"sub"`
	Username      string `json:"username"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}

// oauthError はRFC 6749形式のエラーレスポンスを返す。
func oauthError(c *gin.Context, status int, code, description string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "error_description": description})
}

// clientCredentials はclient_secret_basicまたはclient_secret_postのクライアント認証情報を取り出す。
func clientCredentials(r *http.Request) (string, string, bool) {
	if user, pass, ok := r.BasicAuth(); ok {
		id, err := url.QueryUnescape(user)
		if err != nil {
			return "", "", false
		}
		secret, err := url.QueryUnescape(pass)
		if err != nil {
			return "", "", false
		}
		return id, secret, id != ""
	}
	id, secret := r.PostFormValue("client_id"), r.PostFormValue("client_secret")
	return id, secret, id != "" && secret != ""
}

// handleToken はトークンエンドポイントのハンドラを返す。
// 認可コードは1回限り有効で、発行先のクライアントとredirect_uriに束縛される。
func (s *Server) handleToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		ctx := c.Request.Context()

		if grant := c.PostForm("grant_type"); grant != "authorization_code" {
			oauthError(c, http.StatusBadRequest, "unsupported_grant_type", "grant_typeはauthorization_codeのみ対応しています")
			return
		}

		clientID, secret, ok := clientCredentials(c.Request)
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="idp"`)
			oauthError(c, http.StatusUnauthorized, "invalid_client", "クライアント認証情報がありません")
			return
		}
		client, err := s.store.GetClient(ctx, clientID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Error().Err(err).Msg("クライアントの取得に失敗しました")
			oauthError(c, http.StatusInternalServerError, "server_error", "内部エラーが発生しました")
			return
		}
		if err != nil || !client.VerifySecret(secret) {
			s.rejectToken(c, clientID, http.StatusUnauthorized, "invalid_client", "クライアント認証に失敗しました")
			return
		}

		code, err := s.store.ConsumeAuthCode(ctx, c.PostForm("code"))
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Error().Err(err).Msg("認可コードの取得に失敗しました")
			}
			s.rejectToken(c, client.ID, http.StatusBadRequest, "invalid_grant", "認可コードが無効です")
			return
		}
		if code.ClientID != client.ID {
			s.rejectToken(c, client.ID, http.StatusBadRequest, "invalid_grant", "認可コードは別のクライアントに発行されています")
			return
		}
		if code.RedirectURI != c.PostForm("redirect_uri") {
			s.rejectToken(c, client.ID, http.StatusBadRequest, "invalid_grant", "redirect_uriが一致しません")
			return
		}

		user, err := s.store.GetUserBySub(ctx, code.Sub)
		if err != nil || !user.Enabled {
			s.rejectToken(c, client.ID, http.StatusBadRequest, "invalid_grant", "ユーザーが無効です")
			return
		}

		accessToken, err := s.tokens.IssueAccessToken(user, client.ID, code.Scope, code.AuthTime)
		if err != nil {
			s.logger.Error().Err(err).Msg("アクセストークンの発行に失敗しました")
			oauthError(c, http.StatusInternalServerError, "server_error", "トークンの発行に失敗しました")
			return
		}
		resp := tokenResponse{
			AccessToken: accessToken,
			TokenType:   "Bearer",
			ExpiresIn:   int(s.tokens.AccessTokenTTL().Seconds()),
		}
		if hasScope(code.Scope, "openid") {
			idToken, err := s.tokens.IssueIDToken(user, client.ID, code.Nonce, code.AuthTime, hasScope(code.Scope, "email"))
			if err != nil {
				s.logger.Error().Err(err).Msg("IDトークンの発行に失敗しました")
				oauthError(c, http.StatusInternalServerError, "server_error", "トークンの発行に失敗しました")
				return
			}
			resp.IDToken = idToken
		}

		s.recordEvent(ctx, client.ID, event.TokenIssuedData{
			Subject: user.Sub,
			Scope:   code.Scope,
		})
		c.JSON(http.StatusOK, resp)
	}
}

// rejectToken はトークンリクエストの拒否を記録してエラーを返す。
func (s *Server) rejectToken(c *gin.Context, clientID string, status int, code, description string) {
	s.recordEvent(c.Request.Context(), clientID, event.TokenRejectedData{
		Error:       code,
		Description: description,
	})
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", `Basic realm="idp"`)
	}
	oauthError(c, status, code, description)
}

// handleUserInfo はアクセストークンに対応するユーザー属性を返すハンドラを返す。
// emailはアクセストークンにemailスコープがある場合のみ返す。
func (s *Server) handleUserInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || raw == "" {
			c.Header("WWW-Authenticate", `Bearer realm="idp"`)
			oauthError(c, http.StatusUnauthorized, "invalid_token", "アクセストークンがありません")
			return
		}

		claims, err := s.tokens.ParseAccessToken(raw)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			oauthError(c, http.StatusUnauthorized, "invalid_token", "アクセストークンが無効です")
			return
		}
		if !hasScope(claims.Scope, "openid") {
			c.Header("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			oauthError(c, http.StatusForbidden, "insufficient_scope", "openidスコープが必要です")
			return
		}

		user, err := s.store.GetUserBySub(c.Request.Context(), claims.Subject)
		if err != nil || !user.Enabled {
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			oauthError(c, http.StatusUnauthorized, "invalid_token", "ユーザーが無効です")
			return
		}

		resp := userInfoResponse{Sub: user.Sub, Username: user.Username}
		if hasScope(claims.Scope, "email") {
			resp.Email = user.Email
			resp.EmailVerified = user.EmailVerified
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleAdminEvents は監査イベントを返すハンドラを返す。
// 管理トークンが設定されていない場合は503を返す。
func (s *Server) handleAdminEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "管理APIは無効です"})
			return
		}
		raw, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(raw), []byte(s.cfg.AdminToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "管理トークンが無効です"})
			return
		}

		filter := EventFilter{
			AggregateID: c.Query("aggregate_id"),
			EventType:   event.Type(c.Query("event_type")),
			Limit:       100,
		}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limitは1から1000の整数で指定してください"})
				return
			}
			filter.Limit = n
		}

		events, err := s.store.ListEvents(c.Request.Context(), filter)
		if err != nil {
			s.logger.Error().Err(err).Msg("監査イベントの取得に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "監査イベントの取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}
