package gateway

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nao1215/authgate/pkg/oidcdata"
	"github.com/nao1215/authgate/pkg/session"
)

// pendingLogin はIdPへリダイレクトしたログイン途中のリクエスト。stateをキーに保持する。
type pendingLogin struct {
	nonce          string
	originalURI    string
	rule           string
	sessionTimeout time.Duration
}

// startLogin はstateとnonceを発行してIdPの認可エンドポイントへリダイレクトする。
func (s *Server) startLogin(c *gin.Context, rule *Rule) {
	state := uuid.NewString()
	nonce := uuid.NewString()
	s.pending.Add(state, pendingLogin{
		nonce:          nonce,
		originalURI:    c.Request.URL.RequestURI(),
		rule:           rule.String(),
		sessionTimeout: s.sessionTimeout(rule),
	})
	s.setCookie(c, nonceCookieName, state, int(pendingLoginTTL.Seconds()))

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {s.cfg.ClientID},
		"redirect_uri":  {s.idp.redirectURI},
		"scope":         {s.scope(rule)},
		"state":         {state},
		"nonce":         {nonce},
	}
	c.Redirect(http.StatusFound, strings.TrimSuffix(s.cfg.IdPPublicURL, "/")+"/oauth2/authorize?"+q.Encode())
}

// handleCallback はIdPからのリダイレクトを処理するハンドラを返す。
// 検証のいずれかに失敗した場合は401を返し、ターゲットへは転送しない。
func (s *Server) handleCallback() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if e := c.Query("error"); e != "" {
			s.rejectCallback(c, "IdPがエラーを返しました", "idp_error", e)
			return
		}

		state := c.Query("state")
		cookie, err := c.Cookie(nonceCookieName)
		if state == "" || err != nil || subtle.ConstantTimeCompare([]byte(cookie), []byte(state)) != 1 {
			s.rejectCallback(c, "stateがCookieと一致しません", "", "")
			return
		}
		// Removeがtrueを返した呼び出しだけがstateを消費できる
		pending, ok := s.pending.Peek(state)
		ok = ok && s.pending.Remove(state)
		s.setCookie(c, nonceCookieName, "", -1)
		if !ok {
			s.rejectCallback(c, "stateが見つからないか期限切れです", "", "")
			return
		}

		tokens, err := s.idp.Exchange(ctx, c.Query("code"))
		if err != nil {
			s.rejectCallback(c, "認可コードの交換に失敗しました", "error", err.Error())
			return
		}
		idClaims, err := s.idp.VerifyIDToken(ctx, tokens.IDToken, pending.nonce)
		if err != nil {
			s.rejectCallback(c, "IDトークンの検証に失敗しました", "error", err.Error())
			return
		}
		info, err := s.idp.UserInfo(ctx, tokens.AccessToken)
		if err != nil {
			s.rejectCallback(c, "userinfoの取得に失敗しました", "error", err.Error())
			return
		}
		if info.Sub != idClaims.Subject {
			s.rejectCallback(c, "userinfoのsubがIDトークンと一致しません", "", "")
			return
		}

		now := s.now()
		username := info.Username
		if username == "" {
			username = idClaims.Username
		}
		sess := &session.Session{
			ID:      session.NewID(),
			Subject: info.Sub,
			Claims: oidcdata.Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: info.Sub},
				Email:            info.Email,
				EmailVerified:    bool(info.EmailVerified),
				Username:         username,
			},
			AccessToken: tokens.AccessToken,
			CreatedAt:   now,
			ExpiresAt:   now.Add(pending.sessionTimeout),
		}
		if err := s.sessions.Save(ctx, sess); err != nil {
			s.logger.Error().Err(err).Msg("セッションの保存に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}

		s.setCookie(c, s.sessionCookie(), sess.ID, int(pending.sessionTimeout.Seconds()))
		s.logger.Info().Str("sub", sess.Subject).Str("rule", pending.rule).Msg("ログインが完了しました")
		c.Redirect(http.StatusFound, safeRedirect(pending.originalURI))
	}
}

// rejectCallback はコールバックの失敗をログに残して401を返す。
func (s *Server) rejectCallback(c *gin.Context, reason, key, detail string) {
	ev := s.logger.Warn().Str("reason", reason).Str("client_ip", c.ClientIP())
	if key != "" {
		ev = ev.Str(key, detail)
	}
	ev.Msg("ログインのコールバックを拒否しました")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "認証に失敗しました"})
}

// safeRedirect はログイン後のリダイレクト先を同一オリジンの相対パスに限定する。
func safeRedirect(uri string) string {
	if !strings.HasPrefix(uri, "/") || strings.HasPrefix(uri, "//") || strings.HasPrefix(uri, "/\\") {
		return "/"
	}
	return uri
}

// handleSignOut はセッションを破棄してIdPのサインアウトへリダイレクトするハンドラを返す。
func (s *Server) handleSignOut() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, err := c.Cookie(s.sessionCookie()); err == nil && id != "" {
			if err := s.sessions.Delete(c.Request.Context(), id); err != nil {
				s.logger.Warn().Err(err).Msg("セッションの削除に失敗しました")
			}
		}
		s.setCookie(c, s.sessionCookie(), "", -1)

		q := url.Values{
			"client_id":  {s.cfg.ClientID},
			"logout_uri": {s.cfg.LogoutURL},
		}
		c.Redirect(http.StatusFound, strings.TrimSuffix(s.cfg.IdPPublicURL, "/")+"/logout?"+q.Encode())
	}
}
