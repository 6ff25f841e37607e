package idp

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/nao1215/authgate/pkg/event"
)

// authorizeRequest は認可リクエストのパラメータ。ホステッドUIのフォームでも引き回す。
type authorizeRequest struct {
	ResponseType string `form:"response_type"`
	ClientID     string `form:"client_id"`
	RedirectURI  string `form:"redirect_uri"`
	Scope        string `form:"scope"`
	State        string `form:"state"`
	Nonce        string `form:"nonce"`
}

// authorizeError は認可リクエストの検証エラー。
// redirectがtrueの場合はredirect_uriにエラーを付けてリダイレクトする。
type authorizeError struct {
	status      int
	code        string
	description string
	redirect    bool
}

// loginPage はログインフォームのテンプレートデータ。
type loginPage struct {
	ClientName   string
	Error        string
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
	Nonce        string
	Username     string
}

// validateAuthorize は認可リクエストを検証し、クライアントと有効なスコープを返す。
// client_idとredirect_uriが不正な場合は、オープンリダイレクトを避けるためリダイレクトしない。
func (s *Server) validateAuthorize(c *gin.Context, req *authorizeRequest) (*Client, string, *authorizeError) {
	if req.ClientID == "" {
		return nil, "", &authorizeError{status: http.StatusBadRequest, code: "invalid_request", description: "client_idが指定されていません"}
	}
	client, err := s.store.GetClient(c.Request.Context(), req.ClientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", &authorizeError{status: http.StatusBadRequest, code: "invalid_client", description: "クライアントが見つかりません"}
		}
		s.logger.Error().Err(err).Msg("クライアントの取得に失敗しました")
		return nil, "", &authorizeError{status: http.StatusInternalServerError, code: "server_error", description: "内部エラーが発生しました"}
	}
	if req.RedirectURI == "" || !client.HasCallbackURL(req.RedirectURI) {
		return nil, "", &authorizeError{status: http.StatusBadRequest, code: "invalid_request", description: "redirect_uriが登録されていません"}
	}
	if req.ResponseType != "code" {
		return nil, "", &authorizeError{code: "unsupported_response_type", description: "response_typeはcodeのみ対応しています", redirect: true}
	}

	scope := strings.Join(strings.Fields(req.Scope), " ")
	if scope == "" {
		scope = strings.Join(client.AllowedScopes, " ")
	}
	if !client.AllowsScopes(strings.Fields(scope)) {
		return nil, "", &authorizeError{code: "invalid_scope", description: "許可されていないスコープが含まれています", redirect: true}
	}
	return client, scope, nil
}

// respondAuthorizeError は認可リクエストのエラーを返す。
func (s *Server) respondAuthorizeError(c *gin.Context, req *authorizeRequest, e *authorizeError) {
	if e.redirect {
		c.Redirect(http.StatusFound, buildRedirect(req.RedirectURI, map[string]string{
			"error":             e.code,
			"error_description": e.description,
			"state":             req.State,
		}))
		return
	}
	c.JSON(e.status, gin.H{"error": e.code, "error_description": e.description})
}

// buildRedirect はbaseにクエリパラメータを追加したURLを返す。空の値は付与しない。
func buildRedirect(base string, params map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// currentSession はCookieからホステッドUIのログインセッションを取得する。
func (s *Server) currentSession(c *gin.Context) (loginSession, bool) {
	sid, err := c.Cookie(sessionCookieName)
	if err != nil || sid == "" {
		return loginSession{}, false
	}
	return s.sessions.Get(sid)
}

// handleAuthorize は認可エンドポイントのハンドラを返す。
// ログインセッションがあれば即座に認可コードを発行し、無ければホステッドUIへリダイレクトする。
func (s *Server) handleAuthorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authorizeRequest
		_ = c.ShouldBindQuery(&req)

		client, scope, aerr := s.validateAuthorize(c, &req)
		if aerr != nil {
			s.respondAuthorizeError(c, &req, aerr)
			return
		}

		if sess, ok := s.currentSession(c); ok {
			user, err := s.store.GetUserBySub(c.Request.Context(), sess.sub)
			if err == nil && user.Enabled {
				s.issueCode(c, client, user, &req, scope, sess.authTime)
				return
			}
		}

		c.Redirect(http.StatusFound, "/login?"+c.Request.URL.RawQuery)
	}
}

// handleLoginPage はログインフォームを表示するハンドラを返す。
func (s *Server) handleLoginPage() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authorizeRequest
		_ = c.ShouldBindQuery(&req)

		client, scope, aerr := s.validateAuthorize(c, &req)
		if aerr != nil {
			s.respondAuthorizeError(c, &req, aerr)
			return
		}
		c.HTML(http.StatusOK, "login.html", newLoginPage(client, &req, scope))
	}
}

func newLoginPage(client *Client, req *authorizeRequest, scope string) loginPage {
	return loginPage{
		ClientName:   client.Name,
		ResponseType: req.ResponseType,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		Scope:        scope,
		State:        req.State,
		Nonce:        req.Nonce,
	}
}

// handleLogin はログインフォームの送信を処理するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authorizeRequest
		_ = c.ShouldBindWith(&req, binding.Form)

		client, scope, aerr := s.validateAuthorize(c, &req)
		if aerr != nil {
			s.respondAuthorizeError(c, &req, aerr)
			return
		}

		ctx := c.Request.Context()
		username := c.PostForm("username")
		user, err := s.store.Authenticate(ctx, username, c.PostForm("password"))
		if err != nil {
			page := newLoginPage(client, &req, scope)
			page.Username = username

			reason := "bad_credentials"
			switch {
			case errors.Is(err, ErrUserDisabled):
				reason = "disabled"
				page.Error = "このユーザーは無効化されています"
			case errors.Is(err, ErrInvalidCredentials):
				page.Error = "ユーザー名またはパスワードが正しくありません"
			default:
				s.logger.Error().Err(err).Msg("ユーザー認証に失敗しました")
				page.Error = "内部エラーが発生しました"
				c.HTML(http.StatusInternalServerError, "login.html", page)
				return
			}

			s.recordEvent(ctx, username, event.LoginFailedData{
				ClientID: client.ID,
				RemoteIP: c.ClientIP(),
				Reason:   reason,
			})
			c.HTML(http.StatusUnauthorized, "login.html", page)
			return
		}

		authTime := time.Now()
		sid := uuid.NewString()
		s.sessions.Add(sid, loginSession{sub: user.Sub, authTime: authTime})
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(sessionCookieName, sid, int(s.cfg.SessionTTL.Seconds()), "/", "", s.cfg.SecureCookie, true)

		s.recordEvent(ctx, user.Sub, event.LoginSucceededData{
			ClientID: client.ID,
			RemoteIP: c.ClientIP(),
		})
		s.issueCode(c, client, user, &req, scope, authTime)
	}
}

// issueCode は認可コードを発行してredirect_uriへリダイレクトする。
func (s *Server) issueCode(c *gin.Context, client *Client, user *User, req *authorizeRequest, scope string, authTime time.Time) {
	ctx := c.Request.Context()
	code, err := s.store.IssueAuthCode(ctx, AuthCode{
		ClientID:    client.ID,
		Sub:         user.Sub,
		RedirectURI: req.RedirectURI,
		Scope:       scope,
		Nonce:       req.Nonce,
		AuthTime:    authTime,
	}, s.cfg.AuthCodeTTL)
	if err != nil {
		s.logger.Error().Err(err).Msg("認可コードの発行に失敗しました")
		s.respondAuthorizeError(c, req, &authorizeError{code: "server_error", description: "認可コードの発行に失敗しました", redirect: true})
		return
	}

	s.recordEvent(ctx, user.Sub, event.AuthCodeIssuedData{
		ClientID:    client.ID,
		RedirectURI: req.RedirectURI,
		Scope:       scope,
	})
	c.Redirect(http.StatusFound, buildRedirect(req.RedirectURI, map[string]string{
		"code":  code.Code,
		"state": req.State,
	}))
}

// handleLogout はログインセッションを破棄して登録済みのサインアウトURLへリダイレクトするハンドラを返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		client, err := s.store.GetClient(ctx, c.Query("client_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "クライアントが見つかりません"})
			return
		}
		logoutURI := c.Query("logout_uri")
		if !client.HasLogoutURL(logoutURI) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "logout_uriが登録されていません"})
			return
		}

		if sid, err := c.Cookie(sessionCookieName); err == nil {
			if sess, ok := s.sessions.Get(sid); ok {
				s.recordEvent(ctx, sess.sub, event.SignedOutData{ClientID: client.ID})
			}
			s.sessions.Remove(sid)
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(sessionCookieName, "", -1, "/", "", s.cfg.SecureCookie, true)
		c.Redirect(http.StatusFound, logoutURI)
	}
}
