package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nao1215/authgate/pkg/config"
	"gopkg.in/yaml.v3"
)

// Action はリスナールールのアクション種別。
type Action string

const (
	// ActionAuthenticate はIdPで認証してから転送する。
	ActionAuthenticate Action = "authenticate"
	// ActionForward は認証せずにターゲットグループへ転送する。
	ActionForward Action = "forward"
	// ActionFixedResponse は固定レスポンスを返す。
	ActionFixedResponse Action = "fixed-response"
)

// 未認証リクエストの扱い。
const (
	OnUnauthenticatedAuthenticate = "authenticate"
	OnUnauthenticatedDeny         = "deny"
	OnUnauthenticatedAllow        = "allow"
)

// maxPatternLength はパスパターンの最大長。
const maxPatternLength = 128

// AuthenticateConfig はauthenticateアクションのルール単位の設定。空の項目はゲートウェイ全体の設定を使う。
type AuthenticateConfig struct {
	OnUnauthenticated string        `yaml:"on_unauthenticated" validate:"omitempty,oneof=authenticate deny allow"`
	Scope             string        `yaml:"scope"`
	SessionTimeout    time.Duration `yaml:"session_timeout" validate:"gte=0"`
}

// FixedResponse はfixed-responseアクションの内容。
type FixedResponse struct {
	StatusCode  int    `yaml:"status_code" validate:"min=200,max=599"`
	ContentType string `yaml:"content_type"`
	Body        string `yaml:"body"`
}

// Rule はリスナールール。
//
//	rules:
//	  - name: public
//	    priority: 10
//	    path_patterns: ["/public/*", "/favicon.ico"]
//	    action: forward
//	  - name: maintenance
//	    priority: 20
//	    path_patterns: ["/maintenance"]
//	    action: fixed-response
//	    fixed_response: {status_code: 503, content_type: text/plain, body: "メンテナンス中"}
type Rule struct {
	Name          string              `yaml:"name"`
	Priority      int                 `yaml:"priority" validate:"min=1,max=50000"`
	PathPatterns  []string            `yaml:"path_patterns" validate:"required,min=1,dive,required,startswith=/"`
	Methods       []string            `yaml:"methods" validate:"dive,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	Action        Action              `yaml:"action" validate:"required,oneof=authenticate forward fixed-response"`
	Authenticate  *AuthenticateConfig `yaml:"authenticate"`
	FixedResponse *FixedResponse      `yaml:"fixed_response"`

	matchers []*regexp.Regexp
}

// Matches はメソッドとパスがルールの条件に一致するかを返す。
func (r *Rule) Matches(method, path string) bool {
	if len(r.Methods) > 0 && !slices.Contains(r.Methods, method) {
		return false
	}
	// 既定ルールは条件を持たない
	if len(r.matchers) == 0 {
		return true
	}
	for _, m := range r.matchers {
		if m.MatchString(path) {
			return true
		}
	}
	return false
}

// String はログ出力用の識別子を返す。
func (r *Rule) String() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("priority-%d", r.Priority)
}

// onUnauthenticated はルールの未認証時の扱いを返す。未指定ならfallbackを使う。
func (r *Rule) onUnauthenticated(fallback string) string {
	if r.Authenticate != nil && r.Authenticate.OnUnauthenticated != "" {
		return r.Authenticate.OnUnauthenticated
	}
	return fallback
}

// compilePattern はパスパターンを正規表現に変換する。
// "*" は0文字以上、"?" はちょうど1文字に一致し、大文字と小文字を区別する。
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > maxPatternLength {
		return nil, fmt.Errorf("パスパターンが長すぎます: %q", pattern)
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// RuleSet は優先度順に評価されるリスナールールの集合。
type RuleSet struct {
	rules []*Rule
	def   *Rule
}

type rulesFile struct {
	Rules []*Rule `yaml:"rules" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultRule はすべてのリクエストに一致する既定ルールを返す。
func DefaultRule(onUnauthenticated string) *Rule {
	return &Rule{
		Name:         "default",
		Action:       ActionAuthenticate,
		Authenticate: &AuthenticateConfig{OnUnauthenticated: onUnauthenticated},
	}
}

// NewRuleSet はルールを検証して優先度順に並べる。
func NewRuleSet(rules []*Rule, def *Rule) (*RuleSet, error) {
	seen := make(map[int]string, len(rules))
	for _, r := range rules {
		if err := validate.Struct(r); err != nil {
			return nil, fmt.Errorf("ルール %q が不正です: %w", r.Name, err)
		}
		if r.Action == ActionFixedResponse && r.FixedResponse == nil {
			return nil, fmt.Errorf("ルール %q: fixed-responseにはfixed_responseが必要です", r.Name)
		}
		if a := r.Authenticate; a != nil && a.Scope != "" && !config.HasOpenIDScope(a.Scope) {
			return nil, fmt.Errorf("ルール %q: scopeにはopenidが必要です", r.Name)
		}
		if other, ok := seen[r.Priority]; ok {
			return nil, fmt.Errorf("ルール %q と %q の優先度 %d が重複しています", other, r.Name, r.Priority)
		}
		seen[r.Priority] = r.Name

		r.matchers = r.matchers[:0]
		for _, p := range r.PathPatterns {
			re, err := compilePattern(p)
			if err != nil {
				return nil, fmt.Errorf("ルール %q: %w", r.Name, err)
			}
			r.matchers = append(r.matchers, re)
		}
	}
	if def == nil {
		return nil, errors.New("既定ルールが必要です")
	}

	sorted := slices.Clone(rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &RuleSet{rules: sorted, def: def}, nil
}

// ParseRules はYAMLのルール定義を解釈する。
func ParseRules(data []byte, def *Rule) (*RuleSet, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ルールファイルの解釈に失敗: %w", err)
	}
	return NewRuleSet(f.Rules, def)
}

// LoadRules はルールファイルを読み込む。pathが空の場合は既定ルールのみのRuleSetを返す。
func LoadRules(path string, def *Rule) (*RuleSet, error) {
	if path == "" {
		return NewRuleSet(nil, def)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ルールファイルの読み込みに失敗: %w", err)
	}
	return ParseRules(data, def)
}

// Match は最初に一致したルールを返す。どれにも一致しなければ既定ルールを返す。
func (rs *RuleSet) Match(method, path string) *Rule {
	for _, r := range rs.rules {
		if r.Matches(method, path) {
			return r
		}
	}
	return rs.def
}

// Rules は優先度順のルールを返す。既定ルールは含まない。
func (rs *RuleSet) Rules() []*Rule {
	return slices.Clone(rs.rules)
}

func (f *FixedResponse) contentType() string {
	if f.ContentType == "" {
		return "text/plain; charset=utf-8"
	}
	return f.ContentType
}

// write はfixed-responseを書き込む。
func (f *FixedResponse) write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", f.contentType())
	w.WriteHeader(f.StatusCode)
	_, _ = w.Write([]byte(f.Body))
}
