package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nao1215/authgate/pkg/config"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNoTargets はターゲットグループにターゲットが登録されていないことを表す。
var ErrNoTargets = errors.New("ターゲットが登録されていません")

// TargetState はターゲットのヘルス状態。
type TargetState string

const (
	// StateInitial は登録直後で、まだ閾値分のヘルスチェックが済んでいない状態。
	StateInitial TargetState = "initial"
	// StateHealthy は正常。
	StateHealthy TargetState = "healthy"
	// StateUnhealthy は異常。
	StateUnhealthy TargetState = "unhealthy"
)

// Target はターゲットグループに登録されたバックエンド。
type Target struct {
	URL   *url.URL
	proxy *httputil.ReverseProxy

	// 以下はTargetGroup.muで保護する
	state     TargetState
	successes int
	failures  int
	reason    string
}

// TargetStatus はターゲットの状態のスナップショット。
type TargetStatus struct {
	URL    string      `json:"url"`
	State  TargetState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

// TargetGroup はヘルスチェック付きのターゲットの集合。
// 正常なターゲットをラウンドロビンで選び、正常なターゲットが無い場合は全ターゲットに振り分ける（フェイルオープン）。
type TargetGroup struct {
	mu      sync.RWMutex
	targets []*Target
	next    atomic.Uint64

	hc     config.HealthCheck
	client *http.Client
	logger zerolog.Logger
}

// NewTargetGroup は新しいTargetGroupを生成する。登録直後のターゲットはStateInitialになる。
func NewTargetGroup(rawURLs []string, hc config.HealthCheck, logger zerolog.Logger) (*TargetGroup, error) {
	g := &TargetGroup{
		hc: hc,
		client: &http.Client{
			Timeout: hc.Timeout,
			// 3xxも成功として扱うためリダイレクトは追わない
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
	for _, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("ターゲットURLが不正です: %q", raw)
		}
		g.targets = append(g.targets, &Target{
			URL:   u,
			proxy: newProxy(u, logger),
			state: StateInitial,
		})
	}
	return g, nil
}

// newProxy はターゲットへのリバースプロキシを生成する。
func newProxy(target *url.URL, logger zerolog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error().Err(err).Str("target", target.String()).Str("path", r.URL.Path).Msg("ターゲットへの転送に失敗しました")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"ターゲットとの通信に失敗しました"}`))
		},
	}
}

// Pick はリクエストの転送先を選ぶ。
func (g *TargetGroup) Pick() (*Target, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.targets) == 0 {
		return nil, ErrNoTargets
	}
	healthy := make([]*Target, 0, len(g.targets))
	for _, t := range g.targets {
		if t.state == StateHealthy {
			healthy = append(healthy, t)
		}
	}
	if len(healthy) == 0 {
		healthy = g.targets
	}
	n := g.next.Add(1) - 1
	return healthy[n%uint64(len(healthy))], nil
}

// Status は全ターゲットの状態を返す。
func (g *TargetGroup) Status() []TargetStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]TargetStatus, 0, len(g.targets))
	for _, t := range g.targets {
		out = append(out, TargetStatus{URL: t.URL.String(), State: t.state, Reason: t.reason})
	}
	return out
}

// Run はctxがキャンセルされるまで一定間隔でヘルスチェックを行う。起動直後にも1回実行する。
func (g *TargetGroup) Run(ctx context.Context) {
	ticker := time.NewTicker(g.hc.Interval)
	defer ticker.Stop()

	for {
		g.CheckOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckOnce は全ターゲットに並行してヘルスチェックを1回行う。
func (g *TargetGroup) CheckOnce(ctx context.Context) {
	g.mu.RLock()
	targets := append([]*Target(nil), g.targets...)
	g.mu.RUnlock()

	var eg errgroup.Group
	for _, t := range targets {
		eg.Go(func() error {
			err := g.probe(ctx, t)
			if ctx.Err() != nil {
				return nil
			}
			g.record(t, err)
			return nil
		})
	}
	_ = eg.Wait()
}

// probe はヘルスチェックのリクエストを1回送る。2xxと3xxを成功とする。
func (g *TargetGroup) probe(ctx context.Context, t *Target) error {
	u := t.URL.JoinPath(g.hc.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "authgate-health-checker/1.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("ヘルスチェックのステータスコードが不正: %d", resp.StatusCode)
	}
	return nil
}

// record はヘルスチェックの結果を反映し、閾値に達したら状態を遷移させる。
func (g *TargetGroup) record(t *Target, checkErr error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := t.state
	if checkErr == nil {
		t.successes++
		t.failures = 0
		t.reason = ""
		if t.state != StateHealthy && t.successes >= g.hc.HealthyThreshold {
			t.state = StateHealthy
		}
	} else {
		t.failures++
		t.successes = 0
		t.reason = checkErr.Error()
		if t.state != StateUnhealthy && t.failures >= g.hc.UnhealthyThreshold {
			t.state = StateUnhealthy
		}
	}

	if prev != t.state {
		g.logger.Info().
			Str("target", t.URL.String()).
			Str("from", string(prev)).
			Str("to", string(t.state)).
			Msg("ターゲットの状態が変化しました")
	}
}
