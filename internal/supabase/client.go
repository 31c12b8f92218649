// Package supabase はホスト型バックエンド（GoTrue認証APIとPostgREST）のクライアントを提供する。
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/coffeeshop/internal/metrics"
)

// maxErrorBody はエラーレスポンスとして読み取る最大バイト数。
const maxErrorBody = 64 << 10

// Error はバックエンドが返したエラーレスポンスを表す。
// Messageは運用ログ向けであり、利用者にはそのまま表示しない。
type Error struct {
	Operation string
	Status    int
	Code      string
	Message   string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: backend returned %d (%s): %s", e.Operation, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Operation, e.Status, e.Message)
}

// Options はClientの任意設定。
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    metrics.MetricsCollector
}

// Client はAPIキー単位のバックエンドクライアント。
// 認証APIには公開キー、プロフィール書き込みにはサービスキーのClientを使い分ける。
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewClient はClientを生成する。baseURLはhttp(s)の絶対URLでなければならない。
func NewClient(baseURL, apiKey string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", baseURL)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("backend API key is empty")
	}

	c := &Client{
		baseURL:    u,
		apiKey:     apiKey,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop{}
	}
	return c, nil
}

// request は1回のAPI呼び出しの内容。
type request struct {
	op         string // メトリクスとログに使う操作名
	method     string
	path       string
	query      url.Values
	header     http.Header
	bearer     string // 空の場合はAPIキーを使う
	body       any
	out        any
	okStatuses []int
}

// endpoint はパスとクエリから絶対URLを組み立てる。
func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do はリクエストを送信し、成功時はoutにJSONをデコードする。
// 成功以外のステータスは*Errorとして返す。自動リトライは行わない。
func (c *Client) do(ctx context.Context, r request) error {
	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", r.op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.endpoint(r.path, r.query), body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", r.op, err)
	}
	req.Header.Set("apikey", c.apiKey)
	bearer := r.bearer
	if bearer == "" {
		bearer = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordBackendLatency(r.op, time.Since(start))
	if err != nil {
		c.logger.ErrorContext(ctx, "backend request failed",
			slog.String("operation", r.op),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s: %w", r.op, err)
	}
	defer resp.Body.Close()

	if !statusOK(resp.StatusCode, r.okStatuses) {
		apiErr := decodeError(r.op, resp)
		c.logger.WarnContext(ctx, "backend returned error status",
			slog.String("operation", r.op),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return apiErr
	}

	if r.out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", r.op, err)
	}
	return nil
}

func statusOK(status int, ok []int) bool {
	if len(ok) == 0 {
		return status >= 200 && status < 300
	}
	for _, s := range ok {
		if s == status {
			return true
		}
	}
	return false
}

// decodeError はGoTrueとPostgRESTの両方のエラー形式を解釈する。
func decodeError(op string, resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorCode        string `json:"error_code"`
		Code             any    `json:"code"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	e := &Error{Operation: op, Status: resp.StatusCode}
	if err := json.Unmarshal(raw, &payload); err != nil {
		e.Message = strings.TrimSpace(string(raw))
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return e
	}

	switch {
	case payload.ErrorCode != "":
		e.Code = payload.ErrorCode
	case payload.Error != "":
		e.Code = payload.Error
	default:
		if s, ok := payload.Code.(string); ok {
			e.Code = s
		}
	}
	for _, m := range []string{payload.ErrorDescription, payload.Msg, payload.Message} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
