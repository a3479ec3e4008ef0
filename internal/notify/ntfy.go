package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options ntfy 客户端配置
type Options struct {
	URL     string
	Token   string        // 可选，Bearer 访问令牌
	Tags    string        // 可选，逗号分隔
	Timeout time.Duration // 0 表示使用传输层默认值
}

// Ntfy 将通知以 HTTP POST 投递到 ntfy 主题
type Ntfy struct {
	endpoint   string
	token      string
	tags       string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewNtfy 创建 ntfy 客户端，URL 不合法时返回错误
func NewNtfy(opts Options, logger *zap.Logger) (*Ntfy, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("ntfy: empty url")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("ntfy: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ntfy: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("ntfy: missing host in %q", opts.URL)
	}

	return &Ntfy{
		endpoint: u.String(),
		token:    opts.Token,
		tags:     opts.Tags,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger.Named("ntfy"),
	}, nil
}

// Endpoint 推送地址
func (n *Ntfy) Endpoint() string {
	return n.endpoint
}

// Send 发送一条通知。只要请求完成即视为成功，不解析响应体。
func (n *Ntfy) Send(ctx context.Context, title, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Title", title)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if n.tags != "" {
		req.Header.Set("Tags", n.tags)
	}
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("Notification endpoint returned non-2xx status",
			zap.Int("status", resp.StatusCode),
			zap.String("title", title),
		)
	}
	return nil
}
