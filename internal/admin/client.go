package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"sitecache/internal/worker"
)

// Client talks to a running admin server.
type Client struct {
	resty *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	rc := resty.New().SetBaseURL(strings.TrimRight(baseURL, "/"))
	if timeout > 0 {
		rc.SetTimeout(timeout)
	}
	rc.SetHeader("Accept", "application/json")
	return &Client{resty: rc}
}

// SendMessage posts a control message such as skipWaiting or clearCache.
func (c *Client) SendMessage(ctx context.Context, action string) error {
	_, err := c.do(ctx, resty.MethodPost, "/worker/messages", worker.Message{Action: action}, nil)
	return err
}

func (c *Client) Status(ctx context.Context) (worker.Status, error) {
	var st worker.Status
	_, err := c.do(ctx, resty.MethodGet, "/worker/status", nil, &st)
	return st, err
}

func (c *Client) KVStats(ctx context.Context) (KVStats, error) {
	var st KVStats
	_, err := c.do(ctx, resty.MethodGet, "/kv/stats", nil, &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) (*resty.Response, error) {
	req := c.resty.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return resp, err
	}
	if resp.IsError() {
		return resp, fmt.Errorf("http %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return resp, nil
}
